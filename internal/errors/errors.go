// Package errors provides structured error types with codes for fabric-sync.
// These error types enable consistent error handling, logging, and API responses.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique identifier for error types.
// Codes are organized by category:
//   - 1xxx: Git repository errors
//   - 2xxx: Server/HTTP errors
//   - 3xxx: Manifest/validation errors
//   - 4xxx: Store errors
//   - 5xxx: Cluster errors
//   - 6xxx: Sync orchestration errors
type ErrorCode int

const (
	// Git repository errors (1xxx)
	ErrGitAuthFailed     ErrorCode = 1001
	ErrGitNotFound       ErrorCode = 1002
	ErrGitNetwork        ErrorCode = 1003
	ErrGitRemoteDiverged ErrorCode = 1004
	ErrGitWorktree       ErrorCode = 1005

	// Server/HTTP errors (2xxx)
	ErrBadRequest     ErrorCode = 2001
	ErrNotFound       ErrorCode = 2002
	ErrInternalServer ErrorCode = 2003
	ErrValidation     ErrorCode = 2004
	ErrAlreadyRunning ErrorCode = 2005

	// Manifest/validation errors (3xxx)
	ErrManifestParse       ErrorCode = 3001
	ErrManifestUnknownKind ErrorCode = 3002
	ErrManifestIdentity    ErrorCode = 3003
	ErrManifestWrite       ErrorCode = 3004

	// Store errors (4xxx)
	ErrStoreNotInit    ErrorCode = 4001
	ErrStoreWrite      ErrorCode = 4002
	ErrStoreQuery      ErrorCode = 4003
	ErrStoreIntegrity  ErrorCode = 4004
	ErrStoreDuplicate  ErrorCode = 4005
	ErrUnknownFabric   ErrorCode = 4006
	ErrOperationActive ErrorCode = 4007

	// Cluster errors (5xxx)
	ErrClusterAuth         ErrorCode = 5001
	ErrClusterUnreachable  ErrorCode = 5002
	ErrClusterCRDMissing   ErrorCode = 5003
	ErrClusterResourceMiss ErrorCode = 5004
	ErrClusterAPIError     ErrorCode = 5005

	// Sync orchestration errors (6xxx)
	ErrSyncCancelled ErrorCode = 6001
	ErrSyncConflict  ErrorCode = 6002
	ErrSyncFatal     ErrorCode = 6003
)

// String returns a human-readable code identifier.
func (c ErrorCode) String() string {
	switch c {
	// Git errors
	case ErrGitAuthFailed:
		return "GIT_AUTH_FAILED"
	case ErrGitNotFound:
		return "GIT_REPO_NOT_FOUND"
	case ErrGitNetwork:
		return "GIT_NETWORK_ERROR"
	case ErrGitRemoteDiverged:
		return "GIT_REMOTE_DIVERGED"
	case ErrGitWorktree:
		return "GIT_WORKTREE_ERROR"
	// Server errors
	case ErrBadRequest:
		return "BAD_REQUEST"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrInternalServer:
		return "INTERNAL_SERVER_ERROR"
	case ErrValidation:
		return "VALIDATION_ERROR"
	case ErrAlreadyRunning:
		return "SYNC_ALREADY_RUNNING"
	// Manifest errors
	case ErrManifestParse:
		return "MANIFEST_PARSE_FAILED"
	case ErrManifestUnknownKind:
		return "MANIFEST_UNKNOWN_KIND"
	case ErrManifestIdentity:
		return "MANIFEST_MISSING_IDENTITY"
	case ErrManifestWrite:
		return "MANIFEST_WRITE_FAILED"
	// Store errors
	case ErrStoreNotInit:
		return "STORE_NOT_INITIALIZED"
	case ErrStoreWrite:
		return "STORE_WRITE_FAILED"
	case ErrStoreQuery:
		return "STORE_QUERY_FAILED"
	case ErrStoreIntegrity:
		return "STORE_INTEGRITY_VIOLATION"
	case ErrStoreDuplicate:
		return "STORE_DUPLICATE_KEY"
	case ErrUnknownFabric:
		return "UNKNOWN_FABRIC"
	case ErrOperationActive:
		return "OPERATION_ALREADY_ACTIVE"
	// Cluster errors
	case ErrClusterAuth:
		return "CLUSTER_AUTH_FAILED"
	case ErrClusterUnreachable:
		return "CLUSTER_UNREACHABLE"
	case ErrClusterCRDMissing:
		return "CLUSTER_CRD_NOT_INSTALLED"
	case ErrClusterResourceMiss:
		return "CLUSTER_RESOURCE_NOT_FOUND"
	case ErrClusterAPIError:
		return "CLUSTER_API_ERROR"
	// Sync errors
	case ErrSyncCancelled:
		return "SYNC_CANCELLED"
	case ErrSyncConflict:
		return "SYNC_CONFLICT"
	case ErrSyncFatal:
		return "SYNC_FATAL"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_%d", c)
	}
}

// Category classifies an error code for retry/abort decisions.
type Category int

const (
	CategoryUnknown Category = iota
	// CategoryConfig covers bad credentials, unreachable endpoints, and
	// missing required fields. Fatal to the current operation, never retried.
	CategoryConfig
	// CategoryTransient covers network timeouts and momentary unavailability.
	// Retried with bounded exponential backoff.
	CategoryTransient
	// CategoryValidation covers malformed input localized to one document.
	// Quarantined, never aborts the overall pass.
	CategoryValidation
	// CategoryConflict covers bidirectional divergence. Never auto-resolved.
	CategoryConflict
	// CategoryIntegrity covers referential violations and duplicate keys.
	// Fatal, operation aborted.
	CategoryIntegrity
)

// Category returns the error taxonomy bucket for a code.
func (c ErrorCode) Category() Category {
	switch c {
	case ErrGitAuthFailed, ErrGitNotFound, ErrClusterAuth, ErrClusterCRDMissing, ErrUnknownFabric:
		return CategoryConfig
	case ErrGitNetwork, ErrClusterUnreachable:
		return CategoryTransient
	case ErrManifestParse, ErrManifestUnknownKind, ErrManifestIdentity, ErrValidation:
		return CategoryValidation
	case ErrSyncConflict, ErrGitRemoteDiverged:
		return CategoryConflict
	case ErrStoreIntegrity, ErrStoreDuplicate, ErrOperationActive:
		return CategoryIntegrity
	default:
		return CategoryUnknown
	}
}

// SyncError is a structured error type with error codes.
type SyncError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]any // Additional context for debugging
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code.String(), e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// New creates a new SyncError with the given code and message.
func New(code ErrorCode, message string) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a SyncError.
func Wrap(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithDetails adds contextual details to the error.
func (e *SyncError) WithDetails(details map[string]any) *SyncError {
	e.Details = details
	return e
}

// WithDetail adds a single detail key-value pair.
func (e *SyncError) WithDetail(key string, value any) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// GetCode extracts the error code from an error if it's a SyncError.
// Returns 0 if the error is not a SyncError.
func GetCode(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return 0
}

// IsCode checks if an error has the specified error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	return GetCode(err).Category() == CategoryTransient
}

// IsConfig reports whether an error is a configuration error (never retried).
func IsConfig(err error) bool {
	return GetCode(err).Category() == CategoryConfig
}

// --- Convenience constructors for common errors ---

// UnknownFabric returns an error for an upsert against a nonexistent fabric.
// This is a programming-error-class failure, not retried.
func UnknownFabric(fabricID string) *SyncError {
	return New(ErrUnknownFabric, fmt.Sprintf("fabric %s does not exist", fabricID)).
		WithDetail("fabric", fabricID)
}

// AlreadyRunning returns an error when a sync is already in flight for a fabric.
func AlreadyRunning(fabricID string) *SyncError {
	return New(ErrAlreadyRunning, fmt.Sprintf("a sync operation is already running for fabric %s", fabricID)).
		WithDetail("fabric", fabricID)
}

// ValidationError returns an error for invalid input.
func ValidationError(message string) *SyncError {
	return New(ErrValidation, message)
}

// InternalError wraps an internal error with additional context.
func InternalError(message string, cause error) *SyncError {
	return Wrap(ErrInternalServer, message, cause)
}

// ResourceNotFound returns an error when a managed resource can't be found.
func ResourceNotFound(kind, name string) *SyncError {
	return New(ErrNotFound, fmt.Sprintf("%s %s not found", kind, name)).
		WithDetail("kind", kind).
		WithDetail("name", name)
}
