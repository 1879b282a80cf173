// Package fabric defines the domain types shared across fabric-sync:
// fabrics, repository profiles, managed resources, sync operations, and
// the drift classification model.
package fabric

import (
	"time"
)

// AuthKind selects the Git authentication mechanism for a repository profile.
type AuthKind string

const (
	AuthToken AuthKind = "token"
	AuthBasic AuthKind = "basic"
	AuthSSH   AuthKind = "ssh"
	AuthNone  AuthKind = "none"
)

// GitRepository is a reusable Git connection profile. Credential material is
// never stored here; SecretRef names an entry resolved through the injected
// credential provider at use time.
type GitRepository struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Branch    string    `json:"branch"`
	AuthKind  AuthKind  `json:"authKind"`
	SecretRef string    `json:"secretRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FabricStatus is the aggregate drift/sync state rolled up per fabric.
type FabricStatus string

const (
	FabricNeverSynced FabricStatus = "never_synced"
	FabricInSync      FabricStatus = "in_sync"
	FabricDrift       FabricStatus = "drift"
	FabricConflict    FabricStatus = "conflict"
	FabricError       FabricStatus = "error"
)

// Fabric is the unit of isolation: one Git directory, one Kubernetes
// connection, one set of managed resources. A fabric's credentials and
// GitOps directory are exclusive to it.
type Fabric struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	RepositoryID  string       `json:"repositoryId"`
	GitOpsDir     string       `json:"gitopsDir"`
	KubeAPIURL    string       `json:"kubeApiUrl,omitempty"`
	KubeCAPEM     string       `json:"-"`
	KubeSecretRef string       `json:"kubeSecretRef,omitempty"`
	KubeNamespace string       `json:"kubeNamespace,omitempty"`
	Status        FabricStatus `json:"status"`
	ResourceCount int          `json:"resourceCount"`
	DriftCount    int          `json:"driftCount"`
	LastSyncAt    time.Time    `json:"lastSyncAt,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// DriftState classifies one resource's relationship between Git-desired
// and cluster-actual state.
type DriftState string

const (
	// DriftInSync means Git and cluster agree on the normalized spec.
	DriftInSync DriftState = "in_sync"
	// DriftDetected means the sides disagree and exactly one changed since
	// the last successful sync; the unchanged side is authoritative.
	DriftDetected DriftState = "drift_detected"
	// DriftGitAhead means the resource exists in Git but not in the cluster.
	DriftGitAhead DriftState = "git_ahead"
	// DriftClusterAhead means the resource exists only in the cluster.
	// Not drift: an orphaned cluster resource requires an explicit adopt.
	DriftClusterAhead DriftState = "cluster_ahead"
	// DriftConflict means both sides changed since the last successful sync.
	// Never auto-resolved.
	DriftConflict DriftState = "conflict"
	// DriftUnknown is the initial state before any comparison has run.
	DriftUnknown DriftState = "unknown"
)

// SyncDirection is a per-resource preference for which side wins when a
// single-sided drift is corrected.
type SyncDirection string

const (
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionGitToCluster  SyncDirection = "git_to_cluster"
	DirectionClusterToGit  SyncDirection = "cluster_to_git"
)

// ManagedResource is one Custom Resource instance tracked by a fabric.
// (FabricID, Kind, Name) is unique.
type ManagedResource struct {
	ID              string        `json:"id"`
	FabricID        string        `json:"fabricId"`
	Kind            Kind          `json:"kind"`
	Name            string        `json:"name"`
	SpecJSON        string        `json:"-"`
	FilePath        string        `json:"filePath,omitempty"`
	ContentHash     string        `json:"contentHash,omitempty"`
	ClusterHash     string        `json:"clusterHash,omitempty"`
	SyncDirection   SyncDirection `json:"syncDirection"`
	DriftState      DriftState    `json:"driftState"`
	GitSyncedAt     time.Time     `json:"gitSyncedAt,omitempty"`
	ClusterSyncedAt time.Time     `json:"clusterSyncedAt,omitempty"`
}

// Key returns the (kind, name) identity used for drift set comparison.
func (r *ManagedResource) Key() ResourceKey {
	return ResourceKey{Kind: r.Kind, Name: r.Name}
}

// ResourceKey identifies a resource within one fabric.
type ResourceKey struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

func (k ResourceKey) String() string {
	return string(k.Kind) + "/" + k.Name
}

// OpKind is the kind of a sync operation.
type OpKind string

const (
	OpFullSync OpKind = "full_sync"
	OpPush     OpKind = "push"
	OpPull     OpKind = "pull"
	OpRepair   OpKind = "repair"
)

// OpStatus is the lifecycle state of a sync operation.
type OpStatus string

const (
	OpRunning OpStatus = "running"
	OpSuccess OpStatus = "success"
	OpFailed  OpStatus = "failed"
)

// SyncOperation is one audited unit of reconciliation work for a fabric.
// At most one operation per fabric may be running at a time; the store
// enforces this with a partial unique index so the invariant survives
// process restarts.
type SyncOperation struct {
	ID         string    `json:"id"`
	FabricID   string    `json:"fabricId"`
	Kind       OpKind    `json:"kind"`
	Status     OpStatus  `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Processed  int       `json:"processed"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Deleted    int       `json:"deleted"`
	CommitRef  string    `json:"commitRef,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DriftRecord is the per-resource comparison outcome for one sync pass.
// Derived, not persisted independently.
type DriftRecord struct {
	Key         ResourceKey `json:"key"`
	State       DriftState  `json:"state"`
	GitHash     string      `json:"gitHash,omitempty"`
	ClusterHash string      `json:"clusterHash,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

// DriftSummary aggregates a fabric's drift records for one pass.
type DriftSummary struct {
	FabricID   string             `json:"fabricId"`
	ComputedAt time.Time          `json:"computedAt"`
	Counts     map[DriftState]int `json:"counts"`
	Records    []DriftRecord      `json:"records"`
}

// Status rolls the summary up into a fabric-level aggregate.
func (s *DriftSummary) Status() FabricStatus {
	if s.Counts[DriftConflict] > 0 {
		return FabricConflict
	}
	if s.Counts[DriftDetected] > 0 || s.Counts[DriftGitAhead] > 0 || s.Counts[DriftClusterAhead] > 0 {
		return FabricDrift
	}
	return FabricInSync
}

// DriftTotal counts records in any state other than in_sync.
func (s *DriftSummary) DriftTotal() int {
	total := 0
	for state, n := range s.Counts {
		if state != DriftInSync {
			total += n
		}
	}
	return total
}
