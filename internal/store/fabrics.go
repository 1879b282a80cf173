package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

const timeFormat = time.RFC3339Nano

// CreateRepository persists a Git repository profile. The ID is assigned
// when empty.
func (s *Store) CreateRepository(ctx context.Context, repo *fabric.GitRepository) error {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.Branch == "" {
		repo.Branch = "main"
	}
	if repo.AuthKind == "" {
		repo.AuthKind = fabric.AuthNone
	}
	repo.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_repositories (id, name, url, branch, auth_kind, secret_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.Name, repo.URL, repo.Branch, string(repo.AuthKind), repo.SecretRef,
		repo.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrStoreDuplicate, "repository name already exists", err)
		}
		return errors.Wrap(errors.ErrStoreWrite, "failed to create repository", err)
	}
	return nil
}

// GetRepository fetches one repository profile by ID.
func (s *Store) GetRepository(ctx context.Context, id string) (*fabric.GitRepository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, branch, auth_kind, secret_ref, created_at
		FROM git_repositories WHERE id = ?`, id)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "repository not found").WithDetail("id", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to load repository", err)
	}
	return repo, nil
}

// ListRepositories returns all repository profiles.
func (s *Store) ListRepositories(ctx context.Context) ([]fabric.GitRepository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, branch, auth_kind, secret_ref, created_at
		FROM git_repositories ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to list repositories", err)
	}
	defer rows.Close()

	var repos []fabric.GitRepository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStoreQuery, "failed to scan repository", err)
		}
		repos = append(repos, *repo)
	}
	return repos, rows.Err()
}

// CreateFabric persists a fabric. The referenced repository must exist.
func (s *Store) CreateFabric(ctx context.Context, f *fabric.Fabric) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = fabric.FabricNeverSynced
	}
	f.CreatedAt = time.Now().UTC()

	if _, err := s.GetRepository(ctx, f.RepositoryID); err != nil {
		return errors.Wrap(errors.ErrStoreIntegrity, "fabric references unknown repository", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fabrics (id, name, repo_id, gitops_dir, kube_api_url, kube_ca_pem,
			kube_secret_ref, kube_namespace, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.RepositoryID, f.GitOpsDir, f.KubeAPIURL, f.KubeCAPEM,
		f.KubeSecretRef, f.KubeNamespace, string(f.Status), f.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrStoreDuplicate, "fabric name already exists", err)
		}
		return errors.Wrap(errors.ErrStoreWrite, "failed to create fabric", err)
	}
	return nil
}

// GetFabric fetches one fabric by ID.
func (s *Store) GetFabric(ctx context.Context, id string) (*fabric.Fabric, error) {
	row := s.db.QueryRowContext(ctx, fabricSelect+` WHERE id = ?`, id)
	f, err := scanFabric(row)
	if err == sql.ErrNoRows {
		return nil, errors.UnknownFabric(id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to load fabric", err)
	}
	return f, nil
}

// ListFabrics returns all fabrics.
func (s *Store) ListFabrics(ctx context.Context) ([]fabric.Fabric, error) {
	rows, err := s.db.QueryContext(ctx, fabricSelect+` ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to list fabrics", err)
	}
	defer rows.Close()

	var fabrics []fabric.Fabric
	for rows.Next() {
		f, err := scanFabric(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStoreQuery, "failed to scan fabric", err)
		}
		fabrics = append(fabrics, *f)
	}
	return fabrics, rows.Err()
}

// DeleteFabric removes a fabric; resources and operations cascade.
func (s *Store) DeleteFabric(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fabrics WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(errors.ErrStoreWrite, "failed to delete fabric", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.UnknownFabric(id)
	}
	return nil
}

// UpdateFabricStatus records a fabric's aggregate drift/sync state after a
// successful operation. Failures go through RecordFabricError instead.
func (s *Store) UpdateFabricStatus(ctx context.Context, id string, status fabric.FabricStatus,
	resourceCount, driftCount int, lastSyncAt time.Time, lastError string) error {

	_, err := s.db.ExecContext(ctx, `
		UPDATE fabrics SET status = ?, resource_count = ?, drift_count = ?,
			last_sync_at = ?, last_error = ?
		WHERE id = ?`,
		string(status), resourceCount, driftCount,
		lastSyncAt.UTC().Format(timeFormat), lastError, id)
	if err != nil {
		return errors.Wrap(errors.ErrStoreWrite, "failed to update fabric status", err)
	}
	return nil
}

// RecordFabricError notes a failed operation on the fabric. The last known
// drift classification is kept; only a fabric that has never synced moves to
// the error status, since it has no known-good state to keep.
func (s *Store) RecordFabricError(ctx context.Context, id, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fabrics
		SET last_error = ?,
			status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?`,
		detail, string(fabric.FabricNeverSynced), string(fabric.FabricError), id)
	if err != nil {
		return errors.Wrap(errors.ErrStoreWrite, "failed to record fabric error", err)
	}
	return nil
}

const fabricSelect = `
	SELECT id, name, repo_id, gitops_dir, kube_api_url, kube_ca_pem,
		kube_secret_ref, kube_namespace, status, resource_count, drift_count,
		last_sync_at, last_error, created_at
	FROM fabrics`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*fabric.GitRepository, error) {
	var repo fabric.GitRepository
	var authKind string
	var secretRef sql.NullString
	var createdAt string

	err := row.Scan(&repo.ID, &repo.Name, &repo.URL, &repo.Branch, &authKind, &secretRef, &createdAt)
	if err != nil {
		return nil, err
	}
	repo.AuthKind = fabric.AuthKind(authKind)
	if secretRef.Valid {
		repo.SecretRef = secretRef.String
	}
	repo.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &repo, nil
}

func scanFabric(row rowScanner) (*fabric.Fabric, error) {
	var f fabric.Fabric
	var status, createdAt string
	var apiURL, caPEM, secretRef, namespace, lastSyncAt, lastError sql.NullString

	err := row.Scan(&f.ID, &f.Name, &f.RepositoryID, &f.GitOpsDir, &apiURL, &caPEM,
		&secretRef, &namespace, &status, &f.ResourceCount, &f.DriftCount,
		&lastSyncAt, &lastError, &createdAt)
	if err != nil {
		return nil, err
	}
	f.Status = fabric.FabricStatus(status)
	if apiURL.Valid {
		f.KubeAPIURL = apiURL.String
	}
	if caPEM.Valid {
		f.KubeCAPEM = caPEM.String
	}
	if secretRef.Valid {
		f.KubeSecretRef = secretRef.String
	}
	if namespace.Valid {
		f.KubeNamespace = namespace.String
	}
	if lastSyncAt.Valid && lastSyncAt.String != "" {
		f.LastSyncAt, _ = time.Parse(timeFormat, lastSyncAt.String)
	}
	if lastError.Valid {
		f.LastError = lastError.String
	}
	f.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &f, nil
}

// isUniqueViolation detects SQLite unique-constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
