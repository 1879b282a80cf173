package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// UpsertOutcome reports what an upsert did. Unchanged is the idempotence
// signal: repeated syncs with no external changes produce only Unchanged
// outcomes and zero writes.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// UpsertFromGit records a resource discovered in the Git-desired view.
// Keyed by (fabric, kind, name); when the stored content hash equals the
// incoming hash no write occurs.
func (s *Store) UpsertFromGit(ctx context.Context, fabricID string, kind fabric.Kind, name,
	specJSON, contentHash, filePath string) (*fabric.ManagedResource, UpsertOutcome, error) {

	existing, err := s.GetResource(ctx, fabricID, kind, name)
	if err != nil && !errors.IsCode(err, errors.ErrNotFound) {
		return nil, "", err
	}

	now := time.Now().UTC()
	if existing == nil {
		if err := s.requireFabric(ctx, fabricID); err != nil {
			return nil, "", err
		}
		rec := &fabric.ManagedResource{
			ID:            uuid.NewString(),
			FabricID:      fabricID,
			Kind:          kind,
			Name:          name,
			SpecJSON:      specJSON,
			FilePath:      filePath,
			ContentHash:   contentHash,
			SyncDirection: fabric.DirectionBidirectional,
			DriftState:    fabric.DriftUnknown,
			GitSyncedAt:   now,
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO managed_resources (id, fabric_id, kind, name, spec_json, file_path,
				content_hash, sync_direction, drift_state, git_synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, fabricID, string(kind), name, specJSON, filePath,
			contentHash, string(rec.SyncDirection), string(rec.DriftState), now.Format(timeFormat))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, "", errors.Wrap(errors.ErrStoreDuplicate, "concurrent insert for resource", err)
			}
			return nil, "", errors.Wrap(errors.ErrStoreWrite, "failed to insert resource", err)
		}
		return rec, OutcomeCreated, nil
	}

	if existing.ContentHash == contentHash {
		return existing, OutcomeUnchanged, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE managed_resources
		SET spec_json = ?, file_path = ?, content_hash = ?, git_synced_at = ?
		WHERE fabric_id = ? AND kind = ? AND name = ?`,
		specJSON, filePath, contentHash, now.Format(timeFormat),
		fabricID, string(kind), name)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrStoreWrite, "failed to update resource", err)
	}
	existing.SpecJSON = specJSON
	existing.FilePath = filePath
	existing.ContentHash = contentHash
	existing.GitSyncedAt = now
	return existing, OutcomeUpdated, nil
}

// UpsertFromCluster records a resource observed in the cluster-actual view.
func (s *Store) UpsertFromCluster(ctx context.Context, fabricID string, kind fabric.Kind, name,
	specJSON, clusterHash string) (*fabric.ManagedResource, UpsertOutcome, error) {

	existing, err := s.GetResource(ctx, fabricID, kind, name)
	if err != nil && !errors.IsCode(err, errors.ErrNotFound) {
		return nil, "", err
	}

	now := time.Now().UTC()
	if existing == nil {
		if err := s.requireFabric(ctx, fabricID); err != nil {
			return nil, "", err
		}
		rec := &fabric.ManagedResource{
			ID:              uuid.NewString(),
			FabricID:        fabricID,
			Kind:            kind,
			Name:            name,
			ClusterHash:     clusterHash,
			SyncDirection:   fabric.DirectionBidirectional,
			DriftState:      fabric.DriftUnknown,
			ClusterSyncedAt: now,
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO managed_resources (id, fabric_id, kind, name, cluster_spec_json,
				cluster_hash, sync_direction, drift_state, cluster_synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, fabricID, string(kind), name, specJSON,
			clusterHash, string(rec.SyncDirection), string(rec.DriftState), now.Format(timeFormat))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, "", errors.Wrap(errors.ErrStoreDuplicate, "concurrent insert for resource", err)
			}
			return nil, "", errors.Wrap(errors.ErrStoreWrite, "failed to insert resource", err)
		}
		return rec, OutcomeCreated, nil
	}

	if existing.ClusterHash == clusterHash {
		return existing, OutcomeUnchanged, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE managed_resources
		SET cluster_spec_json = ?, cluster_hash = ?, cluster_synced_at = ?
		WHERE fabric_id = ? AND kind = ? AND name = ?`,
		specJSON, clusterHash, now.Format(timeFormat),
		fabricID, string(kind), name)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrStoreWrite, "failed to update resource", err)
	}
	existing.ClusterHash = clusterHash
	existing.ClusterSyncedAt = now
	return existing, OutcomeUpdated, nil
}

// GetResource fetches one resource record.
func (s *Store) GetResource(ctx context.Context, fabricID string, kind fabric.Kind, name string) (*fabric.ManagedResource, error) {
	row := s.db.QueryRowContext(ctx, resourceSelect+`
		WHERE fabric_id = ? AND kind = ? AND name = ?`, fabricID, string(kind), name)
	rec, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, errors.ResourceNotFound(string(kind), name)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to load resource", err)
	}
	return rec, nil
}

// ListResources returns all resource records for a fabric, ordered by
// (kind, name) for deterministic output.
func (s *Store) ListResources(ctx context.Context, fabricID string) ([]fabric.ManagedResource, error) {
	return s.listWhere(ctx, fabricID, "")
}

// ListDesired returns the Git-desired view: records last known from Git.
func (s *Store) ListDesired(ctx context.Context, fabricID string) ([]fabric.ManagedResource, error) {
	return s.listWhere(ctx, fabricID, `AND content_hash IS NOT NULL AND content_hash != ''`)
}

// ListActual returns the cluster-actual view: records last known from the
// cluster.
func (s *Store) ListActual(ctx context.Context, fabricID string) ([]fabric.ManagedResource, error) {
	return s.listWhere(ctx, fabricID, `AND cluster_hash IS NOT NULL AND cluster_hash != ''`)
}

func (s *Store) listWhere(ctx context.Context, fabricID, extra string) ([]fabric.ManagedResource, error) {
	rows, err := s.db.QueryContext(ctx, resourceSelect+`
		WHERE fabric_id = ? `+extra+` ORDER BY kind, name`, fabricID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to list resources", err)
	}
	defer rows.Close()

	var recs []fabric.ManagedResource
	for rows.Next() {
		rec, err := scanResource(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStoreQuery, "failed to scan resource", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// ClusterSpec returns the last observed cluster spec payload for a resource,
// used by the explicit adopt flow.
func (s *Store) ClusterSpec(ctx context.Context, fabricID string, kind fabric.Kind, name string) (string, error) {
	var spec sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT cluster_spec_json FROM managed_resources
		WHERE fabric_id = ? AND kind = ? AND name = ?`,
		fabricID, string(kind), name).Scan(&spec)
	if err == sql.ErrNoRows {
		return "", errors.ResourceNotFound(string(kind), name)
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrStoreQuery, "failed to load cluster spec", err)
	}
	return spec.String, nil
}

// SyncedHashes returns the last known-good hash per resource key, the
// watermark the drift detector compares both sides against.
func (s *Store) SyncedHashes(ctx context.Context, fabricID string) (map[fabric.ResourceKey]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, name, synced_hash FROM managed_resources
		WHERE fabric_id = ? AND synced_hash IS NOT NULL AND synced_hash != ''`, fabricID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to load sync watermarks", err)
	}
	defer rows.Close()

	marks := make(map[fabric.ResourceKey]string)
	for rows.Next() {
		var kind, name, hash string
		if err := rows.Scan(&kind, &name, &hash); err != nil {
			return nil, errors.Wrap(errors.ErrStoreQuery, "failed to scan watermark", err)
		}
		marks[fabric.ResourceKey{Kind: fabric.Kind(kind), Name: name}] = hash
	}
	return marks, rows.Err()
}

// ApplyDrift persists the drift classification for each record of a
// summary. Resources classified in_sync also advance their watermark to the
// agreed hash.
func (s *Store) ApplyDrift(ctx context.Context, fabricID string, summary *fabric.DriftSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrStoreWrite, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, rec := range summary.Records {
		if rec.State == fabric.DriftInSync {
			_, err = tx.ExecContext(ctx, `
				UPDATE managed_resources SET drift_state = ?, synced_hash = ?
				WHERE fabric_id = ? AND kind = ? AND name = ?`,
				string(rec.State), rec.GitHash, fabricID, string(rec.Key.Kind), rec.Key.Name)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE managed_resources SET drift_state = ?
				WHERE fabric_id = ? AND kind = ? AND name = ?`,
				string(rec.State), fabricID, string(rec.Key.Kind), rec.Key.Name)
		}
		if err != nil {
			return errors.Wrap(errors.ErrStoreWrite, "failed to persist drift state", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStoreWrite, "failed to commit drift states", err)
	}
	return nil
}

// RemovalSource names which side's view a removal confirmation applies to.
type RemovalSource string

const (
	RemovalFromGit     RemovalSource = "git"
	RemovalFromCluster RemovalSource = "cluster"
)

// ConfirmRemovals clears the given side's view for resources absent from
// seen, then deletes records no longer present on either side. Only the
// orchestrator calls this, and only after a discovery pass it knows
// succeeded; a transient empty listing must never reach here.
func (s *Store) ConfirmRemovals(ctx context.Context, fabricID string, source RemovalSource,
	seen []fabric.ResourceKey) (int, error) {

	all, err := s.ListResources(ctx, fabricID)
	if err != nil {
		return 0, err
	}

	seenSet := make(map[fabric.ResourceKey]bool, len(seen))
	for _, key := range seen {
		seenSet[key] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStoreWrite, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, rec := range all {
		if seenSet[rec.Key()] {
			continue
		}
		switch source {
		case RemovalFromGit:
			if rec.ContentHash == "" {
				continue
			}
			if rec.ClusterHash == "" {
				_, err = tx.ExecContext(ctx, `
					DELETE FROM managed_resources WHERE id = ?`, rec.ID)
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE managed_resources
					SET spec_json = NULL, file_path = NULL, content_hash = NULL, synced_hash = NULL
					WHERE id = ?`, rec.ID)
			}
		case RemovalFromCluster:
			if rec.ClusterHash == "" {
				continue
			}
			if rec.ContentHash == "" {
				_, err = tx.ExecContext(ctx, `
					DELETE FROM managed_resources WHERE id = ?`, rec.ID)
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE managed_resources
					SET cluster_spec_json = NULL, cluster_hash = NULL, synced_hash = NULL
					WHERE id = ?`, rec.ID)
			}
		}
		if err != nil {
			return 0, errors.Wrap(errors.ErrStoreWrite, "failed to confirm removal", err)
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.ErrStoreWrite, "failed to commit removals", err)
	}
	return removed, nil
}

// requireFabric enforces referential integrity before an insert: upserting
// under an unknown fabric is a programming-error-class failure.
func (s *Store) requireFabric(ctx context.Context, fabricID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM fabrics WHERE id = ?`, fabricID).Scan(&one)
	if err == sql.ErrNoRows {
		return errors.UnknownFabric(fabricID)
	}
	if err != nil {
		return errors.Wrap(errors.ErrStoreQuery, "failed to check fabric", err)
	}
	return nil
}

const resourceSelect = `
	SELECT id, fabric_id, kind, name, spec_json, file_path, content_hash,
		cluster_hash, sync_direction, drift_state, git_synced_at, cluster_synced_at
	FROM managed_resources`

func scanResource(row rowScanner) (*fabric.ManagedResource, error) {
	var rec fabric.ManagedResource
	var kind, direction, driftState string
	var specJSON, filePath, contentHash, clusterHash, gitSyncedAt, clusterSyncedAt sql.NullString

	err := row.Scan(&rec.ID, &rec.FabricID, &kind, &rec.Name, &specJSON, &filePath,
		&contentHash, &clusterHash, &direction, &driftState, &gitSyncedAt, &clusterSyncedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = fabric.Kind(kind)
	rec.SyncDirection = fabric.SyncDirection(direction)
	rec.DriftState = fabric.DriftState(driftState)
	if specJSON.Valid {
		rec.SpecJSON = specJSON.String
	}
	if filePath.Valid {
		rec.FilePath = filePath.String
	}
	if contentHash.Valid {
		rec.ContentHash = contentHash.String
	}
	if clusterHash.Valid {
		rec.ClusterHash = clusterHash.String
	}
	if gitSyncedAt.Valid && gitSyncedAt.String != "" {
		rec.GitSyncedAt, _ = time.Parse(timeFormat, gitSyncedAt.String)
	}
	if clusterSyncedAt.Valid && clusterSyncedAt.String != "" {
		rec.ClusterSyncedAt, _ = time.Parse(timeFormat, clusterSyncedAt.String)
	}
	return &rec, nil
}
