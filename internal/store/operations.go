package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// BeginOperation claims the running slot for a fabric and records the
// operation start. The partial unique index on (fabric_id) WHERE
// status='running' makes the claim atomic: a second concurrent caller gets
// an AlreadyRunning error, not a second running row.
func (s *Store) BeginOperation(ctx context.Context, fabricID string, kind fabric.OpKind) (*fabric.SyncOperation, error) {
	if err := s.requireFabric(ctx, fabricID); err != nil {
		return nil, err
	}

	op := &fabric.SyncOperation{
		ID:        uuid.NewString(),
		FabricID:  fabricID,
		Kind:      kind,
		Status:    fabric.OpRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, fabric_id, op_kind, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		op.ID, fabricID, string(kind), string(op.Status), op.StartedAt.Format(timeFormat))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.AlreadyRunning(fabricID)
		}
		return nil, errors.Wrap(errors.ErrStoreWrite, "failed to create sync operation", err)
	}
	return op, nil
}

// FinishOperation finalizes a running operation. Terminal rows are immutable
// history; finishing an already-finished operation is a no-op.
func (s *Store) FinishOperation(ctx context.Context, op *fabric.SyncOperation,
	status fabric.OpStatus, errDetail string) error {

	op.Status = status
	op.FinishedAt = time.Now().UTC()
	op.Error = errDetail

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = ?, finished_at = ?, processed = ?, created = ?, updated = ?,
			deleted = ?, commit_ref = ?, error = ?
		WHERE id = ? AND status = 'running'`,
		string(status), op.FinishedAt.Format(timeFormat),
		op.Processed, op.Created, op.Updated, op.Deleted,
		op.CommitRef, errDetail, op.ID)
	if err != nil {
		return errors.Wrap(errors.ErrStoreWrite, "failed to finalize sync operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrStoreWrite, "operation already finalized").WithDetail("id", op.ID)
	}
	return nil
}

// GetOperation fetches one operation by ID.
func (s *Store) GetOperation(ctx context.Context, id string) (*fabric.SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, opSelect+` WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "operation not found").WithDetail("id", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to load operation", err)
	}
	return op, nil
}

// ListOperations returns a fabric's operation history, newest first.
func (s *Store) ListOperations(ctx context.Context, fabricID string, limit int) ([]fabric.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, opSelect+`
		WHERE fabric_id = ? ORDER BY started_at DESC LIMIT ?`, fabricID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreQuery, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []fabric.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStoreQuery, "failed to scan operation", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// ReapStale fails running operations older than maxAge. A stale running row
// is evidence of a crashed or cancelled process; reaping it frees the
// fabric's running slot.
func (s *Store) ReapStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'failed', finished_at = ?, error = 'reaped: operation stale or process restarted'
		WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC().Format(timeFormat), cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStoreWrite, "failed to reap stale operations", err)
	}
	return res.RowsAffected()
}

const opSelect = `
	SELECT id, fabric_id, op_kind, status, started_at, finished_at,
		processed, created, updated, deleted, commit_ref, error
	FROM sync_operations`

func scanOperation(row rowScanner) (*fabric.SyncOperation, error) {
	var op fabric.SyncOperation
	var kind, status, startedAt string
	var finishedAt, commitRef, errDetail sql.NullString

	err := row.Scan(&op.ID, &op.FabricID, &kind, &status, &startedAt, &finishedAt,
		&op.Processed, &op.Created, &op.Updated, &op.Deleted, &commitRef, &errDetail)
	if err != nil {
		return nil, err
	}
	op.Kind = fabric.OpKind(kind)
	op.Status = fabric.OpStatus(status)
	op.StartedAt, _ = time.Parse(timeFormat, startedAt)
	if finishedAt.Valid && finishedAt.String != "" {
		op.FinishedAt, _ = time.Parse(timeFormat, finishedAt.String)
	}
	if commitRef.Valid {
		op.CommitRef = commitRef.String
	}
	if errDetail.Valid {
		op.Error = errDetail.String
	}
	return &op, nil
}
