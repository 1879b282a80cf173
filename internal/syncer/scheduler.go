package syncer

import (
	"context"
	"log"
	"time"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// ReapOrphans marks operations left running by a crashed or restarted
// process as failed. Called once at startup and again on every scheduler
// tick, so a stale lock can never wedge a fabric permanently.
func (o *Orchestrator) ReapOrphans(ctx context.Context) {
	reaped, err := o.store.ReapStale(ctx, staleAfter)
	if err != nil {
		log.Printf("[syncer] Failed to reap stale operations: %v", err)
		return
	}
	if reaped > 0 {
		log.Printf("[syncer] Reaped %d stale operations", reaped)
	}
}

// ReapAllRunning fails every running operation regardless of age, for
// process startup where no operation of ours can still be alive.
func (o *Orchestrator) ReapAllRunning(ctx context.Context) {
	reaped, err := o.store.ReapStale(ctx, 0)
	if err != nil {
		log.Printf("[syncer] Failed to reap running operations at startup: %v", err)
		return
	}
	if reaped > 0 {
		log.Printf("[syncer] Marked %d operations from a previous run as failed", reaped)
	}
}

// RunScheduler periodically runs a full sync for every fabric until the
// context is cancelled. A fabric with an operation already running is
// skipped, never queued.
func (o *Orchestrator) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Printf("[syncer] Periodic sync disabled")
		return
	}
	log.Printf("[syncer] Periodic sync every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ReapOrphans(ctx)
			o.syncAll(ctx)
		}
	}
}

func (o *Orchestrator) syncAll(ctx context.Context) {
	fabrics, err := o.store.ListFabrics(ctx)
	if err != nil {
		log.Printf("[syncer] Failed to list fabrics for scheduled sync: %v", err)
		return
	}
	for i := range fabrics {
		f := &fabrics[i]
		if _, err := o.RunSync(ctx, f.ID, fabric.OpFullSync); err != nil {
			if errors.IsCode(err, errors.ErrAlreadyRunning) {
				log.Printf("[syncer] Skipping scheduled sync for %s, operation already running", f.Name)
				continue
			}
			log.Printf("[syncer] Scheduled sync failed to start for %s: %v", f.Name, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
