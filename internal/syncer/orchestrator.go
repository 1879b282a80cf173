// Package syncer coordinates one fabric's reconciliation: pull and normalize
// the Git side, observe the cluster side, classify drift, and persist the
// outcome as an audited sync operation.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hnplabs/fabric-sync/internal/cluster"
	"github.com/hnplabs/fabric-sync/internal/drift"
	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
	"github.com/hnplabs/fabric-sync/internal/gitrepo"
	"github.com/hnplabs/fabric-sync/internal/manifest"
	"github.com/hnplabs/fabric-sync/internal/store"
)

// staleAfter is how long a running operation may go untouched before the
// reaper declares it orphaned.
const staleAfter = 30 * time.Minute

// opTimeout bounds a background operation. Must stay below staleAfter so a
// hung network call fails the operation itself rather than falling through
// to the reaper.
const opTimeout = 10 * time.Minute

// ClusterDialer builds a cluster client for one fabric. Injected so tests
// can substitute a fake dynamic client.
type ClusterDialer func(ctx context.Context, f *fabric.Fabric) (*cluster.Client, error)

// Orchestrator runs sync operations. Mutual exclusion per fabric is enforced
// by the store, not here, so the invariant holds across processes.
type Orchestrator struct {
	store    *store.Store
	git      *gitrepo.Syncer
	detector *drift.Detector
	dial     ClusterDialer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // operation ID -> cancel
}

func New(st *store.Store, git *gitrepo.Syncer, dial ClusterDialer) *Orchestrator {
	return &Orchestrator{
		store:    st,
		git:      git,
		detector: drift.New(),
		dial:     dial,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartSync begins an operation for a fabric and runs it in the background.
// The returned operation is already persisted in running state; a second
// concurrent start for the same fabric fails with an already-running error.
func (o *Orchestrator) StartSync(ctx context.Context, fabricID string, kind fabric.OpKind) (*fabric.SyncOperation, error) {
	f, err := o.store.GetFabric(ctx, fabricID)
	if err != nil {
		return nil, err
	}
	op, err := o.store.BeginOperation(ctx, fabricID, kind)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	o.mu.Lock()
	o.cancels[op.ID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, op.ID)
			o.mu.Unlock()
		}()
		o.run(runCtx, f, op)
	}()
	return op, nil
}

// RunSync is StartSync without the background goroutine, used by the
// scheduler and by tests that need the outcome synchronously.
func (o *Orchestrator) RunSync(ctx context.Context, fabricID string, kind fabric.OpKind) (*fabric.SyncOperation, error) {
	f, err := o.store.GetFabric(ctx, fabricID)
	if err != nil {
		return nil, err
	}
	op, err := o.store.BeginOperation(ctx, fabricID, kind)
	if err != nil {
		return nil, err
	}
	o.run(ctx, f, op)
	return o.store.GetOperation(ctx, op.ID)
}

// Cancel stops a running operation. Unknown or already-finished operations
// are a no-op.
func (o *Orchestrator) Cancel(opID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[opID]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) run(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation) {
	log.Printf("[syncer] Starting %s for fabric %s (%s)", op.Kind, f.Name, op.ID[:8])

	var err error
	switch op.Kind {
	case fabric.OpPull:
		err = o.gitLeg(ctx, f, op)
	case fabric.OpPush:
		err = o.pushLeg(ctx, f, op, "Update managed resources")
	case fabric.OpRepair:
		err = o.repair(ctx, f, op)
	default: // full_sync
		err = o.fullSync(ctx, f, op)
	}

	finishCtx := context.Background()
	if err != nil {
		detail := err.Error()
		if ctx.Err() != nil {
			detail = errors.Wrap(errors.ErrSyncCancelled, "operation cancelled", ctx.Err()).Error()
		}
		if ferr := o.store.FinishOperation(finishCtx, op, fabric.OpFailed, detail); ferr != nil {
			log.Printf("[syncer] Failed to finalize operation %s: %v", op.ID, ferr)
		}
		// A failed sync records the error but keeps the last known status.
		if serr := o.store.RecordFabricError(finishCtx, f.ID, detail); serr != nil {
			log.Printf("[syncer] Failed to record fabric error for %s: %v", f.ID, serr)
		}
		log.Printf("[syncer] %s failed for fabric %s: %s", op.Kind, f.Name, detail)
		return
	}

	if ferr := o.store.FinishOperation(finishCtx, op, fabric.OpSuccess, ""); ferr != nil {
		log.Printf("[syncer] Failed to finalize operation %s: %v", op.ID, ferr)
	}
	log.Printf("[syncer] Completed %s for fabric %s: %d processed, %d created, %d updated, %d deleted",
		op.Kind, f.Name, op.Processed, op.Created, op.Updated, op.Deleted)
}

func (o *Orchestrator) fullSync(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation) error {
	gitErr := o.gitLeg(ctx, f, op)
	if ctx.Err() != nil {
		return gitErr
	}

	// The cluster leg runs even when the Git leg failed. Each side records
	// its own results, so one side's outage does not block the other.
	clusterErr := o.clusterLeg(ctx, f, op)

	switch {
	case gitErr != nil && clusterErr != nil:
		return errors.New(errors.ErrSyncFatal,
			fmt.Sprintf("git leg: %v; cluster leg: %v", gitErr, clusterErr))
	case gitErr != nil:
		return gitErr
	case clusterErr != nil:
		return clusterErr
	}
	return o.finalize(ctx, f)
}

func (o *Orchestrator) repair(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation) error {
	repo, err := o.store.GetRepository(ctx, f.RepositoryID)
	if err != nil {
		return err
	}
	treePath, err := o.git.Pull(ctx, *repo, f.ID)
	if err != nil {
		return err
	}
	norm := manifest.New(gitopsRoot(treePath, f.GitOpsDir))
	if err := norm.Repair(); err != nil {
		return err
	}
	return o.fullSync(ctx, f, op)
}

// gitLeg pulls the repository, sweeps loose YAML into raw/, normalizes, and
// records the desired state. Removals are confirmed only after the managed
// tree was read successfully, so a transient failure cannot erase records.
func (o *Orchestrator) gitLeg(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation) error {
	repo, err := o.store.GetRepository(ctx, f.RepositoryID)
	if err != nil {
		return err
	}
	treePath, err := o.git.Pull(ctx, *repo, f.ID)
	if err != nil {
		return err
	}

	root := gitopsRoot(treePath, f.GitOpsDir)
	norm := manifest.New(root)
	if err := o.sweepLooseFiles(treePath, f.GitOpsDir, norm); err != nil {
		return err
	}

	result, err := norm.Normalize()
	if err != nil {
		return err
	}
	for _, q := range result.Quarantined {
		log.Printf("[syncer] Quarantined document from %s for fabric %s: %s", q.SourceFile, f.Name, q.Reason)
	}

	docs, err := norm.LoadManaged()
	if err != nil {
		return err
	}

	seen := make([]fabric.ResourceKey, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		specJSON, err := json.Marshal(doc.Spec)
		if err != nil {
			return errors.Wrap(errors.ErrManifestParse, "failed to encode spec", err)
		}
		_, outcome, err := o.store.UpsertFromGit(ctx, f.ID, doc.Kind, doc.Name,
			string(specJSON), doc.Hash, doc.Path)
		if err != nil {
			return err
		}
		op.Processed++
		switch outcome {
		case store.OutcomeCreated:
			op.Created++
		case store.OutcomeUpdated:
			op.Updated++
		}
		seen = append(seen, fabric.ResourceKey{Kind: doc.Kind, Name: doc.Name})
	}

	removed, err := o.store.ConfirmRemovals(ctx, f.ID, store.RemovalFromGit, seen)
	if err != nil {
		return err
	}
	op.Deleted += removed

	// Commit whatever normalization rewrote so the repository converges on
	// the canonical layout.
	commit, err := o.git.Push(ctx, *repo, f.ID, f.GitOpsDir, commitMessage(result))
	if err != nil {
		return err
	}
	if commit != "" {
		op.CommitRef = commit
	}
	return nil
}

// pushLeg commits and pushes the current managed tree without re-normalizing,
// used after explicit writes such as an adoption.
func (o *Orchestrator) pushLeg(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation, message string) error {
	repo, err := o.store.GetRepository(ctx, f.RepositoryID)
	if err != nil {
		return err
	}
	if _, err := o.git.Pull(ctx, *repo, f.ID); err != nil {
		return err
	}
	commit, err := o.git.Push(ctx, *repo, f.ID, f.GitOpsDir, message)
	if err != nil {
		return err
	}
	if commit != "" {
		op.CommitRef = commit
	}
	return nil
}

// clusterLeg observes every supported kind in the fabric's cluster. A fabric
// with no cluster connection skips the leg. A kind whose CRD is not
// installed is reported but does not abort the others; removals are only
// confirmed when every kind listed successfully.
func (o *Orchestrator) clusterLeg(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation) error {
	if f.KubeAPIURL == "" {
		log.Printf("[syncer] Fabric %s has no cluster connection, skipping cluster observation", f.Name)
		return nil
	}
	client, err := o.dial(ctx, f)
	if err != nil {
		return err
	}

	var (
		seen        []fabric.ResourceKey
		missingCRDs []string
		allListed   = true
	)
	for _, desc := range fabric.AllKinds() {
		if err := ctx.Err(); err != nil {
			return err
		}
		resources, err := client.List(ctx, desc)
		if err != nil {
			if errors.IsCode(err, errors.ErrClusterCRDMissing) {
				missingCRDs = append(missingCRDs, string(desc.Kind))
				allListed = false
				continue
			}
			return err
		}
		for _, res := range resources {
			hash, err := manifest.HashSpec(res.Kind, res.Name, res.Spec)
			if err != nil {
				return err
			}
			specJSON, err := json.Marshal(res.Spec)
			if err != nil {
				return errors.Wrap(errors.ErrClusterAPIError, "failed to encode cluster spec", err)
			}
			_, outcome, err := o.store.UpsertFromCluster(ctx, f.ID, res.Kind, res.Name,
				string(specJSON), hash)
			if err != nil {
				return err
			}
			op.Processed++
			switch outcome {
			case store.OutcomeCreated:
				op.Created++
			case store.OutcomeUpdated:
				op.Updated++
			}
			seen = append(seen, fabric.ResourceKey{Kind: res.Kind, Name: res.Name})
		}
	}

	if len(missingCRDs) > 0 {
		log.Printf("[syncer] Fabric %s cluster is missing CRDs: %s", f.Name, strings.Join(missingCRDs, ", "))
	}
	if allListed {
		removed, err := o.store.ConfirmRemovals(ctx, f.ID, store.RemovalFromCluster, seen)
		if err != nil {
			return err
		}
		op.Deleted += removed
	}
	return nil
}

// finalize computes drift across the recorded views and rolls the outcome up
// into the fabric status. A fabric without a cluster connection has nothing
// to compare against, so only the resource count is refreshed.
func (o *Orchestrator) finalize(ctx context.Context, f *fabric.Fabric) error {
	if f.KubeAPIURL == "" {
		desired, err := o.store.ListDesired(ctx, f.ID)
		if err != nil {
			return err
		}
		return o.store.UpdateFabricStatus(ctx, f.ID, fabric.FabricInSync,
			len(desired), 0, time.Now().UTC(), "")
	}

	summary, err := o.ComputeDrift(ctx, f.ID)
	if err != nil {
		return err
	}
	if err := o.store.ApplyDrift(ctx, f.ID, summary); err != nil {
		return err
	}
	return o.store.UpdateFabricStatus(ctx, f.ID, summary.Status(),
		len(summary.Records), summary.DriftTotal(), time.Now().UTC(), "")
}

// ComputeDrift classifies the fabric's resources from the stored views
// without touching Git or the cluster.
func (o *Orchestrator) ComputeDrift(ctx context.Context, fabricID string) (*fabric.DriftSummary, error) {
	desired, err := o.store.ListDesired(ctx, fabricID)
	if err != nil {
		return nil, err
	}
	actual, err := o.store.ListActual(ctx, fabricID)
	if err != nil {
		return nil, err
	}
	synced, err := o.store.SyncedHashes(ctx, fabricID)
	if err != nil {
		return nil, err
	}
	return o.detector.Compute(fabricID, desired, actual, synced), nil
}

// sweepLooseFiles moves YAML files dropped anywhere in the GitOps directory
// (outside the managed layout) into raw/ so normalization picks them up.
func (o *Orchestrator) sweepLooseFiles(treePath, gitopsDir string, norm *manifest.Normalizer) error {
	files, err := o.git.Discover(treePath, gitopsDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if err := norm.Repair(); err != nil {
		return err
	}
	moved := 0
	for _, path := range files {
		ingested, err := norm.Ingest(path)
		if err != nil {
			return err
		}
		if ingested {
			moved++
		}
	}
	if moved > 0 {
		log.Printf("[syncer] Swept %d loose manifest files into raw/", moved)
	}
	return nil
}

func commitMessage(result *manifest.Result) string {
	if len(result.Processed) == 0 && len(result.Quarantined) == 0 {
		return "Normalize managed resources"
	}
	return fmt.Sprintf("Normalize managed resources (%d processed, %d quarantined)",
		len(result.Processed), len(result.Quarantined))
}

func gitopsRoot(treePath, gitopsDir string) string {
	if gitopsDir == "" {
		return treePath
	}
	return filepath.Join(treePath, gitopsDir)
}
