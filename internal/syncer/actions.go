package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
	"github.com/hnplabs/fabric-sync/internal/manifest"
	"github.com/hnplabs/fabric-sync/internal/store"
)

// Adopt brings a cluster-only resource under Git management. Adoption is
// always an explicit operator action; discovery never writes to Git on its
// own. The resource's observed spec is written to the managed tree,
// committed, and recorded as the new synced baseline.
func (o *Orchestrator) Adopt(ctx context.Context, fabricID, kindStr, name string) (*fabric.ManagedResource, error) {
	desc, err := fabric.ParseKind(kindStr)
	if err != nil {
		return nil, err
	}
	f, err := o.store.GetFabric(ctx, fabricID)
	if err != nil {
		return nil, err
	}
	rec, err := o.store.GetResource(ctx, fabricID, desc.Kind, name)
	if err != nil {
		return nil, err
	}
	if rec.ClusterHash == "" {
		return nil, errors.ValidationError(fmt.Sprintf("%s/%s has no observed cluster state to adopt", desc.Kind, name))
	}
	if rec.DriftState != fabric.DriftClusterAhead {
		return nil, errors.ValidationError(fmt.Sprintf("%s/%s is %s, only cluster_ahead resources can be adopted", desc.Kind, name, rec.DriftState))
	}

	specJSON, err := o.store.ClusterSpec(ctx, fabricID, desc.Kind, name)
	if err != nil {
		return nil, err
	}
	var spec map[string]any
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, errors.Wrap(errors.ErrManifestParse, "stored cluster spec is not valid JSON", err)
	}

	op, err := o.store.BeginOperation(ctx, fabricID, fabric.OpPush)
	if err != nil {
		return nil, err
	}
	rec, err = o.adopt(ctx, f, op, desc, name, spec)
	if err != nil {
		if ferr := o.store.FinishOperation(ctx, op, fabric.OpFailed, err.Error()); ferr != nil {
			log.Printf("[syncer] Failed to finalize adopt operation %s: %v", op.ID, ferr)
		}
		return nil, err
	}
	if err := o.store.FinishOperation(ctx, op, fabric.OpSuccess, ""); err != nil {
		log.Printf("[syncer] Failed to finalize adopt operation %s: %v", op.ID, err)
	}
	return rec, nil
}

func (o *Orchestrator) adopt(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation,
	desc fabric.KindDescriptor, name string, spec map[string]any) (*fabric.ManagedResource, error) {

	repo, err := o.store.GetRepository(ctx, f.RepositoryID)
	if err != nil {
		return nil, err
	}
	treePath, err := o.git.Pull(ctx, *repo, f.ID)
	if err != nil {
		return nil, err
	}

	norm := manifest.New(gitopsRoot(treePath, f.GitOpsDir))
	if err := norm.Repair(); err != nil {
		return nil, err
	}
	path, hash, _, err := norm.WriteResource(desc.Kind, name, spec)
	if err != nil {
		return nil, err
	}

	commit, err := o.git.Push(ctx, *repo, f.ID, f.GitOpsDir,
		fmt.Sprintf("Adopt %s %s from cluster", desc.Kind, name))
	if err != nil {
		return nil, err
	}
	if commit != "" {
		op.CommitRef = commit
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrManifestWrite, "failed to encode adopted spec", err)
	}
	_, _, err = o.store.UpsertFromGit(ctx, f.ID, desc.Kind, name, string(specJSON), hash, path)
	if err != nil {
		return nil, err
	}
	op.Processed++
	op.Created++

	if err := o.markInSync(ctx, f.ID, desc.Kind, name, hash); err != nil {
		return nil, err
	}
	log.Printf("[syncer] Adopted %s %s into fabric %s", desc.Kind, name, f.Name)
	return o.store.GetResource(ctx, f.ID, desc.Kind, name)
}

// ApplyToCluster pushes one resource's Git-desired spec into the cluster,
// the explicit repair for a resource whose Git side moved ahead.
func (o *Orchestrator) ApplyToCluster(ctx context.Context, fabricID, kindStr, name string) (*fabric.ManagedResource, error) {
	desc, err := fabric.ParseKind(kindStr)
	if err != nil {
		return nil, err
	}
	f, err := o.store.GetFabric(ctx, fabricID)
	if err != nil {
		return nil, err
	}
	rec, err := o.store.GetResource(ctx, fabricID, desc.Kind, name)
	if err != nil {
		return nil, err
	}
	if rec.ContentHash == "" {
		return nil, errors.ValidationError(fmt.Sprintf("%s/%s has no Git-desired state to apply", desc.Kind, name))
	}
	if rec.DriftState == fabric.DriftConflict {
		return nil, errors.New(errors.ErrSyncConflict,
			fmt.Sprintf("%s/%s changed on both sides, resolve in Git first", desc.Kind, name))
	}

	var spec map[string]any
	if err := json.Unmarshal([]byte(rec.SpecJSON), &spec); err != nil {
		return nil, errors.Wrap(errors.ErrManifestParse, "stored spec is not valid JSON", err)
	}

	op, err := o.store.BeginOperation(ctx, fabricID, fabric.OpRepair)
	if err != nil {
		return nil, err
	}
	rec, err = o.applyToCluster(ctx, f, op, desc, name, spec)
	if err != nil {
		if ferr := o.store.FinishOperation(ctx, op, fabric.OpFailed, err.Error()); ferr != nil {
			log.Printf("[syncer] Failed to finalize apply operation %s: %v", op.ID, ferr)
		}
		return nil, err
	}
	if err := o.store.FinishOperation(ctx, op, fabric.OpSuccess, ""); err != nil {
		log.Printf("[syncer] Failed to finalize apply operation %s: %v", op.ID, err)
	}
	return rec, nil
}

func (o *Orchestrator) applyToCluster(ctx context.Context, f *fabric.Fabric, op *fabric.SyncOperation,
	desc fabric.KindDescriptor, name string, spec map[string]any) (*fabric.ManagedResource, error) {

	client, err := o.dial(ctx, f)
	if err != nil {
		return nil, err
	}
	if err := client.Apply(ctx, desc, name, spec); err != nil {
		return nil, err
	}

	hash, err := manifest.HashSpec(desc.Kind, name, spec)
	if err != nil {
		return nil, err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrClusterAPIError, "failed to encode spec", err)
	}
	if _, _, err := o.store.UpsertFromCluster(ctx, f.ID, desc.Kind, name, string(specJSON), hash); err != nil {
		return nil, err
	}
	op.Processed++
	op.Updated++

	if err := o.markInSync(ctx, f.ID, desc.Kind, name, hash); err != nil {
		return nil, err
	}
	log.Printf("[syncer] Applied %s %s to cluster for fabric %s", desc.Kind, name, f.Name)
	return o.store.GetResource(ctx, f.ID, desc.Kind, name)
}

// RemoveFromCluster deletes one resource from the cluster, the explicit
// repair for a resource removed from Git whose cluster copy lingers.
func (o *Orchestrator) RemoveFromCluster(ctx context.Context, fabricID, kindStr, name string) error {
	desc, err := fabric.ParseKind(kindStr)
	if err != nil {
		return err
	}
	f, err := o.store.GetFabric(ctx, fabricID)
	if err != nil {
		return err
	}
	rec, err := o.store.GetResource(ctx, fabricID, desc.Kind, name)
	if err != nil {
		return err
	}
	if rec.ClusterHash == "" {
		return errors.ValidationError(fmt.Sprintf("%s/%s is not present in the cluster", desc.Kind, name))
	}
	if rec.ContentHash != "" {
		return errors.ValidationError(fmt.Sprintf("%s/%s is still desired in Git, remove it there first", desc.Kind, name))
	}

	client, err := o.dial(ctx, f)
	if err != nil {
		return err
	}
	if err := client.Delete(ctx, desc, name); err != nil {
		return err
	}

	// Confirm the removal for just this resource: every other observed
	// resource counts as still seen.
	actual, err := o.store.ListActual(ctx, fabricID)
	if err != nil {
		return err
	}
	target := fabric.ResourceKey{Kind: desc.Kind, Name: name}
	seen := make([]fabric.ResourceKey, 0, len(actual))
	for _, r := range actual {
		if r.Key() != target {
			seen = append(seen, r.Key())
		}
	}
	if _, err := o.store.ConfirmRemovals(ctx, fabricID, store.RemovalFromCluster, seen); err != nil {
		return err
	}
	log.Printf("[syncer] Removed %s %s from cluster for fabric %s", desc.Kind, name, f.Name)
	return nil
}

// markInSync persists a single-resource in_sync classification, advancing the
// synced watermark to hash.
func (o *Orchestrator) markInSync(ctx context.Context, fabricID string, kind fabric.Kind, name, hash string) error {
	summary := &fabric.DriftSummary{
		Records: []fabric.DriftRecord{{
			Key:     fabric.ResourceKey{Kind: kind, Name: name},
			State:   fabric.DriftInSync,
			GitHash: hash,
		}},
	}
	return o.store.ApplyDrift(ctx, fabricID, summary)
}
