// Package drift compares the desired state recorded from Git with the actual
// state observed in the cluster and classifies every managed resource.
package drift

import (
	"sort"
	"time"

	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// Detector classifies resources against the last-synced watermark. It is
// pure: it reads its three inputs and writes nothing.
type Detector struct{}

func New() *Detector {
	return &Detector{}
}

// Compute classifies every resource known on either side. The synced hashes
// are the watermark from the last successful sync; a side counts as changed
// when its current hash differs from that watermark.
//
//	hashes agree                          in_sync
//	both present, only one side changed   drift_detected
//	both present, both changed            conflict
//	present in Git only                   git_ahead
//	present in cluster only               cluster_ahead
func (d *Detector) Compute(fabricID string, desired, actual []fabric.ManagedResource, synced map[fabric.ResourceKey]string) *fabric.DriftSummary {
	desiredByKey := make(map[fabric.ResourceKey]fabric.ManagedResource, len(desired))
	for _, r := range desired {
		desiredByKey[r.Key()] = r
	}
	actualByKey := make(map[fabric.ResourceKey]fabric.ManagedResource, len(actual))
	for _, r := range actual {
		actualByKey[r.Key()] = r
	}

	keys := make(map[fabric.ResourceKey]struct{}, len(desiredByKey)+len(actualByKey))
	for k := range desiredByKey {
		keys[k] = struct{}{}
	}
	for k := range actualByKey {
		keys[k] = struct{}{}
	}

	summary := &fabric.DriftSummary{
		FabricID:   fabricID,
		ComputedAt: time.Now().UTC(),
		Counts:     make(map[fabric.DriftState]int),
		Records:    make([]fabric.DriftRecord, 0, len(keys)),
	}
	for key := range keys {
		rec := classify(key, desiredByKey, actualByKey, synced)
		summary.Records = append(summary.Records, rec)
		summary.Counts[rec.State]++
	}

	sort.Slice(summary.Records, func(i, j int) bool {
		a, b := summary.Records[i].Key, summary.Records[j].Key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})
	return summary
}

func classify(key fabric.ResourceKey, desired, actual map[fabric.ResourceKey]fabric.ManagedResource, synced map[fabric.ResourceKey]string) fabric.DriftRecord {
	des, inGit := desired[key]
	act, inCluster := actual[key]
	watermark := synced[key]

	rec := fabric.DriftRecord{Key: key}
	if inGit {
		rec.GitHash = des.ContentHash
	}
	if inCluster {
		rec.ClusterHash = act.ClusterHash
	}

	switch {
	case inGit && !inCluster:
		rec.State = fabric.DriftGitAhead
		if watermark != "" {
			rec.Detail = "previously synced, no longer present in cluster"
		}
	case !inGit && inCluster:
		rec.State = fabric.DriftClusterAhead
		if watermark != "" {
			rec.Detail = "previously synced, no longer present in Git"
		}
	case rec.GitHash == rec.ClusterHash:
		rec.State = fabric.DriftInSync
	default:
		gitChanged := watermark == "" || rec.GitHash != watermark
		clusterChanged := watermark == "" || rec.ClusterHash != watermark
		switch {
		case gitChanged && clusterChanged:
			rec.State = fabric.DriftConflict
			rec.Detail = "both Git and cluster changed since last sync"
		case gitChanged:
			rec.State = fabric.DriftDetected
			rec.Detail = "Git changed since last sync"
		default:
			rec.State = fabric.DriftDetected
			rec.Detail = "cluster changed since last sync"
		}
	}
	return rec
}
