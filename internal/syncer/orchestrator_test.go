package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/hnplabs/fabric-sync/internal/cluster"
	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
	"github.com/hnplabs/fabric-sync/internal/gitrepo"
	"github.com/hnplabs/fabric-sync/internal/store"
)

type testEnv struct {
	store  *store.Store
	orch   *Orchestrator
	fabric *fabric.Fabric
	gitops string // absolute path of the fabric's GitOps directory
	dyn    *dynamicfake.FakeDynamicClient
}

func createTestEnv(t *testing.T, withCluster bool) (*testEnv, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "syncer-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	// A local Git repository with one commit stands in for the remote.
	repoDir := filepath.Join(tmpDir, "repo")
	gitRepo, err := git.PlainInit(repoDir, false)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to init repository: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("configs\n"), 0o644); err != nil {
		cleanup()
		t.Fatal(err)
	}
	wt, err := gitRepo.Worktree()
	if err != nil {
		cleanup()
		t.Fatal(err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		cleanup()
		t.Fatal(err)
	}
	if _, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@local"},
	}); err != nil {
		cleanup()
		t.Fatal(err)
	}

	st, err := store.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		cleanup()
		t.Fatalf("Failed to open store: %v", err)
	}

	ctx := context.Background()
	repo := &fabric.GitRepository{Name: "configs", URL: repoDir, AuthKind: fabric.AuthNone}
	if err := st.CreateRepository(ctx, repo); err != nil {
		cleanup()
		t.Fatal(err)
	}
	f := &fabric.Fabric{Name: "dc1", RepositoryID: repo.ID, GitOpsDir: "fabrics/dc1"}
	if withCluster {
		f.KubeAPIURL = "https://fabric-control.test:6443"
	}
	if err := st.CreateFabric(ctx, f); err != nil {
		cleanup()
		t.Fatal(err)
	}

	listKinds := make(map[schema.GroupVersionResource]string)
	for _, desc := range fabric.AllKinds() {
		listKinds[desc.GVR()] = string(desc.Kind) + "List"
	}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds)

	dial := func(ctx context.Context, f *fabric.Fabric) (*cluster.Client, error) {
		return cluster.NewWithDynamic(dyn, ""), nil
	}
	orch := New(st, gitrepo.NewSyncer(filepath.Join(tmpDir, "work"), nil), dial)

	env := &testEnv{store: st, orch: orch, fabric: f, gitops: filepath.Join(repoDir, "fabrics", "dc1"), dyn: dyn}
	return env, func() {
		st.Close()
		cleanup()
	}
}

func (e *testEnv) dropManifest(t *testing.T, name, content string) {
	t.Helper()
	if err := os.MkdirAll(e.gitops, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.gitops, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) addClusterObject(t *testing.T, kind fabric.Kind, name string, spec map[string]any) {
	t.Helper()
	desc, _ := fabric.LookupKind(string(kind))
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": desc.APIVersionString(),
		"kind":       string(desc.Kind),
		"metadata":   map[string]any{"name": name},
		"spec":       spec,
	}}
	if _, err := e.dyn.Resource(desc.GVR()).Create(context.Background(), obj, metav1.CreateOptions{}); err != nil {
		t.Fatalf("Failed to seed cluster object: %v", err)
	}
}

func (e *testEnv) fullSync(t *testing.T) *fabric.SyncOperation {
	t.Helper()
	op, err := e.orch.RunSync(context.Background(), e.fabric.ID, fabric.OpFullSync)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if op.Status != fabric.OpSuccess {
		t.Fatalf("Sync did not succeed: %s (%s)", op.Status, op.Error)
	}
	return op
}

func (e *testEnv) resource(t *testing.T, kind fabric.Kind, name string) *fabric.ManagedResource {
	t.Helper()
	res, err := e.store.GetResource(context.Background(), e.fabric.ID, kind, name)
	if err != nil {
		t.Fatalf("GetResource failed: %v", err)
	}
	return res
}

const vpcManifest = `apiVersion: vpc.githedgehog.com/v1beta1
kind: VPC
metadata:
  name: vpc-1
spec:
  ipv4Namespace: default
  subnets:
    default:
      subnet: 10.0.1.0/24
      vlan: 1001
`

func TestFullSync_GitOnlyFabric(t *testing.T) {
	env, cleanup := createTestEnv(t, false)
	defer cleanup()

	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	op := env.fullSync(t)

	if op.Processed != 1 || op.Created != 1 {
		t.Errorf("Expected 1 processed / 1 created, got %d / %d", op.Processed, op.Created)
	}
	if op.CommitRef == "" {
		t.Error("Expected normalization to be committed")
	}

	// Loose file rewritten into the managed layout.
	if _, err := os.Stat(filepath.Join(env.gitops, "managed", "vpc", "vpc-1.yaml")); err != nil {
		t.Errorf("Managed file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.gitops, "vpc-1.yaml")); !os.IsNotExist(err) {
		t.Error("Expected loose file swept out of the GitOps root")
	}

	f, err := env.store.GetFabric(context.Background(), env.fabric.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != fabric.FabricInSync {
		t.Errorf("Expected in_sync for a fabric without a cluster, got %s", f.Status)
	}
	if f.ResourceCount != 1 {
		t.Errorf("Expected resource count 1, got %d", f.ResourceCount)
	}
}

func TestFullSync_SecondPassIsNoop(t *testing.T) {
	env, cleanup := createTestEnv(t, false)
	defer cleanup()

	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.fullSync(t)

	op := env.fullSync(t)
	if op.Created != 0 || op.Updated != 0 || op.Deleted != 0 {
		t.Errorf("Expected clean second pass, got created=%d updated=%d deleted=%d",
			op.Created, op.Updated, op.Deleted)
	}
	if op.CommitRef != "" {
		t.Errorf("Expected no commit on a clean pass, got %s", op.CommitRef)
	}
}

func TestFullSync_InSyncWithCluster(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	spec := map[string]any{
		"ipv4Namespace": "default",
		"subnets": map[string]any{
			"default": map[string]any{"subnet": "10.0.1.0/24", "vlan": int64(1001)},
		},
	}
	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.addClusterObject(t, fabric.KindVPC, "vpc-1", spec)

	env.fullSync(t)

	res := env.resource(t, fabric.KindVPC, "vpc-1")
	if res.DriftState != fabric.DriftInSync {
		t.Errorf("Expected in_sync, got %s", res.DriftState)
	}

	f, _ := env.store.GetFabric(context.Background(), env.fabric.ID)
	if f.Status != fabric.FabricInSync {
		t.Errorf("Expected fabric in_sync, got %s", f.Status)
	}
	if f.DriftCount != 0 {
		t.Errorf("Expected drift count 0, got %d", f.DriftCount)
	}
}

func TestFullSync_GitAhead(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.fullSync(t)

	res := env.resource(t, fabric.KindVPC, "vpc-1")
	if res.DriftState != fabric.DriftGitAhead {
		t.Errorf("Expected git_ahead, got %s", res.DriftState)
	}

	f, _ := env.store.GetFabric(context.Background(), env.fabric.ID)
	if f.Status != fabric.FabricDrift {
		t.Errorf("Expected fabric drift, got %s", f.Status)
	}
}

func TestFullSync_ClusterAhead_NoSilentAdoption(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	env.addClusterObject(t, fabric.KindSwitch, "switch-9", map[string]any{"role": "server-leaf"})
	env.fullSync(t)

	res := env.resource(t, fabric.KindSwitch, "switch-9")
	if res.DriftState != fabric.DriftClusterAhead {
		t.Errorf("Expected cluster_ahead, got %s", res.DriftState)
	}

	// Discovery must never write the orphan into Git on its own.
	if _, err := os.Stat(filepath.Join(env.gitops, "managed", "switch", "switch-9.yaml")); !os.IsNotExist(err) {
		t.Error("Expected no managed file without an explicit adopt")
	}
}

func TestFullSync_DriftDetectedAfterClusterChange(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	spec := map[string]any{
		"ipv4Namespace": "default",
		"subnets": map[string]any{
			"default": map[string]any{"subnet": "10.0.1.0/24", "vlan": int64(1001)},
		},
	}
	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.addClusterObject(t, fabric.KindVPC, "vpc-1", spec)
	env.fullSync(t)

	// Someone edits the cluster out of band.
	desc, _ := fabric.LookupKind(string(fabric.KindVPC))
	obj, err := env.dyn.Resource(desc.GVR()).Get(context.Background(), "vpc-1", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := unstructured.SetNestedField(obj.Object, int64(2002), "spec", "subnets", "default", "vlan"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.dyn.Resource(desc.GVR()).Update(context.Background(), obj, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}

	env.fullSync(t)

	res := env.resource(t, fabric.KindVPC, "vpc-1")
	if res.DriftState != fabric.DriftDetected {
		t.Errorf("Expected drift_detected after a one-sided change, got %s", res.DriftState)
	}
}

func TestFullSync_ConflictWhenBothSidesChange(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	spec := map[string]any{
		"ipv4Namespace": "default",
		"subnets": map[string]any{
			"default": map[string]any{"subnet": "10.0.1.0/24", "vlan": int64(1001)},
		},
	}
	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.addClusterObject(t, fabric.KindVPC, "vpc-1", spec)
	env.fullSync(t)

	// Git side changes.
	env.dropManifest(t, "vpc-1.yaml", vpcManifestWith("vlan: 3003"))
	// Cluster side changes differently.
	desc, _ := fabric.LookupKind(string(fabric.KindVPC))
	obj, err := env.dyn.Resource(desc.GVR()).Get(context.Background(), "vpc-1", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := unstructured.SetNestedField(obj.Object, int64(2002), "spec", "subnets", "default", "vlan"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.dyn.Resource(desc.GVR()).Update(context.Background(), obj, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}

	env.fullSync(t)

	res := env.resource(t, fabric.KindVPC, "vpc-1")
	if res.DriftState != fabric.DriftConflict {
		t.Errorf("Expected conflict, got %s", res.DriftState)
	}
	f, _ := env.store.GetFabric(context.Background(), env.fabric.ID)
	if f.Status != fabric.FabricConflict {
		t.Errorf("Expected fabric conflict, got %s", f.Status)
	}

	// Conflicts are never auto-resolved: applying the Git side is refused.
	if _, err := env.orch.ApplyToCluster(context.Background(), env.fabric.ID, "VPC", "vpc-1"); !errors.IsCode(err, errors.ErrSyncConflict) {
		t.Errorf("Expected conflict error from apply, got %v", err)
	}
}

func TestAdopt_ClusterAheadResource(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	env.addClusterObject(t, fabric.KindSwitch, "switch-9", map[string]any{"role": "server-leaf"})
	env.fullSync(t)

	res, err := env.orch.Adopt(context.Background(), env.fabric.ID, "Switch", "switch-9")
	if err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if res.DriftState != fabric.DriftInSync {
		t.Errorf("Expected in_sync after adopt, got %s", res.DriftState)
	}
	if res.ContentHash == "" || res.ContentHash != res.ClusterHash {
		t.Errorf("Expected matching hashes after adopt, got %q / %q", res.ContentHash, res.ClusterHash)
	}

	if _, err := os.Stat(filepath.Join(env.gitops, "managed", "switch", "switch-9.yaml")); err != nil {
		t.Errorf("Expected managed file after adopt: %v", err)
	}

	// The adopted state survives the next sync unchanged.
	env.fullSync(t)
	res = env.resource(t, fabric.KindSwitch, "switch-9")
	if res.DriftState != fabric.DriftInSync {
		t.Errorf("Expected in_sync after resync, got %s", res.DriftState)
	}
}

func TestAdopt_RejectsNonOrphan(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.fullSync(t)

	_, err := env.orch.Adopt(context.Background(), env.fabric.ID, "VPC", "vpc-1")
	if !errors.IsCode(err, errors.ErrValidation) {
		t.Errorf("Expected validation error adopting a non-orphan, got %v", err)
	}
}

func TestApplyToCluster_RepairsGitAhead(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.fullSync(t)

	res, err := env.orch.ApplyToCluster(context.Background(), env.fabric.ID, "VPC", "vpc-1")
	if err != nil {
		t.Fatalf("ApplyToCluster failed: %v", err)
	}
	if res.DriftState != fabric.DriftInSync {
		t.Errorf("Expected in_sync after apply, got %s", res.DriftState)
	}

	desc, _ := fabric.LookupKind(string(fabric.KindVPC))
	obj, err := env.dyn.Resource(desc.GVR()).Get(context.Background(), "vpc-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Expected cluster object after apply: %v", err)
	}
	ns, _, _ := unstructured.NestedString(obj.Object, "spec", "ipv4Namespace")
	if ns != "default" {
		t.Errorf("Cluster object spec wrong: %v", obj.Object["spec"])
	}
}

func TestRemoveFromCluster(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	env.addClusterObject(t, fabric.KindVPC, "orphan", map[string]any{"ipv4Namespace": "default"})
	env.fullSync(t)

	if err := env.orch.RemoveFromCluster(context.Background(), env.fabric.ID, "VPC", "orphan"); err != nil {
		t.Fatalf("RemoveFromCluster failed: %v", err)
	}

	// The record is gone entirely: it existed on the cluster side only.
	_, err := env.store.GetResource(context.Background(), env.fabric.ID, fabric.KindVPC, "orphan")
	if !errors.IsCode(err, errors.ErrNotFound) {
		t.Errorf("Expected record removed, got %v", err)
	}

	desc, _ := fabric.LookupKind(string(fabric.KindVPC))
	if _, err := env.dyn.Resource(desc.GVR()).Get(context.Background(), "orphan", metav1.GetOptions{}); err == nil {
		t.Error("Expected cluster object deleted")
	}
}

func TestRemoveFromCluster_RefusesDesiredResource(t *testing.T) {
	env, cleanup := createTestEnv(t, true)
	defer cleanup()

	spec := map[string]any{
		"ipv4Namespace": "default",
		"subnets": map[string]any{
			"default": map[string]any{"subnet": "10.0.1.0/24", "vlan": int64(1001)},
		},
	}
	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.addClusterObject(t, fabric.KindVPC, "vpc-1", spec)
	env.fullSync(t)

	err := env.orch.RemoveFromCluster(context.Background(), env.fabric.ID, "VPC", "vpc-1")
	if !errors.IsCode(err, errors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestRunSync_FailureKeepsLastStatus(t *testing.T) {
	env, cleanup := createTestEnv(t, false)
	defer cleanup()

	env.dropManifest(t, "vpc-1.yaml", vpcManifest)
	env.fullSync(t)

	// Point the repository at a path that no longer exists.
	repo, err := env.store.GetRepository(context.Background(), env.fabric.RepositoryID)
	if err != nil {
		t.Fatal(err)
	}
	brokenRepo := *repo
	brokenRepo.ID = ""
	brokenRepo.Name = "broken"
	brokenRepo.URL = filepath.Join(os.TempDir(), "fabric-sync-gone", "repo")
	if err := env.store.CreateRepository(context.Background(), &brokenRepo); err != nil {
		t.Fatal(err)
	}
	broken := &fabric.Fabric{Name: "dc2", RepositoryID: brokenRepo.ID}
	if err := env.store.CreateFabric(context.Background(), broken); err != nil {
		t.Fatal(err)
	}

	op, err := env.orch.RunSync(context.Background(), broken.ID, fabric.OpFullSync)
	if err != nil {
		t.Fatalf("RunSync failed to start: %v", err)
	}
	if op.Status != fabric.OpFailed {
		t.Fatalf("Expected failed operation, got %s", op.Status)
	}
	if op.Error == "" {
		t.Error("Expected error detail on the failed operation")
	}

	// A first sync that fails leaves no known-good state to fall back to.
	f, _ := env.store.GetFabric(context.Background(), broken.ID)
	if f.Status != fabric.FabricError {
		t.Errorf("Expected error status for never-synced fabric, got %s", f.Status)
	}
	if f.LastError == "" {
		t.Error("Expected last error recorded on the fabric")
	}

	// A fabric that has synced keeps its classification when its
	// repository breaks; only the error field moves.
	if err := os.RemoveAll(repo.URL); err != nil {
		t.Fatal(err)
	}
	op2, err := env.orch.RunSync(context.Background(), env.fabric.ID, fabric.OpFullSync)
	if err != nil {
		t.Fatalf("RunSync failed to start: %v", err)
	}
	if op2.Status != fabric.OpFailed {
		t.Fatalf("Expected failed operation, got %s", op2.Status)
	}
	synced, _ := env.store.GetFabric(context.Background(), env.fabric.ID)
	if synced.Status != fabric.FabricInSync {
		t.Errorf("Expected in_sync preserved after failure, got %s", synced.Status)
	}
	if synced.LastError == "" {
		t.Error("Expected last error recorded on the fabric")
	}
}

func TestRun_CancelledContextFinalizesOperation(t *testing.T) {
	env, cleanup := createTestEnv(t, false)
	defer cleanup()
	ctx := context.Background()

	op, err := env.store.BeginOperation(ctx, env.fabric.ID, fabric.OpFullSync)
	if err != nil {
		t.Fatalf("BeginOperation failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	env.orch.run(cancelled, env.fabric, op)

	got, err := env.store.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if got.Status != fabric.OpFailed {
		t.Errorf("Expected failed operation, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "cancelled") {
		t.Errorf("Expected cancellation detail, got %q", got.Error)
	}

	// The per-fabric lock is released, so a new operation can start.
	op2, err := env.store.BeginOperation(ctx, env.fabric.ID, fabric.OpFullSync)
	if err != nil {
		t.Fatalf("Expected lock released after cancellation: %v", err)
	}
	if err := env.store.FinishOperation(ctx, op2, fabric.OpSuccess, ""); err != nil {
		t.Fatal(err)
	}
}

func vpcManifestWith(vlanLine string) string {
	out := ""
	for _, line := range []string{
		"apiVersion: vpc.githedgehog.com/v1beta1",
		"kind: VPC",
		"metadata:",
		"  name: vpc-1",
		"spec:",
		"  ipv4Namespace: default",
		"  subnets:",
		"    default:",
		"      subnet: 10.0.1.0/24",
		"      " + vlanLine,
	} {
		out += line + "\n"
	}
	return out
}
