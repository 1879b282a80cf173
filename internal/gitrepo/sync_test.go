package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// createLocalRepo initializes a Git repository with one commit so it can act
// as a fabric's working tree in local-path mode.
func createLocalRepo(t *testing.T) (string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "gitrepo-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	repo, err := git.PlainInit(tmpDir, false)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init repository: %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("fabric configs\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to open worktree: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@local"},
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	return tmpDir, func() { os.RemoveAll(tmpDir) }
}

func TestPull_LocalPathUsedInPlace(t *testing.T) {
	repoDir, cleanup := createLocalRepo(t)
	defer cleanup()

	s := NewSyncer(t.TempDir(), nil)
	repo := fabric.GitRepository{URL: repoDir, AuthKind: fabric.AuthNone}

	treePath, err := s.Pull(context.Background(), repo, "fab-1")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if treePath != repoDir {
		t.Errorf("Expected local path used in place, got %s", treePath)
	}
}

func TestPull_LocalPathMissing(t *testing.T) {
	s := NewSyncer(t.TempDir(), nil)
	repo := fabric.GitRepository{URL: "/nonexistent/fabric-configs", AuthKind: fabric.AuthNone}

	_, err := s.Pull(context.Background(), repo, "fab-1")
	if !errors.IsCode(err, errors.ErrGitNotFound) {
		t.Errorf("Expected git not-found error, got %v", err)
	}
}

func TestDiscover_SkipsLayoutDirectories(t *testing.T) {
	repoDir, cleanup := createLocalRepo(t)
	defer cleanup()

	gitops := filepath.Join(repoDir, "fabrics", "dc1")
	for _, dir := range []string{"", "managed/vpc", "unmanaged", ".meta/archive", "nested"} {
		if err := os.MkdirAll(filepath.Join(gitops, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]bool{
		"drop.yaml":              true,
		"nested/more.yml":        true,
		"notes.txt":              false,
		"managed/vpc/vpc-1.yaml": false,
		"unmanaged/bad.yaml":     false,
		".meta/manifest.yaml":    false,
	}
	for name := range files {
		if err := os.WriteFile(filepath.Join(gitops, name), []byte("x: y\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSyncer(t.TempDir(), nil)
	found, err := s.Discover(repoDir, "fabrics/dc1")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	got := make(map[string]bool)
	for _, path := range found {
		rel, _ := filepath.Rel(gitops, path)
		got[filepath.ToSlash(rel)] = true
	}
	for name, want := range files {
		if got[name] != want {
			t.Errorf("File %s: discovered=%v, want %v", name, got[name], want)
		}
	}
}

func TestDiscover_MissingDirectory(t *testing.T) {
	repoDir, cleanup := createLocalRepo(t)
	defer cleanup()

	s := NewSyncer(t.TempDir(), nil)
	found, err := s.Discover(repoDir, "fabrics/absent")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Expected nothing for a missing directory, got %d files", len(found))
	}
}

func TestPush_LocalModeCommits(t *testing.T) {
	repoDir, cleanup := createLocalRepo(t)
	defer cleanup()

	managed := filepath.Join(repoDir, "fabrics", "dc1", "managed", "vpc")
	if err := os.MkdirAll(managed, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(managed, "vpc-1.yaml"), []byte("kind: VPC\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSyncer(t.TempDir(), nil)
	repo := fabric.GitRepository{URL: repoDir, AuthKind: fabric.AuthNone}

	hash, err := s.Push(context.Background(), repo, "fab-1", "fabrics/dc1", "Normalize managed resources")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if hash == "" {
		t.Fatal("Expected a commit hash")
	}

	gitRepo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	head, err := gitRepo.Head()
	if err != nil {
		t.Fatal(err)
	}
	commit, err := gitRepo.CommitObject(head.Hash())
	if err != nil {
		t.Fatal(err)
	}
	if commit.Author.Name != commitAuthorName {
		t.Errorf("Expected author %s, got %s", commitAuthorName, commit.Author.Name)
	}
	if commit.Message != "Normalize managed resources" {
		t.Errorf("Unexpected commit message %q", commit.Message)
	}

	// Nothing new to commit the second time.
	hash, err = s.Push(context.Background(), repo, "fab-1", "fabrics/dc1", "Normalize managed resources")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if hash != "" {
		t.Errorf("Expected empty hash when tree is clean, got %s", hash)
	}
}

func TestPush_StagesSweptFileRemovals(t *testing.T) {
	repoDir, cleanup := createLocalRepo(t)
	defer cleanup()

	// A loose manifest committed to the repository, as an operator would.
	gitops := filepath.Join(repoDir, "fabrics", "dc1")
	if err := os.MkdirAll(gitops, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gitops, "switch.yaml"), []byte("kind: Switch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRepo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := gitRepo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("fabrics/dc1/switch.yaml"); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Commit("add switch", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@local"},
	}); err != nil {
		t.Fatal(err)
	}

	// Normalization moves the loose file into the archive and writes the
	// managed output in its place.
	archive := filepath.Join(gitops, ".meta", "archive")
	if err := os.MkdirAll(archive, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(filepath.Join(gitops, "switch.yaml"), filepath.Join(archive, "switch.yaml")); err != nil {
		t.Fatal(err)
	}
	managed := filepath.Join(gitops, "managed", "switch")
	if err := os.MkdirAll(managed, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(managed, "leaf-1.yaml"), []byte("kind: Switch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSyncer(t.TempDir(), nil)
	repo := fabric.GitRepository{URL: repoDir, AuthKind: fabric.AuthNone}
	hash, err := s.Push(context.Background(), repo, "fab-1", "fabrics/dc1", "Normalize managed resources")
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if hash == "" {
		t.Fatal("Expected a commit hash")
	}

	// The removal of the original loose file must be part of the commit.
	// A worktree left dirty here would refuse the next fast-forward pull.
	status, err := wt.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsClean() {
		t.Errorf("Expected clean worktree after push, got %v", status)
	}

	head, err := gitRepo.Head()
	if err != nil {
		t.Fatal(err)
	}
	commit, err := gitRepo.CommitObject(head.Hash())
	if err != nil {
		t.Fatal(err)
	}
	tree, err := commit.Tree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.File("fabrics/dc1/switch.yaml"); err == nil {
		t.Error("Expected swept loose file to be deleted from the commit")
	}
	if _, err := tree.File("fabrics/dc1/managed/switch/leaf-1.yaml"); err != nil {
		t.Errorf("Expected managed file in the commit: %v", err)
	}
}

func TestIsLocalPath(t *testing.T) {
	cases := map[string]bool{
		"/srv/git/fabrics":                   true,
		"./relative/repo":                    true,
		"https://github.com/acme/fabrics":    false,
		"git@github.com:acme/fabrics.git":    false,
		"ssh://git@github.com/acme/fabrics":  false,
	}
	for url, want := range cases {
		if got := isLocalPath(url); got != want {
			t.Errorf("isLocalPath(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestAuthMethod(t *testing.T) {
	tokenRepo := fabric.GitRepository{AuthKind: fabric.AuthToken}
	auth, err := authMethod(tokenRepo, Credentials{Token: "secret"})
	if err != nil {
		t.Fatalf("authMethod failed: %v", err)
	}
	if auth == nil {
		t.Fatal("Expected auth method for token auth")
	}

	noneRepo := fabric.GitRepository{AuthKind: fabric.AuthNone}
	auth, err = authMethod(noneRepo, Credentials{})
	if err != nil {
		t.Fatalf("authMethod failed: %v", err)
	}
	if auth != nil {
		t.Error("Expected nil auth for none auth kind")
	}
}
