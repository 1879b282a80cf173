// Package gitrepo implements the repository synchronizer: it clones or
// pulls a fabric's Git repository, discovers manifest files under its
// configured GitOps directory, and pushes normalized changes back.
package gitrepo

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
	"github.com/hnplabs/fabric-sync/internal/manifest"
)

// Commit author identity used for all pushes, so Git history attributes
// normalized changes deterministically.
const (
	commitAuthorName  = "fabric-sync"
	commitAuthorEmail = "fabric-sync@local"
)

// Syncer checks out fabric repositories under a local working root.
type Syncer struct {
	workRoot string
	creds    CredentialProvider

	// Bounded retry for transient network failures. Auth and not-found
	// errors are never retried.
	maxAttempts int
	baseBackoff time.Duration
}

// NewSyncer creates a Syncer that keeps working trees under workRoot,
// one subdirectory per fabric.
func NewSyncer(workRoot string, creds CredentialProvider) *Syncer {
	return &Syncer{
		workRoot:    workRoot,
		creds:       creds,
		maxAttempts: 3,
		baseBackoff: 2 * time.Second,
	}
}

// Pull makes a fabric's repository available locally and returns the path of
// its working tree. Remote repositories are shallow-cloned on first use and
// fast-forwarded afterwards. A repository URL that is a local directory is
// used in place, which keeps air-gapped setups and tests free of remotes.
func (s *Syncer) Pull(ctx context.Context, repo fabric.GitRepository, fabricID string) (string, error) {
	if isLocalPath(repo.URL) {
		if _, err := os.Stat(repo.URL); err != nil {
			return "", errors.Wrap(errors.ErrGitNotFound, "local repository path does not exist", err).
				WithDetail("url", repo.URL)
		}
		return repo.URL, nil
	}

	creds, err := s.resolveCreds(ctx, repo)
	if err != nil {
		return "", err
	}
	auth, err := authMethod(repo, creds)
	if err != nil {
		return "", err
	}

	treePath := filepath.Join(s.workRoot, fabricID)
	branch := repo.Branch
	if branch == "" {
		branch = "main"
	}

	err = s.withRetry(ctx, "pull", func() error {
		if _, statErr := os.Stat(filepath.Join(treePath, ".git")); statErr == nil {
			return s.fastForward(ctx, treePath, branch, auth)
		}
		return s.clone(ctx, repo.URL, treePath, branch, auth)
	})
	if err != nil {
		return "", err
	}
	return treePath, nil
}

func (s *Syncer) clone(ctx context.Context, url, treePath, branch string, auth transport.AuthMethod) error {
	if err := os.MkdirAll(filepath.Dir(treePath), 0o755); err != nil {
		return errors.Wrap(errors.ErrGitWorktree, "failed to create work directory", err)
	}
	_, err := git.PlainCloneContext(ctx, treePath, false, &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		os.RemoveAll(treePath)
		return classifyGitError(err, url, branch)
	}
	log.Printf("[gitrepo] Cloned %s (branch %s) into %s", url, branch, treePath)
	return nil
}

func (s *Syncer) fastForward(ctx context.Context, treePath, branch string, auth transport.AuthMethod) error {
	repo, err := git.PlainOpen(treePath)
	if err != nil {
		return errors.Wrap(errors.ErrGitWorktree, "failed to open working tree", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(errors.ErrGitWorktree, "failed to open worktree", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return classifyGitError(err, treePath, branch)
	}
	return nil
}

// Discover walks a fabric's GitOps subdirectory and returns the YAML files
// awaiting ingestion. It never leaves the subdirectory, and it skips the
// managed/, unmanaged/, and .meta/ subtrees so already-processed output is
// not re-ingested.
func (s *Syncer) Discover(treePath, gitopsDir string) ([]string, error) {
	root := filepath.Join(treePath, gitopsDir)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrGitWorktree, "failed to stat gitops directory", err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.ErrGitWorktree, fmt.Sprintf("gitops path %s is not a directory", gitopsDir))
	}

	skip := map[string]bool{
		manifest.ManagedDir:   true,
		manifest.UnmanagedDir: true,
		manifest.MetaDir:      true,
		".git":                true,
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrGitWorktree, "failed to walk gitops directory", err)
	}
	return files, nil
}

// Push stages the fabric's gitops directory, commits with the deterministic
// author identity, and pushes to the configured branch. Staging covers the
// whole gitops tree so that loose files swept into raw/ and archived during
// normalization have their removals committed too; otherwise the worktree
// stays dirty and the next pull refuses to fast-forward. A diverged remote
// fails with a distinct error instead of force-pushing. Returns the commit
// hash, or "" when there was nothing to commit.
func (s *Syncer) Push(ctx context.Context, repo fabric.GitRepository, fabricID, gitopsDir, message string) (string, error) {
	var treePath string
	if isLocalPath(repo.URL) {
		treePath = repo.URL
	} else {
		treePath = filepath.Join(s.workRoot, fabricID)
	}

	gitRepo, err := git.PlainOpen(treePath)
	if err != nil {
		return "", errors.Wrap(errors.ErrGitWorktree, "failed to open working tree", err)
	}
	wt, err := gitRepo.Worktree()
	if err != nil {
		return "", errors.Wrap(errors.ErrGitWorktree, "failed to open worktree", err)
	}

	// Directory adds walk the worktree status, so deletions of swept loose
	// files under the gitops dir are staged along with the managed output.
	if gitopsDir == "" {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return "", errors.Wrap(errors.ErrGitWorktree, "failed to stage working tree", err)
		}
	} else if _, statErr := os.Stat(filepath.Join(treePath, gitopsDir)); statErr == nil {
		if err := wt.AddWithOptions(&git.AddOptions{Path: gitopsDir}); err != nil {
			return "", errors.Wrap(errors.ErrGitWorktree, fmt.Sprintf("failed to stage %s", gitopsDir), err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return "", errors.Wrap(errors.ErrGitWorktree, "failed to read worktree status", err)
	}
	if stagedClean(status) {
		return "", nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: commitAuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", errors.Wrap(errors.ErrGitWorktree, "commit failed", err)
	}

	remotes, err := gitRepo.Remotes()
	if err != nil || len(remotes) == 0 {
		// Local working-tree mode: the commit is the result.
		return hash.String(), nil
	}

	creds, err := s.resolveCreds(ctx, repo)
	if err != nil {
		return "", err
	}
	auth, err := authMethod(repo, creds)
	if err != nil {
		return "", err
	}

	err = s.withRetry(ctx, "push", func() error {
		pushErr := gitRepo.PushContext(ctx, &git.PushOptions{Auth: auth})
		if pushErr == git.NoErrAlreadyUpToDate {
			return nil
		}
		return pushErr
	})
	if err != nil {
		if isNonFastForward(err) {
			return "", errors.Wrap(errors.ErrGitRemoteDiverged, "remote changed since last pull", err)
		}
		return "", classifyGitError(err, repo.URL, repo.Branch)
	}

	log.Printf("[gitrepo] Pushed commit %s for fabric %s", hash.String()[:8], fabricID)
	return hash.String(), nil
}

func (s *Syncer) resolveCreds(ctx context.Context, repo fabric.GitRepository) (Credentials, error) {
	if repo.AuthKind == fabric.AuthNone || repo.AuthKind == "" || s.creds == nil {
		return Credentials{}, nil
	}
	return s.creds.Resolve(ctx, repo.SecretRef)
}

// withRetry retries fn for transient failures with exponential backoff.
// Auth and not-found failures surface immediately as configuration errors.
func (s *Syncer) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := s.baseBackoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		classified := classifyGitError(lastErr, "", "")
		if !errors.IsTransient(classified) {
			return lastErr
		}
		if attempt == s.maxAttempts {
			break
		}
		log.Printf("[gitrepo] Transient %s failure (attempt %d/%d), retrying in %s: %v",
			op, attempt, s.maxAttempts, backoff, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// classifyGitError maps go-git and transport errors onto the error taxonomy:
// authentication vs. not-found vs. network, which drives retry decisions.
func classifyGitError(err error, url, branch string) error {
	if err == nil {
		return nil
	}
	var syncErr *errors.SyncError
	if stderrors.As(err, &syncErr) {
		return err
	}

	switch {
	case stderrors.Is(err, transport.ErrAuthenticationRequired),
		stderrors.Is(err, transport.ErrAuthorizationFailed):
		return errors.Wrap(errors.ErrGitAuthFailed, "repository authentication failed", err).
			WithDetail("url", url)
	case stderrors.Is(err, transport.ErrRepositoryNotFound):
		return errors.Wrap(errors.ErrGitNotFound, "repository not found", err).
			WithDetail("url", url)
	case stderrors.Is(err, plumbing.ErrReferenceNotFound):
		return errors.Wrap(errors.ErrGitNotFound, "branch not found", err).
			WithDetail("branch", branch)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Wrap(errors.ErrGitNetwork, "network failure talking to remote", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "context deadline exceeded") {
		return errors.Wrap(errors.ErrGitNetwork, "network failure talking to remote", err)
	}

	return errors.Wrap(errors.ErrGitWorktree, "git operation failed", err)
}

func isNonFastForward(err error) bool {
	return err != nil && strings.Contains(err.Error(), "non-fast-forward")
}

// isLocalPath reports whether a repository URL is a plain filesystem path
// rather than a remote.
func isLocalPath(url string) bool {
	if strings.Contains(url, "://") {
		return false
	}
	if strings.HasPrefix(url, "git@") {
		return false
	}
	return true
}

func stagedClean(status git.Status) bool {
	for _, st := range status {
		if st.Staging != git.Unmodified && st.Staging != git.Untracked {
			return false
		}
	}
	return true
}
