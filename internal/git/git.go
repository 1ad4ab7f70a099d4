// Package git prepares detached worktrees of local clones so static tools
// scan the exact revision under review rather than whatever the clone has
// checked out.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Worktrees creates and removes per-run worktrees below a root directory.
// Operations on the same clone are serialized; git locks its admin files.
type Worktrees struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorktrees returns a manager that places worktrees under root.
func NewWorktrees(root string) *Worktrees {
	return &Worktrees{root: root, locks: make(map[string]*sync.Mutex)}
}

func (w *Worktrees) lock(repoDir string) func() {
	w.mu.Lock()
	l, ok := w.locks[repoDir]
	if !ok {
		l = &sync.Mutex{}
		w.locks[repoDir] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Prepare checks out revision of the clone at repoDir into a fresh detached
// worktree and returns its path. The revision is fetched from origin when the
// clone does not have it. release removes the worktree and must be called
// exactly once.
func (w *Worktrees) Prepare(ctx context.Context, repoDir, revision string) (path string, release func(), err error) {
	unlock := w.lock(repoDir)
	defer unlock()

	if _, err := gitCmd(ctx, repoDir, "cat-file", "-e", revision+"^{commit}"); err != nil {
		if _, err := gitCmd(ctx, repoDir, "fetch", "--quiet", "origin", revision); err != nil {
			return "", nil, fmt.Errorf("fetch %s: %w", revision, err)
		}
	}

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return "", nil, fmt.Errorf("create worktree root: %w", err)
	}
	path, err = os.MkdirTemp(w.root, filepath.Base(repoDir)+"-"+short(revision)+"-")
	if err != nil {
		return "", nil, fmt.Errorf("create worktree dir: %w", err)
	}

	if _, err := gitCmd(ctx, repoDir, "worktree", "add", "--detach", "--force", path, revision); err != nil {
		_ = os.RemoveAll(path)
		return "", nil, err
	}

	var once sync.Once
	release = func() {
		once.Do(func() { w.remove(repoDir, path) })
	}
	return path, release, nil
}

// remove runs without the caller's context: cleanup must happen even after
// the run deadline.
func (w *Worktrees) remove(repoDir, path string) {
	unlock := w.lock(repoDir)
	defer unlock()

	ctx := context.Background()
	if _, err := gitCmd(ctx, repoDir, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = gitCmd(ctx, repoDir, "worktree", "prune")
	}
}

// Sweep removes worktrees of repoDir left below the root by a previous
// process, returning how many were removed.
func (w *Worktrees) Sweep(ctx context.Context, repoDir string) (int, error) {
	unlock := w.lock(repoDir)
	defer unlock()

	out, err := gitCmd(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return 0, err
	}
	root, err := filepath.Abs(w.root)
	if err != nil {
		return 0, err
	}
	// git reports resolved paths; the root may sit behind a symlink.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	n := 0
	for _, wt := range ParseWorktreeListPorcelain(out) {
		if !strings.HasPrefix(wt.Path, root+string(filepath.Separator)) {
			continue
		}
		if _, err := gitCmd(ctx, repoDir, "worktree", "remove", "--force", wt.Path); err != nil {
			_ = os.RemoveAll(wt.Path)
		}
		n++
	}
	_, _ = gitCmd(ctx, repoDir, "worktree", "prune")
	return n, nil
}

// RemoteRepository returns owner/name of the clone's origin remote.
func RemoteRepository(ctx context.Context, repoDir string) (string, error) {
	url, err := gitCmd(ctx, repoDir, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	owner, repo, err := ExtractOwnerRepo(url)
	if err != nil {
		return "", err
	}
	return owner + "/" + repo, nil
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ExtractOwnerRepo parses a GitHub or GitLab remote URL and returns owner/repo.
// Nested GitLab groups stay in the repo part.
func ExtractOwnerRepo(remoteURL string) (owner, repo string, err error) {
	// Handle SSH: git@github.com:owner/repo.git
	if strings.HasPrefix(remoteURL, "git@") {
		parts := strings.SplitN(remoteURL, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		path := strings.TrimSuffix(parts[1], ".git")
		segments := strings.SplitN(path, "/", 2)
		if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
			return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
		}
		return segments[0], segments[1], nil
	}

	// Handle HTTPS: https://github.com/owner/repo.git
	trimmed := strings.TrimSuffix(remoteURL, ".git")
	for _, scheme := range []string{"https://", "http://", "ssh://"} {
		trimmed = strings.TrimPrefix(trimmed, scheme)
	}
	// drop credentials and host
	if i := strings.Index(trimmed, "@"); i >= 0 && i < strings.Index(trimmed+"/", "/") {
		trimmed = trimmed[i+1:]
	}
	host := strings.Index(trimmed, "/")
	if host < 0 {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	segments := strings.SplitN(trimmed[host+1:], "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return segments[0], segments[1], nil
}
