// Package vcs implements the version-control adapter: isolated worktrees,
// snapshot/rollback, commit, and branch/diff introspection, backed by the
// git CLI through the executor.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stangirard/polish/internal/executor"
)

const defaultTimeout = 2 * time.Minute

// SnapshotRef is a disposable reference preserving a working tree at a
// point in time, created without altering branch pointers.
type SnapshotRef struct {
	// Hash is the commit-ish produced by `git stash create`. Empty means
	// the tree had no changes to snapshot (there is nothing to restore).
	Hash string
}

// WorktreeInfo describes a freshly created isolated checkout.
type WorktreeInfo struct {
	WorktreePath string
	BaseBranch   string
	BaseCommit   string
}

// ChangedFiles is the result of a branch-diff query.
type ChangedFiles struct {
	Files      []string
	BaseBranch string
}

// Git implements the polish engine's VC Adapter using the git CLI.
type Git struct {
	Exec     *executor.Executor
	Logger   *slog.Logger
	RepoRoot string
}

// New creates a Git-backed VC Adapter rooted at repoRoot.
func New(exec *executor.Executor, logger *slog.Logger, repoRoot string) *Git {
	return &Git{Exec: exec, Logger: logger, RepoRoot: repoRoot}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := "git " + strings.Join(quoteAll(args), " ")
	res, err := g.Exec.Run(ctx, cmd, dir, defaultTimeout)
	if err != nil {
		return "", fmt.Errorf("vcs: running %v: %w", args, err)
	}
	if res.TimedOut {
		return "", fmt.Errorf("vcs: %v timed out", args)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("vcs: %v: exit %d: %s", args, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"$()*?[]{}<>|&;`\\!#~") {
			out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			out[i] = a
		}
	}
	return out
}

// IsRepo reports whether path is inside a git working tree.
func (g *Git) IsRepo(ctx context.Context, path string) bool {
	_, err := g.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// CurrentBranch returns the checked-out branch name at path.
func (g *Git) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := g.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree at path has any tracked or
// untracked modifications.
func (g *Git) HasChanges(ctx context.Context, path string) (bool, error) {
	out, err := g.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Snapshot creates a detached ref preserving the current working tree
// (tracked and untracked changes) without altering branch pointers, using
// `git stash create` — a disposable commit hash that never touches the
// stash list itself.
func (g *Git) Snapshot(ctx context.Context, path string) (SnapshotRef, error) {
	has, err := g.HasChanges(ctx, path)
	if err != nil {
		return SnapshotRef{}, err
	}
	if !has {
		return SnapshotRef{}, nil
	}

	if _, err := g.run(ctx, path, "add", "-A"); err != nil {
		return SnapshotRef{}, fmt.Errorf("vcs: snapshot: staging for stash: %w", err)
	}

	out, err := g.run(ctx, path, "stash", "create")
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("vcs: snapshot: %w", err)
	}
	hash := strings.TrimSpace(out)
	if hash == "" {
		// stash create reports nothing to stash even though status showed
		// changes, e.g. all changes are to ignored files; treat as no-op.
		return SnapshotRef{}, nil
	}
	return SnapshotRef{Hash: hash}, nil
}

// Rollback discards all working-tree changes (tracked and untracked) and,
// if ref is non-empty, reapplies the snapshot.
func (g *Git) Rollback(ctx context.Context, path string, ref SnapshotRef) error {
	if _, err := g.run(ctx, path, "reset", "--hard"); err != nil {
		return fmt.Errorf("vcs: rollback: reset: %w", err)
	}
	if _, err := g.run(ctx, path, "clean", "-fd"); err != nil {
		return fmt.Errorf("vcs: rollback: clean: %w", err)
	}
	if ref.Hash == "" {
		return nil
	}
	if _, err := g.run(ctx, path, "stash", "apply", ref.Hash); err != nil {
		return fmt.Errorf("vcs: rollback: reapplying snapshot: %w", err)
	}
	return nil
}

// Commit stages all changes and records one commit. Precondition: there
// are changes (callers should check HasChanges first).
func (g *Git) Commit(ctx context.Context, path, message string) (string, error) {
	if _, err := g.run(ctx, path, "add", "-A"); err != nil {
		return "", fmt.Errorf("vcs: commit: staging: %w", err)
	}
	if _, err := g.run(ctx, path, "commit", "-m", message); err != nil {
		// A pre-commit hook may reformat files; re-stage and retry once,
		// same recovery the teacher applies around its own commits.
		g.Logger.Info("vcs: commit failed, re-staging and retrying")
		if _, addErr := g.run(ctx, path, "add", "-A"); addErr != nil {
			return "", fmt.Errorf("vcs: commit: %w", err)
		}
		if _, retryErr := g.run(ctx, path, "commit", "-m", message); retryErr != nil {
			return "", fmt.Errorf("vcs: commit retry: %w", retryErr)
		}
	}
	out, err := g.run(ctx, path, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: commit: reading short hash: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CreateWorktree materialises an isolated checkout at HEAD of baseBranch in
// a scratch location, using a detached head so no branch is allocated yet.
// Each call uses a fresh timestamped path under .polish/worktrees, removing
// anything already at that exact path first; worktrees left behind by an
// earlier crashed run are not removed here.
func (g *Git) CreateWorktree(ctx context.Context, baseBranch string) (WorktreeInfo, error) {
	baseCommitOut, err := g.run(ctx, g.RepoRoot, "rev-parse", baseBranch)
	if err != nil {
		return WorktreeInfo{}, fmt.Errorf("vcs: resolving base branch %q: %w", baseBranch, err)
	}
	baseCommit := strings.TrimSpace(baseCommitOut)

	scratchRoot := filepath.Join(g.RepoRoot, ".polish", "worktrees")
	wtPath := filepath.Join(scratchRoot, fmt.Sprintf("session-%d", time.Now().UnixNano()))

	if _, err := os.Stat(wtPath); err == nil {
		g.Logger.Info("vcs: removing stale worktree", "path", wtPath)
		_ = g.RemoveWorktree(ctx, wtPath)
	}

	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return WorktreeInfo{}, fmt.Errorf("vcs: creating scratch root: %w", err)
	}

	if _, err := g.run(ctx, g.RepoRoot, "worktree", "add", "--detach", wtPath, baseCommit); err != nil {
		return WorktreeInfo{}, fmt.Errorf("vcs: creating worktree: %w", err)
	}

	return WorktreeInfo{WorktreePath: wtPath, BaseBranch: baseBranch, BaseCommit: baseCommit}, nil
}

// BranchFromWorktree names the worktree's current tip, returning the
// resulting commit hash.
func (g *Git) BranchFromWorktree(ctx context.Context, worktreePath, name string) (string, error) {
	if _, err := g.run(ctx, worktreePath, "branch", "-f", name, "HEAD"); err != nil {
		return "", fmt.Errorf("vcs: naming branch %q: %w", name, err)
	}
	out, err := g.run(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: reading HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// RemoveWorktree releases the worktree's resources.
func (g *Git) RemoveWorktree(ctx context.Context, worktreePath string) error {
	_, err := g.run(ctx, g.RepoRoot, "worktree", "remove", "--force", worktreePath)
	if err != nil {
		// Directory may already be gone; fall back to a filesystem removal
		// plus a prune so git's bookkeeping doesn't wedge future calls.
		_ = os.RemoveAll(worktreePath)
		_, _ = g.run(ctx, g.RepoRoot, "worktree", "prune")
	}
	return nil
}

// GeneratePolishBranchName returns polish/YYYY-MM-DD-<6hex>, re-randomising
// on collision against existing local branches.
func (g *Git) GeneratePolishBranchName(ctx context.Context) (string, error) {
	existing, err := g.run(ctx, g.RepoRoot, "branch", "--list", "polish/*", "--format=%(refname:short)")
	if err != nil {
		return "", fmt.Errorf("vcs: listing branches: %w", err)
	}
	taken := make(map[string]bool)
	for _, line := range strings.Split(existing, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			taken[l] = true
		}
	}

	date := time.Now().UTC().Format("2006-01-02")
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("polish/%s-%s", date, randHex(6))
		if !taken[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("vcs: could not generate a unique branch name after 20 attempts")
}

func randHex(n int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, n)
	for i := range b {
		b[i] = hex[rand.Intn(len(hex))]
	}
	return string(b)
}

// GetBranchChangedFiles lists files changed on branch relative to base. If
// includeUncommitted is set, uncommitted working-tree changes are included.
func (g *Git) GetBranchChangedFiles(ctx context.Context, path, branch, base string, includeUncommitted bool) (ChangedFiles, error) {
	if base == "" {
		var err error
		base, err = g.CurrentBranch(ctx, path)
		if err != nil {
			return ChangedFiles{}, err
		}
	}

	out, err := g.run(ctx, path, "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return ChangedFiles{}, fmt.Errorf("vcs: diffing %s...%s: %w", base, branch, err)
	}
	files := splitNonEmpty(out)

	if includeUncommitted {
		uncommitted, err := g.run(ctx, path, "status", "--porcelain")
		if err != nil {
			return ChangedFiles{}, err
		}
		seen := make(map[string]bool)
		for _, f := range files {
			seen[f] = true
		}
		for _, line := range strings.Split(uncommitted, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				continue
			}
			f := strings.TrimSpace(parts[1])
			if !seen[f] {
				files = append(files, f)
				seen[f] = true
			}
		}
	}

	return ChangedFiles{Files: files, BaseBranch: base}, nil
}

// GetFileDiff returns a textual diff for one path between base and branch.
func (g *Git) GetFileDiff(ctx context.Context, path, branch, base, file string) (string, error) {
	out, err := g.run(ctx, path, "diff", base+"..."+branch, "--", file)
	if err != nil {
		return "", fmt.Errorf("vcs: diffing file %q: %w", file, err)
	}
	return out, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			out = append(out, l)
		}
	}
	return out
}
