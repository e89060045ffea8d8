package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/common/logger"
)

const (
	// worktreeDirName is the directory under the project root that holds all
	// session worktrees.
	worktreeDirName = ".chad-worktrees"

	// branchPrefix prefixes every session branch name.
	branchPrefix = "chad-task-"

	// stashMarkerPrefix identifies stashes created by the merge protocol so
	// that abort and complete never pop a user's own stash.
	stashMarkerPrefix = "chad-merge-stash:"
)

// Manager creates, inspects, merges and destroys session worktrees for a
// single project repository. All git invocations run with a context so a
// wedged git (e.g. a hook waiting on input) cannot hang the orchestrator.
type Manager struct {
	projectPath string
	store       Store
	logger      *logger.Logger
}

// Store persists worktree metadata so the orchestrator can reconcile
// worktrees left on disk by a previous run.
type Store interface {
	Save(ctx context.Context, wt *Worktree) error
	GetBySessionID(ctx context.Context, sessionID string) (*Worktree, error)
	ListActive(ctx context.Context) ([]*Worktree, error)
	MarkDeleted(ctx context.Context, sessionID string) error
}

// NewManager returns a manager rooted at projectPath. It fails fast when the
// path is not a git repository.
func NewManager(projectPath string, store Store, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		projectPath: projectPath,
		store:       store,
		logger:      log.WithFields(zap.String("component", "worktree"), zap.String("project", projectPath)),
	}
	if !m.IsGitRepo(context.Background()) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, projectPath)
	}
	return m, nil
}

// ProjectPath returns the repository root this manager operates on.
func (m *Manager) ProjectPath() string {
	return m.projectPath
}

// git runs a git command in dir and returns its combined output. Non-zero
// exit wraps ErrGitCommandFailed with the captured output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never let a credential or editor prompt block the process.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), output)
	}
	return output, nil
}

// IsGitRepo reports whether the project path is inside a git work tree.
func (m *Manager) IsGitRepo(ctx context.Context) bool {
	out, err := m.git(ctx, m.projectPath, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// MainBranch resolves the integration branch: main, then master, then
// whatever is currently checked out.
func (m *Manager) MainBranch(ctx context.Context) (string, error) {
	for _, candidate := range []string{"main", "master"} {
		if _, err := m.git(ctx, m.projectPath, "rev-parse", "--verify", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	out, err := m.git(ctx, m.projectPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve main branch: %w", err)
	}
	return out, nil
}

// WorktreePath returns the on-disk location for a session's worktree.
func (m *Manager) WorktreePath(sessionID string) string {
	return filepath.Join(m.projectPath, worktreeDirName, sessionID)
}

// BranchName returns the branch name for a session.
func (m *Manager) BranchName(sessionID string) string {
	return branchPrefix + sessionID
}

// CreateWorktree creates a fresh worktree and branch for the session off the
// current HEAD of the project. Any prior worktree for the same session is
// destroyed first, so retried sessions always start clean.
func (m *Manager) CreateWorktree(ctx context.Context, sessionID string) (*Worktree, error) {
	log := m.logger.WithSessionID(sessionID)

	if err := m.DeleteWorktree(ctx, sessionID); err != nil {
		log.WithError(err).Warn("Failed to clean up prior worktree, continuing")
	}

	base, err := m.git(ctx, m.projectPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base commit: %w", err)
	}

	path := m.WorktreePath(sessionID)
	branch := m.BranchName(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent: %w", err)
	}

	if _, err := m.git(ctx, m.projectPath, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, fmt.Errorf("failed to add worktree: %w", err)
	}

	m.linkVirtualenv(path)

	wt := &Worktree{
		SessionID:   sessionID,
		ProjectPath: m.projectPath,
		Path:        path,
		Branch:      branch,
		BaseCommit:  base,
		CreatedAt:   time.Now().UTC(),
	}
	if m.store != nil {
		if err := m.store.Save(ctx, wt); err != nil {
			log.WithError(err).Warn("Failed to persist worktree metadata")
		}
	}

	log.Info("Created worktree", zap.String("path", path), zap.String("branch", branch), zap.String("base", base[:min(12, len(base))]))
	return wt, nil
}

// linkVirtualenv symlinks the project's Python virtualenv into the worktree
// so tools that resolve the interpreter relative to the checkout keep
// working. Only a real directory is linked; an existing symlink is left to
// resolve on its own.
func (m *Manager) linkVirtualenv(worktreePath string) {
	for _, name := range []string{".venv", "venv"} {
		src := filepath.Join(m.projectPath, name)
		info, err := os.Lstat(src)
		if err != nil || !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		dst := filepath.Join(worktreePath, name)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			m.logger.WithError(err).Warn("Failed to symlink virtualenv", zap.String("venv", name))
			continue
		}
		m.pruneStalePthEntries(src)
	}
}

// pruneStalePthEntries drops lines pointing at dead session worktrees from
// site-packages .pth files, which otherwise accumulate across sessions.
func (m *Manager) pruneStalePthEntries(venvPath string) {
	matches, err := filepath.Glob(filepath.Join(venvPath, "lib", "*", "site-packages", "*.pth"))
	if err != nil {
		return
	}
	for _, pth := range matches {
		data, err := os.ReadFile(pth)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		kept := lines[:0]
		changed := false
		for _, line := range lines {
			if strings.Contains(line, worktreeDirName) {
				if _, err := os.Stat(strings.TrimSpace(line)); os.IsNotExist(err) {
					changed = true
					continue
				}
			}
			kept = append(kept, line)
		}
		if changed {
			_ = os.WriteFile(pth, []byte(strings.Join(kept, "\n")), 0o644)
		}
	}
}

// HasChanges reports whether the session's worktree differs from its base,
// either as uncommitted changes or as commits ahead of the base.
func (m *Manager) HasChanges(ctx context.Context, sessionID string) (bool, error) {
	path := m.WorktreePath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, ErrWorktreeNotFound
	}

	status, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status != "" {
		return true, nil
	}

	wt, err := m.lookup(ctx, sessionID)
	if err != nil {
		return false, err
	}
	count, err := m.git(ctx, path, "rev-list", "--count", wt.BaseCommit+"..HEAD")
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return false, fmt.Errorf("unexpected rev-list output %q: %w", count, err)
	}
	return n > 0, nil
}

// ResetWorktree discards every change in the worktree, committed and
// uncommitted, back to the base commit.
func (m *Manager) ResetWorktree(ctx context.Context, sessionID string) error {
	path := m.WorktreePath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrWorktreeNotFound
	}
	wt, err := m.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := m.git(ctx, path, "reset", "--hard", wt.BaseCommit); err != nil {
		return err
	}
	if _, err := m.git(ctx, path, "clean", "-fd"); err != nil {
		return err
	}
	m.logger.WithSessionID(sessionID).Info("Reset worktree to base", zap.String("base", wt.BaseCommit))
	return nil
}

// DeleteWorktree removes the worktree directory and its branch. Missing
// worktrees are not an error so the call is safe to use as cleanup.
func (m *Manager) DeleteWorktree(ctx context.Context, sessionID string) error {
	path := m.WorktreePath(sessionID)
	branch := m.BranchName(sessionID)
	log := m.logger.WithSessionID(sessionID)

	if _, err := os.Stat(path); err == nil {
		if _, err := m.git(ctx, m.projectPath, "worktree", "remove", "--force", path); err != nil {
			// git refuses when the worktree is damaged; prune and remove by
			// hand instead.
			log.WithError(err).Debug("worktree remove failed, falling back to prune")
			_, _ = m.git(ctx, m.projectPath, "worktree", "prune")
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove worktree directory: %w", err)
			}
		}
	} else {
		_, _ = m.git(ctx, m.projectPath, "worktree", "prune")
	}

	if _, err := m.git(ctx, m.projectPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		if _, err := m.git(ctx, m.projectPath, "branch", "-D", branch); err != nil {
			log.WithError(err).Warn("Failed to delete session branch")
		}
	}

	if m.store != nil {
		if err := m.store.MarkDeleted(ctx, sessionID); err != nil {
			log.WithError(err).Debug("failed to mark worktree deleted")
		}
	}
	return nil
}

// ReconcileOrphans deletes worktrees recorded as active whose sessions are
// no longer running. Called once at startup.
func (m *Manager) ReconcileOrphans(ctx context.Context, isActive func(sessionID string) bool) error {
	if m.store == nil {
		return nil
	}
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active worktrees: %w", err)
	}
	for _, wt := range active {
		if wt.ProjectPath != m.projectPath || isActive(wt.SessionID) {
			continue
		}
		if err := m.DeleteWorktree(ctx, wt.SessionID); err != nil {
			m.logger.WithSessionID(wt.SessionID).WithError(err).Warn("Failed to reconcile orphan worktree")
		}
	}
	return nil
}

// lookup resolves the stored metadata for a session, falling back to
// reconstructing it from disk when no store is configured.
func (m *Manager) lookup(ctx context.Context, sessionID string) (*Worktree, error) {
	if m.store != nil {
		wt, err := m.store.GetBySessionID(ctx, sessionID)
		if err == nil && wt != nil {
			return wt, nil
		}
	}
	path := m.WorktreePath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrWorktreeNotFound
	}
	// Best effort: merge-base against the integration branch stands in for
	// the recorded base commit.
	main, err := m.MainBranch(ctx)
	if err != nil {
		return nil, err
	}
	base, err := m.git(ctx, path, "merge-base", main, "HEAD")
	if err != nil {
		return nil, err
	}
	return &Worktree{
		SessionID:   sessionID,
		ProjectPath: m.projectPath,
		Path:        path,
		Branch:      m.BranchName(sessionID),
		BaseCommit:  base,
	}, nil
}
