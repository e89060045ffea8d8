package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// MergeToMain squash-merges the session branch into targetBranch, falling
// back to the repository's main branch when targetBranch is empty.
//
// The protocol protects the user's own uncommitted work: it is stashed with
// a session marker before the checkout and popped again on success. On
// conflict the merge is left in place, conflicts are parsed and returned,
// and the stash stays parked until CompleteMerge or AbortMerge runs.
func (m *Manager) MergeToMain(ctx context.Context, sessionID, message, targetBranch string) (*MergeResult, error) {
	log := m.logger.WithSessionID(sessionID)
	path := m.WorktreePath(sessionID)
	branch := m.BranchName(sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrWorktreeNotFound
	}
	hasChanges, err := m.HasChanges(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !hasChanges {
		return nil, ErrNoChanges
	}

	// Commit whatever the agent left uncommitted so the squash sees it.
	if _, err := m.git(ctx, path, "add", "-A"); err != nil {
		return nil, err
	}
	if out, err := m.git(ctx, path, "commit", "-m", "wip: session changes"); err != nil {
		if !strings.Contains(out, "nothing to commit") && !strings.Contains(out, "nothing added to commit") {
			return nil, err
		}
	}

	target := targetBranch
	if target == "" {
		target, err = m.MainBranch(ctx)
		if err != nil {
			return nil, err
		}
	}

	// Park the user's in-progress work on the target before touching it.
	stashed := false
	marker := stashMarkerPrefix + sessionID
	if out, err := m.git(ctx, m.projectPath, "stash", "push", "-u", "-m", marker); err != nil {
		return nil, err
	} else if !strings.Contains(out, "No local changes") {
		stashed = true
	}

	restoreStash := func() {
		if stashed {
			if _, err := m.popSessionStash(ctx, sessionID); err != nil {
				log.WithError(err).Warn("Failed to restore stashed changes")
			}
		}
	}

	if _, err := m.git(ctx, m.projectPath, "checkout", target); err != nil {
		restoreStash()
		return nil, err
	}

	mergeOut, mergeErr := m.git(ctx, m.projectPath, "merge", "--squash", branch)
	if mergeErr != nil {
		if strings.Contains(mergeOut, "CONFLICT") || strings.Contains(mergeOut, "Automatic merge failed") {
			conflicts, parseErr := m.collectConflicts(ctx)
			if parseErr != nil {
				log.WithError(parseErr).Warn("Failed to parse merge conflicts")
			}
			log.Info("Squash merge hit conflicts", zap.Int("files", len(conflicts)))
			// Stash deliberately stays parked until the merge is completed
			// or aborted.
			return &MergeResult{Success: false, Conflicts: conflicts}, nil
		}
		_, _ = m.git(ctx, m.projectPath, "reset", "--hard", "HEAD")
		restoreStash()
		return &MergeResult{Success: false, ErrorDetail: mergeOut}, mergeErr
	}

	if message == "" {
		message = fmt.Sprintf("Merge session %s", sessionID)
	}
	if out, err := m.git(ctx, m.projectPath, "commit", "-m", message); err != nil {
		// A squash that produced no content change leaves nothing to commit.
		if !strings.Contains(out, "nothing to commit") {
			restoreStash()
			return &MergeResult{Success: false, ErrorDetail: out}, err
		}
	}

	restoreStash()
	log.Info("Squash merged session branch", zap.String("target", target))
	return &MergeResult{Success: true}, nil
}

// CompleteMerge commits a conflicted merge after the caller has resolved all
// conflicts, then restores the parked stash.
func (m *Manager) CompleteMerge(ctx context.Context, sessionID, message string) error {
	if _, err := m.git(ctx, m.projectPath, "add", "-A"); err != nil {
		return err
	}
	if message == "" {
		message = fmt.Sprintf("Merge session %s", sessionID)
	}
	if _, err := m.git(ctx, m.projectPath, "commit", "-m", message); err != nil {
		return err
	}
	if _, err := m.popSessionStash(ctx, sessionID); err != nil {
		m.logger.WithSessionID(sessionID).WithError(err).Warn("Failed to restore stashed changes after merge")
	}
	return nil
}

// AbortMerge discards an in-progress conflicted merge and restores the
// parked stash. Both squash merges (SQUASH_MSG) and regular merges
// (MERGE_HEAD) are handled.
func (m *Manager) AbortMerge(ctx context.Context, sessionID string) error {
	gitDir, err := m.git(ctx, m.projectPath, "rev-parse", "--git-dir")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(m.projectPath, gitDir)
	}

	squashMsg := filepath.Join(gitDir, "SQUASH_MSG")
	mergeHead := filepath.Join(gitDir, "MERGE_HEAD")
	switch {
	case fileExists(squashMsg):
		// A squash merge has no MERGE_HEAD, so merge --abort refuses;
		// a hard reset plus removing the message file is the abort.
		if _, err := m.git(ctx, m.projectPath, "reset", "--hard", "HEAD"); err != nil {
			return err
		}
		_ = os.Remove(squashMsg)
	case fileExists(mergeHead):
		if _, err := m.git(ctx, m.projectPath, "merge", "--abort"); err != nil {
			return err
		}
	}

	popped, err := m.popSessionStash(ctx, sessionID)
	if err != nil {
		return err
	}
	if popped {
		m.logger.WithSessionID(sessionID).Info("Aborted merge and restored stashed changes")
	}
	return nil
}

// popSessionStash pops the top stash only when its message carries this
// session's marker. Returns whether a stash was popped.
func (m *Manager) popSessionStash(ctx context.Context, sessionID string) (bool, error) {
	out, err := m.git(ctx, m.projectPath, "stash", "list", "--format=%gs")
	if err != nil || out == "" {
		return false, err
	}
	top := strings.SplitN(out, "\n", 2)[0]
	if !strings.Contains(top, stashMarkerPrefix+sessionID) {
		return false, nil
	}
	if _, err := m.git(ctx, m.projectPath, "stash", "pop"); err != nil {
		return false, err
	}
	return true, nil
}

// collectConflicts lists unmerged files on the target and parses each one's
// conflict markers.
func (m *Manager) collectConflicts(ctx context.Context) ([]Conflict, error) {
	out, err := m.git(ctx, m.projectPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var conflicts []Conflict
	for _, file := range strings.Split(out, "\n") {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.projectPath, file))
		if err != nil {
			return conflicts, fmt.Errorf("failed to read conflicted file %s: %w", file, err)
		}
		hunks := ParseConflictHunks(string(data))
		conflicts = append(conflicts, Conflict{FilePath: file, Hunks: hunks})
	}
	return conflicts, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
