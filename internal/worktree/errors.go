package worktree

import "errors"

var (
	// ErrNotGitRepo indicates the project path is not a git repository.
	ErrNotGitRepo = errors.New("project path is not a git repository")

	// ErrWorktreeNotFound indicates no worktree exists for the session.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrNoChanges indicates a merge was requested with nothing to merge.
	ErrNoChanges = errors.New("worktree has no changes")

	// ErrGitCommandFailed wraps a non-zero git invocation; the message
	// carries the captured output.
	ErrGitCommandFailed = errors.New("git command failed")
)
