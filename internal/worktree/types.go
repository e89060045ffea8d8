// Package worktree manages per-session git worktrees for isolated agent
// execution: branch creation, diffing, squash-merge with conflict
// extraction, and teardown. Every operation shells out to the local git
// executable.
package worktree

import "time"

// Worktree is the metadata record for one session's worktree.
type Worktree struct {
	SessionID   string     `db:"session_id" json:"session_id"`
	ProjectPath string     `db:"project_path" json:"project_path"`
	Path        string     `db:"path" json:"path"`
	Branch      string     `db:"branch" json:"branch"`
	BaseCommit  string     `db:"base_commit" json:"base_commit"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// ConflictHunk is one conflicted region of a file, with enough context to
// render and resolve it in isolation.
type ConflictHunk struct {
	ContextBefore []string `json:"context_before"`
	OriginalLines []string `json:"original_lines"` // HEAD side
	IncomingLines []string `json:"incoming_lines"` // task branch side
	ContextAfter  []string `json:"context_after"`
	StartLine     int      `json:"start_line"` // in the merged file, 1-based
	EndLine       int      `json:"end_line"`
}

// Conflict is a conflicted file with its ordered hunks.
type Conflict struct {
	FilePath string         `json:"file_path"`
	Hunks    []ConflictHunk `json:"hunks"`
}

// MergeResult is the outcome of a squash merge. Conflicts are a first-class
// return shape, not an error.
type MergeResult struct {
	Success     bool       `json:"success"`
	Conflicts   []Conflict `json:"conflicts,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

// DiffLineKind tags one line of a parsed diff hunk.
type DiffLineKind string

const (
	DiffLineAdded   DiffLineKind = "added"
	DiffLineRemoved DiffLineKind = "removed"
	DiffLineContext DiffLineKind = "context"
)

// DiffLine is one line of a diff hunk with its old/new line numbers.
// A zero line number means the line does not exist on that side.
type DiffLine struct {
	Kind    DiffLineKind `json:"kind"`
	Content string       `json:"content"`
	OldLine int          `json:"old_line,omitempty"`
	NewLine int          `json:"new_line,omitempty"`
}

// DiffHunk is one @@-delimited hunk of a file diff.
type DiffHunk struct {
	OldStart int        `json:"old_start"`
	OldCount int        `json:"old_count"`
	NewStart int        `json:"new_start"`
	NewCount int        `json:"new_count"`
	Lines    []DiffLine `json:"lines"`
}

// FileDiff is the parsed diff of one file.
type FileDiff struct {
	OldPath   string     `json:"old_path"`
	NewPath   string     `json:"new_path"`
	IsNew     bool       `json:"is_new"`
	IsDeleted bool       `json:"is_deleted"`
	IsBinary  bool       `json:"is_binary"`
	Hunks     []DiffHunk `json:"hunks"`
}

// FileStat is one file's summary line in a diff summary.
type FileStat struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Status    string `json:"status"` // modified, added, deleted, renamed, untracked
}

// Summary is the cheap per-file overview of worktree changes.
type Summary struct {
	FilesChanged int        `json:"files_changed"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	Files        []FileStat `json:"files"`
}
