// Package session holds the in-memory session and task models and the
// registry that owns them. A session exclusively owns its worktree, event
// log and active PTY stream; deleting the session is the definitive
// teardown point.
package session

import (
	"sync"
	"time"

	"github.com/iondrive-co/chad/internal/worktree"
)

// TaskState is the lifecycle state of a task. Terminal states are never
// left once entered.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Session is one workspace: a project path, optionally a worktree, and at
// most one active task at a time.
type Session struct {
	mu sync.Mutex

	ID             string
	Name           string
	ProjectPath    string
	Worktree       *worktree.Worktree
	Active         bool
	cancelRequest  bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	ActiveTaskID   string

	// Queue carries user messages into the running session loop.
	Queue *MessageQueue

	// terminateHook stops the session's active PTY; installed by the loop
	// while a phase is running.
	terminateHook func()
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ProjectPath     string    `json:"project_path,omitempty"`
	WorktreePath    string    `json:"worktree_path,omitempty"`
	WorktreeBranch  string    `json:"worktree_branch,omitempty"`
	Active          bool      `json:"active"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	ActiveTaskID    string    `json:"active_task_id,omitempty"`
}

// Snapshot returns a copy of the session state safe to serialize.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:              s.ID,
		Name:            s.Name,
		ProjectPath:     s.ProjectPath,
		Active:          s.Active,
		CancelRequested: s.cancelRequest,
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.LastActivityAt,
		ActiveTaskID:    s.ActiveTaskID,
	}
	if s.Worktree != nil {
		snap.WorktreePath = s.Worktree.Path
		snap.WorktreeBranch = s.Worktree.Branch
	}
	return snap
}

// RequestCancel sets the cancel flag and fires the terminate hook if a PTY
// is active. Idempotent.
func (s *Session) RequestCancel() {
	s.mu.Lock()
	already := s.cancelRequest
	s.cancelRequest = true
	hook := s.terminateHook
	s.mu.Unlock()
	if !already && hook != nil {
		hook()
	}
}

// CancelRequested reports whether cancellation has been requested.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequest
}

// ResetCancel clears the cancel flag for a new task on the same session.
func (s *Session) ResetCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRequest = false
}

// SetTerminateHook installs (or clears, with nil) the PTY terminate hook.
func (s *Session) SetTerminateHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateHook = hook
}

// Terminate fires the active terminate hook, if any.
func (s *Session) Terminate() {
	s.mu.Lock()
	hook := s.terminateHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = time.Now().UTC()
}

// SetActive marks the session (in)active and records the running task id.
func (s *Session) SetActive(active bool, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Active = active
	s.ActiveTaskID = taskID
	s.LastActivityAt = time.Now().UTC()
}

// SetWorktree records the session's worktree.
func (s *Session) SetWorktree(wt *worktree.Worktree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Worktree = wt
}

// GetWorktree returns the session's worktree, nil if none.
func (s *Session) GetWorktree() *worktree.Worktree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Worktree
}

// Task is one run of the coding pipeline inside a session.
type Task struct {
	mu sync.Mutex

	ID          string
	SessionID   string
	State       TaskState
	Progress    string
	Result      map[string]any
	StartedAt   time.Time
	CompletedAt *time.Time
}

// TaskSnapshot is the externally visible task state.
type TaskSnapshot struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	State       TaskState      `json:"state"`
	Progress    string         `json:"progress,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Snapshot returns a copy of the task state safe to serialize.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		ID:          t.ID,
		SessionID:   t.SessionID,
		State:       t.State,
		Progress:    t.Progress,
		Result:      t.Result,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// SetState transitions the task. Transitions out of a terminal state are
// ignored.
func (t *Task) SetState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State.Terminal() {
		return
	}
	t.State = state
	if state.Terminal() {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
}

// State returns the current state.
func (t *Task) CurrentState() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// SetProgress updates the free-form progress string.
func (t *Task) SetProgress(progress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Progress = progress
}

// SetResult records the structured result.
func (t *Task) SetResult(result map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = result
}
