package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/worktree"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSessionBusy indicates the session already has an active task.
	ErrSessionBusy = errors.New("session already has an active task")

	// ErrProjectPathInvalid indicates the project path does not exist.
	ErrProjectPathInvalid = errors.New("project path does not exist")
)

// WorktreeFactory returns the worktree manager for a project path.
type WorktreeFactory func(projectPath string) (*worktree.Manager, error)

// Manager is the in-memory registry of sessions and tasks. Lookup and
// mutation of the registry itself happen under one lock with short critical
// sections; per-session state has its own lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tasks    map[string]*Task

	worktrees       WorktreeFactory
	cleanupOnDelete bool
	logger          *logger.Logger
}

// NewManager returns an empty registry.
func NewManager(worktrees WorktreeFactory, cleanupOnDelete bool, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		sessions:        make(map[string]*Session),
		tasks:           make(map[string]*Task),
		worktrees:       worktrees,
		cleanupOnDelete: cleanupOnDelete,
		logger:          log.WithFields(zap.String("component", "session_manager")),
	}
}

// Create registers a new session. The project path, when given, must exist.
func (m *Manager) Create(name, projectPath string) (*Session, error) {
	if projectPath != "" {
		info, err := os.Stat(projectPath)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrProjectPathInvalid, projectPath)
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.New().String(),
		Name:           name,
		ProjectPath:    projectPath,
		CreatedAt:      now,
		LastActivityAt: now,
		Queue:          NewMessageQueue(),
	}
	if s.Name == "" {
		s.Name = "session-" + s.ID[:8]
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.WithSessionID(s.ID).Info("Created session", zap.String("name", s.Name), zap.String("project", projectPath))
	return s, nil
}

// Get looks a session up by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of all sessions, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel requests cancellation of the session's running task. A cancel on
// an idle or already-cancelled session is a no-op.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.RequestCancel()
	m.logger.WithSessionID(id).Info("Cancel requested")
	return nil
}

// Delete cancels any running task, tears down the worktree and removes the
// session from the registry.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.RequestCancel()

	if m.cleanupOnDelete && s.GetWorktree() != nil && m.worktrees != nil {
		wm, err := m.worktrees(s.ProjectPath)
		if err != nil {
			m.logger.WithSessionID(id).WithError(err).Warn("Failed to open worktree manager for teardown")
		} else if err := wm.DeleteWorktree(ctx, id); err != nil {
			m.logger.WithSessionID(id).WithError(err).Warn("Failed to delete session worktree")
		}
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.WithSessionID(id).Info("Deleted session")
	return nil
}

// ClaimTask marks the session active with a new task, rejecting the claim
// when another task is already running.
func (m *Manager) ClaimTask(sessionID string) (*Task, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.Active {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.Active = true
	s.cancelRequest = false
	task := &Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		State:     TaskPending,
		StartedAt: time.Now().UTC(),
	}
	s.ActiveTaskID = task.ID
	s.LastActivityAt = task.StartedAt
	s.mu.Unlock()

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
	return task, nil
}

// ReleaseTask marks the session idle after its task reached a terminal
// state.
func (m *Manager) ReleaseTask(sessionID string) {
	s, err := m.Get(sessionID)
	if err != nil {
		return
	}
	s.SetActive(false, "")
	s.SetTerminateHook(nil)
}

// GetTask looks a task up by id.
func (m *Manager) GetTask(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// ActiveSessionIDs returns ids of sessions with a running task.
func (m *Manager) ActiveSessionIDs() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for id, s := range m.sessions {
		if s.Snapshot().Active {
			out[id] = true
		}
	}
	return out
}
