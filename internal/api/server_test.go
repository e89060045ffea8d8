package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iondrive-co/chad/internal/accounts"
	"github.com/iondrive-co/chad/internal/common/config"
	"github.com/iondrive-co/chad/internal/db"
	"github.com/iondrive-co/chad/internal/eventlog"
	"github.com/iondrive-co/chad/internal/executor"
	"github.com/iondrive-co/chad/internal/prompts"
	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/streaming"
	"github.com/iondrive-co/chad/internal/worktree"
)

type apiFixture struct {
	srv      *httptest.Server
	sessions *session.Manager
	logDir   string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "chad.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	store, err := accounts.NewSQLStore(database)
	require.NoError(t, err)
	accountSvc := accounts.NewService(store, nil)

	lib, err := prompts.Load("", nil)
	require.NoError(t, err)

	factory := func(projectPath string) (*worktree.Manager, error) {
		return worktree.NewManager(projectPath, nil, nil)
	}
	sessions := session.NewManager(factory, true, nil)
	logDir := t.TempDir()
	execCfg := config.ExecutionConfig{PhaseTimeoutMinutes: 1, MaxVerificationAttempts: 1, MaxContinuations: 1}
	taskExec := executor.New(sessions, accountSvc, factory, nil, lib, execCfg, logDir, nil, nil)
	mux := streaming.New(logDir, nil, nil)

	router := gin.New()
	NewServer(sessions, taskExec, mux, accountSvc, factory, logDir, nil).Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, sessions: sessions, logDir: logDir}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp, created := f.do(t, http.MethodPost, "/sessions", map[string]any{"name": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	require.NotEmpty(t, id)

	resp, got := f.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "demo", got["name"])

	resp, list := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["sessions"], 1)

	resp, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/sessions", map[string]any{"project_path": "/not/a/real/path"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/sessions/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInputWithoutActivePTY(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/sessions", map[string]any{})
	id := created["id"].(string)

	resp, _ := f.do(t, http.MethodPost, "/sessions/"+id+"/input", map[string]any{"data": "aGVsbG8="})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/resize", map[string]any{"rows": 24, "cols": 80})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessagesQueue(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/sessions", map[string]any{})
	id := created["id"].(string)

	resp, body := f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"message": "also fix the docs"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), body["queued"])

	resp, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsAndMilestones(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/sessions", map[string]any{})
	id := created["id"].(string)

	log, err := eventlog.Open(f.logDir, id, nil)
	require.NoError(t, err)
	_, err = log.Append(&eventlog.Event{
		Type:        eventlog.TypeUserMessage,
		UserMessage: &eventlog.UserMessagePayload{Text: "hi"},
	})
	require.NoError(t, err)
	_, err = log.Append(&eventlog.Event{
		Type: eventlog.TypeMilestone,
		Milestone: &eventlog.MilestonePayload{
			MilestoneSeq: 1, Type: eventlog.MilestoneExploration, Title: "Exploration", Summary: "found it",
		},
	})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	resp, body := f.do(t, http.MethodGet, "/sessions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 2)

	resp, body = f.do(t, http.MethodGet, "/sessions/"+id+"/events?event_types=user_message", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 1)

	resp, body = f.do(t, http.MethodGet, "/sessions/"+id+"/milestones", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["milestones"], 1)

	resp, body = f.do(t, http.MethodGet, "/sessions/"+id+"/milestones?since_seq=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["milestones"], 0)
}

func TestStreamSSE(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/sessions", map[string]any{})
	id := created["id"].(string)

	log, err := eventlog.Open(f.logDir, id, nil)
	require.NoError(t, err)
	_, err = log.Append(&eventlog.Event{
		Type:        eventlog.TypeUserMessage,
		UserMessage: &eventlog.UserMessagePayload{Text: "hi"},
	})
	require.NoError(t, err)
	_, err = log.Append(&eventlog.Event{
		Type:         eventlog.TypeSessionEnded,
		SessionEnded: &eventlog.SessionEndedPayload{Success: true, Reason: "completed"},
	})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(f.srv.URL + "/sessions/" + id + "/stream")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			kinds = append(kinds, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
			if strings.Contains(line, "complete") {
				break
			}
		}
	}
	assert.Equal(t, []string{"event", "event", "complete"}, kinds)
}

func TestAccountsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/accounts", map[string]any{
		"name": "work", "provider": "anthropic", "model": "opus", "role": "both",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/accounts", map[string]any{
		"name": "work", "provider": "openai", "role": "coding",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/accounts", map[string]any{
		"name": "bad", "provider": "clippy", "role": "coding",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPut, "/accounts/work", map[string]any{
		"provider": "anthropic", "model": "sonnet", "role": "coding",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sonnet", body["model"])

	resp, body = f.do(t, http.MethodGet, "/accounts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["accounts"], 1)

	resp, body = f.do(t, http.MethodGet, "/providers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["providers"])

	resp, _ = f.do(t, http.MethodDelete, "/accounts/work", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/accounts/work", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartTaskValidation(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/sessions", map[string]any{})
	id := created["id"].(string)

	// No such account.
	resp, _ := f.do(t, http.MethodPost, "/sessions/"+id+"/tasks", map[string]any{
		"project_path": t.TempDir(), "task_description": "do it", "coding_agent": "nobody",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Account exists but has no coding role.
	resp, _ = f.do(t, http.MethodPost, "/accounts", map[string]any{
		"name": "reviewer", "provider": "openai", "role": "verification",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/tasks", map[string]any{
		"project_path": t.TempDir(), "task_description": "do it", "coding_agent": "reviewer",
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWorktreeEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	repo := initRepo(t)

	_, created := f.do(t, http.MethodPost, "/sessions", map[string]any{"project_path": repo})
	id := created["id"].(string)

	resp, _ := f.do(t, http.MethodPost, "/sessions/"+id+"/worktree", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, status := f.do(t, http.MethodGet, "/sessions/"+id+"/worktree", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, status["has_changes"])

	resp, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/worktree/merge", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "merge with no changes")

	// Make a change inside the worktree, then check diff and merge.
	wtPath := filepath.Join(repo, ".chad-worktrees", id)
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("fresh\n"), 0o644))

	resp, diff := f.do(t, http.MethodGet, "/sessions/"+id+"/worktree/diff", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, diff["files"])

	resp, merged := f.do(t, http.MethodPost, "/sessions/"+id+"/worktree/merge", map[string]any{
		"commit_message": "bring in new.txt",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, merged["success"])
	assert.FileExists(t, filepath.Join(repo, "new.txt"))

	resp, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/worktree/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/sessions/"+id+"/worktree", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestExecutionConfigEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/config/execution", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["phase_timeout_minutes"])

	resp, body = f.do(t, http.MethodPut, "/config/execution", map[string]any{
		"phase_timeout_minutes": 5, "max_verification_attempts": 3, "max_continuations": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), body["phase_timeout_minutes"])

	resp, _ = f.do(t, http.MethodPut, "/config/execution", map[string]any{
		"phase_timeout_minutes": 0, "max_verification_attempts": 3,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
