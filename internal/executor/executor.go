// Package executor composes a task run: it validates the request, allocates
// the session worktree, builds the per-phase agent invocations and drives
// the session loop, recording session_started and session_ended events.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/accounts"
	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/common/config"
	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/eventlog"
	"github.com/iondrive-co/chad/internal/events"
	"github.com/iondrive-co/chad/internal/events/bus"
	"github.com/iondrive-co/chad/internal/handoff"
	"github.com/iondrive-co/chad/internal/prompts"
	"github.com/iondrive-co/chad/internal/ptystream"
	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/session/loop"
	"github.com/iondrive-co/chad/internal/worktree"
)

// ErrNoActivePTY indicates input or resize arrived while no agent runs.
var ErrNoActivePTY = errors.New("no active PTY for session")

// maxHandovers bounds quota-driven provider switches per task, so two
// exhausted accounts pointing at each other cannot ping-pong forever.
const maxHandovers = 1

// AccountResolver resolves account names against their allowed roles.
// Satisfied by *accounts.Service.
type AccountResolver interface {
	ResolveForCoding(ctx context.Context, name string) (*accounts.Account, error)
	ResolveForVerification(ctx context.Context, name string) (*accounts.Account, error)
}

// TaskRequest is the POST /sessions/{id}/tasks body.
type TaskRequest struct {
	ProjectPath           string   `json:"project_path"`
	TaskDescription       string   `json:"task_description"`
	CodingAgent           string   `json:"coding_agent"`
	CodingModel           string   `json:"coding_model,omitempty"`
	CodingReasoning       string   `json:"coding_reasoning,omitempty"`
	TerminalRows          int      `json:"terminal_rows,omitempty"`
	TerminalCols          int      `json:"terminal_cols,omitempty"`
	Screenshots           []string `json:"screenshots,omitempty"`
	OverridePrompt        string   `json:"override_prompt,omitempty"`
	VerificationAgent     string   `json:"verification_agent,omitempty"`
	VerificationModel     string   `json:"verification_model,omitempty"`
	VerificationReasoning string   `json:"verification_reasoning,omitempty"`
	MockBinary            string   `json:"mock_binary,omitempty"`
	MockScenario          string   `json:"mock_scenario,omitempty"`
}

// Executor runs tasks. One instance serves all sessions.
type Executor struct {
	sessions  *session.Manager
	accounts  AccountResolver
	worktrees session.WorktreeFactory
	bus       bus.EventBus
	prompts   *prompts.Library
	exec      config.ExecutionConfig
	logDir    string
	usage     loop.UsageSource
	logger    *logger.Logger

	mu      sync.Mutex
	streams map[string]*ptystream.Stream // session id -> active PTY
}

// New builds the executor. The usage source may be nil, disabling usage
// threshold checks.
func New(sessions *session.Manager, resolver AccountResolver, worktrees session.WorktreeFactory,
	eventBus bus.EventBus, lib *prompts.Library, execCfg config.ExecutionConfig, logDir string,
	usage loop.UsageSource, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		sessions:  sessions,
		accounts:  resolver,
		worktrees: worktrees,
		bus:       eventBus,
		prompts:   lib,
		exec:      execCfg,
		logDir:    logDir,
		usage:     usage,
		logger:    log.WithFields(zap.String("component", "executor")),
		streams:   make(map[string]*ptystream.Stream),
	}
}

// Start validates the request, claims the session and launches the task in
// the background, returning the pending task for status polling.
func (e *Executor) Start(ctx context.Context, sessionID string, req *TaskRequest) (*session.Task, error) {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if req.ProjectPath == "" {
		req.ProjectPath = s.ProjectPath
	}
	if info, statErr := os.Stat(req.ProjectPath); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", session.ErrProjectPathInvalid, req.ProjectPath)
	}
	if req.TaskDescription == "" {
		return nil, fmt.Errorf("task_description is required")
	}

	coding, err := e.accounts.ResolveForCoding(ctx, req.CodingAgent)
	if err != nil {
		return nil, err
	}
	var verifier *accounts.Account
	if req.VerificationAgent != "" {
		verifier, err = e.accounts.ResolveForVerification(ctx, req.VerificationAgent)
		if err != nil {
			return nil, err
		}
	}

	task, err := e.sessions.ClaimTask(sessionID)
	if err != nil {
		return nil, err
	}

	go e.run(context.WithoutCancel(ctx), s, task, req, coding, verifier)
	return task, nil
}

// SendInput writes raw bytes to the session's active PTY.
func (e *Executor) SendInput(sessionID string, data []byte) error {
	stream := e.currentStream(sessionID)
	if stream == nil || !stream.Running() {
		return ErrNoActivePTY
	}
	return stream.SendInput(string(data))
}

// Resize resizes the session's active PTY.
func (e *Executor) Resize(sessionID string, cols, rows uint16) error {
	stream := e.currentStream(sessionID)
	if stream == nil || !stream.Running() {
		return ErrNoActivePTY
	}
	return stream.Resize(cols, rows)
}

// ExecutionConfig returns the current execution knobs.
func (e *Executor) ExecutionConfig() config.ExecutionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec
}

// SetExecutionConfig replaces the execution knobs for subsequently started
// loops; tasks already running keep the configuration they started with.
func (e *Executor) SetExecutionConfig(cfg config.ExecutionConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exec = cfg
}

func (e *Executor) currentStream(sessionID string) *ptystream.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[sessionID]
}

func (e *Executor) setStream(sessionID string, stream *ptystream.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stream == nil {
		delete(e.streams, sessionID)
	} else {
		e.streams[sessionID] = stream
	}
}

// run drives one task to its terminal state. It owns the session's event
// log for the duration.
func (e *Executor) run(ctx context.Context, s *session.Session, task *session.Task,
	req *TaskRequest, coding, verifier *accounts.Account) {
	log := e.logger.WithSessionID(s.ID)

	defer func() {
		e.setStream(s.ID, nil)
		e.sessions.ReleaseTask(s.ID)
	}()

	evlog, err := eventlog.Open(e.logDir, s.ID, e.logger)
	if err != nil {
		log.WithError(err).Error("Failed to open event log")
		task.SetState(session.TaskFailed)
		task.SetProgress(fmt.Sprintf("failed to open event log: %v", err))
		return
	}
	defer func() { _ = evlog.Close() }()
	evlog.SetAppendHook(e.publishEvent)

	workdir, err := e.allocateWorkdir(ctx, s, req.ProjectPath)
	if err != nil {
		log.WithError(err).Error("Failed to allocate worktree")
		task.SetState(session.TaskFailed)
		task.SetProgress(fmt.Sprintf("worktree allocation failed: %v", err))
		e.appendSessionEnded(evlog, false, "failed", 0)
		return
	}

	e.append(evlog, &eventlog.Event{
		Type: eventlog.TypeSessionStarted,
		SessionStarted: &eventlog.SessionStartedPayload{
			TaskID:              task.ID,
			TaskDescription:     req.TaskDescription,
			ProjectPath:         req.ProjectPath,
			CodingAccount:       coding.Name,
			VerificationAccount: req.VerificationAgent,
			Model:               req.CodingModel,
			Reasoning:           req.CodingReasoning,
		},
	})
	e.publishState(s.ID, "running", task.ID)
	task.SetState(session.TaskRunning)

	result := e.runLoops(ctx, s, task, req, coding, verifier, evlog, workdir)

	state, reason := terminalState(result)
	task.SetState(state)
	task.SetProgress(reason)
	taskResult := map[string]any{"outcome": string(result.Outcome)}
	if result.Summary != nil {
		taskResult["summary"] = result.Summary
	}
	if result.Detail != "" {
		taskResult["detail"] = result.Detail
	}
	if result.Pending != nil {
		taskResult["pending_action"] = result.Pending
	}
	task.SetResult(taskResult)

	e.appendSessionEnded(evlog, result.Outcome == loop.OutcomeCompleted, reason, result.ExitCode)
	e.publishState(s.ID, "idle", task.ID)
	log.Info("Task finished",
		zap.String("task_id", task.ID), zap.String("outcome", string(result.Outcome)), zap.Int("exit_code", result.ExitCode))
}

// runLoops runs the session loop, performing at most maxHandovers quota
// driven provider switches.
func (e *Executor) runLoops(ctx context.Context, s *session.Session, task *session.Task,
	req *TaskRequest, coding, verifier *accounts.Account, evlog *eventlog.Log, workdir string) *loop.Result {
	handoffMarkdown := ""
	nativeSessionID := ""

	for handovers := 0; ; handovers++ {
		execCfg := e.ExecutionConfig()
		cfg := loop.ConfigFromExecution(execCfg)
		cfg.HasVerifier = verifier != nil
		if handovers < maxHandovers {
			cfg.QuotaSwitchAccount = switchTarget(execCfg.ActionRules)
		}

		lp := loop.New(cfg, loop.Deps{
			Log:              evlog,
			Runner:           e.phaseRunner(req, coding, verifier, evlog, workdir, s.ID, nativeSessionID),
			Queue:            s.Queue,
			CancelRequested:  s.CancelRequested,
			SetTerminateHook: s.SetTerminateHook,
			Usage:            e.usage,
			UsageAccount:     coding.Name,
			Logger:           e.logger,
		})

		result := lp.Run(ctx, handoffMarkdown)
		if result.Pending == nil || result.Pending.Action != loop.ActionSwitchProvider || handovers >= maxHandovers {
			return result
		}

		target, err := e.accounts.ResolveForCoding(ctx, result.Pending.TargetAccount)
		if err != nil {
			e.logger.WithSessionID(s.ID).WithError(err).Error("Handover target unusable",
				zap.String("target", result.Pending.TargetAccount))
			result.Outcome = loop.OutcomeFailed
			result.Detail = fmt.Sprintf("handover target %q unusable: %v", result.Pending.TargetAccount, err)
			return result
		}

		summary := e.condense(evlog, target.Provider)
		condensed := e.append(evlog, summary.ToEvent(""))
		switched := &eventlog.ProviderSwitchedPayload{
			FromAccount: coding.Name,
			ToAccount:   target.Name,
			Reason:      result.Pending.Reason,
		}
		if condensed != nil {
			switched.CondensedSeq = condensed.Seq
		}
		e.append(evlog, &eventlog.Event{Type: eventlog.TypeProviderSwitched, ProviderSwitched: switched})

		e.logger.WithSessionID(s.ID).Info("Switching provider",
			zap.String("from", coding.Name), zap.String("to", target.Name), zap.String("reason", result.Pending.Reason))

		coding = target
		handoffMarkdown = summary.Markdown
		nativeSessionID = summary.NativeSessionID
		task.SetProgress(fmt.Sprintf("switched to account %s", target.Name))
	}
}

// phaseRunner builds the closure the loop invokes per phase. Verification
// phases run on the verifier account when one is configured.
func (e *Executor) phaseRunner(req *TaskRequest, coding, verifier *accounts.Account,
	evlog *eventlog.Log, workdir, sessionID, nativeSessionID string) loop.PhaseRunner {
	return func(ctx context.Context, preq loop.PhaseRequest) (loop.AgentStream, error) {
		acct := coding
		model, reasoning := firstNonEmpty(req.CodingModel, coding.Model), firstNonEmpty(req.CodingReasoning, coding.Reasoning)
		if preq.UseVerifier && verifier != nil {
			acct = verifier
			model, reasoning = firstNonEmpty(req.VerificationModel, verifier.Model), firstNonEmpty(req.VerificationReasoning, verifier.Reasoning)
		}

		cmd, err := agentcmd.Build(agentcmd.Request{
			Provider:        acct.Provider,
			Account:         acct.Name,
			ProjectPath:     workdir,
			Phase:           preq.Phase,
			Task:            req.TaskDescription,
			PriorOutput:     preq.PriorOutput,
			Feedback:        preq.Feedback,
			Handoff:         preq.Handoff,
			Screenshots:     req.Screenshots,
			Model:           model,
			Reasoning:       reasoning,
			OverridePrompt:  req.OverridePrompt,
			NativeSessionID: nativeSessionID,
			MockBinary:      req.MockBinary,
			MockScenario:    req.MockScenario,
		}, e.prompts)
		if err != nil {
			return nil, err
		}

		e.append(evlog, &eventlog.Event{
			Type: eventlog.TypeModelSelected,
			ModelSelected: &eventlog.ModelSelectedPayload{
				Provider:  string(acct.Provider),
				Account:   acct.Name,
				Model:     model,
				Reasoning: reasoning,
			},
		})

		stream, err := ptystream.Start(ptystream.Config{
			Command:      cmd.Argv,
			Dir:          cmd.Dir,
			Env:          cmd.Env,
			InitialStdin: cmd.InitialStdin,
			Cols:         req.TerminalCols,
			Rows:         req.TerminalRows,
		}, e.logger)
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				if hint := agentcmd.InstallHint(acct.Provider); hint != "" {
					return nil, fmt.Errorf("%s binary not found: %w (install with: %s)", acct.Provider, err, hint)
				}
			}
			return nil, err
		}
		e.setStream(sessionID, stream)
		return stream, nil
	}
}

// allocateWorkdir creates the session worktree for git projects. A plain
// directory project runs in place.
func (e *Executor) allocateWorkdir(ctx context.Context, s *session.Session, projectPath string) (string, error) {
	if e.worktrees == nil {
		return projectPath, nil
	}
	wm, err := e.worktrees(projectPath)
	if err != nil {
		if errors.Is(err, worktree.ErrNotGitRepo) {
			e.logger.WithSessionID(s.ID).Warn("Project is not a git repository, running in place",
				zap.String("project", projectPath))
			return projectPath, nil
		}
		return "", err
	}

	if wt := s.GetWorktree(); wt != nil {
		return wt.Path, nil
	}
	wt, err := wm.CreateWorktree(ctx, s.ID)
	if err != nil {
		return "", err
	}
	s.SetWorktree(wt)
	return wt.Path, nil
}

// condense builds the handoff summary from everything logged so far.
func (e *Executor) condense(evlog *eventlog.Log, target agentcmd.Provider) *handoff.Summary {
	evs, err := evlog.ReadEvents(0, nil)
	if err != nil {
		e.logger.WithError(err).Error("Failed to read events for handoff")
	}
	return handoff.Build(evs, target)
}

func (e *Executor) append(evlog *eventlog.Log, ev *eventlog.Event) *eventlog.Event {
	appended, err := evlog.Append(ev)
	if err != nil {
		e.logger.WithError(err).Error("Failed to append event", zap.String("type", string(ev.Type)))
		return nil
	}
	return appended
}

func (e *Executor) appendSessionEnded(evlog *eventlog.Log, success bool, reason string, exitCode int) {
	e.append(evlog, &eventlog.Event{
		Type:         eventlog.TypeSessionEnded,
		SessionEnded: &eventlog.SessionEndedPayload{Success: success, Reason: reason, ExitCode: exitCode},
	})
}

// publishEvent fans a persisted event out on the bus. Terminal output and
// milestones additionally go to their dedicated subjects.
func (e *Executor) publishEvent(ev *eventlog.Event) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx := context.Background()
	payload := map[string]any{"event": json.RawMessage(data)}

	_ = e.bus.Publish(ctx, events.BuildEventAppendedSubject(ev.SessionID),
		bus.NewEvent(string(ev.Type), "executor", payload))

	switch ev.Type {
	case eventlog.TypeTerminalOutput:
		_ = e.bus.Publish(ctx, events.BuildTerminalOutputSubject(ev.SessionID),
			bus.NewEvent(string(ev.Type), "executor", payload))
	case eventlog.TypeMilestone:
		_ = e.bus.Publish(ctx, events.BuildMilestoneSubject(ev.SessionID),
			bus.NewEvent(string(ev.Type), "executor", payload))
	}
}

func (e *Executor) publishState(sessionID, state, taskID string) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(context.Background(), events.BuildSessionStateSubject(sessionID),
		bus.NewEvent("session.state", "executor", map[string]any{"state": state, "task_id": taskID}))
}

// terminalState maps a loop outcome onto the task state and end reason.
func terminalState(result *loop.Result) (session.TaskState, string) {
	switch result.Outcome {
	case loop.OutcomeCompleted:
		return session.TaskCompleted, "completed"
	case loop.OutcomeCancelled:
		return session.TaskCancelled, "cancelled"
	case loop.OutcomeAwaitingReset:
		return session.TaskFailed, "awaiting_reset"
	case loop.OutcomeHandover:
		return session.TaskFailed, "handover_pending"
	default:
		return session.TaskFailed, "failed"
	}
}

// switchTarget returns the account named by the first switch_provider rule,
// reused as the quota-exhaustion handover target.
func switchTarget(rules []config.ActionRule) string {
	for _, r := range rules {
		if r.Action == loop.ActionSwitchProvider && r.TargetAccount != "" {
			return r.TargetAccount
		}
	}
	return ""
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
