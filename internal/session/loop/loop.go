// Package loop runs the per-session state machine: coding, continuation,
// verification and revision phases, milestone detection over the agent's
// output, usage-threshold rules, idle-stall handling and quota-driven
// provider handover.
package loop

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/common/config"
	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/eventlog"
	"github.com/iondrive-co/chad/internal/quota"
	"github.com/iondrive-co/chad/internal/session"
)

// Reserved phase exit codes. Positive codes come from the child itself.
const (
	ExitCancelled       = -1
	ExitIdleStall       = -2
	ExitExplorationLoop = -3
)

// tickInterval is the cadence of the background tick worker.
const tickInterval = 500 * time.Millisecond

// priorOutputTail caps how much accumulated output is fed back into
// continuation and verification prompts.
const priorOutputTail = 20000

// Outcome is the terminal result of a loop run.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeFailed        Outcome = "failed"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeHandover      Outcome = "handover_pending"
	OutcomeAwaitingReset Outcome = "awaiting_reset"
)

// AgentStream is the running agent process as the loop sees it. Satisfied
// by *ptystream.Stream.
type AgentStream interface {
	Subscribe(id string) <-chan []byte
	Unsubscribe(id string)
	SendInput(data string) error
	Terminate()
	Done() <-chan struct{}
	ExitCode() int
	LastOutputAt() time.Time
}

// PhaseRequest asks the phase runner for one agent invocation.
type PhaseRequest struct {
	Phase       agentcmd.Phase
	PriorOutput string
	Feedback    string
	Handoff     string
	UseVerifier bool
}

// PhaseRunner spawns the agent for a phase. Provided by the task executor,
// which binds account, model and working directory.
type PhaseRunner func(ctx context.Context, req PhaseRequest) (AgentStream, error)

// PendingAction is a provider handover or reset wait recorded mid-run; the
// task executor acts on it after the loop returns.
type PendingAction struct {
	Action        string `json:"action"` // switch_provider, await_reset
	TargetAccount string `json:"target_account,omitempty"`
	Reason        string `json:"reason"`
}

// Config bounds the loop's phases and timers.
type Config struct {
	PhaseTimeout            time.Duration
	MaxContinuations        int
	MaxVerificationAttempts int
	UsageCheckInterval      time.Duration
	IdleThinking            time.Duration
	IdleMidThought          time.Duration
	IdleCommand             time.Duration
	ExplorationCommandLimit int
	ActionRules             []config.ActionRule
	QuotaSwitchAccount      string // handover target on quota exhaustion
	HasVerifier             bool
}

// ConfigFromExecution maps the file configuration onto loop bounds.
func ConfigFromExecution(e config.ExecutionConfig) Config {
	return Config{
		PhaseTimeout:            e.PhaseTimeout(),
		MaxContinuations:        e.MaxContinuations,
		MaxVerificationAttempts: e.MaxVerificationAttempts,
		UsageCheckInterval:      e.UsageCheckInterval(),
		IdleThinking:            time.Duration(e.IdleThinkingSeconds) * time.Second,
		IdleMidThought:          time.Duration(e.IdleMidThoughtSeconds) * time.Second,
		IdleCommand:             time.Duration(e.IdleCommandSeconds) * time.Second,
		ExplorationCommandLimit: e.ExplorationCommandLimit,
		ActionRules:             e.ActionRules,
	}
}

// Deps are the loop's collaborators.
type Deps struct {
	Log              *eventlog.Log
	Runner           PhaseRunner
	Queue            *session.MessageQueue
	CancelRequested  func() bool
	SetTerminateHook func(hook func())
	Usage            UsageSource
	UsageAccount     string
	Logger           *logger.Logger
}

// Result is the loop's terminal state.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Summary  map[string]any
	Pending  *PendingAction
	Detail   string
}

// Loop drives one task through its phases.
type Loop struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	mu      sync.Mutex
	buffer  []byte
	explore explorationScanner
	summary summaryScanner

	codingSummary map[string]any
	quotaKind     quota.Kind
	pending       *PendingAction
	cancelled     bool
	stalled       bool
	stallDetail   string
	loopedOut     bool // exploration-loop detector tripped
	timedOut      bool

	rules  *ruleEngine
	budget idleBudgets
	norm   *streamNormalizer
}

// New builds a loop. Deps.Log, Deps.Runner and Deps.Queue are required.
func New(cfg Config, deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	l := &Loop{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.WithFields(zap.String("component", "session_loop"), zap.String("session_id", deps.Log.SessionID())),
		rules: newRuleEngine(cfg.ActionRules),
		budget: idleBudgets{
			thinking:   cfg.IdleThinking,
			midThought: cfg.IdleMidThought,
			command:    cfg.IdleCommand,
		},
	}
	l.norm = &streamNormalizer{emit: l.appendEvent}
	return l
}

// Run executes coding, continuations and the verification loop, returning
// the terminal result. A handoff context, when non-empty, is injected into
// the first coding prompt (used after a provider switch).
func (l *Loop) Run(ctx context.Context, handoff string) *Result {
	defer l.deps.SetTerminateHook(nil)

	exit, interrupted := l.runPhase(ctx, PhaseRequest{Phase: agentcmd.PhaseCombined, Handoff: handoff})
	if interrupted != nil {
		return interrupted
	}

	for attempt := 0; exit == 0 && l.currentSummary() == nil && attempt < l.cfg.MaxContinuations; attempt++ {
		l.log.Info("No change summary yet, continuing", zap.Int("attempt", attempt+1))
		exit, interrupted = l.runPhase(ctx, PhaseRequest{
			Phase:       agentcmd.PhaseContinuation,
			PriorOutput: l.outputTail(),
		})
		if interrupted != nil {
			return interrupted
		}
	}

	if exit != 0 {
		return l.failure(exit)
	}

	summary := l.currentSummary()
	if !l.cfg.HasVerifier {
		return &Result{Outcome: OutcomeCompleted, Summary: summary}
	}
	return l.runVerification(ctx, summary)
}

// runVerification drives verify and revise rounds until a pass, an abort,
// or attempts run out.
func (l *Loop) runVerification(ctx context.Context, summary map[string]any) *Result {
	for attempt := 1; attempt <= l.cfg.MaxVerificationAttempts; attempt++ {
		l.emitMilestone(eventlog.MilestoneVerifyStarted,
			fmt.Sprintf("Verification attempt %d of %d", attempt, l.cfg.MaxVerificationAttempts),
			map[string]any{"attempt": attempt})

		verdictFrom := l.bufferLen()
		exit, interrupted := l.runPhase(ctx, PhaseRequest{
			Phase:       agentcmd.PhaseVerification,
			PriorOutput: l.outputTail(),
			UseVerifier: true,
		})
		if interrupted != nil {
			return interrupted
		}

		v := scanVerdict(l.bufferFrom(verdictFrom))
		if exit != 0 || v == nil {
			// The verifier could not be run or produced no verdict; coding
			// itself succeeded, so stop here rather than retry blindly.
			l.emitMilestone(eventlog.MilestoneVerifyFailed, "aborted", map[string]any{"attempt": attempt, "exit_code": exit})
			l.appendEvent(&eventlog.Event{
				Type:                eventlog.TypeVerificationAttempt,
				VerificationAttempt: &eventlog.VerificationAttemptPayload{Attempt: attempt, Passed: false, Summary: "aborted"},
			})
			return &Result{Outcome: OutcomeCompleted, Summary: summary, Detail: "verification aborted"}
		}

		l.appendEvent(&eventlog.Event{
			Type: eventlog.TypeVerificationAttempt,
			VerificationAttempt: &eventlog.VerificationAttemptPayload{
				Attempt: attempt, Passed: v.Passed, Summary: v.Summary, Issues: v.Issues,
			},
		})

		if v.Passed {
			l.emitMilestone(eventlog.MilestoneVerifyPassed, v.Summary, map[string]any{"attempt": attempt})
			return &Result{Outcome: OutcomeCompleted, Summary: summary}
		}

		l.emitMilestone(eventlog.MilestoneVerifyFailed, v.Summary,
			map[string]any{"attempt": attempt, "issues": v.Issues})

		if attempt == l.cfg.MaxVerificationAttempts {
			return &Result{Outcome: OutcomeFailed, Summary: summary,
				Detail: fmt.Sprintf("verification failed after %d attempts", attempt)}
		}

		l.emitMilestone(eventlog.MilestoneRevisionStarted, v.Summary, map[string]any{"attempt": attempt})
		feedback := v.Summary
		if len(v.Issues) > 0 {
			feedback += "\n- " + strings.Join(v.Issues, "\n- ")
		}
		exit, interrupted = l.runPhase(ctx, PhaseRequest{
			Phase:    agentcmd.PhaseRevision,
			Feedback: feedback,
		})
		if interrupted != nil {
			return interrupted
		}
		if exit != 0 {
			return l.failure(exit)
		}
	}
	return &Result{Outcome: OutcomeFailed, Summary: summary, Detail: "verification attempts exhausted"}
}

// runPhase spawns one agent run and supervises it with the tick worker. A
// nil second return means the phase ran to child exit; a non-nil Result is
// a run-terminating interrupt (cancel or pending handover).
func (l *Loop) runPhase(ctx context.Context, req PhaseRequest) (int, *Result) {
	stream, err := l.deps.Runner(ctx, req)
	if err != nil {
		l.log.WithError(err).Error("Failed to start phase", zap.String("phase", string(req.Phase)))
		return 0, &Result{Outcome: OutcomeFailed, Detail: fmt.Sprintf("failed to start %s phase: %v", req.Phase, err)}
	}

	l.deps.Log.SetTurnID(uuid.New().String())
	l.deps.SetTerminateHook(stream.Terminate)
	defer l.deps.SetTerminateHook(nil)

	phaseCtx := ctx
	var cancel context.CancelFunc
	if l.cfg.PhaseTimeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, l.cfg.PhaseTimeout)
		defer cancel()
	}

	sub := stream.Subscribe("session-loop")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastUsage := time.Now()
	nudgedAt := time.Time{}
	timeout := phaseCtx.Done()

	for {
		select {
		case frame, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			l.recordTerminal(frame)

		case <-stream.Done():
			if sub != nil {
				for frame := range sub {
					l.recordTerminal(frame)
				}
			}
			l.scanOutput(true)
			l.norm.Flush()
			// A cancel may terminate the child before the next tick observes
			// the flag; classify it here so the exit is not mistaken for a
			// child failure.
			if l.deps.CancelRequested != nil && l.deps.CancelRequested() {
				l.mu.Lock()
				l.cancelled = true
				l.mu.Unlock()
			}
			return l.resolveExit(stream.ExitCode()), l.interrupt()

		case <-timeout:
			timeout = nil
			l.mu.Lock()
			l.timedOut = ctx.Err() == nil
			l.mu.Unlock()
			stream.Terminate()

		case <-ticker.C:
			l.tick(stream, &lastUsage, &nudgedAt)
		}
	}
}

// tick performs the recurring duties: message forwarding, output analysis,
// cancellation, idle detection and usage checks.
func (l *Loop) tick(stream AgentStream, lastUsage *time.Time, nudgedAt *time.Time) {
	// Forward queued user messages into the current PTY, newline-terminated.
	l.deps.Queue.Drain(func(msg string) error {
		payload := msg
		if !strings.HasSuffix(payload, "\n") {
			payload += "\n"
		}
		if err := stream.SendInput(payload); err != nil {
			return err
		}
		l.appendEvent(&eventlog.Event{
			Type:        eventlog.TypeUserMessage,
			UserMessage: &eventlog.UserMessagePayload{Text: msg},
		})
		return nil
	})

	l.scanOutput(false)
	l.scanQuota(stream)
	l.checkExplorationLoop(stream)

	if l.deps.CancelRequested != nil && l.deps.CancelRequested() {
		l.mu.Lock()
		already := l.cancelled
		l.cancelled = true
		l.mu.Unlock()
		if !already {
			l.log.Info("Cancellation observed, terminating agent")
			stream.Terminate()
		}
		return
	}

	l.checkIdle(stream, nudgedAt)

	if l.deps.Usage != nil && l.cfg.UsageCheckInterval > 0 && time.Since(*lastUsage) >= l.cfg.UsageCheckInterval {
		*lastUsage = time.Now()
		l.checkUsage(stream)
	}
}

// checkIdle nudges a silent agent once, then declares a fatal stall.
func (l *Loop) checkIdle(stream AgentStream, nudgedAt *time.Time) {
	if l.budget.thinking <= 0 {
		return
	}
	silence := time.Since(stream.LastOutputAt())
	tail := l.bufferFrom(max(0, l.bufferLen()-400))
	class := classifyIdle(tail)
	limit := l.budget.limit(class)
	if silence < limit {
		return
	}

	if nudgedAt.IsZero() {
		*nudgedAt = time.Now()
		l.log.Warn("Agent stalled, sending continue nudge", zap.Duration("silence", silence))
		_ = stream.SendInput("continue\n")
		return
	}
	if time.Since(*nudgedAt) < limit {
		return
	}
	l.mu.Lock()
	already := l.stalled
	l.stalled = true
	if l.stallDetail == "" {
		l.stallDetail = fmt.Sprintf("agent stalled and did not recover: no output for %s while %s, last output %q",
			silence.Round(time.Second), class, lastOutputLine(tail))
	}
	l.mu.Unlock()
	if !already {
		l.log.Error("Agent stalled after nudge, terminating", zap.Duration("silence", silence))
		stream.Terminate()
	}
}

// checkUsage samples usage and fires threshold rules on the rising edge.
func (l *Loop) checkUsage(stream AgentStream) {
	reading, err := l.deps.Usage.Usage(context.Background(), l.deps.UsageAccount)
	if err != nil {
		l.log.WithError(err).Debug("usage check failed")
		return
	}
	for _, hit := range l.rules.Evaluate(reading) {
		rule := hit.Rule
		l.log.Info("Usage rule fired",
			zap.String("event", rule.Event), zap.Float64("threshold", rule.Threshold),
			zap.Float64("value", hit.Value), zap.String("action", rule.Action))
		// Every fired rule is a milestone; the details carry the observed
		// reading, not the configured threshold.
		l.emitMilestone(eventlog.MilestoneUsageThreshold,
			fmt.Sprintf("%s at %.0f%% crossed %.0f%%", rule.Event, hit.Value, rule.Threshold),
			map[string]any{"event": rule.Event, "threshold": rule.Threshold, "percentage": hit.Value})
		switch rule.Action {
		case ActionSwitchProvider, ActionAwaitReset:
			l.setPending(&PendingAction{
				Action:        rule.Action,
				TargetAccount: rule.TargetAccount,
				Reason:        fmt.Sprintf("%s reached %.0f%%", rule.Event, hit.Value),
			})
			stream.Terminate()
		}
	}
}

// scanQuota runs the quota detector over the output tail, at most one hit
// per run.
func (l *Loop) scanQuota(stream AgentStream) {
	l.mu.Lock()
	if l.quotaKind != quota.KindNone {
		l.mu.Unlock()
		return
	}
	tail := string(l.buffer)
	l.mu.Unlock()

	kind := quota.Detect(tail)
	if kind == quota.KindNone {
		return
	}
	summary := quota.Summary(tail)

	l.mu.Lock()
	l.quotaKind = kind
	l.mu.Unlock()

	milestone := eventlog.MilestoneSessionLimit
	if kind == quota.KindWeeklyLimit {
		milestone = eventlog.MilestoneWeeklyLimit
	}
	l.emitMilestone(milestone, summary, map[string]any{"kind": string(kind)})

	// A hard limit means this account cannot finish the task: hand over if
	// a target is configured, otherwise park until the window resets.
	switch kind {
	case quota.KindSessionLimit, quota.KindWeeklyLimit, quota.KindRateLimit:
		if l.cfg.QuotaSwitchAccount != "" {
			l.setPending(&PendingAction{Action: ActionSwitchProvider, TargetAccount: l.cfg.QuotaSwitchAccount, Reason: summary})
		} else {
			l.setPending(&PendingAction{Action: ActionAwaitReset, Reason: summary})
		}
		stream.Terminate()
	}
}

// checkExplorationLoop fails the run when the agent keeps reading without
// ever writing.
func (l *Loop) checkExplorationLoop(stream AgentStream) {
	if l.cfg.ExplorationCommandLimit <= 0 {
		return
	}
	l.mu.Lock()
	buf := string(l.buffer)
	already := l.loopedOut
	l.mu.Unlock()
	if already {
		return
	}
	explorationCalls, implementationCalls := countToolCalls(buf)
	if implementationCalls == 0 && explorationCalls > l.cfg.ExplorationCommandLimit {
		l.mu.Lock()
		l.loopedOut = true
		l.mu.Unlock()
		l.log.Error("Exploration loop detected, terminating",
			zap.Int("exploration_calls", explorationCalls))
		stream.Terminate()
	}
}

// scanOutput runs the exploration and coding-complete scanners.
func (l *Loop) scanOutput(finalize bool) {
	l.mu.Lock()
	buf := string(l.buffer)
	l.mu.Unlock()

	for _, finding := range l.explore.Scan(buf, finalize) {
		l.emitMilestone(eventlog.MilestoneExploration, finding, nil)
	}

	if summary := l.summary.Scan(buf); summary != nil {
		l.mu.Lock()
		l.codingSummary = summary
		l.mu.Unlock()
		l.emitMilestone(eventlog.MilestoneCodingComplete, summaryLine(summary), summary)
	}
}

// recordTerminal logs one PTY chunk and grows the scan buffer.
func (l *Loop) recordTerminal(chunk []byte) {
	l.mu.Lock()
	l.buffer = append(l.buffer, chunk...)
	l.mu.Unlock()

	payload := &eventlog.TerminalOutputPayload{}
	if ref, err := l.deps.Log.StoreArtifact(chunk, "terminal"); err == nil && ref != nil {
		payload.Artifact = ref
	} else {
		payload.Data = base64.StdEncoding.EncodeToString(chunk)
		payload.Text = string(chunk)
	}
	l.appendEvent(&eventlog.Event{Type: eventlog.TypeTerminalOutput, TerminalOutput: payload})
	l.norm.Feed(chunk)
}

// resolveExit maps loop-observed conditions onto the reserved codes.
func (l *Loop) resolveExit(childExit int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.cancelled:
		return ExitCancelled
	case l.stalled:
		return ExitIdleStall
	case l.loopedOut:
		return ExitExplorationLoop
	default:
		return childExit
	}
}

// interrupt returns the run-terminating result for a cancel or pending
// action, nil when the run should continue.
func (l *Loop) interrupt() *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return &Result{Outcome: OutcomeCancelled, ExitCode: ExitCancelled, Summary: l.codingSummary}
	}
	if l.pending != nil {
		outcome := OutcomeHandover
		if l.pending.Action == ActionAwaitReset {
			outcome = OutcomeAwaitingReset
		}
		return &Result{Outcome: outcome, Summary: l.codingSummary, Pending: l.pending}
	}
	return nil
}

// failure builds the failed result for a non-zero phase exit.
func (l *Loop) failure(exit int) *Result {
	detail := fmt.Sprintf("agent exited with code %d", exit)
	l.mu.Lock()
	switch exit {
	case ExitIdleStall:
		detail = l.stallDetail
		if detail == "" {
			detail = "agent stalled and did not recover"
		}
	case ExitExplorationLoop:
		detail = "agent looped on exploration without implementing"
	}
	if l.timedOut {
		detail = "phase timed out"
	}
	summary := l.codingSummary
	l.mu.Unlock()
	return &Result{Outcome: OutcomeFailed, ExitCode: exit, Summary: summary, Detail: detail}
}

// lastOutputLine extracts the last non-empty line of the stripped tail, for
// stall diagnostics.
func lastOutputLine(tail string) string {
	lines := strings.Split(strings.TrimRight(stripANSI(tail), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func (l *Loop) setPending(p *PendingAction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		l.pending = p
	}
}

// Pending returns the recorded pending action, nil if none.
func (l *Loop) Pending() *PendingAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *Loop) currentSummary() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.codingSummary
}

func (l *Loop) bufferLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

func (l *Loop) bufferFrom(offset int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < 0 || offset > len(l.buffer) {
		return ""
	}
	return string(l.buffer[offset:])
}

func (l *Loop) outputTail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buffer) <= priorOutputTail {
		return string(l.buffer)
	}
	return string(l.buffer[len(l.buffer)-priorOutputTail:])
}

func (l *Loop) emitMilestone(t eventlog.MilestoneType, summary string, details map[string]any) {
	l.appendEvent(&eventlog.Event{
		Type: eventlog.TypeMilestone,
		Milestone: &eventlog.MilestonePayload{
			MilestoneSeq: l.deps.Log.NextMilestoneSeq(),
			Type:         t,
			Title:        eventlog.MilestoneTitle(t),
			Summary:      summary,
			Details:      details,
		},
	})
}

func (l *Loop) appendEvent(ev *eventlog.Event) {
	if _, err := l.deps.Log.Append(ev); err != nil {
		l.log.WithError(err).Error("Failed to append event", zap.String("type", string(ev.Type)))
	}
}

func summaryLine(summary map[string]any) string {
	if desc, ok := summary["description"].(string); ok && desc != "" {
		return desc
	}
	if status, ok := summary["status"].(string); ok && status != "" {
		return status
	}
	return "coding complete"
}
