package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/common/config"
	"github.com/iondrive-co/chad/internal/eventlog"
	"github.com/iondrive-co/chad/internal/session"
)

// fakeStream satisfies AgentStream without a real PTY.
type fakeStream struct {
	mu     sync.Mutex
	frames chan []byte
	done   chan struct{}
	exit   int
	inputs []string
	last   time.Time
	ended  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
		last:   time.Now(),
	}
}

func (f *fakeStream) emit(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.last = time.Now()
	f.frames <- []byte(data)
}

func (f *fakeStream) finish(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	f.exit = code
	close(f.frames)
	close(f.done)
}

func (f *fakeStream) Subscribe(string) <-chan []byte { return f.frames }
func (f *fakeStream) Unsubscribe(string)             {}
func (f *fakeStream) Terminate()                     { f.finish(130) }
func (f *fakeStream) Done() <-chan struct{}          { return f.done }

func (f *fakeStream) SendInput(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, data)
	return nil
}

func (f *fakeStream) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit
}

func (f *fakeStream) LastOutputAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// step scripts one phase run. hold keeps the stream open until Terminate.
type step struct {
	output string
	exit   int
	hold   bool
}

type scriptedRunner struct {
	t       *testing.T
	mu      sync.Mutex
	steps   []step
	phases  []agentcmd.Phase
	streams []*fakeStream
}

func (r *scriptedRunner) run(_ context.Context, req PhaseRequest) (AgentStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(r.t, r.steps, "runner called more times than scripted")
	s := r.steps[0]
	r.steps = r.steps[1:]
	r.phases = append(r.phases, req.Phase)

	fs := newFakeStream()
	r.streams = append(r.streams, fs)
	go func() {
		time.Sleep(10 * time.Millisecond)
		if s.output != "" {
			fs.emit(s.output)
		}
		if !s.hold {
			fs.finish(s.exit)
		}
	}()
	return fs, nil
}

func (r *scriptedRunner) phaseList() []agentcmd.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agentcmd.Phase(nil), r.phases...)
}

type loopFixture struct {
	loop   *Loop
	log    *eventlog.Log
	runner *scriptedRunner
	cancel bool
	mu     sync.Mutex
}

func (f *loopFixture) cancelRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel
}

func (f *loopFixture) requestCancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel = true
}

func newFixture(t *testing.T, cfg Config, steps []step) *loopFixture {
	t.Helper()
	log, err := eventlog.Open(t.TempDir(), "sess-test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	f := &loopFixture{log: log, runner: &scriptedRunner{steps: steps, t: t}}
	f.loop = New(cfg, Deps{
		Log:              log,
		Runner:           f.runner.run,
		Queue:            session.NewMessageQueue(),
		CancelRequested:  f.cancelRequested,
		SetTerminateHook: func(func()) {},
	})
	return f
}

func milestoneTypes(t *testing.T, log *eventlog.Log) []eventlog.MilestoneType {
	t.Helper()
	events, err := log.ReadEvents(0, []eventlog.EventType{eventlog.TypeMilestone})
	require.NoError(t, err)
	var out []eventlog.MilestoneType
	for _, ev := range events {
		out = append(out, ev.Milestone.Type)
	}
	return out
}

const summaryOutput = `work done {"change_summary": {"status": "complete", "files_changed": ["a.go"]}}` + "\n"

func TestLoop_CompletesWithSummary(t *testing.T) {
	f := newFixture(t, Config{MaxContinuations: 3}, []step{
		{output: summaryOutput, exit: 0},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, res.Summary)
	assert.Equal(t, "complete", res.Summary["status"])
	assert.Equal(t, []agentcmd.Phase{agentcmd.PhaseCombined}, f.runner.phaseList())
	assert.Contains(t, milestoneTypes(t, f.log), eventlog.MilestoneCodingComplete)
}

func TestLoop_ContinuationWhenNoSummary(t *testing.T) {
	f := newFixture(t, Config{MaxContinuations: 3}, []step{
		{output: "did some work but forgot the summary\n", exit: 0},
		{output: summaryOutput, exit: 0},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []agentcmd.Phase{agentcmd.PhaseCombined, agentcmd.PhaseContinuation}, f.runner.phaseList())
}

func TestLoop_ContinuationsBounded(t *testing.T) {
	f := newFixture(t, Config{MaxContinuations: 3}, []step{
		{output: "no summary\n", exit: 0},
		{output: "still none\n", exit: 0},
		{output: "nope\n", exit: 0},
		{output: "nothing\n", exit: 0},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Nil(t, res.Summary)
	assert.Len(t, f.runner.phaseList(), 4)
}

func TestLoop_NonZeroExitFails(t *testing.T) {
	f := newFixture(t, Config{}, []step{
		{output: "boom\n", exit: 2},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.ExitCode)
}

func TestLoop_Cancellation(t *testing.T) {
	f := newFixture(t, Config{}, []step{
		{output: "working...\n", hold: true},
	})
	f.requestCancel()

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, ExitCancelled, res.ExitCode)
}

func TestLoop_VerificationPasses(t *testing.T) {
	f := newFixture(t, Config{MaxVerificationAttempts: 5, HasVerifier: true}, []step{
		{output: summaryOutput, exit: 0},
		{output: `{"passed": true, "summary": "looks good"}` + "\n", exit: 0},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []agentcmd.Phase{agentcmd.PhaseCombined, agentcmd.PhaseVerification}, f.runner.phaseList())

	types := milestoneTypes(t, f.log)
	assert.Contains(t, types, eventlog.MilestoneVerifyStarted)
	assert.Contains(t, types, eventlog.MilestoneVerifyPassed)

	attempts, err := f.log.ReadEvents(0, []eventlog.EventType{eventlog.TypeVerificationAttempt})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].VerificationAttempt.Passed)
}

func TestLoop_VerificationFailRevisePass(t *testing.T) {
	f := newFixture(t, Config{MaxVerificationAttempts: 5, HasVerifier: true}, []step{
		{output: summaryOutput, exit: 0},
		{output: `{"passed": false, "summary": "missing edge case", "issues": ["nil input"]}` + "\n", exit: 0},
		{output: "fixed it\n", exit: 0},
		{output: `{"passed": true}` + "\n", exit: 0},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []agentcmd.Phase{
		agentcmd.PhaseCombined, agentcmd.PhaseVerification,
		agentcmd.PhaseRevision, agentcmd.PhaseVerification,
	}, f.runner.phaseList())

	types := milestoneTypes(t, f.log)
	assert.Contains(t, types, eventlog.MilestoneVerifyFailed)
	assert.Contains(t, types, eventlog.MilestoneRevisionStarted)
	assert.Contains(t, types, eventlog.MilestoneVerifyPassed)
}

func TestLoop_VerificationAbortStops(t *testing.T) {
	f := newFixture(t, Config{MaxVerificationAttempts: 5, HasVerifier: true}, []step{
		{output: summaryOutput, exit: 0},
		{output: "verifier binary not found\n", exit: 1},
	})

	res := f.loop.Run(context.Background(), "")
	// Coding succeeded; an unusable verifier is not retried.
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "verification aborted", res.Detail)
	assert.Len(t, f.runner.phaseList(), 2)
	assert.Contains(t, milestoneTypes(t, f.log), eventlog.MilestoneVerifyFailed)
}

func TestLoop_VerificationAttemptsExhausted(t *testing.T) {
	failVerdict := `{"passed": false, "summary": "still broken"}` + "\n"
	f := newFixture(t, Config{MaxVerificationAttempts: 2, HasVerifier: true}, []step{
		{output: summaryOutput, exit: 0},
		{output: failVerdict, exit: 0},
		{output: "revised\n", exit: 0},
		{output: failVerdict, exit: 0},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, f.runner.phaseList(), 4)
}

func TestLoop_QuotaHitParksSession(t *testing.T) {
	f := newFixture(t, Config{}, []step{
		{output: "You've hit your limit. Resets at 3pm.\n", hold: true},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeAwaitingReset, res.Outcome)
	require.NotNil(t, res.Pending)
	assert.Equal(t, ActionAwaitReset, res.Pending.Action)
	assert.Contains(t, milestoneTypes(t, f.log), eventlog.MilestoneSessionLimit)
}

func TestLoop_QuotaHitSwitchesProvider(t *testing.T) {
	f := newFixture(t, Config{QuotaSwitchAccount: "backup"}, []step{
		{output: "Weekly usage limit reached.\n", hold: true},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeHandover, res.Outcome)
	require.NotNil(t, res.Pending)
	assert.Equal(t, ActionSwitchProvider, res.Pending.Action)
	assert.Equal(t, "backup", res.Pending.TargetAccount)
	assert.Contains(t, milestoneTypes(t, f.log), eventlog.MilestoneWeeklyLimit)
}

type fixedUsage struct {
	reading UsageReading
}

func (u fixedUsage) Usage(context.Context, string) (UsageReading, error) {
	return u.reading, nil
}

func TestLoop_UsageRuleSwitchesProvider(t *testing.T) {
	cfg := Config{
		UsageCheckInterval: 10 * time.Millisecond,
		ActionRules: []config.ActionRule{
			{Event: EventSessionUsage, Threshold: 80, Action: ActionSwitchProvider, TargetAccount: "backup"},
		},
	}
	f := newFixture(t, cfg, []step{
		{output: "working\n", hold: true},
	})
	f.loop.deps.Usage = fixedUsage{UsageReading{SessionPct: 90, WeeklyPct: -1, ContextPct: -1}}

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeHandover, res.Outcome)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "backup", res.Pending.TargetAccount)
}

// steppedUsage replays a fixed series of readings, holding the last one.
type steppedUsage struct {
	mu       sync.Mutex
	readings []UsageReading
}

func (u *steppedUsage) Usage(context.Context, string) (UsageReading, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r := u.readings[0]
	if len(u.readings) > 1 {
		u.readings = u.readings[1:]
	}
	return r, nil
}

func TestLoop_UsageRulesEmitMilestonePerCrossing(t *testing.T) {
	cfg := Config{
		UsageCheckInterval: 10 * time.Millisecond,
		ActionRules: []config.ActionRule{
			{Event: EventSessionUsage, Threshold: 80, Action: ActionNotify},
			{Event: EventSessionUsage, Threshold: 90, Action: ActionSwitchProvider, TargetAccount: "backup"},
		},
	}
	f := newFixture(t, cfg, []step{
		{output: "working\n", hold: true},
	})
	f.loop.deps.Usage = &steppedUsage{readings: []UsageReading{
		{SessionPct: 70, WeeklyPct: -1, ContextPct: -1},
		{SessionPct: 85, WeeklyPct: -1, ContextPct: -1},
		{SessionPct: 92, WeeklyPct: -1, ContextPct: -1},
	}}

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeHandover, res.Outcome)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "backup", res.Pending.TargetAccount)

	events, err := f.log.ReadEvents(0, []eventlog.EventType{eventlog.TypeMilestone})
	require.NoError(t, err)
	var percentages []float64
	for _, ev := range events {
		if ev.Milestone.Type != eventlog.MilestoneUsageThreshold {
			continue
		}
		pct, ok := ev.Milestone.Details["percentage"].(float64)
		require.True(t, ok, "usage milestone carries the observed percentage")
		percentages = append(percentages, pct)
	}
	assert.Equal(t, []float64{85, 92}, percentages)
}

func TestLoop_IdleStallNudgesThenFails(t *testing.T) {
	cfg := Config{
		IdleThinking:   50 * time.Millisecond,
		IdleMidThought: 50 * time.Millisecond,
		IdleCommand:    50 * time.Millisecond,
	}
	f := newFixture(t, cfg, []step{
		{output: "thinking done\n", hold: true},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ExitIdleStall, res.ExitCode)

	// The failure detail names the idle state, the last output line and the
	// stall duration.
	assert.Contains(t, res.Detail, "no output for")
	assert.Contains(t, res.Detail, string(idleThinking))
	assert.Contains(t, res.Detail, "thinking done")

	// Exactly one continue nudge went in before the stall was declared.
	require.Len(t, f.runner.streams, 1)
	assert.Contains(t, f.runner.streams[0].inputs, "continue\n")
}

func TestLoop_ExplorationLoopDetector(t *testing.T) {
	reads := ""
	for i := 0; i < 10; i++ {
		reads += `{"name": "Read"} `
	}
	f := newFixture(t, Config{ExplorationCommandLimit: 5}, []step{
		{output: reads + "\n", hold: true},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ExitExplorationLoop, res.ExitCode)
}

func TestLoop_ForwardsQueuedMessages(t *testing.T) {
	f := newFixture(t, Config{}, []step{
		{output: "working\n", hold: true},
	})
	f.loop.deps.Queue.Enqueue("also update the docs")
	go func() {
		time.Sleep(700 * time.Millisecond)
		f.requestCancel()
	}()

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeCancelled, res.Outcome)

	require.Len(t, f.runner.streams, 1)
	assert.Contains(t, f.runner.streams[0].inputs, "also update the docs\n")

	// The forwarded message was recorded as a user_message event.
	events, err := f.log.ReadEvents(0, []eventlog.EventType{eventlog.TypeUserMessage})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "also update the docs", events[0].UserMessage.Text)
}

func TestLoop_PhaseTimeout(t *testing.T) {
	f := newFixture(t, Config{PhaseTimeout: 200 * time.Millisecond}, []step{
		{output: "never finishes\n", hold: true},
	})

	res := f.loop.Run(context.Background(), "")
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "phase timed out", res.Detail)
}
