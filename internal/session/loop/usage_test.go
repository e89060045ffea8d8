package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iondrive-co/chad/internal/common/config"
)

func TestRuleEngine_FiresOnRisingEdgeOnly(t *testing.T) {
	e := newRuleEngine([]config.ActionRule{
		{Event: EventSessionUsage, Threshold: 80, Action: ActionNotify},
	})

	assert.Empty(t, e.Evaluate(UsageReading{SessionPct: 50, WeeklyPct: -1, ContextPct: -1}))

	fired := e.Evaluate(UsageReading{SessionPct: 85, WeeklyPct: -1, ContextPct: -1})
	require.Len(t, fired, 1)
	assert.Equal(t, ActionNotify, fired[0].Rule.Action)
	assert.Equal(t, 85.0, fired[0].Value)

	// Sustained above the threshold does not re-fire.
	assert.Empty(t, e.Evaluate(UsageReading{SessionPct: 90, WeeklyPct: -1, ContextPct: -1}))

	// Dropping below re-arms the rule.
	assert.Empty(t, e.Evaluate(UsageReading{SessionPct: 40, WeeklyPct: -1, ContextPct: -1}))
	fired = e.Evaluate(UsageReading{SessionPct: 80, WeeklyPct: -1, ContextPct: -1})
	assert.Len(t, fired, 1)
}

func TestRuleEngine_FirstReadingAboveThresholdFires(t *testing.T) {
	e := newRuleEngine([]config.ActionRule{
		{Event: EventWeeklyUsage, Threshold: 75, Action: ActionAwaitReset},
	})
	fired := e.Evaluate(UsageReading{SessionPct: -1, WeeklyPct: 90, ContextPct: -1})
	require.Len(t, fired, 1)
	assert.Equal(t, ActionAwaitReset, fired[0].Rule.Action)
	assert.Equal(t, 90.0, fired[0].Value)
}

func TestRuleEngine_MultipleRulesFireIndependently(t *testing.T) {
	e := newRuleEngine([]config.ActionRule{
		{Event: EventSessionUsage, Threshold: 50, Action: ActionNotify},
		{Event: EventSessionUsage, Threshold: 80, Action: ActionSwitchProvider, TargetAccount: "backup"},
	})

	fired := e.Evaluate(UsageReading{SessionPct: 60, WeeklyPct: -1, ContextPct: -1})
	require.Len(t, fired, 1)
	assert.Equal(t, ActionNotify, fired[0].Rule.Action)

	fired = e.Evaluate(UsageReading{SessionPct: 85, WeeklyPct: -1, ContextPct: -1})
	require.Len(t, fired, 1)
	assert.Equal(t, "backup", fired[0].Rule.TargetAccount)
}

func TestRuleEngine_UnknownDimensionIgnored(t *testing.T) {
	e := newRuleEngine([]config.ActionRule{
		{Event: EventContextUsage, Threshold: 50, Action: ActionNotify},
	})
	assert.Empty(t, e.Evaluate(UsageReading{SessionPct: 99, WeeklyPct: 99, ContextPct: -1}))
	// First known reading above the threshold fires.
	assert.Len(t, e.Evaluate(UsageReading{SessionPct: -1, WeeklyPct: -1, ContextPct: 60}), 1)
}

func TestClassifyIdle(t *testing.T) {
	assert.Equal(t, idleCommand, classifyIdle("Running go test ./...\n"))
	assert.Equal(t, idleCommand, classifyIdle("downloading modules...\n"))
	assert.Equal(t, idleMidThought, classifyIdle("I think the bug is in the"))
	assert.Equal(t, idleThinking, classifyIdle("Finished the analysis.\n"))
	assert.Equal(t, idleThinking, classifyIdle(""))
}
