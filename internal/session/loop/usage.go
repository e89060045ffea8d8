package loop

import (
	"context"

	"github.com/iondrive-co/chad/internal/common/config"
)

// UsageReading is one sample of the account's consumption, in percent.
// Negative values mean the dimension is unknown for this provider.
type UsageReading struct {
	SessionPct float64
	WeeklyPct  float64
	ContextPct float64
}

// UsageSource fetches the current usage for an account. Implementations
// typically call the provider's usage API; a nil source disables usage
// checks entirely.
type UsageSource interface {
	Usage(ctx context.Context, account string) (UsageReading, error)
}

// Rule event names, matching the configuration surface.
const (
	EventSessionUsage = "session_usage"
	EventWeeklyUsage  = "weekly_usage"
	EventContextUsage = "context_usage"
)

// Rule actions.
const (
	ActionNotify         = "notify"
	ActionSwitchProvider = "switch_provider"
	ActionAwaitReset     = "await_reset"
)

// ruleEngine fires action rules on threshold crossings. A rule fires exactly
// on the edge where the previous reading was below the threshold and the
// current one is at or above it; staying above does not re-fire.
type ruleEngine struct {
	rules []config.ActionRule
	prev  map[string]float64
}

func newRuleEngine(rules []config.ActionRule) *ruleEngine {
	return &ruleEngine{rules: rules, prev: make(map[string]float64)}
}

// firedRule pairs a rule with the reading that tripped it, so milestones
// can report the observed percentage rather than the configured threshold.
type firedRule struct {
	Rule  config.ActionRule
	Value float64
}

// Evaluate records the reading and returns the rules that fired on this
// sample. Unknown dimensions (negative) neither fire nor update state.
func (e *ruleEngine) Evaluate(r UsageReading) []firedRule {
	var fired []firedRule
	for _, sample := range []struct {
		event string
		value float64
	}{
		{EventSessionUsage, r.SessionPct},
		{EventWeeklyUsage, r.WeeklyPct},
		{EventContextUsage, r.ContextPct},
	} {
		if sample.value < 0 {
			continue
		}
		prev, seen := e.prev[sample.event]
		e.prev[sample.event] = sample.value
		if !seen {
			prev = 0
		}
		for _, rule := range e.rules {
			if rule.Event != sample.event {
				continue
			}
			if prev < rule.Threshold && sample.value >= rule.Threshold {
				fired = append(fired, firedRule{Rule: rule, Value: sample.value})
			}
		}
	}
	return fired
}
