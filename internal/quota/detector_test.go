package quota

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectClassifiesLimits(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   Kind
	}{
		{"session phrasing", "some output\nYou've hit your limit. Resets at 3pm.", KindSessionLimit},
		{"five hour limit", "5-hour limit reached", KindSessionLimit},
		{"weekly phrasing", "Weekly usage limit reached. Resets Thursday.", KindWeeklyLimit},
		{"weekly wins over session", "Usage limit reached, resets next week", KindWeeklyLimit},
		{"rate limit", "Error: 429 Too Many Requests", KindRateLimit},
		{"rate limited word", "You are being rate-limited, slow down", KindRateLimit},
		{"billing", "Your credit balance is too low to continue", KindBilling},
		{"resource", "RESOURCE_EXHAUSTED: quota exceeded for model", KindResource},
		{"clean output", "All tests passed.\nDone.", KindNone},
		{"empty", "", KindNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(tc.output))
		})
	}
}

func TestDetectOnlyScansTail(t *testing.T) {
	// The trigger phrase scrolled out of the tail window long ago.
	old := "You've hit your limit\n" + strings.Repeat("normal build output line\n", 100)
	assert.Equal(t, KindNone, Detect(old))

	recent := strings.Repeat("normal build output line\n", 100) + "You've hit your limit"
	assert.Equal(t, KindSessionLimit, Detect(recent))
}

func TestDetectIgnoresJavaScriptErrorDumps(t *testing.T) {
	output := strings.Join([]string{
		"TypeError: Cannot read properties of undefined",
		"    at handle (/app/node_modules/gaxios/build/src/gaxios.js:129:23)",
		"[Symbol(gaxios-gaxios-error)]: rate limit",
	}, "\n")
	assert.Equal(t, KindNone, Detect(output))
}

func TestSummaryPrefersQuotaLine(t *testing.T) {
	output := "doing things\nWeekly usage limit reached. Resets Thursday.\ngoodbye"
	assert.Equal(t, "Weekly usage limit reached. Resets Thursday.", Summary(output))
}

func TestSummaryFallsBackToFirstLine(t *testing.T) {
	assert.Equal(t, "something went wrong", Summary("something went wrong\n\n"))
	assert.Equal(t, "", Summary(""))
}
