package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, phase, scenario string) (string, int) {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	code := run(phase, scenario, f)

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return string(data), code
}

func TestCompleteEmitsChangeSummary(t *testing.T) {
	out, code := capture(t, "combined", "complete")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"change_summary"`)
	assert.Contains(t, out, "EXPLORATION_RESULT:")
	assert.Contains(t, out, `"name": "Edit"`)
}

func TestExplorationPhaseSkipsSummary(t *testing.T) {
	out, code := capture(t, "exploration", "complete")
	assert.Equal(t, 0, code)
	assert.NotContains(t, out, `"change_summary"`)
	assert.Contains(t, out, "EXPLORATION_RESULT:")
}

func TestNoSummaryFinishesClean(t *testing.T) {
	out, code := capture(t, "combined", "no-summary")
	assert.Equal(t, 0, code)
	assert.NotContains(t, out, `"change_summary"`)
}

func TestQuotaScenarios(t *testing.T) {
	out, code := capture(t, "combined", "session-quota")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "You've hit your limit")

	out, code = capture(t, "combined", "weekly-quota")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Weekly usage limit")
}

func TestVerificationVerdicts(t *testing.T) {
	out, code := capture(t, "verification", "complete")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"passed": true`)

	out, code = capture(t, "verification", "verify-fail")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, `"passed": false`)
	assert.Contains(t, out, "tests were not updated")

	out, code = capture(t, "verification", "verify-abort")
	assert.Equal(t, 1, code)
	assert.NotContains(t, out, `"passed"`)
}

func TestUnknownScenarioFails(t *testing.T) {
	out, code := capture(t, "combined", "nonsense")
	assert.Equal(t, 2, code)
	assert.Contains(t, out, "unknown scenario")
}
