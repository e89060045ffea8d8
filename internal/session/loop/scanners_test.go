package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplorationScanner_BasicAndIdempotent(t *testing.T) {
	var s explorationScanner
	buf := "noise\nEXPLORATION_RESULT: config lives in internal/common/config\n\nmore noise\n"

	got := s.Scan(buf, false)
	require.Equal(t, []string{"config lives in internal/common/config"}, got)

	// Rescanning the same buffer yields nothing new.
	assert.Empty(t, s.Scan(buf, false))

	buf += "EXPLORATION_RESULT: tests use testify\n\n"
	got = s.Scan(buf, false)
	assert.Equal(t, []string{"tests use testify"}, got)
}

func TestExplorationScanner_HoldsPartialLine(t *testing.T) {
	var s explorationScanner
	partial := "EXPLORATION_RESULT: still being wri"
	assert.Empty(t, s.Scan(partial, false))

	// Finalize flushes the held line.
	got := s.Scan(partial, true)
	assert.Equal(t, []string{"still being wri"}, got)
}

func TestExplorationScanner_StripsANSI(t *testing.T) {
	var s explorationScanner
	buf := "\x1b[32mEXPLORATION_RESULT: colored finding\x1b[0m\n\n"
	got := s.Scan(buf, false)
	assert.Equal(t, []string{"colored finding"}, got)
}

func TestExplorationScanner_RejectsMetadata(t *testing.T) {
	var s explorationScanner
	buf := "EXPLORATION_RESULT: workdir: /tmp/x\nEXPLORATION_RESULT: model: gpt\nEXPLORATION_RESULT: real finding\n\n"
	got := s.Scan(buf, false)
	assert.Equal(t, []string{"real finding"}, got)
}

func TestExplorationScanner_ParagraphExtension(t *testing.T) {
	var s explorationScanner
	buf := "EXPLORATION_RESULT: the handler\nis registered in router.go\n\nother\n"
	got := s.Scan(buf, false)
	require.Len(t, got, 1)
	assert.Equal(t, "the handler is registered in router.go", got[0])
}

func TestSummaryScanner_Fenced(t *testing.T) {
	var s summaryScanner
	buf := "done!\n```json\n{\"change_summary\": {\"status\": \"complete\", \"files_changed\": [\"a.go\"]}}\n```\n"

	got := s.Scan(buf)
	require.NotNil(t, got)
	assert.Equal(t, "complete", got["status"])

	// Found at most once.
	assert.Nil(t, s.Scan(buf))
}

func TestSummaryScanner_Raw(t *testing.T) {
	var s summaryScanner
	buf := `prefix {"change_summary": {"status": "complete"}} suffix`
	got := s.Scan(buf)
	require.NotNil(t, got)
	assert.Equal(t, "complete", got["status"])
}

func TestSummaryScanner_StringForm(t *testing.T) {
	var s summaryScanner
	got := s.Scan(`{"change_summary": "added the endpoint"}`)
	require.NotNil(t, got)
	assert.Equal(t, "added the endpoint", got["description"])
}

func TestSummaryScanner_IgnoresGarbage(t *testing.T) {
	var s summaryScanner
	assert.Nil(t, s.Scan("mentions change_summary in prose but no JSON"))
	assert.Nil(t, s.Scan(`{"change_summary": 42}`))
}

func TestScanVerdict(t *testing.T) {
	v := scanVerdict(`chatter {"passed": false, "summary": "missing tests", "issues": ["no test for nil"]} end`)
	require.NotNil(t, v)
	assert.False(t, v.Passed)
	assert.Equal(t, "missing tests", v.Summary)
	assert.Equal(t, []string{"no test for nil"}, v.Issues)
}

func TestScanVerdict_LastWins(t *testing.T) {
	buf := `{"passed": false, "summary": "draft"} ... {"passed": true}`
	v := scanVerdict(buf)
	require.NotNil(t, v)
	assert.True(t, v.Passed)
}

func TestScanVerdict_Fenced(t *testing.T) {
	v := scanVerdict("```json\n{\"passed\": true}\n```")
	require.NotNil(t, v)
	assert.True(t, v.Passed)
}

func TestScanVerdict_None(t *testing.T) {
	assert.Nil(t, scanVerdict("no verdict here"))
	assert.Nil(t, scanVerdict(`{"ok": true}`))
}

func TestExtractBalancedObject(t *testing.T) {
	assert.Equal(t, `{"a": {"b": 1}}`, extractBalancedObject(`{"a": {"b": 1}} trailing`))
	assert.Equal(t, `{"s": "has } brace"}`, extractBalancedObject(`{"s": "has } brace"}`))
	assert.Empty(t, extractBalancedObject(`{"unclosed": 1`))
}

func TestCountToolCalls(t *testing.T) {
	buf := `{"name": "Read"} {"name": "Grep"} {"name": "Edit"}`
	explore, implement := countToolCalls(buf)
	assert.Equal(t, 2, explore)
	assert.Equal(t, 1, implement)
}
