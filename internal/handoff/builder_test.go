package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/eventlog"
)

func sampleEvents() []*eventlog.Event {
	return []*eventlog.Event{
		{
			Type: eventlog.TypeSessionStarted,
			SessionStarted: &eventlog.SessionStartedPayload{
				TaskDescription: "add a retry wrapper",
			},
		},
		{
			Type:        eventlog.TypeUserMessage,
			UserMessage: &eventlog.UserMessagePayload{Text: "please also cover timeouts"},
		},
		{
			Type: eventlog.TypeAssistantMessage,
			AssistantMessage: &eventlog.AssistantMessagePayload{Blocks: []eventlog.Block{
				{Type: "thinking", Text: "I should look at the http client first"},
				{Type: "text", Text: "Adding the wrapper now."},
			}},
		},
		{
			Type:            eventlog.TypeToolCallStarted,
			ToolCallStarted: &eventlog.ToolCallStartedPayload{CallID: "1", ToolName: "write", Command: "retry/retry.go"},
		},
		{
			Type:            eventlog.TypeToolCallStarted,
			ToolCallStarted: &eventlog.ToolCallStartedPayload{CallID: "2", ToolName: "edit", Command: "client/client.go"},
		},
		{
			Type:            eventlog.TypeToolCallStarted,
			ToolCallStarted: &eventlog.ToolCallStartedPayload{CallID: "3", ToolName: "bash", Command: "go test ./..."},
		},
		{
			Type:            eventlog.TypeToolCallStarted,
			ToolCallStarted: &eventlog.ToolCallStartedPayload{CallID: "4", ToolName: "bash", Command: "ls -la"},
		},
	}
}

func TestBuild_CollectsFilesAndCommands(t *testing.T) {
	s := Build(sampleEvents(), agentcmd.ProviderAnthropic)

	assert.Equal(t, "add a retry wrapper", s.Task)
	assert.Equal(t, []string{"retry/retry.go"}, s.Created)
	assert.Equal(t, []string{"client/client.go"}, s.Modified)
	assert.Equal(t, []string{"go test ./..."}, s.Commands)
}

func TestBuild_AnthropicOmitsThinking(t *testing.T) {
	s := Build(sampleEvents(), agentcmd.ProviderAnthropic)
	assert.NotContains(t, s.Markdown, "http client first")
	assert.Contains(t, s.Markdown, "Adding the wrapper now.")
	assert.Contains(t, s.Markdown, "please also cover timeouts")
}

func TestBuild_OpenAIIncludesTruncatedReasoning(t *testing.T) {
	events := sampleEvents()
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'r'
	}
	events[2].AssistantMessage.Blocks[0].Text = string(long)

	s := Build(events, agentcmd.ProviderOpenAI)
	assert.Contains(t, s.Markdown, "[Reasoning] ")
	assert.Contains(t, s.Markdown, "...")
	assert.NotContains(t, s.Markdown, string(long))
}

func TestBuild_GenericWrapsInTags(t *testing.T) {
	s := Build(sampleEvents(), agentcmd.ProviderGemini)
	assert.Contains(t, s.Markdown, "<user>")
	assert.Contains(t, s.Markdown, "<assistant>")
	assert.Contains(t, s.Markdown, "<thinking>")
}

func TestBuild_CreatedWinsOverModified(t *testing.T) {
	events := sampleEvents()
	events = append(events, &eventlog.Event{
		Type:            eventlog.TypeToolCallStarted,
		ToolCallStarted: &eventlog.ToolCallStartedPayload{CallID: "5", ToolName: "edit", Command: "retry/retry.go"},
	})
	s := Build(events, agentcmd.ProviderAnthropic)
	assert.Contains(t, s.Created, "retry/retry.go")
	assert.NotContains(t, s.Modified, "retry/retry.go")
}

func TestBuild_PicksUpMilestoneFileLists(t *testing.T) {
	events := sampleEvents()
	events = append(events, &eventlog.Event{
		Type: eventlog.TypeMilestone,
		Milestone: &eventlog.MilestonePayload{
			Type: eventlog.MilestoneCodingComplete,
			Details: map[string]any{
				"files_changed": []any{"summary/extra.go"},
			},
		},
	})
	s := Build(events, agentcmd.ProviderAnthropic)
	assert.Contains(t, s.Modified, "summary/extra.go")
}

func TestToEvent(t *testing.T) {
	s := Build(sampleEvents(), agentcmd.ProviderOpenAI)
	ev := s.ToEvent("native-42")

	require.Equal(t, eventlog.TypeContextCondensed, ev.Type)
	require.NotNil(t, ev.ContextCondensed)
	assert.Equal(t, "provider_handoff", ev.ContextCondensed.Policy)
	assert.Equal(t, "native-42", ev.ContextCondensed.NativeSessionID)
	assert.Equal(t, s.Modified, ev.ContextCondensed.Modified)
	assert.NotEmpty(t, ev.ContextCondensed.Markdown)
}
