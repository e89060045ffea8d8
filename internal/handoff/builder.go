// Package handoff condenses a session's event log into a summary that a
// different provider's agent can pick up mid-task: the original task, a
// transcript shaped for the target model family, the files touched, and the
// key commands run.
package handoff

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/common/stringutil"
	"github.com/iondrive-co/chad/internal/eventlog"
)

// reasoningTruncateAt caps how much of a thinking block survives into an
// openai-style transcript.
const reasoningTruncateAt = 500

// keyCommandRe restricts the "key commands" list to build and test
// invocations; plain navigation commands carry no handoff value.
var keyCommandRe = regexp.MustCompile(`(?i)\b(test|pytest|go test|cargo test|npm (test|run)|make|build|lint|tsc|vet|check)\b`)

// Summary is the condensed session state handed to the next provider.
type Summary struct {
	Task            string
	Markdown        string
	Modified        []string
	Created         []string
	Commands        []string
	NativeSessionID string
}

// Build derives a handoff summary from the session's events, formatting the
// transcript for the target provider.
func Build(events []*eventlog.Event, target agentcmd.Provider) *Summary {
	s := &Summary{}

	modified := map[string]bool{}
	created := map[string]bool{}
	var transcript strings.Builder

	for _, ev := range events {
		switch ev.Type {
		case eventlog.TypeSessionStarted:
			s.Task = ev.SessionStarted.TaskDescription

		case eventlog.TypeUserMessage:
			writeTurn(&transcript, target, "user", ev.UserMessage.Text)

		case eventlog.TypeAssistantMessage:
			for _, block := range ev.AssistantMessage.Blocks {
				switch block.Type {
				case "text":
					writeTurn(&transcript, target, "assistant", block.Text)
				case "thinking":
					// The anthropic CLI regenerates thinking itself; feeding
					// stale reasoning back degrades it.
					if target == agentcmd.ProviderAnthropic {
						continue
					}
					writeReasoning(&transcript, target, block.Text)
				}
			}

		case eventlog.TypeToolCallStarted:
			tc := ev.ToolCallStarted
			switch strings.ToLower(tc.ToolName) {
			case "write", "create", "create_file":
				if tc.Command != "" {
					created[tc.Command] = true
				}
			case "edit", "str_replace", "apply_patch":
				if tc.Command != "" {
					modified[tc.Command] = true
				}
			case "bash", "shell", "run", "exec":
				if tc.Command != "" && keyCommandRe.MatchString(tc.Command) {
					s.Commands = append(s.Commands, tc.Command)
				}
			}

		case eventlog.TypeMilestone:
			if ev.Milestone.Type != eventlog.MilestoneCodingComplete {
				continue
			}
			for _, f := range detailStrings(ev.Milestone.Details, "files_changed") {
				modified[f] = true
			}
			for _, f := range detailStrings(ev.Milestone.Details, "files_created") {
				created[f] = true
			}

		case eventlog.TypeContextCondensed:
			if ev.ContextCondensed.NativeSessionID != "" {
				s.NativeSessionID = ev.ContextCondensed.NativeSessionID
			}
		}
	}

	// A file reported both created and modified is just created.
	for f := range created {
		delete(modified, f)
	}
	s.Modified = sortedKeys(modified)
	s.Created = sortedKeys(created)
	s.Commands = dedupe(s.Commands)
	s.Markdown = s.renderMarkdown(transcript.String())
	return s
}

// ToEvent wraps the summary as a context_condensed checkpoint event.
func (s *Summary) ToEvent(nativeSessionID string) *eventlog.Event {
	if nativeSessionID == "" {
		nativeSessionID = s.NativeSessionID
	}
	return &eventlog.Event{
		Type: eventlog.TypeContextCondensed,
		ContextCondensed: &eventlog.ContextCondensedPayload{
			Policy:          "provider_handoff",
			Markdown:        s.Markdown,
			Modified:        s.Modified,
			Created:         s.Created,
			Commands:        s.Commands,
			NativeSessionID: nativeSessionID,
		},
	}
}

func (s *Summary) renderMarkdown(transcript string) string {
	var b strings.Builder
	b.WriteString("# Session handoff\n\n")
	b.WriteString("## Task\n\n")
	b.WriteString(s.Task)
	b.WriteString("\n\n")

	if len(s.Created) > 0 {
		b.WriteString("## Created\n\n")
		for _, f := range s.Created {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(s.Modified) > 0 {
		b.WriteString("## Modified\n\n")
		for _, f := range s.Modified {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(s.Commands) > 0 {
		b.WriteString("## Key commands\n\n")
		for _, c := range s.Commands {
			fmt.Fprintf(&b, "- `%s`\n", c)
		}
		b.WriteString("\n")
	}
	if transcript != "" {
		b.WriteString("## Conversation\n\n")
		b.WriteString(transcript)
	}
	return strings.TrimSpace(b.String()) + "\n"
}

// writeTurn formats one conversational turn for the target provider.
func writeTurn(b *strings.Builder, target agentcmd.Provider, role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	switch target {
	case agentcmd.ProviderAnthropic, agentcmd.ProviderOpenAI:
		fmt.Fprintf(b, "**%s**: %s\n\n", role, text)
	default:
		fmt.Fprintf(b, "<%s>\n%s\n</%s>\n\n", role, text, role)
	}
}

// writeReasoning emits a truncated reasoning block in the openai style, or a
// tagged block for generic targets.
func writeReasoning(b *strings.Builder, target agentcmd.Provider, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	text = stringutil.TruncateStringWithEllipsis(text, reasoningTruncateAt)
	if target == agentcmd.ProviderOpenAI {
		fmt.Fprintf(b, "[Reasoning] %s\n\n", text)
		return
	}
	fmt.Fprintf(b, "<thinking>\n%s\n</thinking>\n\n", text)
}

func detailStrings(details map[string]any, key string) []string {
	raw, ok := details[key]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		out = v
	case []any:
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
