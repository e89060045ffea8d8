package loop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iondrive-co/chad/internal/eventlog"
)

// streamNormalizer turns the agent's raw JSON-line stream output into
// structured assistant and tool-call events. The provider CLIs emit a small
// set of line shapes (anthropic-style assistant envelopes, codex msg
// envelopes, bare tool_use objects); the normalizer recognises all of them,
// so nothing downstream branches on provider kind. Plain text lines pass
// through untouched; they are already captured as terminal output.
type streamNormalizer struct {
	partial []byte
	emit    func(*eventlog.Event)
}

// Feed consumes one raw output chunk, parsing every completed line. A line
// split across chunks is held until its newline arrives.
func (n *streamNormalizer) Feed(chunk []byte) {
	n.partial = append(n.partial, chunk...)
	for {
		i := bytes.IndexByte(n.partial, '\n')
		if i < 0 {
			return
		}
		line := string(n.partial[:i])
		n.partial = append(n.partial[:0:0], n.partial[i+1:]...)
		n.parseLine(line)
	}
}

// Flush parses a trailing line that never got its newline. Called at end of
// phase.
func (n *streamNormalizer) Flush() {
	if len(n.partial) > 0 {
		n.parseLine(string(n.partial))
		n.partial = nil
	}
}

// rawLine covers the top-level JSON shapes the provider CLIs emit.
type rawLine struct {
	Type    string         `json:"type"`
	Message *rawMessage    `json:"message"`
	Msg     *codexMsg      `json:"msg"`
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input"`
	Result  string         `json:"result"`
}

type rawMessage struct {
	Content []rawContentBlock `json:"content"`
}

type rawContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Thinking  string         `json:"thinking"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content   any            `json:"content"`
}

// codexMsg is the openai CLI's event envelope.
type codexMsg struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Text     string `json:"text"`
	CallID   string `json:"call_id"`
	Command  any    `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
}

func (n *streamNormalizer) parseLine(line string) {
	line = strings.TrimSpace(stripANSI(line))
	if !strings.HasPrefix(line, "{") {
		return
	}
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return
	}

	if raw.Msg != nil {
		n.handleCodex(raw.Msg)
		return
	}

	switch raw.Type {
	case "assistant":
		if raw.Message != nil {
			n.handleAssistant(raw.Message.Content)
		}
	case "user":
		if raw.Message != nil {
			n.handleToolResults(raw.Message.Content)
		}
	case "tool_use":
		// Bare tool invocations, as the gemini/qwen stream and the mock
		// agent print them.
		if raw.Name != "" {
			n.emitToolCall(raw.ID, raw.Name, raw.Input)
		}
	case "result":
		if raw.Result != "" {
			n.emitBlocks([]eventlog.Block{{Type: "text", Text: raw.Result}})
		}
	}
}

// handleAssistant splits an assistant envelope into message blocks and tool
// calls. Text and thinking stay together in one assistant_message; each
// tool_use becomes its own tool_call_started.
func (n *streamNormalizer) handleAssistant(content []rawContentBlock) {
	var blocks []eventlog.Block
	for _, b := range content {
		switch b.Type {
		case "text":
			if b.Text != "" {
				blocks = append(blocks, eventlog.Block{Type: "text", Text: b.Text})
			}
		case "thinking":
			text := b.Thinking
			if text == "" {
				text = b.Text
			}
			if text != "" {
				blocks = append(blocks, eventlog.Block{Type: "thinking", Text: text})
			}
		case "tool_use":
			if b.Name != "" {
				n.emitToolCall(b.ID, b.Name, b.Input)
			}
		}
	}
	n.emitBlocks(blocks)
}

func (n *streamNormalizer) handleToolResults(content []rawContentBlock) {
	for _, b := range content {
		if b.Type != "tool_result" {
			continue
		}
		n.emit(&eventlog.Event{
			Type: eventlog.TypeToolCallFinished,
			ToolCallFinished: &eventlog.ToolCallFinishedPayload{
				CallID: b.ToolUseID,
				Output: resultText(b.Content),
			},
		})
	}
}

func (n *streamNormalizer) handleCodex(msg *codexMsg) {
	switch msg.Type {
	case "agent_message":
		if msg.Message != "" {
			n.emitBlocks([]eventlog.Block{{Type: "text", Text: msg.Message}})
		}
	case "agent_reasoning":
		if msg.Text != "" {
			n.emitBlocks([]eventlog.Block{{Type: "thinking", Text: msg.Text}})
		}
	case "exec_command_begin":
		n.emit(&eventlog.Event{
			Type: eventlog.TypeToolCallStarted,
			ToolCallStarted: &eventlog.ToolCallStartedPayload{
				CallID:   msg.CallID,
				ToolName: "exec",
				Command:  commandString(msg.Command),
			},
		})
	case "exec_command_end":
		n.emit(&eventlog.Event{
			Type: eventlog.TypeToolCallFinished,
			ToolCallFinished: &eventlog.ToolCallFinishedPayload{
				CallID:   msg.CallID,
				ExitCode: msg.ExitCode,
				Output:   msg.Stdout,
			},
		})
	}
}

func (n *streamNormalizer) emitBlocks(blocks []eventlog.Block) {
	if len(blocks) == 0 {
		return
	}
	n.emit(&eventlog.Event{
		Type:             eventlog.TypeAssistantMessage,
		AssistantMessage: &eventlog.AssistantMessagePayload{Blocks: blocks},
	})
}

func (n *streamNormalizer) emitToolCall(callID, name string, input map[string]any) {
	n.emit(&eventlog.Event{
		Type: eventlog.TypeToolCallStarted,
		ToolCallStarted: &eventlog.ToolCallStartedPayload{
			CallID:   callID,
			ToolName: name,
			Command:  toolArgument(input),
		},
	})
}

// toolArgument picks the salient argument out of a tool input: the shell
// command for command tools, the file path for file tools.
func toolArgument(input map[string]any) string {
	for _, key := range []string{"command", "file_path", "path", "pattern", "query"} {
		raw, ok := input[key]
		if !ok {
			continue
		}
		if s := commandString(raw); s != "" {
			return s
		}
	}
	return ""
}

// commandString renders a command value that may be a string or an argv
// array.
func commandString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// resultText flattens a tool_result content value, which may be a plain
// string or a list of text blocks.
func resultText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				b.WriteString(text)
			}
		}
		return b.String()
	default:
		return ""
	}
}
