// Package eventlog implements the append-only, sequence-numbered session
// event log. One jsonl file per session; large payloads spill to an
// artifacts sidecar directory.
package eventlog

import (
	"time"
)

// EventType tags the payload variant carried by an Event.
type EventType string

const (
	TypeSessionStarted      EventType = "session_started"
	TypeSessionEnded        EventType = "session_ended"
	TypeUserMessage         EventType = "user_message"
	TypeAssistantMessage    EventType = "assistant_message"
	TypeToolCallStarted     EventType = "tool_call_started"
	TypeToolCallFinished    EventType = "tool_call_finished"
	TypeTerminalOutput      EventType = "terminal_output"
	TypeMilestone           EventType = "milestone"
	TypeModelSelected       EventType = "model_selected"
	TypeProviderSwitched    EventType = "provider_switched"
	TypeVerificationAttempt EventType = "verification_attempt"
	TypeContextCondensed    EventType = "context_condensed"
)

// MilestoneType distinguishes user-visible session phases.
type MilestoneType string

const (
	MilestoneExploration        MilestoneType = "exploration"
	MilestoneCodingComplete     MilestoneType = "coding_complete"
	MilestoneSessionLimit       MilestoneType = "session_limit_reached"
	MilestoneWeeklyLimit        MilestoneType = "weekly_limit_reached"
	MilestoneUsageThreshold     MilestoneType = "usage_threshold"
	MilestoneVerifyStarted      MilestoneType = "verification_started"
	MilestoneVerifyPassed       MilestoneType = "verification_passed"
	MilestoneVerifyFailed       MilestoneType = "verification_failed"
	MilestoneRevisionStarted    MilestoneType = "revision_started"
)

// milestoneTitles is the fixed title map for milestone display.
var milestoneTitles = map[MilestoneType]string{
	MilestoneExploration:     "Exploration",
	MilestoneCodingComplete:  "Coding complete",
	MilestoneSessionLimit:    "Session limit reached",
	MilestoneWeeklyLimit:     "Weekly limit reached",
	MilestoneUsageThreshold:  "Usage threshold",
	MilestoneVerifyStarted:   "Verification started",
	MilestoneVerifyPassed:    "Verification passed",
	MilestoneVerifyFailed:    "Verification failed",
	MilestoneRevisionStarted: "Revision started",
}

// MilestoneTitle returns the fixed display title for a milestone type.
func MilestoneTitle(t MilestoneType) string {
	if title, ok := milestoneTitles[t]; ok {
		return title
	}
	return string(t)
}

// ArtifactRef points at a sidecar file holding an oversized payload.
type ArtifactRef struct {
	Path   string `json:"path"` // relative to the log directory
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Block is one content block inside an assistant message.
type Block struct {
	Type      string       `json:"type"` // text, thinking, tool_call, tool_result, error
	Text      string       `json:"text,omitempty"`
	ToolName  string       `json:"tool_name,omitempty"`
	ToolInput string       `json:"tool_input,omitempty"`
	Artifact  *ArtifactRef `json:"artifact,omitempty"`
}

// SessionStartedPayload records the task request that opened the session.
type SessionStartedPayload struct {
	TaskID              string `json:"task_id"`
	TaskDescription     string `json:"task_description"`
	ProjectPath         string `json:"project_path"`
	CodingAccount       string `json:"coding_account"`
	VerificationAccount string `json:"verification_account,omitempty"`
	Model               string `json:"model,omitempty"`
	Reasoning           string `json:"reasoning,omitempty"`
}

// SessionEndedPayload records the terminal outcome of a task.
type SessionEndedPayload struct {
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"` // completed, failed, cancelled, awaiting_reset
	ExitCode int    `json:"exit_code,omitempty"`
}

// UserMessagePayload carries a user message forwarded into the session.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// AssistantMessagePayload carries the normalized assistant output blocks.
type AssistantMessagePayload struct {
	Blocks []Block `json:"blocks"`
}

// ToolCallStartedPayload marks the beginning of an agent tool invocation.
type ToolCallStartedPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Command  string `json:"command,omitempty"`
}

// ToolCallFinishedPayload marks the completion of an agent tool invocation.
type ToolCallFinishedPayload struct {
	CallID   string       `json:"call_id"`
	ExitCode int          `json:"exit_code"`
	Output   string       `json:"output,omitempty"`
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// TerminalOutputPayload carries one chunk of raw PTY bytes.
type TerminalOutputPayload struct {
	Data     string       `json:"data"` // base64
	Text     string       `json:"text,omitempty"` // best-effort decoded
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// MilestonePayload is the typed, titled milestone event. MilestoneSeq is a
// per-session counter independent of the event seq, used for polling catch-up.
type MilestonePayload struct {
	MilestoneSeq int64          `json:"milestone_seq"`
	Type         MilestoneType  `json:"milestone_type"`
	Title        string         `json:"title"`
	Summary      string         `json:"summary,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// ModelSelectedPayload records the account/model chosen for a phase run.
type ModelSelectedPayload struct {
	Provider  string `json:"provider"`
	Account   string `json:"account"`
	Model     string `json:"model,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ProviderSwitchedPayload records a quota-driven handover. The handoff
// content lives in the referenced context_condensed event.
type ProviderSwitchedPayload struct {
	FromAccount  string `json:"from_account"`
	ToAccount    string `json:"to_account"`
	Reason       string `json:"reason"`
	CondensedSeq int64  `json:"condensed_seq,omitempty"`
}

// VerificationAttemptPayload records one verifier verdict.
type VerificationAttemptPayload struct {
	Attempt int      `json:"attempt"`
	Passed  bool     `json:"passed"`
	Summary string   `json:"summary,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

// ContextCondensedPayload carries a handoff checkpoint.
type ContextCondensedPayload struct {
	Policy          string   `json:"policy"`
	Markdown        string   `json:"markdown,omitempty"`
	Modified        []string `json:"modified,omitempty"`
	Created         []string `json:"created,omitempty"`
	Commands        []string `json:"commands,omitempty"`
	NativeSessionID string   `json:"native_session_id,omitempty"`
}

// Event is the tagged union persisted one-per-line in the session log.
// Exactly one payload pointer matching Type is non-nil.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Type      EventType `json:"type"`

	SessionStarted      *SessionStartedPayload      `json:"session_started,omitempty"`
	SessionEnded        *SessionEndedPayload        `json:"session_ended,omitempty"`
	UserMessage         *UserMessagePayload         `json:"user_message,omitempty"`
	AssistantMessage    *AssistantMessagePayload    `json:"assistant_message,omitempty"`
	ToolCallStarted     *ToolCallStartedPayload     `json:"tool_call_started,omitempty"`
	ToolCallFinished    *ToolCallFinishedPayload    `json:"tool_call_finished,omitempty"`
	TerminalOutput      *TerminalOutputPayload      `json:"terminal_output,omitempty"`
	Milestone           *MilestonePayload           `json:"milestone,omitempty"`
	ModelSelected       *ModelSelectedPayload       `json:"model_selected,omitempty"`
	ProviderSwitched    *ProviderSwitchedPayload    `json:"provider_switched,omitempty"`
	VerificationAttempt *VerificationAttemptPayload `json:"verification_attempt,omitempty"`
	ContextCondensed    *ContextCondensedPayload    `json:"context_condensed,omitempty"`
}
