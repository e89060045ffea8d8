// Package events defines the bus subjects used to fan out session activity.
package events

// Subjects for session event traffic. Each subject is suffixed with the
// session id so consumers can subscribe per session or with a wildcard.
const (
	TerminalOutput = "terminal.output" // raw PTY bytes (base64 in event data)
	EventAppended  = "event.appended"  // structured event appended to the log
	MilestoneHit   = "milestone.hit"   // milestone emitted by the session loop
	SessionState   = "session.state"   // session lifecycle transitions
)

// BuildTerminalOutputSubject creates a terminal output subject for a session.
func BuildTerminalOutputSubject(sessionID string) string {
	return TerminalOutput + "." + sessionID
}

// BuildEventAppendedSubject creates an event-appended subject for a session.
func BuildEventAppendedSubject(sessionID string) string {
	return EventAppended + "." + sessionID
}

// BuildMilestoneSubject creates a milestone subject for a session.
func BuildMilestoneSubject(sessionID string) string {
	return MilestoneHit + "." + sessionID
}

// BuildSessionStateSubject creates a session state subject for a session.
func BuildSessionStateSubject(sessionID string) string {
	return SessionState + "." + sessionID
}

// BuildSessionStateWildcardSubject subscribes to all session state events.
func BuildSessionStateWildcardSubject() string {
	return SessionState + ".*"
}
