package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/common/logger"
)

// AppendHook observes every appended event after it is persisted. Used by
// the task executor to publish events onto the bus without coupling the log
// to transport concerns. The hook runs synchronously inside Append, so it
// sees events in seq order; it must not call back into the log.
type AppendHook func(ev *Event)

// Log is the append-only event log for one session. A single orchestrator
// process owns the file for its lifetime; there is no cross-process locking.
type Log struct {
	mu           sync.Mutex
	file         *os.File
	dir          string
	path         string
	sessionID    string
	seq          int64
	milestoneSeq int64
	turnID       string
	closed       bool
	hook         AppendHook
	logger       *logger.Logger
}

// Open opens (or creates) the event log for a session, recovering the highest
// previously written seq so numbering continues across restarts. A corrupt
// trailing line is tolerated: scanning stops at the last parseable event.
func Open(dir, sessionID string, log *logger.Logger) (*Log, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, sessionID+".jsonl")
	maxSeq, maxMilestoneSeq := recoverSeqs(path)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &Log{
		file:         file,
		dir:          dir,
		path:         path,
		sessionID:    sessionID,
		seq:          maxSeq,
		milestoneSeq: maxMilestoneSeq,
		logger:       log.WithFields(zap.String("component", "eventlog"), zap.String("session_id", sessionID)),
	}, nil
}

// recoverSeqs scans an existing log file for the highest event and milestone
// sequence numbers. Unparseable lines are skipped.
func recoverSeqs(path string) (int64, int64) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer func() { _ = file.Close() }()

	var maxSeq, maxMilestoneSeq int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Corrupt line, most likely a torn tail write. Skip it.
			continue
		}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
		if ev.Milestone != nil && ev.Milestone.MilestoneSeq > maxMilestoneSeq {
			maxMilestoneSeq = ev.Milestone.MilestoneSeq
		}
	}
	return maxSeq, maxMilestoneSeq
}

// SetAppendHook registers the observer invoked after each successful append.
func (l *Log) SetAppendHook(hook AppendHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// SetTurnID sets the turn id stamped onto events appended without one.
func (l *Log) SetTurnID(turnID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turnID = turnID
}

// SessionID returns the owning session id.
func (l *Log) SessionID() string {
	return l.sessionID
}

// MaxSeq returns the highest sequence number written so far.
func (l *Log) MaxSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// NextMilestoneSeq reserves and returns the next milestone sequence number.
// Milestone numbering is independent of the event seq.
func (l *Log) NextMilestoneSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.milestoneSeq++
	return l.milestoneSeq
}

// Append assigns the next seq, stamps session id, timestamp and turn id, and
// persists the event as one JSON line. It is the only mutator of the file.
func (l *Log) Append(ev *Event) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("event log is closed")
	}

	l.seq++
	ev.Seq = l.seq
	ev.SessionID = l.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.TurnID == "" {
		ev.TurnID = l.turnID
	}

	data, err := json.Marshal(ev)
	if err != nil {
		l.seq--
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		// The file is in append mode, so a partial write at most tears the
		// tail, which the next Open tolerates. The task is done for though.
		return nil, fmt.Errorf("failed to write event: %w", err)
	}

	// Synchronous on purpose: a goroutine per append would let consecutive
	// events overtake each other before they reach the bus.
	if l.hook != nil {
		l.hook(ev)
	}

	return ev, nil
}

// ReadEvents streams events with seq strictly greater than sinceSeq,
// optionally filtered to the given types. A nil or empty filter matches all.
func (l *Log) ReadEvents(sinceSeq int64, types []EventType) ([]*Event, error) {
	return ReadEvents(l.path, sinceSeq, types)
}

// ReadEvents reads a session log file directly. Corrupt lines are skipped.
func ReadEvents(path string, sinceSeq int64, types []EventType) ([]*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer func() { _ = file.Close() }()

	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	var events []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Seq <= sinceSeq {
			continue
		}
		if len(want) > 0 && !want[ev.Type] {
			continue
		}
		copied := ev
		events = append(events, &copied)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to scan event log: %w", err)
	}
	return events, nil
}

// Close closes the underlying file. The file itself persists.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
