// Package streaming merges a session's persisted events and live bus
// traffic into one ordered frame stream for SSE and WebSocket consumers.
package streaming

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/eventlog"
	"github.com/iondrive-co/chad/internal/events"
	"github.com/iondrive-co/chad/internal/events/bus"
)

// Frame kinds on the wire. The kind becomes the SSE event name.
const (
	KindTerminal = "terminal"
	KindEvent    = "event"
	KindPing     = "ping"
	KindComplete = "complete"
	KindError    = "error"
)

// pingInterval is how long a stream may stay silent before a keepalive.
const pingInterval = 15 * time.Second

// consumerBuffer is the per-consumer frame channel depth. A consumer that
// stops reading stalls only its own pump; delivery resumes from the log
// once it drains again.
const consumerBuffer = 256

// Frame is one unit of the merged stream. Seq carries the event-log
// sequence for terminal and event frames; control frames repeat the last
// delivered seq.
type Frame struct {
	Kind string `json:"kind"`
	Seq  int64  `json:"seq"`
	// Data is base64 PTY bytes for terminal frames, the structured event
	// for event frames, and a short message for error frames.
	Data any `json:"data,omitempty"`
}

// Options selects what a consumer receives.
type Options struct {
	SinceSeq        int64
	IncludeTerminal bool
	IncludeEvents   bool
}

// Multiplexer serves merged streams for any session. It holds no session
// state beyond the log directory and the bus.
type Multiplexer struct {
	logDir string
	bus    bus.EventBus
	logger *logger.Logger
}

// New builds a multiplexer reading logs from logDir and tailing the bus.
func New(logDir string, eventBus bus.EventBus, log *logger.Logger) *Multiplexer {
	if log == nil {
		log = logger.Default()
	}
	return &Multiplexer{
		logDir: logDir,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "multiplexer")),
	}
}

// Stream returns an ordered frame channel for the session. Persisted events
// past SinceSeq are replayed first; after that the log is tailed, with bus
// traffic acting as the wakeup. Events hit the log before the bus, so every
// frame is delivered in seq order with no gaps even when the consumer lags.
// The channel closes after a complete frame, on context cancellation, or
// after an error frame.
func (m *Multiplexer) Stream(ctx context.Context, sessionID string, opts Options) (<-chan Frame, error) {
	out := make(chan Frame, consumerBuffer)

	// Subscribe before replaying so no event falls between the two. The
	// subscription only signals; a collapsed signal still wakes the pump,
	// which reads everything pending from the log.
	live := make(chan struct{}, 1)
	var sub bus.Subscription
	if m.bus != nil {
		var err error
		sub, err = m.bus.Subscribe(events.BuildEventAppendedSubject(sessionID), func(_ context.Context, _ *bus.Event) error {
			select {
			case live <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			close(out)
			return out, fmt.Errorf("failed to subscribe to session events: %w", err)
		}
	}

	go m.pump(ctx, sessionID, opts, live, sub, out)
	return out, nil
}

func (m *Multiplexer) pump(ctx context.Context, sessionID string, opts Options,
	live <-chan struct{}, sub bus.Subscription, out chan<- Frame) {
	defer close(out)
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	log := m.logger.WithSessionID(sessionID)
	lastSeq := opts.SinceSeq

	send := func(f Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// catchUp delivers every persisted event past lastSeq. Events are on
	// disk before their bus signal fires, so reading the log here covers
	// anything a collapsed signal stood for. The second return is false
	// when the consumer is gone.
	logPath := filepath.Join(m.logDir, sessionID+".jsonl")
	catchUp := func() (ended, alive bool) {
		persisted, err := eventlog.ReadEvents(logPath, lastSeq, nil)
		if err != nil {
			log.WithError(err).Error("Failed to read event log")
			send(Frame{Kind: KindError, Seq: lastSeq, Data: "failed to read event log"})
			return false, false
		}
		for _, ev := range persisted {
			frame, ok := frameFor(ev, opts)
			lastSeq = ev.Seq
			if ok && !send(frame) {
				return false, false
			}
			if ev.Type == eventlog.TypeSessionEnded {
				send(Frame{Kind: KindComplete, Seq: lastSeq})
				return true, true
			}
		}
		return false, true
	}

	// Replay the persisted log first.
	if ended, alive := catchUp(); ended || !alive {
		return
	}

	// Tail the log on bus signals, pinging through silence.
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-live:
			if ended, alive := catchUp(); ended || !alive {
				return
			}
			ping.Reset(pingInterval)

		case <-ping.C:
			if ended, alive := catchUp(); ended || !alive {
				return
			}
			if !send(Frame{Kind: KindPing, Seq: lastSeq}) {
				return
			}
		}
	}
}

// frameFor maps a log event onto its wire frame, honoring the include
// filters. The second return is false when the event is filtered out.
func frameFor(ev *eventlog.Event, opts Options) (Frame, bool) {
	if ev.Type == eventlog.TypeTerminalOutput {
		if !opts.IncludeTerminal {
			return Frame{}, false
		}
		data := ev.TerminalOutput.Data
		if data == "" && ev.TerminalOutput.Artifact != nil {
			// Artifact-spilled chunks stream their decoded text reference;
			// the consumer fetches the artifact out of band.
			data = ev.TerminalOutput.Artifact.Path
		}
		return Frame{Kind: KindTerminal, Seq: ev.Seq, Data: data}, true
	}
	if !opts.IncludeEvents {
		return Frame{}, false
	}
	return Frame{Kind: KindEvent, Seq: ev.Seq, Data: ev}, true
}

