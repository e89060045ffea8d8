// Package ptystream runs a coding agent under a pseudo-terminal and fans
// its output out to any number of subscribers. Subscribers never exert
// back-pressure on the agent: a full subscriber channel drops the frame.
package ptystream

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/common/logger"
)

const (
	// DefaultCols and DefaultRows are the PTY dimensions when the caller
	// does not specify any.
	DefaultCols = 200
	DefaultRows = 50

	// terminateGrace is how long a terminated agent gets between SIGTERM
	// and SIGKILL.
	terminateGrace = 200 * time.Millisecond

	// subscriberBuffer is the per-subscriber channel depth. Frames beyond
	// it are dropped for that subscriber only.
	subscriberBuffer = 256

	readChunkSize = 32 * 1024
)

// Config describes the agent process to run.
type Config struct {
	Command      []string
	Dir          string
	Env          []string // appended to the parent environment
	InitialStdin string   // written to the PTY shortly after start
	Cols         int
	Rows         int
}

// Stream is one running agent process and its output fan-out. The full
// transcript is retained in memory so scanners can analyze it from arbitrary
// offsets.
type Stream struct {
	mu          sync.Mutex
	cmd         *exec.Cmd
	ptmx        PtyHandle
	output      []byte
	lastOutput  time.Time
	startedAt   time.Time
	subscribers map[string]chan []byte
	dropped     map[string]int64
	exitCode    int
	exited      bool
	stopOnce    sync.Once
	done        chan struct{}
	logger      *logger.Logger
}

// Start spawns the agent under a PTY and begins reading its output.
func Start(cfg Config, log *logger.Logger) (*Stream, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if log == nil {
		log = logger.Default()
	}

	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	ptmx, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	s := &Stream{
		cmd:         cmd,
		ptmx:        ptmx,
		lastOutput:  time.Now(),
		startedAt:   time.Now(),
		subscribers: make(map[string]chan []byte),
		dropped:     make(map[string]int64),
		exitCode:    -1,
		done:        make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "ptystream"), zap.String("command", cfg.Command[0])),
	}

	go s.readLoop()
	go s.wait()

	if cfg.InitialStdin != "" {
		go func(input string) {
			// Give the agent a moment to set up its stdin reader.
			time.Sleep(100 * time.Millisecond)
			if err := s.SendInput(input); err != nil {
				s.logger.WithError(err).Warn("Failed to write initial stdin")
			}
		}(cfg.InitialStdin)
	}

	s.logger.Info("Agent process started", zap.Int("pid", s.Pid()), zap.Int("cols", cols), zap.Int("rows", rows))
	return s, nil
}

// readLoop pumps PTY output into the transcript and subscriber channels
// until the PTY closes.
func (s *Stream) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.deliver(chunk)
		}
		if err != nil {
			// EIO on Unix when the child side closes; normal exit path.
			return
		}
	}
}

func (s *Stream) deliver(chunk []byte) {
	s.mu.Lock()
	s.output = append(s.output, chunk...)
	s.lastOutput = time.Now()
	for id, ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
			s.dropped[id]++
		}
	}
	s.mu.Unlock()
}

// wait reaps the process and closes the done channel.
func (s *Stream) wait() {
	code, err := waitPtyProcess(s.cmd, s.ptmx)

	s.mu.Lock()
	s.exitCode = code
	s.exited = true
	_ = s.ptmx.Close()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[string]chan []byte)
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("agent process exited non-zero", zap.Int("exit_code", code), zap.Error(err))
	} else {
		s.logger.Info("Agent process exited", zap.Int("exit_code", code))
	}
	close(s.done)
}

// Subscribe registers an output consumer. The returned channel is closed
// when the process exits or the subscriber is removed. Frames are dropped
// for this subscriber when its channel is full.
func (s *Stream) Subscribe(id string) <-chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		close(ch)
		return ch
	}
	if old, ok := s.subscribers[id]; ok {
		close(old)
	}
	s.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a consumer and closes its channel.
func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
	if n := s.dropped[id]; n > 0 {
		s.logger.Debug("subscriber dropped frames", zap.String("subscriber", id), zap.Int64("dropped", n))
		delete(s.dropped, id)
	}
}

// SendInput writes data to the agent's terminal.
func (s *Stream) SendInput(data string) error {
	s.mu.Lock()
	ptmx, exited := s.ptmx, s.exited
	s.mu.Unlock()
	if exited {
		return fmt.Errorf("agent process has exited")
	}
	if _, err := ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

// Resize changes the terminal dimensions.
func (s *Stream) Resize(cols, rows uint16) error {
	s.mu.Lock()
	ptmx, exited := s.ptmx, s.exited
	s.mu.Unlock()
	if exited {
		return fmt.Errorf("agent process has exited")
	}
	return ptmx.Resize(cols, rows)
}

// Terminate stops the agent process tree, gracefully first. Safe to call
// more than once and after exit.
func (s *Stream) Terminate() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		exited := s.exited
		proc := s.cmd.Process
		s.mu.Unlock()
		if exited || proc == nil {
			return
		}
		s.logger.Info("Terminating agent process", zap.Int("pid", proc.Pid))
		_ = terminateProcessTree(proc, terminateGrace)
	})
}

// Done is closed once the process has exited and been reaped.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the process is still alive.
func (s *Stream) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the process exit code, or -1 while still running.
func (s *Stream) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		return -1
	}
	return s.exitCode
}

// Pid returns the agent's process id, 0 if unknown.
func (s *Stream) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Output returns a copy of the full transcript so far.
func (s *Stream) Output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.output))
	copy(out, s.output)
	return out
}

// OutputLen returns the transcript length without copying.
func (s *Stream) OutputLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.output)
}

// OutputSince returns the transcript from the given byte offset. An offset
// beyond the current length yields nil.
func (s *Stream) OutputSince(offset int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.output) {
		return nil
	}
	out := make([]byte, len(s.output)-offset)
	copy(out, s.output[offset:])
	return out
}

// LastOutputAt returns when the agent last produced output. The start time
// counts as output so a silent agent is idle from launch.
func (s *Stream) LastOutputAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutput
}

// IdleFor returns how long the agent has been silent.
func (s *Stream) IdleFor() time.Duration {
	return time.Since(s.LastOutputAt())
}

// StartedAt returns the process start time.
func (s *Stream) StartedAt() time.Time {
	return s.startedAt
}
