//go:build !windows

package ptystream

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForOutput(t *testing.T, s *Stream, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if bytes.Contains(s.Output(), []byte(substr)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never contained %q, got: %q", substr, s.Output())
}

func TestStream_CapturesOutput(t *testing.T) {
	s, err := Start(Config{Command: []string{"sh", "-c", "echo hello-agent"}}, nil)
	require.NoError(t, err)

	waitForOutput(t, s, "hello-agent", 5*time.Second)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 0, s.ExitCode())
	assert.False(t, s.Running())
}

func TestStream_SendInput(t *testing.T) {
	s, err := Start(Config{Command: []string{"cat"}}, nil)
	require.NoError(t, err)
	defer s.Terminate()

	require.NoError(t, s.SendInput("ping\n"))
	waitForOutput(t, s, "ping", 5*time.Second)
}

func TestStream_InitialStdin(t *testing.T) {
	s, err := Start(Config{Command: []string{"cat"}, InitialStdin: "bootstrap\n"}, nil)
	require.NoError(t, err)
	defer s.Terminate()

	waitForOutput(t, s, "bootstrap", 5*time.Second)
}

func TestStream_SubscriberReceivesFrames(t *testing.T) {
	s, err := Start(Config{Command: []string{"sh", "-c", "echo frame-one; sleep 5"}}, nil)
	require.NoError(t, err)
	defer s.Terminate()

	ch := s.Subscribe("test")
	var got []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(got, []byte("frame-one")) {
		select {
		case frame, ok := <-ch:
			require.True(t, ok, "channel closed before frame arrived")
			got = append(got, frame...)
		case <-deadline:
			t.Fatalf("no frame received, got %q", got)
		}
	}
	s.Unsubscribe("test")
}

func TestStream_SubscriberChannelClosedOnExit(t *testing.T) {
	s, err := Start(Config{Command: []string{"sh", "-c", "sleep 0.1"}}, nil)
	require.NoError(t, err)

	ch := s.Subscribe("test")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed")
		}
	}
}

func TestStream_Terminate(t *testing.T) {
	s, err := Start(Config{Command: []string{"sleep", "60"}}, nil)
	require.NoError(t, err)

	s.Terminate()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("terminated process did not exit")
	}
	assert.NotEqual(t, 0, s.ExitCode())
}

func TestStream_OutputSince(t *testing.T) {
	s, err := Start(Config{Command: []string{"sh", "-c", "echo first && echo second"}}, nil)
	require.NoError(t, err)
	waitForOutput(t, s, "second", 5*time.Second)

	full := s.Output()
	assert.Nil(t, s.OutputSince(len(full)))
	assert.Equal(t, full, s.OutputSince(0))
	assert.Equal(t, full[3:], s.OutputSince(3))
}

func TestStream_IdleClock(t *testing.T) {
	s, err := Start(Config{Command: []string{"sleep", "60"}}, nil)
	require.NoError(t, err)
	defer s.Terminate()

	time.Sleep(150 * time.Millisecond)
	assert.GreaterOrEqual(t, s.IdleFor(), 100*time.Millisecond)
}

func TestStream_EmptyCommand(t *testing.T) {
	_, err := Start(Config{}, nil)
	require.Error(t, err)
}
