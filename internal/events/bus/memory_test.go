package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	subjects []string
	signal   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 16)}
}

func (r *recorder) handler(subject string) EventHandler {
	return func(_ context.Context, _ *Event) error {
		r.mu.Lock()
		r.subjects = append(r.subjects, subject)
		r.mu.Unlock()
		r.signal <- struct{}{}
		return nil
	}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

func TestPublishDeliversToExactSubject(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	rec := newRecorder()
	_, err := b.Subscribe("terminal.output.sess-1", rec.handler("exact"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "terminal.output.sess-1", NewEvent("terminal_output", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "terminal.output.sess-2", NewEvent("terminal_output", "test", nil)))

	rec.wait(t, 1)
	assert.Equal(t, []string{"exact"}, rec.seen())
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	rec := newRecorder()
	_, err := b.Subscribe("event.appended.*", rec.handler("star"))
	require.NoError(t, err)
	_, err = b.Subscribe("event.>", rec.handler("gt"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "event.appended.sess-1", NewEvent("event_appended", "test", nil)))
	rec.wait(t, 2)
	assert.ElementsMatch(t, []string{"star", "gt"}, rec.seen())

	// A single-token wildcard must not span dots.
	require.NoError(t, b.Publish(context.Background(), "event.appended.sess-1.extra", NewEvent("event_appended", "test", nil)))
	rec.wait(t, 1)
	assert.ElementsMatch(t, []string{"star", "gt", "gt"}, rec.seen())
}

func TestSubscriberReceivesEventsInPublishOrder(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	const n = 200
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	_, err := b.Subscribe("event.appended.sess-1", func(_ context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Type)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("ev-%03d", i)
		require.NoError(t, b.Publish(context.Background(), "event.appended.sess-1", NewEvent(want[i], "test", nil)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	rec := newRecorder()
	sub, err := b.Subscribe("session.state.sess-1", rec.handler("sub"))
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "session.state.sess-1", NewEvent("session_state", "test", nil)))

	select {
	case <-rec.signal:
		t.Fatal("unsubscribed handler still received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(nil)
	require.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "anything", NewEvent("x", "test", nil))
	assert.ErrorContains(t, err, "closed")

	_, err = b.Subscribe("anything", func(context.Context, *Event) error { return nil })
	assert.ErrorContains(t, err, "closed")
}
