package session

import "sync"

// MessageQueue is the FIFO of user messages waiting for delivery to the
// session's current PTY. A message is removed only after it was written
// successfully, so messages queued between phases flush to the next child.
type MessageQueue struct {
	mu       sync.Mutex
	messages []string
}

// NewMessageQueue returns an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Enqueue appends a message.
func (q *MessageQueue) Enqueue(msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Drain delivers queued messages in order through write, stopping at the
// first failure. Each message is dequeued only after write returns nil, so
// a failed delivery leaves it at the head for the next attempt.
func (q *MessageQueue) Drain(write func(msg string) error) (delivered int) {
	for {
		q.mu.Lock()
		if len(q.messages) == 0 {
			q.mu.Unlock()
			return delivered
		}
		msg := q.messages[0]
		q.mu.Unlock()

		if err := write(msg); err != nil {
			return delivered
		}

		q.mu.Lock()
		// The head is still ours: Drain is only called from the session
		// tick worker, the queue's single consumer.
		q.messages = q.messages[1:]
		q.mu.Unlock()
		delivered++
	}
}
