// Package mailbox routes inbound owner messages to exactly one
// consumer: either the direct handler or one targeted task's mailbox.
package mailbox

import (
	"sync"
	"time"
)

// Message is one owner-injected message.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// Mailbox is a per-task ordered inbox with dedup by message id. Its
// lifetime is bound to the task: created at dispatch, dropped at the
// terminal state.
type Mailbox struct {
	taskID string

	mu       sync.Mutex
	messages []Message
	seen     map[string]bool
}

func newMailbox(taskID string) *Mailbox {
	return &Mailbox{
		taskID: taskID,
		seen:   make(map[string]bool),
	}
}

// TaskID returns the owning task's id.
func (m *Mailbox) TaskID() string {
	return m.taskID
}

// put appends a message, preserving send order. Redelivery of an
// already-seen id is a no-op and reports false.
func (m *Mailbox) put(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen[msg.ID] {
		return false
	}
	m.seen[msg.ID] = true
	m.messages = append(m.messages, msg)
	return true
}

// Drain removes and returns all pending messages in send order.
func (m *Mailbox) Drain() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.messages) == 0 {
		return nil
	}
	out := m.messages
	m.messages = nil
	return out
}

// Pending returns the number of undelivered messages.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
