package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/pkg/eventlog"
)

// Delivery outcomes reported by Deliver.
const (
	ConsumerDirect = "direct"
	ConsumerTask   = "task"
	ConsumerDedup  = "dedup"
)

// DirectHandler consumes messages while no task is targeted.
type DirectHandler func(msg Message)

// Router owns all task mailboxes and picks the single consumer for
// each inbound message: the targeted task's mailbox when a target is
// set, otherwise the direct handler. Never both.
type Router struct {
	direct  DirectHandler
	events  *eventlog.Log
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	boxes  map[string]*Mailbox
	target string
}

// NewRouter creates a router. events and m may be nil.
func NewRouter(direct DirectHandler, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		direct:  direct,
		events:  events,
		metrics: m,
		logger:  logger.With().Str("component", "router").Logger(),
		boxes:   make(map[string]*Mailbox),
	}
}

// Open creates the mailbox for a task at dispatch time.
func (r *Router) Open(taskID string) *Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	if box, ok := r.boxes[taskID]; ok {
		return box
	}
	box := newMailbox(taskID)
	r.boxes[taskID] = box
	return box
}

// Close drops a task's mailbox when the task reaches a terminal
// state. A closed target clears the targeting too.
func (r *Router) Close(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.boxes, taskID)
	if r.target == taskID {
		r.target = ""
	}
}

// Target directs subsequent messages into one task's mailbox. The
// task must have an open mailbox.
func (r *Router) Target(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.boxes[taskID]; !ok {
		return fmt.Errorf("no mailbox open for task %s", taskID)
	}
	r.target = taskID
	return nil
}

// ClearTarget returns the router to direct-handler mode.
func (r *Router) ClearTarget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = ""
}

// TargetedTask returns the currently targeted task id, if any.
func (r *Router) TargetedTask() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Deliver routes one inbound message to exactly one consumer and
// returns which one took it. A message without an id gets a fresh
// one; a repeated id into the same mailbox is dropped as a duplicate.
func (r *Router) Deliver(ctx context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("failed to generate message id: %w", err)
		}
		msg.ID = id
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	r.mu.Lock()
	target := r.target
	box := r.boxes[target]
	r.mu.Unlock()

	if target != "" && box != nil {
		if !box.put(msg) {
			r.logger.Debug().Str("message_id", msg.ID).Str("task_id", target).Msg("Duplicate message dropped")
			if r.metrics != nil {
				r.metrics.MessagesDeduped.Inc()
			}
			return ConsumerDedup, nil
		}

		r.logger.Debug().Str("message_id", msg.ID).Str("task_id", target).Msg("Message delivered to task mailbox")
		if r.metrics != nil {
			r.metrics.MessagesDelivered.WithLabelValues(ConsumerTask).Inc()
		}
		r.audit(ctx, target, msg)
		return ConsumerTask, nil
	}

	if r.direct == nil {
		return "", fmt.Errorf("no consumer available: no target set and no direct handler")
	}

	r.direct(msg)
	if r.metrics != nil {
		r.metrics.MessagesDelivered.WithLabelValues(ConsumerDirect).Inc()
	}
	r.audit(ctx, "", msg)
	return ConsumerDirect, nil
}

// Inject places a system notice directly into one task's mailbox,
// bypassing the target. Used for wrap-up notices on tasks that passed
// the soft timeout. Returns false when the task has no open mailbox.
func (r *Router) Inject(ctx context.Context, taskID, content string) bool {
	id, err := gonanoid.New()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to generate message id")
		return false
	}
	msg := Message{ID: id, Content: content, ReceivedAt: time.Now().UTC()}

	r.mu.Lock()
	box := r.boxes[taskID]
	r.mu.Unlock()

	if box == nil || !box.put(msg) {
		return false
	}

	r.logger.Debug().Str("task_id", taskID).Msg("System notice injected into task mailbox")
	if r.metrics != nil {
		r.metrics.MessagesDelivered.WithLabelValues(ConsumerTask).Inc()
	}
	r.audit(ctx, taskID, msg)
	return true
}

// audit records every owner-message injection to the event log.
func (r *Router) audit(ctx context.Context, taskID string, msg Message) {
	if r.events == nil {
		return
	}
	payload := map[string]any{
		"message_id": msg.ID,
		"length":     len(msg.Content),
	}
	if _, err := r.events.Append(ctx, eventlog.KindOwnerMessage, taskID, payload); err != nil {
		r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to audit owner message")
	}
}
