// Package scheduler admits, queues and dispatches tasks. Admission
// rejects near-duplicates of active work and over-deep self-scheduling
// chains; dispatch is a single loop that blocks on the worker pool for
// backpressure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/tracing"
	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/mailbox"
	"github.com/kestrelhq/kestrel/pkg/state"
	"github.com/kestrelhq/kestrel/pkg/toolloop"
	"github.com/kestrelhq/kestrel/pkg/workerpool"
)

var (
	// ErrDuplicateTask rejects admission when the description is too
	// similar to a task that is still queued or running.
	ErrDuplicateTask = errors.New("scheduler: duplicate of an active task")

	// ErrDepthLimit rejects self-scheduled tasks whose lineage chain
	// is already at the configured depth.
	ErrDepthLimit = errors.New("scheduler: scheduling depth limit reached")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("scheduler: task not found")

	// ErrEmptyDescription rejects tasks with nothing to do.
	ErrEmptyDescription = errors.New("scheduler: task description is empty")
)

// Runner executes one task to a terminal state. Implemented by
// toolloop.Loop.
type Runner interface {
	Run(ctx context.Context, p toolloop.Params) (toolloop.Outcome, error)
}

// Options shape one Schedule call.
type Options struct {
	ParentID string
	Priority int
	Origin   string
	// MaxRounds overrides the loop's round ceiling when positive.
	MaxRounds int
}

// Config holds admission and retry settings.
type Config struct {
	DedupThreshold float64
	MaxRetries     int
	MaxDepth       int
}

// Scheduler owns the task queue and the dispatch loop.
type Scheduler struct {
	cfg     Config
	store   *state.Store
	pool    *workerpool.Pool
	runner  Runner
	router  *mailbox.Router
	events  *eventlog.Log
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu            sync.Mutex
	cancelReasons map[string]string

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. events and m may be nil. Call Start to
// begin dispatching.
func New(cfg Config, store *state.Store, pool *workerpool.Pool, runner Runner, router *mailbox.Router, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.55
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:           cfg,
		store:         store,
		pool:          pool,
		runner:        runner,
		router:        router,
		events:        events,
		metrics:       m,
		logger:        logger.With().Str("component", "scheduler").Logger(),
		cancelReasons: make(map[string]string),
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	pool.SetSoftTimeoutHandler(s.onSoftTimeout)
	return s
}

// Start launches the dispatch loop. Tasks already queued in the
// snapshot (boot restore) are picked up immediately.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.dispatch()
	s.kick()
}

// Stop halts dispatching and cancels running tasks. Queued tasks stay
// queued in the snapshot for the next boot.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// SetDedupThreshold re-applies the similarity threshold after a config
// reload.
func (s *Scheduler) SetDedupThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	s.mu.Lock()
	s.cfg.DedupThreshold = v
	s.mu.Unlock()
}

func (s *Scheduler) dedupThreshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DedupThreshold
}

// Schedule admits one task and returns its id. The depth check, the
// similarity check and the enqueue run inside one state mutation, so
// two concurrent calls with near-identical descriptions can never both
// pass admission.
func (s *Scheduler) Schedule(description, taskContext string, opts Options) (string, error) {
	if description == "" {
		return "", ErrEmptyDescription
	}
	return s.admit(description, taskContext, opts, admission{})
}

// admission carries the internal flags Schedule never exposes.
type admission struct {
	skipDedup      bool
	frontEnqueue   bool
	originalTaskID string
	attempt        int
}

func (s *Scheduler) admit(description, taskContext string, opts Options, adm admission) (string, error) {
	threshold := s.dedupThreshold()

	taskID := uuid.NewString()
	attempt := adm.attempt
	if attempt == 0 {
		attempt = 1
	}

	var depth, priority int
	var origin, duplicateOf string
	err := s.store.Mutate(func(snap *state.Snapshot) error {
		depth = 0
		if opts.ParentID != "" {
			parent, ok := snap.Tasks[opts.ParentID]
			if !ok {
				return fmt.Errorf("%w: parent %s", ErrTaskNotFound, opts.ParentID)
			}
			depth = parent.Depth + 1
			if depth >= s.cfg.MaxDepth {
				return fmt.Errorf("%w: parent %s is at depth %d", ErrDepthLimit, opts.ParentID, parent.Depth)
			}
		}

		if !adm.skipDedup {
			// Pure in-memory comparison; the store lock never covers
			// anything blocking here.
			for _, t := range snap.Tasks {
				if t.Terminal() {
					continue
				}
				if score := similarity(description, t.Description); score >= threshold {
					duplicateOf = t.ID
					return fmt.Errorf("%w: %.0f%% similar to task %s", ErrDuplicateTask, score*100, t.ID)
				}
			}
		}

		origin = opts.Origin
		if origin == "" {
			if opts.ParentID != "" {
				origin = state.OriginSelf
			} else {
				origin = state.OriginOwner
			}
		}
		priority = opts.Priority
		if priority == 0 && origin == state.OriginBackground {
			priority = state.PriorityBackground
		}

		seq := snap.NextSeq()
		if adm.frontEnqueue {
			// Retries jump their priority class without reordering it
			// for everyone else.
			seq = -seq
		}
		snap.Tasks[taskID] = &state.Task{
			ID:             taskID,
			Description:    description,
			Context:        taskContext,
			Origin:         origin,
			Priority:       priority,
			QueueSeq:       seq,
			Status:         state.StatusQueued,
			ParentID:       opts.ParentID,
			MaxRounds:      opts.MaxRounds,
			OriginalTaskID: adm.originalTaskID,
			Depth:          depth,
			Attempt:        attempt,
			CreatedAt:      time.Now().UTC(),
		}
		snap.Queue = append(snap.Queue, taskID)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTask) {
			s.logger.Info().Str("existing_task", duplicateOf).Msg("Rejecting near-duplicate task")
			if s.metrics != nil {
				s.metrics.DedupRejected.Inc()
			}
			return "", err
		}
		if errors.Is(err, ErrDepthLimit) || errors.Is(err, ErrTaskNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("origin", origin).
		Int("priority", priority).
		Int("depth", depth).
		Msg("Task queued")
	s.lifecycle(taskID, "queued", map[string]any{"origin": origin, "priority": priority, "attempt": attempt})
	if s.metrics != nil {
		s.metrics.TasksTotal.WithLabelValues(state.StatusQueued).Inc()
	}

	s.kick()
	return taskID, nil
}

// Wait blocks the caller until the task reaches a terminal state or
// the timeout elapses. It never blocks the dispatch loop.
func (s *Scheduler) Wait(ctx context.Context, taskID string, timeout time.Duration) (*state.Task, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap, err := s.store.Read()
		if err != nil {
			return nil, err
		}
		task, ok := snap.Tasks[taskID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if task.Terminal() {
			return task, nil
		}
		if time.Now().After(deadline) {
			return task, fmt.Errorf("task %s still %s after %v", taskID, task.Status, timeout)
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result returns the task's result and whether it is final. A pending
// task returns ok=false with no error.
func (s *Scheduler) Result(taskID string) (string, bool, error) {
	snap, err := s.store.Read()
	if err != nil {
		return "", false, err
	}
	task, ok := snap.Tasks[taskID]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !task.Terminal() {
		return "", false, nil
	}
	if task.Status == state.StatusCompleted {
		return task.Result, true, nil
	}
	return task.Error, true, nil
}

// Cancel stops a task. A queued task is failed in place; a running
// task has its context cancelled and is failed by the dispatch path.
// The status inspection and the queued-path terminal write share one
// mutation, so the dispatch loop cannot pick the task up in between.
func (s *Scheduler) Cancel(taskID, reason string) error {
	var failedInPlace bool
	var status string
	err := s.store.Mutate(func(snap *state.Snapshot) error {
		task, ok := snap.Tasks[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if task.Terminal() {
			return fmt.Errorf("task %s already %s", taskID, task.Status)
		}
		status = task.Status
		if task.Status == state.StatusQueued {
			failedInPlace = true
			markTerminal(snap, task, state.StatusFailed, "", fmt.Sprintf("cancelled: %s", reason))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if failedInPlace {
		s.noteFinished(taskID, state.StatusFailed, fmt.Sprintf("cancelled: %s", reason))
		return nil
	}

	s.mu.Lock()
	s.cancelReasons[taskID] = reason
	s.mu.Unlock()

	if !s.pool.Cancel(taskID) {
		s.mu.Lock()
		delete(s.cancelReasons, taskID)
		s.mu.Unlock()
		return fmt.Errorf("task %s is %s but not on any slot", taskID, status)
	}
	return nil
}

// kick nudges the dispatch loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single scheduling goroutine. It pulls the next
// queued task in (priority, seq) order and blocks on slot acquisition;
// the pool is the only source of backpressure.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		slot, err := s.pool.Acquire(s.ctx)
		if err != nil {
			return
		}

		// Pull after acquiring so the head of the queue reflects any
		// priority arrivals that landed while all slots were busy.
		task := s.nextQueued()
		if task == nil {
			s.pool.Release(slot)
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			case <-ticker.C:
			}
			continue
		}

		s.wg.Add(1)
		go s.runTask(task, slot)
	}
}

// nextQueued returns the head of the queue, marking it running so the
// dispatch loop never hands the same task to two slots.
func (s *Scheduler) nextQueued() *state.Task {
	var picked *state.Task
	err := s.store.Mutate(func(snap *state.Snapshot) error {
		queued := snap.QueuedTasks()
		if len(queued) == 0 {
			return nil
		}
		task := queued[0]
		now := time.Now().UTC()
		task.Status = state.StatusRunning
		task.StartedAt = &now
		for i, id := range snap.Queue {
			if id == task.ID {
				snap.Queue = append(snap.Queue[:i], snap.Queue[i+1:]...)
				break
			}
		}
		picked = task.Clone()
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to pull next queued task")
		return nil
	}
	return picked
}

// runTask drives one task through the pool and records the outcome.
func (s *Scheduler) runTask(task *state.Task, slot workerpool.Slot) {
	defer s.wg.Done()
	defer s.pool.Release(slot)

	box := s.router.Open(task.ID)
	defer s.router.Close(task.ID)

	runCtx := tracing.WithOrigin(tracing.WithTaskID(s.ctx, task.ID), task.Origin)
	if task.ParentID != "" {
		runCtx = tracing.WithParentTaskID(runCtx, task.ParentID)
	}
	runCtx, span := tracing.StartSpan(runCtx, "scheduler", "task.run")
	defer span.End()
	logger := tracing.PropagateToLogger(runCtx, s.logger)

	slotID := slot.ID
	err := s.store.Mutate(func(snap *state.Snapshot) error {
		if t, ok := snap.Tasks[task.ID]; ok {
			t.AssignedSlot = &slotID
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record slot assignment")
	}

	s.lifecycle(task.ID, "running", map[string]any{"slot": slot.ID, "attempt": task.Attempt})
	if s.metrics != nil {
		s.metrics.TasksInFlight.Inc()
		defer s.metrics.TasksInFlight.Dec()
	}

	started := time.Now()
	var outcome toolloop.Outcome
	runErr := s.pool.Run(runCtx, slot, task.ID, func(ctx context.Context) error {
		var loopErr error
		outcome, loopErr = s.runner.Run(ctx, toolloop.Params{
			TaskID:      task.ID,
			Description: task.Description,
			Context:     task.Context,
			Mailbox:     box,
			Background:  task.Origin == state.OriginBackground,
			MaxRounds:   task.MaxRounds,
			Heartbeat:   func() { s.pool.Heartbeat(slot) },
			OnRound:     func(round int) { s.recordRound(task.ID, round) },
			OnState:     func(loopState string) { s.recordPhase(task.ID, loopState) },
		})
		return loopErr
	})

	duration := time.Since(started)
	if s.metrics != nil {
		s.metrics.TaskDuration.Observe(duration.Seconds())
	}

	switch {
	case runErr == nil:
		s.finishTask(task.ID, state.StatusCompleted, outcome.Result, "")

	case errors.Is(runErr, workerpool.ErrWorkerTimeout):
		s.finishTask(task.ID, state.StatusTimeout, "", runErr.Error())
		s.maybeRetry(runCtx, task)

	case errors.Is(runErr, context.Canceled):
		if reason := s.takeCancelReason(task.ID); reason != "" {
			s.finishTask(task.ID, state.StatusFailed, "", fmt.Sprintf("cancelled: %s", reason))
		} else {
			s.finishTask(task.ID, state.StatusFailed, "", "cancelled")
		}

	default:
		s.finishTask(task.ID, state.StatusFailed, "", runErr.Error())
	}
}

// takeCancelReason consumes a pending cancellation reason, if any.
func (s *Scheduler) takeCancelReason(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := s.cancelReasons[taskID]
	delete(s.cancelReasons, taskID)
	return reason
}

// finishTask records the terminal state and trims the task from the
// queue if it never ran.
func (s *Scheduler) finishTask(taskID, status, result, errMsg string) {
	err := s.store.Mutate(func(snap *state.Snapshot) error {
		task, ok := snap.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s vanished from snapshot", taskID)
		}
		markTerminal(snap, task, status, result, errMsg)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to record terminal state")
		return
	}

	s.noteFinished(taskID, status, errMsg)
}

// markTerminal writes a task's terminal state in-snapshot. Callers
// hold the store lock through Mutate.
func markTerminal(snap *state.Snapshot, task *state.Task, status, result, errMsg string) {
	now := time.Now().UTC()
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.FinishedAt = &now
	task.AssignedSlot = nil
	for i, id := range snap.Queue {
		if id == task.ID {
			snap.Queue = append(snap.Queue[:i], snap.Queue[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) noteFinished(taskID, status, errMsg string) {
	s.logger.Info().Str("task_id", taskID).Str("status", status).Msg("Task finished")
	s.lifecycle(taskID, status, map[string]any{"error": errMsg})
	if s.metrics != nil {
		s.metrics.TasksTotal.WithLabelValues(status).Inc()
	}
}

// maybeRetry schedules one lineage retry after a worker timeout. The
// retry is a new task with a new id; the timed-out task stays
// terminal. Budget attribution follows the new id.
func (s *Scheduler) maybeRetry(ctx context.Context, task *state.Task) {
	if task.Attempt > s.cfg.MaxRetries {
		s.logger.Warn().Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("Retry budget exhausted")
		return
	}

	original := task.OriginalTaskID
	if original == "" {
		original = task.ID
	}

	retryID, err := s.admit(task.Description, task.Context, Options{
		ParentID: task.ParentID,
		Priority: task.Priority,
		Origin:   task.Origin,
	}, admission{
		skipDedup:      true,
		frontEnqueue:   true,
		originalTaskID: original,
		attempt:        task.Attempt + 1,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to schedule retry")
		return
	}

	// The retry's log record carries the timed-out run's trace so the
	// lineage reads as one thread.
	logger := tracing.PropagateToLogger(tracing.PropagateToChild(ctx, retryID), s.logger)
	logger.Info().
		Str("timed_out_task", task.ID).
		Str("retry_id", retryID).
		Msg("Scheduled lineage retry after worker timeout")
	if s.metrics != nil {
		s.metrics.TaskRetries.Inc()
	}
}

// recordPhase mirrors the loop's within-round phase into the task
// table: a round blocked on tool resolution shows waiting_result and
// flips back to running for the next model call.
func (s *Scheduler) recordPhase(taskID, loopState string) {
	var status string
	switch loopState {
	case toolloop.StateAwaitingTools:
		status = state.StatusWaitingResult
	case toolloop.StateAwaitingModel:
		status = state.StatusRunning
	default:
		return
	}
	err := s.store.Mutate(func(snap *state.Snapshot) error {
		if task, ok := snap.Tasks[taskID]; ok && !task.Terminal() {
			task.Status = status
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record loop phase")
	}
}

// recordRound persists the loop's progress so status reporting and
// boot diagnostics see how far a task got.
func (s *Scheduler) recordRound(taskID string, round int) {
	err := s.store.Mutate(func(snap *state.Snapshot) error {
		if task, ok := snap.Tasks[taskID]; ok {
			task.RoundCount = round
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record round count")
	}
}

// onSoftTimeout injects a one-time wrap-up notice. The hard timeout
// stays the only forced stop.
func (s *Scheduler) onSoftTimeout(taskID string) {
	notice := "[System notice] This task has been running for a long time. Wrap up: summarize what has been accomplished and finish with your best current result."
	if !s.router.Inject(context.Background(), taskID, notice) {
		s.logger.Warn().Str("task_id", taskID).Msg("Soft-timeout notice had no mailbox to land in")
	}
}

// lifecycle appends a task_lifecycle event. The append runs on its own
// context so a cancelled worker never loses its final record.
func (s *Scheduler) lifecycle(taskID, phase string, detail map[string]any) {
	if s.events == nil {
		return
	}
	payload := map[string]any{"phase": phase}
	for k, v := range detail {
		if v != "" && v != nil {
			payload[k] = v
		}
	}
	ctx := tracing.CloneContext(tracing.WithTaskID(s.ctx, taskID))
	if _, err := s.events.Append(ctx, eventlog.KindTaskLifecycle, taskID, payload); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to append lifecycle event")
	}
}
