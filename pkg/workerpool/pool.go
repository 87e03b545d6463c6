// Package workerpool bounds task concurrency with a fixed set of
// execution slots. Acquiring a slot is the system's only backpressure
// mechanism; no unbounded fan-out exists anywhere else.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/pkg/state"
)

// ErrWorkerTimeout is returned when a task exceeds the hard timeout or
// its heartbeat goes stale. The execution unit is abandoned, never
// awaited.
var ErrWorkerTimeout = errors.New("workerpool: worker timed out")

// Slot is one execution slot. Slot id 0 is a real, distinct
// identifier; "no slot assigned" is expressed with *int elsewhere,
// never with a zero value.
type Slot struct {
	ID int
}

// SoftTimeoutFunc is notified once when a task outlives the soft
// timeout. It typically injects a wrap-up notice into the task's
// mailbox; the hard timeout remains the only forced stop.
type SoftTimeoutFunc func(taskID string)

// Config tunes the pool.
type Config struct {
	MaxWorkers     int
	HardTimeout    time.Duration
	SoftTimeout    time.Duration
	HeartbeatStale time.Duration
	// CheckInterval is the monitor tick. Tests shrink it.
	CheckInterval time.Duration
}

// execution is the in-flight record for one busy slot.
type execution struct {
	taskID       string
	cancel       context.CancelFunc
	startedAt    time.Time
	lastBeat     time.Time
	softNotified bool
	forced       chan struct{}
	forceOnce    sync.Once
}

// Pool owns the slots.
type Pool struct {
	cfg     Config
	store   *state.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	slots   chan int
	onSoft  SoftTimeoutFunc
	mu      sync.Mutex
	running map[int]*execution

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the pool and registers every slot in the persisted
// worker registry. store and m may be nil.
func New(cfg Config, store *state.Store, m *metrics.Metrics, logger zerolog.Logger) (*Pool, error) {
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("pool requires at least one worker slot")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "workerpool").Logger(),
		slots:   make(chan int, cfg.MaxWorkers),
		running: make(map[int]*execution),
		ctx:     ctx,
		cancel:  cancel,
	}

	for id := 0; id < cfg.MaxWorkers; id++ {
		p.slots <- id
	}

	if store != nil {
		err := store.Mutate(func(s *state.Snapshot) error {
			s.Workers = make(map[int]*state.WorkerEntry, cfg.MaxWorkers)
			for id := 0; id < cfg.MaxWorkers; id++ {
				s.Workers[id] = &state.WorkerEntry{SlotID: id}
			}
			return nil
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register worker slots: %w", err)
		}
	}

	p.wg.Add(1)
	go p.monitor()

	return p, nil
}

// SetSoftTimeoutHandler installs the soft-timeout notifier.
func (p *Pool) SetSoftTimeoutHandler(fn SoftTimeoutFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSoft = fn
}

// Acquire blocks until a slot is free or the context ends. This is
// where the dispatch loop applies backpressure.
func (p *Pool) Acquire(ctx context.Context) (Slot, error) {
	select {
	case id := <-p.slots:
		return Slot{ID: id}, nil
	default:
	}

	if p.metrics != nil {
		p.metrics.SlotAcquireWaits.Inc()
	}

	select {
	case id := <-p.slots:
		return Slot{ID: id}, nil
	case <-ctx.Done():
		return Slot{}, ctx.Err()
	case <-p.ctx.Done():
		return Slot{}, fmt.Errorf("pool is shut down")
	}
}

// Release returns a slot to the pool. Callers release exactly once per
// acquire, after Run returns.
func (p *Pool) Release(slot Slot) {
	select {
	case p.slots <- slot.ID:
	default:
		// Double release would corrupt the slot count.
		p.logger.Error().Int("slot", slot.ID).Msg("Slot released twice, dropping")
	}
}

// Run executes fn on the acquired slot under the hard timeout. On
// timeout or stale heartbeat the execution unit is cancelled and
// abandoned without waiting for it to acknowledge; its late result
// goes to a buffered channel nobody reads.
func (p *Pool) Run(ctx context.Context, slot Slot, taskID string, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)

	exec := &execution{
		taskID:    taskID,
		cancel:    cancel,
		startedAt: time.Now(),
		lastBeat:  time.Now(),
		forced:    make(chan struct{}),
	}

	p.mu.Lock()
	p.running[slot.ID] = exec
	busy := len(p.running)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SlotsBusy.Set(float64(busy))
	}
	p.persistWorker(slot.ID, taskID, exec.startedAt)

	p.logger.Debug().Int("slot", slot.ID).Str("task_id", taskID).Msg("Slot running task")

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx)
	}()

	var timeout <-chan time.Time
	if p.cfg.HardTimeout > 0 {
		timer := time.NewTimer(p.cfg.HardTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case err = <-done:
	case <-timeout:
		cancel()
		err = fmt.Errorf("%w: task %s exceeded hard timeout %v on slot %d", ErrWorkerTimeout, taskID, p.cfg.HardTimeout, slot.ID)
		if p.metrics != nil {
			p.metrics.WorkerTimeouts.Inc()
		}
	case <-exec.forced:
		cancel()
		err = fmt.Errorf("%w: task %s heartbeat went stale on slot %d", ErrWorkerTimeout, taskID, slot.ID)
		if p.metrics != nil {
			p.metrics.WorkerTimeouts.Inc()
		}
	}
	cancel()

	p.mu.Lock()
	if p.running[slot.ID] == exec {
		delete(p.running, slot.ID)
	}
	busy = len(p.running)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SlotsBusy.Set(float64(busy))
	}
	p.persistWorker(slot.ID, "", time.Time{})

	return err
}

// Heartbeat marks a slot's task as alive. The tool loop beats once
// per round.
func (p *Pool) Heartbeat(slot Slot) {
	p.mu.Lock()
	exec := p.running[slot.ID]
	if exec != nil {
		exec.lastBeat = time.Now()
	}
	p.mu.Unlock()

	if exec == nil || p.store == nil {
		return
	}
	now := time.Now().UTC()
	err := p.store.Mutate(func(s *state.Snapshot) error {
		if w, ok := s.Workers[slot.ID]; ok {
			w.LastHeartbeat = &now
		}
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Int("slot", slot.ID).Msg("Failed to persist heartbeat")
	}
}

// Cancel cancels the running execution for a task, if any. The slot's
// Run returns through the normal done path with the cancellation
// error; nothing is re-queued.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, exec := range p.running {
		if exec.taskID == taskID {
			exec.cancel()
			return true
		}
	}
	return false
}

// Busy returns the number of slots currently running a task.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Close stops the monitor and cancels anything still running.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	for _, exec := range p.running {
		exec.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// monitor enforces the soft timeout notice and the stale-heartbeat
// kill. A stale execution is forced through the same non-blocking
// termination path as the hard timeout.
func (p *Pool) monitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		p.mu.Lock()
		onSoft := p.onSoft
		for slotID, exec := range p.running {
			if p.cfg.SoftTimeout > 0 && !exec.softNotified && now.Sub(exec.startedAt) > p.cfg.SoftTimeout {
				exec.softNotified = true
				p.logger.Warn().Int("slot", slotID).Str("task_id", exec.taskID).Msg("Task passed soft timeout")
				if onSoft != nil {
					go onSoft(exec.taskID)
				}
			}
			if p.cfg.HeartbeatStale > 0 && now.Sub(exec.lastBeat) > p.cfg.HeartbeatStale {
				p.logger.Error().Int("slot", slotID).Str("task_id", exec.taskID).Msg("Heartbeat stale, forcing timeout")
				exec.forceOnce.Do(func() { close(exec.forced) })
			}
		}
		p.mu.Unlock()
	}
}

// persistWorker mirrors slot assignment into the snapshot. An empty
// task id clears the entry.
func (p *Pool) persistWorker(slotID int, taskID string, startedAt time.Time) {
	if p.store == nil {
		return
	}

	err := p.store.Mutate(func(s *state.Snapshot) error {
		entry, ok := s.Workers[slotID]
		if !ok {
			entry = &state.WorkerEntry{SlotID: slotID}
			s.Workers[slotID] = entry
		}
		if taskID == "" {
			entry.TaskID = ""
			entry.StartedAt = nil
			entry.LastHeartbeat = nil
			return nil
		}
		started := startedAt.UTC()
		beat := started
		entry.TaskID = taskID
		entry.StartedAt = &started
		entry.LastHeartbeat = &beat
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Int("slot", slotID).Msg("Failed to persist worker entry")
	}
}
