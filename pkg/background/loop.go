// Package background runs the self-scheduling improvement loop. Each
// cycle submits one bounded task charged against the background budget
// cap; the loop sleeps between cycles according to its schedule and,
// when every provider is cooling down, until the latest cooldown
// expires.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/scheduler"
	"github.com/kestrelhq/kestrel/pkg/state"
)

// TaskScheduler admits and tracks cycle tasks. Implemented by
// scheduler.Scheduler.
type TaskScheduler interface {
	Schedule(description, taskContext string, opts scheduler.Options) (string, error)
	Wait(ctx context.Context, taskID string, timeout time.Duration) (*state.Task, error)
}

// ProviderStatus exposes the LLM chain's cooldown view. Implemented
// by llm.Client.
type ProviderStatus interface {
	AllCooling() bool
	NextEligibleAt() time.Time
	CircuitOpen() bool
}

// Reporter delivers owner-facing notices. Transports live elsewhere.
type Reporter interface {
	Report(msg string)
}

// Config tunes the loop.
type Config struct {
	Schedule       string
	Interval       time.Duration
	Lazy           bool
	WakeupBuffer   time.Duration
	MaxRounds      int
	ReportInterval time.Duration
	FailureLimit   int
	// CycleTimeout bounds how long Wait watches one cycle task.
	CycleTimeout time.Duration
}

// Loop is the background cycle driver.
type Loop struct {
	cfg      Config
	schedule cron.Schedule
	store    *state.Store
	sched    TaskScheduler
	client   ProviderStatus
	reporter Reporter
	events   *eventlog.Log
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the loop. reporter, events and m may be nil.
func New(cfg Config, store *state.Store, sched TaskScheduler, client ProviderStatus, reporter Reporter, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger) (*Loop, error) {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 1
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Minute
	}

	schedule, err := ParseSchedule(cfg.Schedule, cfg.Interval)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cfg:      cfg,
		schedule: schedule,
		store:    store,
		sched:    sched,
		client:   client,
		reporter: reporter,
		events:   events,
		metrics:  m,
		logger:   logger.With().Str("component", "background").Logger(),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop halts the loop and waits for an in-flight cycle's Wait to
// unwind.
func (l *Loop) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Kick wakes the loop ahead of its schedule. Used by the control
// surface after re-enabling.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		wakeup := l.nextWakeup(time.Now())
		l.persistWakeup(wakeup)

		timer := time.NewTimer(time.Until(wakeup))
		select {
		case <-l.ctx.Done():
			timer.Stop()
			return
		case <-l.kick:
			timer.Stop()
		case <-timer.C:
		}

		if !l.enabled() {
			l.logger.Debug().Msg("Background loop disabled, skipping cycle")
			continue
		}
		if l.client != nil && l.client.CircuitOpen() {
			l.logger.Warn().Msg("Circuit breaker open, skipping cycle")
			continue
		}

		l.runCycle()
	}
}

// nextWakeup picks the later of the schedule's next fire and, in lazy
// mode with every provider cooling, the moment the last cooldown
// expires plus the buffer. Waking any earlier would burn a cycle into
// guaranteed provider errors.
func (l *Loop) nextWakeup(now time.Time) time.Time {
	next := l.schedule.Next(now)

	if l.cfg.Lazy && l.client != nil && l.client.AllCooling() {
		eligible := l.client.NextEligibleAt().Add(l.cfg.WakeupBuffer)
		if eligible.After(next) {
			l.logger.Info().Time("wakeup", eligible).Msg("All providers cooling, deferring wakeup")
			next = eligible
		}
	}
	return next
}

func (l *Loop) enabled() bool {
	snap, err := l.store.Read()
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to read state")
		return false
	}
	return snap.BackgroundEnabled && snap.EvolutionEnabled
}

// runCycle schedules one bounded cycle task and records the outcome.
func (l *Loop) runCycle() {
	started := time.Now()

	taskID, err := l.sched.Schedule(l.cycleDescription(), "", scheduler.Options{
		Origin:    state.OriginBackground,
		Priority:  state.PriorityBackground,
		MaxRounds: l.cfg.MaxRounds,
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to schedule background cycle")
		l.recordOutcome("", false, err.Error(), time.Since(started))
		return
	}

	task, err := l.sched.Wait(l.ctx, taskID, l.cfg.CycleTimeout)
	if err != nil {
		l.recordOutcome(taskID, false, err.Error(), time.Since(started))
		return
	}

	succeeded := task.Status == state.StatusCompleted
	detail := task.Result
	if !succeeded {
		detail = task.Error
	}
	l.recordOutcome(taskID, succeeded, detail, time.Since(started))
}

// cycleDescription builds the task each cycle submits.
func (l *Loop) cycleDescription() string {
	return "Review the most recent task outcomes and event history. Identify one concrete weakness in how tasks were handled and apply a focused improvement."
}

// recordOutcome updates the persisted cycle bookkeeping, pauses the
// loop when failures stack up, and rate-limits owner reports.
func (l *Loop) recordOutcome(taskID string, succeeded bool, detail string, duration time.Duration) {
	var (
		paused     bool
		shouldTell bool
		failures   int
	)

	now := time.Now().UTC()
	err := l.store.Mutate(func(snap *state.Snapshot) error {
		bg := &snap.Background
		bg.CycleCount++
		bg.LastCycleAt = &now

		if succeeded {
			bg.ConsecutiveFailures = 0
		} else {
			bg.ConsecutiveFailures++
			if bg.ConsecutiveFailures >= l.cfg.FailureLimit && snap.EvolutionEnabled {
				snap.EvolutionEnabled = false
				paused = true
			}
		}
		failures = bg.ConsecutiveFailures

		if paused {
			shouldTell = true
		} else if succeeded && (bg.LastReportAt == nil || now.Sub(*bg.LastReportAt) >= l.cfg.ReportInterval) {
			shouldTell = true
			bg.LastReportAt = &now
		}
		return nil
	})
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to record cycle outcome")
		return
	}

	status := "failed"
	if succeeded {
		status = "completed"
	}
	l.logger.Info().
		Str("task_id", taskID).
		Str("status", status).
		Dur("duration", duration).
		Msg("Background cycle finished")

	if l.metrics != nil {
		l.metrics.BackgroundCycles.WithLabelValues(status).Inc()
	}
	if l.events != nil {
		payload := map[string]any{
			"status":      status,
			"duration_ms": duration.Milliseconds(),
		}
		if !succeeded {
			payload["error"] = detail
		}
		if _, err := l.events.Append(context.Background(), eventlog.KindBackgroundCycle, taskID, payload); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to append cycle event")
		}
	}

	if paused {
		l.logger.Warn().Int("failures", failures).Msg("Background loop paused after repeated failures")
	}
	if shouldTell && l.reporter != nil {
		if paused {
			l.reporter.Report(fmt.Sprintf(
				"Background improvement loop paused after %d consecutive failed cycles (last error: %s). Re-enable with: evolution on",
				failures, detail))
		} else {
			l.reporter.Report(fmt.Sprintf("Background cycle completed: %s", detail))
		}
	}
}

// persistWakeup mirrors the planned wakeup into the snapshot for the
// status command.
func (l *Loop) persistWakeup(at time.Time) {
	utc := at.UTC()
	err := l.store.Mutate(func(snap *state.Snapshot) error {
		snap.Background.NextWakeup = &utc
		return nil
	})
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist next wakeup")
	}
}
