// Package daemon wires the configuration, state store, event log,
// budget accountant, LLM client, message router, worker pool,
// scheduler and background loop into one long-running process, and
// exposes the owner's control surface over them.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/logger"
	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/internal/tracing"
	"github.com/kestrelhq/kestrel/pkg/background"
	"github.com/kestrelhq/kestrel/pkg/budget"
	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/llm"
	"github.com/kestrelhq/kestrel/pkg/mailbox"
	"github.com/kestrelhq/kestrel/pkg/scheduler"
	"github.com/kestrelhq/kestrel/pkg/state"
	"github.com/kestrelhq/kestrel/pkg/toolloop"
	"github.com/kestrelhq/kestrel/pkg/tools"
	"github.com/kestrelhq/kestrel/pkg/workerpool"
)

// Daemon is the kestrel process.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger
	log        zerolog.Logger
	metrics    *metrics.Metrics

	store      *state.Store
	events     *eventlog.Log
	accountant *budget.Accountant
	client     *llm.Client
	registry   *tools.Registry
	router     *mailbox.Router
	pool       *workerpool.Pool
	loop       *toolloop.Loop
	scheduler  *scheduler.Scheduler
	background *background.Loop
	lifecycle  *LifecycleManager

	reporter      Reporter
	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	tracingEnabled bool
}

// New builds the daemon. configPath enables live config reload; an
// empty path disables the watcher.
func New(cfg *config.Config, configPath string, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		log:        log.Component("daemon"),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.reporter = &logReporter{logger: d.log}

	if err := tracing.InitOpenTelemetry("kestrel-daemon"); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
		}
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}
	return d, nil
}

// initialize builds every component in dependency order.
func (d *Daemon) initialize() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.metrics = metrics.NewMetrics()

	opts := state.DefaultOptions()
	opts.MaxSnapshotAge = time.Duration(cfg.Scheduler.SnapshotMaxAgeSeconds) * time.Second
	store, err := state.NewStore(filepath.Join(cfg.DataDir, "state.json"), cfg.OwnerID, opts)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	d.store = store

	events, err := eventlog.New(filepath.Join(cfg.DataDir, "events.db"), d.logger.Component("eventlog"))
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	d.events = events

	d.accountant = budget.NewAccountant(store, events, d.metrics, d.logger.Component("budget"),
		cfg.Budget.TotalUSD, cfg.Budget.BackgroundPercent, cfg.Budget.DriftAlarmPercent)

	client, err := llm.NewClient(cfg.Providers, cfg.LLM.CircuitThreshold, store, d.accountant, events, d.metrics, d.logger.Component("llm"))
	if err != nil {
		return fmt.Errorf("failed to build provider chain: %w", err)
	}
	d.client = client

	d.registry = tools.NewRegistry()
	d.router = mailbox.NewRouter(d.handleDirectMessage, events, d.metrics, d.logger.Component("router"))

	pool, err := workerpool.New(workerpool.Config{
		MaxWorkers:     cfg.Workers.MaxWorkers,
		HardTimeout:    cfg.Workers.HardTimeout(),
		SoftTimeout:    cfg.Workers.SoftTimeout(),
		HeartbeatStale: cfg.Workers.HeartbeatStale(),
	}, store, d.metrics, d.logger.Component("workerpool"))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	d.pool = pool

	d.loop = toolloop.New(client, d.registry, d.accountant, events, d.metrics, d.logger.Component("toolloop"), toolloop.Config{
		MaxRounds:        cfg.Loop.MaxRounds,
		CheckpointRounds: cfg.Loop.CheckpointRounds,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
	})

	d.scheduler = scheduler.New(scheduler.Config{
		DedupThreshold: cfg.Scheduler.DedupThreshold,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		MaxDepth:       cfg.Scheduler.MaxDepth,
	}, store, pool, d.loop, d.router, events, d.metrics, d.logger.Component("scheduler"))

	bg, err := background.New(background.Config{
		Schedule:       cfg.Background.Schedule,
		Interval:       time.Duration(cfg.Background.IntervalSeconds) * time.Second,
		Lazy:           cfg.Background.Lazy,
		WakeupBuffer:   time.Duration(cfg.Background.WakeupBufferSeconds) * time.Second,
		MaxRounds:      cfg.Background.MaxRounds,
		ReportInterval: time.Duration(cfg.Background.ReportIntervalSeconds) * time.Second,
		FailureLimit:   cfg.Background.FailureLimit,
	}, store, d.scheduler, client, forwardReporter{d}, events, d.metrics, d.logger.Component("background"))
	if err != nil {
		return fmt.Errorf("failed to create background loop: %w", err)
	}
	d.background = bg

	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.log)
	return nil
}

// Registry exposes the tool registry so the embedding binary can
// register its tool set before Start.
func (d *Daemon) Registry() *tools.Registry {
	return d.registry
}

// Scheduler exposes task admission for the CLI and tests.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Router exposes message delivery for the owner channel boundary.
func (d *Daemon) Router() *mailbox.Router {
	return d.router
}

// SetReporter swaps the owner-report sink. Defaults to the log.
func (d *Daemon) SetReporter(r Reporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r != nil {
		d.reporter = r
	}
}

// Start brings the daemon up: PID file, dispatch loop, background
// loop, metrics endpoint, config watcher and the health monitor.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	enabled := d.config.Background.Enabled
	err := d.store.Mutate(func(s *state.Snapshot) error {
		s.BackgroundEnabled = enabled
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply background flag: %w", err)
	}

	d.scheduler.Start()
	d.background.Start()

	if d.config.Metrics.Enabled {
		d.startMetricsServer()
	}
	if d.configPath != "" {
		if err := d.watchConfig(); err != nil {
			d.log.Warn().Err(err).Msg("Config watcher unavailable, live reload disabled")
		}
	}

	d.wg.Add(1)
	go d.monitor()

	d.log.Info().
		Int("workers", d.config.Workers.MaxWorkers).
		Int("providers", len(d.config.Providers)).
		Bool("background", enabled).
		Msg("Daemon started")
	return nil
}

// Run starts the daemon and blocks until SIGINT or SIGTERM. SIGHUP
// reloads the configuration in place.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				d.log.Info().Msg("SIGHUP received, reloading configuration")
				d.reloadConfig()
				continue
			}
			d.log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			return d.Stop()
		case <-d.ctx.Done():
			return nil
		}
	}
}

// Stop shuts everything down in reverse dependency order. Running
// tasks are cancelled; queued tasks stay in the snapshot.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info().Msg("Stopping daemon")
	d.cancel()

	d.background.Stop()
	d.scheduler.Stop()
	d.pool.Close()

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	d.wg.Wait()

	if err := d.events.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close event log")
	}
	if err := d.store.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close state store")
	}
	if err := d.lifecycle.Stop(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to remove PID file")
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
	}

	d.log.Info().Msg("Daemon stopped")
	return nil
}

// handleDirectMessage consumes owner messages while no task is
// targeted: the message becomes a new task.
func (d *Daemon) handleDirectMessage(msg mailbox.Message) {
	taskID, err := d.scheduler.Schedule(msg.Content, "", scheduler.Options{})
	if err != nil {
		d.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Owner message did not become a task")
		d.report(fmt.Sprintf("Could not schedule that: %v", err))
		return
	}
	d.log.Info().Str("message_id", msg.ID).Str("task_id", taskID).Msg("Owner message scheduled as task")
}

func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	d.metricsServer = &http.Server{
		Addr:    d.config.Metrics.ListenAddr,
		Handler: mux,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.log.Info().Str("addr", d.config.Metrics.ListenAddr).Msg("Metrics endpoint listening")
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// monitor reports circuit and budget transitions to the owner. Edge
// triggered so a stuck breaker produces one notice, not a stream.
func (d *Daemon) monitor() {
	defer d.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var circuitReported, budgetReported bool
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		if open := d.client.CircuitOpen(); open && !circuitReported {
			circuitReported = true
			d.report("Provider circuit breaker is open: every provider in the chain failed repeatedly, so model calls are halted. Check provider status and credentials, then run: circuit reset")
		} else if !open {
			circuitReported = false
		}

		if err := d.accountant.CanSpend(true, false); err != nil && !budgetReported {
			budgetReported = true
			d.report(fmt.Sprintf("Paid budget exhausted (%v). Paid model calls are blocked; free local providers keep working. Raise budget.total_usd to restore paid calls.", err))
		} else if err == nil {
			budgetReported = false
		}
	}
}

func (d *Daemon) report(msg string) {
	d.mu.RLock()
	r := d.reporter
	d.mu.RUnlock()
	if r != nil {
		r.Report(msg)
	}
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return 0
	}
	return time.Since(d.startTime)
}
