package daemon

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/pkg/background"
	"github.com/kestrelhq/kestrel/pkg/scheduler"
	"github.com/kestrelhq/kestrel/pkg/toolloop"
)

// watchConfig reloads the configuration whenever the file changes.
// Editors replace files rather than writing in place, so the watch is
// on the directory and filtered by name.
func (d *Daemon) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
		watcher.Close()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-d.ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(d.configPath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Editors fire several events per save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, d.reloadConfig)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()

	d.log.Info().Str("path", d.configPath).Msg("Watching configuration for changes")
	return nil
}

// reloadConfig re-reads the file and applies what can change at
// runtime. Static fields are compared and logged, never applied.
func (d *Daemon) reloadConfig() {
	fresh, err := config.Load(d.configPath)
	if err != nil {
		d.log.Error().Err(err).Msg("Config reload failed, keeping current configuration")
		return
	}
	if err := fresh.Validate(); err != nil {
		d.log.Error().Err(err).Msg("Reloaded config is invalid, keeping current configuration")
		return
	}

	d.applyDynamic(fresh)
}

// applyDynamic pushes reloadable settings into live components.
func (d *Daemon) applyDynamic(fresh *config.Config) {
	current := d.config

	if fresh.Workers.MaxWorkers != current.Workers.MaxWorkers {
		d.log.Warn().
			Int("current", current.Workers.MaxWorkers).
			Int("new", fresh.Workers.MaxWorkers).
			Msg("workers.max_workers changed; a restart is required to apply it")
		fresh.Workers.MaxWorkers = current.Workers.MaxWorkers
	}

	d.accountant.SetLimits(fresh.Budget.TotalUSD, fresh.Budget.BackgroundPercent, fresh.Budget.DriftAlarmPercent)
	d.scheduler.SetDedupThreshold(fresh.Scheduler.DedupThreshold)
	d.client.Reload(fresh.Providers)

	d.mu.Lock()
	d.config = fresh
	d.mu.Unlock()

	d.log.Info().Msg("Configuration reloaded")
}

// rebuildLoops recreates the tool loop, scheduler and background loop
// over the existing store, pool, router and provider chain. Used by
// soft restart after the old loops have drained.
func (d *Daemon) rebuildLoops() error {
	cfg := d.config

	d.loop = toolloop.New(d.client, d.registry, d.accountant, d.events, d.metrics, d.logger.Component("toolloop"), toolloop.Config{
		MaxRounds:        cfg.Loop.MaxRounds,
		CheckpointRounds: cfg.Loop.CheckpointRounds,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
	})

	d.scheduler = scheduler.New(scheduler.Config{
		DedupThreshold: cfg.Scheduler.DedupThreshold,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		MaxDepth:       cfg.Scheduler.MaxDepth,
	}, d.store, d.pool, d.loop, d.router, d.events, d.metrics, d.logger.Component("scheduler"))

	bg, err := background.New(background.Config{
		Schedule:       cfg.Background.Schedule,
		Interval:       time.Duration(cfg.Background.IntervalSeconds) * time.Second,
		Lazy:           cfg.Background.Lazy,
		WakeupBuffer:   time.Duration(cfg.Background.WakeupBufferSeconds) * time.Second,
		MaxRounds:      cfg.Background.MaxRounds,
		ReportInterval: time.Duration(cfg.Background.ReportIntervalSeconds) * time.Second,
		FailureLimit:   cfg.Background.FailureLimit,
	}, d.store, d.scheduler, d.client, forwardReporter{d}, d.events, d.metrics, d.logger.Component("background"))
	if err != nil {
		return fmt.Errorf("failed to rebuild background loop: %w", err)
	}
	d.background = bg
	return nil
}
