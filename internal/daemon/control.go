package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/state"
)

// Reporter delivers owner-facing notices. The daemon formats the
// text; transports live outside this module.
type Reporter interface {
	Report(msg string)
}

// logReporter is the default sink when no transport is attached.
type logReporter struct {
	logger zerolog.Logger
}

func (r *logReporter) Report(msg string) {
	r.logger.Info().Str("report", msg).Msg("Owner report")
}

// forwardReporter lets components built before SetReporter still reach
// the current sink.
type forwardReporter struct {
	d *Daemon
}

func (f forwardReporter) Report(msg string) {
	f.d.report(msg)
}

// Status is the daemon's owner-visible state.
type Status struct {
	Running    bool                 `json:"running"`
	Uptime     time.Duration        `json:"uptime"`
	Queued     int                  `json:"queued"`
	Tasks      map[string]int       `json:"tasks"`
	BusySlots  int                  `json:"busy_slots"`
	MaxWorkers int                  `json:"max_workers"`
	SpentUSD   float64              `json:"spent_usd"`
	TotalUSD   float64              `json:"total_usd"`
	BgSpentUSD float64              `json:"background_spent_usd"`
	BgCapUSD   float64              `json:"background_cap_usd"`
	Circuit    bool                 `json:"circuit_open"`
	Evolution  bool                 `json:"evolution_enabled"`
	Background bool                 `json:"background_enabled"`
	NextWakeup *time.Time           `json:"next_wakeup,omitempty"`
	Cycles     int                  `json:"background_cycles"`
	Providers  map[string]string    `json:"providers"`
}

// GetStatus assembles the live status.
func (d *Daemon) GetStatus() (Status, error) {
	snap, err := d.store.Read()
	if err != nil {
		return Status{}, err
	}
	summary, err := d.accountant.Summary()
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Running:    true,
		Uptime:     d.Uptime(),
		Tasks:      map[string]int{},
		BusySlots:  d.pool.Busy(),
		MaxWorkers: d.config.Workers.MaxWorkers,
		SpentUSD:   summary.SpentUSD,
		TotalUSD:   summary.TotalUSD,
		BgSpentUSD: summary.BackgroundUSD,
		BgCapUSD:   summary.BackgroundCapUSD,
		Circuit:    d.client.CircuitOpen(),
		Evolution:  snap.EvolutionEnabled,
		Background: snap.BackgroundEnabled,
		NextWakeup: snap.Background.NextWakeup,
		Cycles:     snap.Background.CycleCount,
		Providers:  map[string]string{},
	}
	for _, t := range snap.Tasks {
		st.Tasks[t.Status]++
	}
	st.Queued = len(snap.QueuedTasks())

	now := time.Now()
	for _, pc := range d.config.Providers {
		health := snap.Providers[pc.Name]
		switch {
		case health != nil && health.CooldownUntil != nil && health.CooldownUntil.After(now):
			st.Providers[pc.Name] = fmt.Sprintf("cooling until %s", health.CooldownUntil.Format(time.RFC3339))
		case health != nil && health.ConsecutiveFailures > 0:
			st.Providers[pc.Name] = fmt.Sprintf("degraded (%d consecutive failures)", health.ConsecutiveFailures)
		default:
			st.Providers[pc.Name] = "healthy"
		}
	}
	return st, nil
}

// Control executes one owner verb and returns a human-readable
// answer. Every verb is mirrored to the event log.
func (d *Daemon) Control(cmd string) (string, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(cmd)))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty control command")
	}

	verb := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var (
		answer string
		err    error
	)
	switch {
	case verb == "status":
		answer, err = d.statusText()
	case verb == "evolution" && (arg == "on" || arg == "off"):
		answer, err = d.setEvolution(arg == "on")
	case verb == "background" && (arg == "on" || arg == "off"):
		answer, err = d.setBackground(arg == "on")
	case verb == "circuit" && arg == "reset":
		err = d.client.ResetCircuit()
		answer = "Circuit breaker reset; provider chain is back in rotation."
	case verb == "restart":
		answer, err = d.softRestart()
	case verb == "stop":
		go func() {
			if stopErr := d.Stop(); stopErr != nil {
				d.log.Error().Err(stopErr).Msg("Emergency stop failed")
			}
		}()
		answer = "Stopping: no new tasks will start and running workers are being cancelled."
	default:
		return "", fmt.Errorf("unknown control command %q", cmd)
	}

	if err != nil {
		return "", err
	}

	if _, appendErr := d.events.Append(context.Background(), eventlog.KindControl, "", map[string]string{"command": cmd}); appendErr != nil {
		d.log.Warn().Err(appendErr).Str("command", cmd).Msg("Failed to record control command")
	}
	return answer, nil
}

func (d *Daemon) statusText() (string, error) {
	st, err := d.GetStatus()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", st.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Workers: %d/%d busy, %d queued\n", st.BusySlots, st.MaxWorkers, st.Queued)
	fmt.Fprintf(&b, "Tasks:")
	if len(st.Tasks) == 0 {
		fmt.Fprintf(&b, " none")
	}
	for status, n := range st.Tasks {
		fmt.Fprintf(&b, " %s=%d", status, n)
	}
	fmt.Fprintf(&b, "\nBudget: %.4f of %.2f USD spent (background %.4f of %.2f)\n",
		st.SpentUSD, st.TotalUSD, st.BgSpentUSD, st.BgCapUSD)
	fmt.Fprintf(&b, "Circuit open: %v, evolution: %v, background: %v (%d cycles)\n",
		st.Circuit, st.Evolution, st.Background, st.Cycles)
	if st.NextWakeup != nil {
		fmt.Fprintf(&b, "Next background wakeup: %s\n", st.NextWakeup.Format(time.RFC3339))
	}
	for name, health := range st.Providers {
		fmt.Fprintf(&b, "Provider %s: %s\n", name, health)
	}
	return b.String(), nil
}

func (d *Daemon) setEvolution(on bool) (string, error) {
	err := d.store.Mutate(func(s *state.Snapshot) error {
		s.EvolutionEnabled = on
		if on {
			s.Background.ConsecutiveFailures = 0
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if on {
		d.background.Kick()
		return "Evolution enabled; failure counter cleared.", nil
	}
	return "Evolution disabled; background cycles will be skipped.", nil
}

func (d *Daemon) setBackground(on bool) (string, error) {
	err := d.store.Mutate(func(s *state.Snapshot) error {
		s.BackgroundEnabled = on
		return nil
	})
	if err != nil {
		return "", err
	}

	if on {
		d.background.Kick()
		return "Background loop enabled.", nil
	}
	return "Background loop disabled.", nil
}

// softRestart drains the dispatch and background loops, reloads the
// configuration from disk and brings fresh loops up over the same
// store, pool and provider chain.
func (d *Daemon) softRestart() (string, error) {
	d.log.Info().Msg("Soft restart: draining loops")

	d.background.Stop()
	d.scheduler.Stop()

	d.reloadConfig()
	if err := d.rebuildLoops(); err != nil {
		return "", fmt.Errorf("restart failed: %w", err)
	}

	d.scheduler.Start()
	d.background.Start()
	return "Restarted: configuration reloaded, loops running.", nil
}
