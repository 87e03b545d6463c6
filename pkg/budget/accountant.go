package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/kestrel/internal/metrics"
	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/state"
)

// ErrBudgetExceeded blocks further paid provider calls. Free and local
// paths are unaffected.
var ErrBudgetExceeded = errors.New("budget: total budget exceeded")

// UsageEvent is one LLM call's worth of spend, attributed to a task or
// to the background cap. EventID makes recording idempotent.
type UsageEvent struct {
	EventID          string  `json:"event_id"`
	TaskID           string  `json:"task_id,omitempty"`
	Background       bool    `json:"background"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Round            int     `json:"round,omitempty"`
}

// Summary is the owner-facing budget view.
type Summary struct {
	TotalUSD         float64 `json:"total_usd"`
	SpentUSD         float64 `json:"spent_usd"`
	BackgroundUSD    float64 `json:"background_usd"`
	BackgroundCapUSD float64 `json:"background_cap_usd"`
	RemainingUSD     float64 `json:"remaining_usd"`
}

// Accountant records usage events exactly once into the shared ledger
// and watches the conservation invariant: global spent must equal the
// sum of per-task spend plus background spend.
type Accountant struct {
	store   *state.Store
	events  *eventlog.Log
	metrics *metrics.Metrics
	logger  zerolog.Logger

	totalUSD          float64
	backgroundPercent float64
	driftAlarmPercent float64

	mu   sync.Mutex
	seen map[string]bool
}

// NewAccountant creates the accountant. metrics may be nil.
func NewAccountant(store *state.Store, events *eventlog.Log, m *metrics.Metrics, logger zerolog.Logger, totalUSD, backgroundPercent, driftAlarmPercent float64) *Accountant {
	return &Accountant{
		store:             store,
		events:            events,
		metrics:           m,
		logger:            logger.With().Str("component", "budget").Logger(),
		totalUSD:          totalUSD,
		backgroundPercent: backgroundPercent,
		driftAlarmPercent: driftAlarmPercent,
		seen:              make(map[string]bool),
	}
}

// SetLimits re-applies budget ceilings after a config reload. Spend
// already recorded is unaffected.
func (a *Accountant) SetLimits(totalUSD, backgroundPercent, driftAlarmPercent float64) {
	a.mu.Lock()
	a.totalUSD = totalUSD
	a.backgroundPercent = backgroundPercent
	a.driftAlarmPercent = driftAlarmPercent
	a.mu.Unlock()
}

// limits returns the current ceilings.
func (a *Accountant) limits() (totalUSD, backgroundPercent, driftAlarmPercent float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalUSD, a.backgroundPercent, a.driftAlarmPercent
}

// BackgroundCap returns the background budget ceiling in USD.
func (a *Accountant) BackgroundCap() float64 {
	total, pct, _ := a.limits()
	return total * pct / 100.0
}

// Record applies one usage event to the ledger. A repeated EventID is
// a no-op, so a round can never be billed twice. The event log append
// and the conservation check run outside the store lock.
func (a *Accountant) Record(ctx context.Context, ev UsageEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("usage event requires an event id")
	}

	a.mu.Lock()
	if a.seen[ev.EventID] {
		a.mu.Unlock()
		a.logger.Debug().Str("event_id", ev.EventID).Msg("Duplicate usage event ignored")
		return nil
	}
	a.seen[ev.EventID] = true
	a.mu.Unlock()

	total, _, _ := a.limits()
	err := a.store.Mutate(func(s *state.Snapshot) error {
		s.Budget.TotalUSD = total
		s.Budget.SpentUSD += ev.CostUSD
		if ev.Background {
			s.Budget.BackgroundUSD += ev.CostUSD
		} else if ev.TaskID != "" {
			s.Budget.PerTask[ev.TaskID] += ev.CostUSD
		}
		if ev.TaskID != "" {
			if t, ok := s.Tasks[ev.TaskID]; ok {
				t.BudgetUsed += ev.CostUSD
			}
		}
		return nil
	})
	if err != nil {
		a.mu.Lock()
		delete(a.seen, ev.EventID)
		a.mu.Unlock()
		return fmt.Errorf("failed to record usage: %w", err)
	}

	if a.events != nil {
		if _, err := a.events.Append(ctx, eventlog.KindLLMUsage, ev.TaskID, ev); err != nil {
			a.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("Failed to append usage event")
		}
	}

	a.publishGauges()
	a.checkConservation(ctx)

	a.logger.Debug().
		Str("event_id", ev.EventID).
		Str("provider", ev.Provider).
		Str("model", ev.Model).
		Float64("cost_usd", ev.CostUSD).
		Bool("background", ev.Background).
		Msg("Usage recorded")

	return nil
}

// CanSpend reports whether a paid call may proceed. Free paths always
// may. Background work is additionally held to its percentage cap.
func (a *Accountant) CanSpend(paid, background bool) error {
	if !paid {
		return nil
	}

	snap, err := a.store.Read()
	if err != nil {
		return err
	}

	total, _, _ := a.limits()
	if snap.Budget.SpentUSD >= total {
		return fmt.Errorf("%w: spent %.4f of %.2f USD", ErrBudgetExceeded, snap.Budget.SpentUSD, total)
	}

	if background && snap.Budget.BackgroundUSD >= a.BackgroundCap() {
		return fmt.Errorf("%w: background spend %.4f reached cap %.2f USD", ErrBudgetExceeded, snap.Budget.BackgroundUSD, a.BackgroundCap())
	}

	return nil
}

// Summary returns the current figures.
func (a *Accountant) Summary() (Summary, error) {
	snap, err := a.store.Read()
	if err != nil {
		return Summary{}, err
	}
	total, _, _ := a.limits()
	return Summary{
		TotalUSD:         total,
		SpentUSD:         snap.Budget.SpentUSD,
		BackgroundUSD:    snap.Budget.BackgroundUSD,
		BackgroundCapUSD: a.BackgroundCap(),
		RemainingUSD:     math.Max(0, total-snap.Budget.SpentUSD),
	}, nil
}

// Drift returns the absolute difference between global spent and the
// sum of attributed spend.
func (a *Accountant) Drift() (float64, error) {
	snap, err := a.store.Read()
	if err != nil {
		return 0, err
	}
	return driftOf(&snap.Budget), nil
}

func driftOf(l *state.Ledger) float64 {
	attributed := l.BackgroundUSD
	for _, v := range l.PerTask {
		attributed += v
	}
	return math.Abs(l.SpentUSD - attributed)
}

// checkConservation reports drift above the alarm threshold. It never
// auto-corrects; a correction could mask a real double-count bug.
func (a *Accountant) checkConservation(ctx context.Context) {
	snap, err := a.store.Read()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Conservation check skipped")
		return
	}

	drift := driftOf(&snap.Budget)
	total, _, alarmPct := a.limits()
	if total <= 0 {
		return
	}
	pct := drift / total * 100.0
	if pct <= alarmPct {
		return
	}

	a.logger.Error().
		Float64("drift_usd", drift).
		Float64("drift_percent", pct).
		Msg("Budget drift alarm: global spend does not match attributed spend")

	if a.metrics != nil {
		a.metrics.DriftAlarms.Inc()
	}
	if a.events != nil {
		payload := map[string]float64{
			"drift_usd":     drift,
			"drift_percent": pct,
			"spent_usd":     snap.Budget.SpentUSD,
		}
		if _, err := a.events.Append(ctx, eventlog.KindDriftAlarm, "", payload); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to append drift alarm")
		}
	}
}

func (a *Accountant) publishGauges() {
	if a.metrics == nil {
		return
	}
	snap, err := a.store.Read()
	if err != nil {
		return
	}
	a.metrics.SpentUSD.Set(snap.Budget.SpentUSD)
	a.metrics.BackgroundSpentUSD.Set(snap.Budget.BackgroundUSD)
}
