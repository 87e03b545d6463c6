package budget

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/pkg/eventlog"
	"github.com/kestrelhq/kestrel/pkg/state"
)

func testAccountant(t *testing.T, totalUSD float64) (*Accountant, *state.Store, *eventlog.Log) {
	t.Helper()
	dir := t.TempDir()

	store, err := state.NewStore(filepath.Join(dir, "state.json"), "owner-1", state.DefaultOptions())
	require.NoError(t, err)

	events, err := eventlog.New(filepath.Join(dir, "events.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	a := NewAccountant(store, events, nil, zerolog.Nop(), totalUSD, 20.0, 1.0)
	return a, store, events
}

func TestRecordAttributesSpend(t *testing.T) {
	a, store, _ := testAccountant(t, 25.0)
	ctx := context.Background()

	require.NoError(t, store.Mutate(func(s *state.Snapshot) error {
		s.Tasks["t1"] = &state.Task{ID: "t1", Status: state.StatusRunning}
		return nil
	}))

	err := a.Record(ctx, UsageEvent{
		EventID:          "ev-1",
		TaskID:           "t1",
		Provider:         "groq",
		Model:            "llama-3.3-70b",
		PromptTokens:     1000,
		CompletionTokens: 500,
		CostUSD:          0.02,
		Round:            1,
	})
	require.NoError(t, err)

	snap, err := store.Read()
	require.NoError(t, err)
	assert.InDelta(t, 0.02, snap.Budget.SpentUSD, 1e-9)
	assert.InDelta(t, 0.02, snap.Budget.PerTask["t1"], 1e-9)
	assert.InDelta(t, 0.02, snap.Tasks["t1"].BudgetUsed, 1e-9)
	assert.Equal(t, 0.0, snap.Budget.BackgroundUSD)
}

func TestRecordExactlyOnce(t *testing.T) {
	a, store, _ := testAccountant(t, 25.0)
	ctx := context.Background()

	ev := UsageEvent{EventID: "ev-dup", TaskID: "t1", CostUSD: 0.10}
	require.NoError(t, a.Record(ctx, ev))
	require.NoError(t, a.Record(ctx, ev))
	require.NoError(t, a.Record(ctx, ev))

	snap, err := store.Read()
	require.NoError(t, err)
	assert.InDelta(t, 0.10, snap.Budget.SpentUSD, 1e-9)
}

func TestRecordBackgroundSpend(t *testing.T) {
	a, store, _ := testAccountant(t, 25.0)

	require.NoError(t, a.Record(context.Background(), UsageEvent{
		EventID:    "ev-bg",
		Background: true,
		CostUSD:    0.05,
	}))

	snap, err := store.Read()
	require.NoError(t, err)
	assert.InDelta(t, 0.05, snap.Budget.SpentUSD, 1e-9)
	assert.InDelta(t, 0.05, snap.Budget.BackgroundUSD, 1e-9)
	assert.Empty(t, snap.Budget.PerTask)
}

func TestConservationHolds(t *testing.T) {
	a, _, events := testAccountant(t, 25.0)
	ctx := context.Background()

	require.NoError(t, a.Record(ctx, UsageEvent{EventID: "e1", TaskID: "t1", CostUSD: 0.30}))
	require.NoError(t, a.Record(ctx, UsageEvent{EventID: "e2", TaskID: "t2", CostUSD: 0.25}))
	require.NoError(t, a.Record(ctx, UsageEvent{EventID: "e3", Background: true, CostUSD: 0.15}))

	drift, err := a.Drift()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, drift, 1e-9)

	alarms, err := events.CountByKind(ctx, eventlog.KindDriftAlarm)
	require.NoError(t, err)
	assert.Equal(t, 0, alarms)
}

func TestDriftAlarmReportedNotCorrected(t *testing.T) {
	a, store, events := testAccountant(t, 10.0)
	ctx := context.Background()

	// Skew the ledger the way a double-count bug would
	require.NoError(t, store.Mutate(func(s *state.Snapshot) error {
		s.Budget.SpentUSD = 1.0
		return nil
	}))

	require.NoError(t, a.Record(ctx, UsageEvent{EventID: "e1", TaskID: "t1", CostUSD: 0.01}))

	alarms, err := events.CountByKind(ctx, eventlog.KindDriftAlarm)
	require.NoError(t, err)
	assert.Equal(t, 1, alarms)

	// The skew is still there: reported, never auto-corrected
	drift, err := a.Drift()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, drift, 1e-9)
}

func TestCanSpend(t *testing.T) {
	a, store, _ := testAccountant(t, 10.0)

	t.Run("paid allowed under budget", func(t *testing.T) {
		assert.NoError(t, a.CanSpend(true, false))
	})

	t.Run("background capped separately", func(t *testing.T) {
		// Cap is 20% of 10 = 2.00
		require.NoError(t, store.Mutate(func(s *state.Snapshot) error {
			s.Budget.SpentUSD = 2.5
			s.Budget.BackgroundUSD = 2.0
			return nil
		}))

		assert.NoError(t, a.CanSpend(true, false))
		assert.ErrorIs(t, a.CanSpend(true, true), ErrBudgetExceeded)
	})

	t.Run("paid blocked at total", func(t *testing.T) {
		require.NoError(t, store.Mutate(func(s *state.Snapshot) error {
			s.Budget.SpentUSD = 10.0
			return nil
		}))

		assert.ErrorIs(t, a.CanSpend(true, false), ErrBudgetExceeded)
	})

	t.Run("free path unaffected", func(t *testing.T) {
		assert.NoError(t, a.CanSpend(false, false))
		assert.NoError(t, a.CanSpend(false, true))
	})
}

func TestSummary(t *testing.T) {
	a, _, _ := testAccountant(t, 20.0)
	ctx := context.Background()

	require.NoError(t, a.Record(ctx, UsageEvent{EventID: "e1", TaskID: "t1", CostUSD: 4.0}))
	require.NoError(t, a.Record(ctx, UsageEvent{EventID: "e2", Background: true, CostUSD: 1.0}))

	sum, err := a.Summary()
	require.NoError(t, err)
	assert.Equal(t, 20.0, sum.TotalUSD)
	assert.InDelta(t, 5.0, sum.SpentUSD, 1e-9)
	assert.InDelta(t, 1.0, sum.BackgroundUSD, 1e-9)
	assert.InDelta(t, 4.0, sum.BackgroundCapUSD, 1e-9)
	assert.InDelta(t, 15.0, sum.RemainingUSD, 1e-9)
}
