package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/pkg/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the daemon's process state and a summary of its persisted
snapshot: task counts, budget spend, provider health and the background
loop's bookkeeping.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()

	pidFile := filepath.Join(cfg.DataDir, "kestrel.pid")
	pid, err := readPID(pidFile)
	if err == nil && processAlive(pid) {
		info, statErr := os.Stat(pidFile)
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if statErr == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	} else {
		fmt.Fprintln(out, "Status: stopped")
	}

	snap, err := readSnapshot(filepath.Join(cfg.DataDir, "state.json"))
	if err != nil {
		fmt.Fprintln(out, "No state snapshot found")
		return nil
	}

	counts := map[string]int{}
	for _, t := range snap.Tasks {
		counts[t.Status]++
	}
	fmt.Fprintf(out, "Tasks: %d total", len(snap.Tasks))
	for _, status := range []string{state.StatusQueued, state.StatusRunning, state.StatusCompleted, state.StatusFailed, state.StatusTimeout} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(out, ", %d %s", n, status)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Budget: %.4f of %.2f USD spent (background %.4f)\n",
		snap.Budget.SpentUSD, snap.Budget.TotalUSD, snap.Budget.BackgroundUSD)

	if snap.Circuit.Tripped {
		fmt.Fprintf(out, "Circuit breaker: OPEN (%s)\n", snap.Circuit.Reason)
	}
	fmt.Fprintf(out, "Evolution: %v, background: %v, cycles: %d\n",
		snap.EvolutionEnabled, snap.BackgroundEnabled, snap.Background.CycleCount)
	if snap.Background.NextWakeup != nil {
		fmt.Fprintf(out, "Next background wakeup: %s\n", snap.Background.NextWakeup.Local().Format(time.RFC1123))
	}

	now := time.Now()
	for name, health := range snap.Providers {
		if health.CooldownUntil != nil && health.CooldownUntil.After(now) {
			fmt.Fprintf(out, "Provider %s: cooling for %s\n", name, time.Until(*health.CooldownUntil).Round(time.Second))
		}
	}
	return nil
}

// readSnapshot reads the persisted state file directly; the daemon may
// or may not be running.
func readSnapshot(path string) (*state.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt state file: %w", err)
	}
	return &snap, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
