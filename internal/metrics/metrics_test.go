package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	// Worker metrics
	if m.SlotsBusy == nil {
		t.Error("SlotsBusy is nil")
	}
	if m.SlotAcquireWaits == nil {
		t.Error("SlotAcquireWaits is nil")
	}
	if m.WorkerTimeouts == nil {
		t.Error("WorkerTimeouts is nil")
	}

	// Task metrics
	if m.TasksTotal == nil {
		t.Error("TasksTotal is nil")
	}
	if m.TasksInFlight == nil {
		t.Error("TasksInFlight is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.RoundsPerTask == nil {
		t.Error("RoundsPerTask is nil")
	}
	if m.DedupRejected == nil {
		t.Error("DedupRejected is nil")
	}
	if m.TaskRetries == nil {
		t.Error("TaskRetries is nil")
	}

	// Provider metrics
	if m.ProviderCalls == nil {
		t.Error("ProviderCalls is nil")
	}
	if m.ProviderFailures == nil {
		t.Error("ProviderFailures is nil")
	}
	if m.ProviderCooldowns == nil {
		t.Error("ProviderCooldowns is nil")
	}
	if m.CircuitOpens == nil {
		t.Error("CircuitOpens is nil")
	}

	// Budget metrics
	if m.SpentUSD == nil {
		t.Error("SpentUSD is nil")
	}
	if m.BackgroundSpentUSD == nil {
		t.Error("BackgroundSpentUSD is nil")
	}
	if m.DriftAlarms == nil {
		t.Error("DriftAlarms is nil")
	}

	// Routing metrics
	if m.MessagesDelivered == nil {
		t.Error("MessagesDelivered is nil")
	}
	if m.MessagesDeduped == nil {
		t.Error("MessagesDeduped is nil")
	}
	if m.BackgroundCycles == nil {
		t.Error("BackgroundCycles is nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	// Record samples so labeled metrics appear in output
	m.TasksTotal.WithLabelValues("done").Inc()
	m.ProviderCalls.WithLabelValues("groq", "success").Inc()
	m.ProviderFailures.WithLabelValues("groq", "rate_limited").Inc()
	m.ProviderCooldowns.WithLabelValues("groq").Inc()
	m.MessagesDelivered.WithLabelValues("mailbox").Inc()
	m.BackgroundCycles.WithLabelValues("completed").Inc()
	m.TaskDuration.Observe(3.2)
	m.RoundsPerTask.Observe(7)

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"worker_slots_busy",
		"worker_slot_acquire_waits_total",
		"worker_timeouts_total",
		"tasks_total",
		"tasks_in_flight",
		"task_duration_seconds",
		"task_rounds",
		"tasks_dedup_rejected_total",
		"task_retries_total",
		"provider_calls_total",
		"provider_failures_total",
		"provider_cooldowns_total",
		"circuit_opens_total",
		"budget_spent_usd",
		"budget_background_spent_usd",
		"budget_drift_alarms_total",
		"messages_delivered_total",
		"messages_deduped_total",
		"background_cycles_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()

	registry := m.Registry()
	if registry == nil {
		t.Fatal("Registry returned nil")
	}

	// Labeled metrics only gather once a sample exists
	m.TasksTotal.WithLabelValues("done").Inc()
	m.ProviderCalls.WithLabelValues("groq", "success").Inc()
	m.ProviderFailures.WithLabelValues("groq", "upstream_error").Inc()
	m.ProviderCooldowns.WithLabelValues("groq").Inc()
	m.MessagesDelivered.WithLabelValues("direct").Inc()
	m.BackgroundCycles.WithLabelValues("failed").Inc()

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Error("No metrics registered")
	}

	metricNames := make(map[string]bool)
	for _, mf := range metricFamilies {
		metricNames[*mf.Name] = true
	}

	expectedCount := 19
	if len(metricNames) != expectedCount {
		t.Errorf("Expected %d metrics, got %d", expectedCount, len(metricNames))
	}
}

func TestTaskMetrics(t *testing.T) {
	m := NewMetrics()

	t.Run("count tasks by terminal status", func(t *testing.T) {
		m.TasksTotal.WithLabelValues("done").Inc()
		m.TasksTotal.WithLabelValues("done").Inc()
		m.TasksTotal.WithLabelValues("timed_out").Inc()

		metricFamilies, _ := m.registry.Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "tasks_total" {
				if len(mf.Metric) != 2 {
					t.Errorf("Expected 2 label sets, got %d", len(mf.Metric))
				}
				return
			}
		}
		t.Error("tasks_total metric not found")
	})

	t.Run("track in flight gauge", func(t *testing.T) {
		m.TasksInFlight.Set(3)

		metricFamilies, _ := m.registry.Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "tasks_in_flight" {
				if *mf.Metric[0].Gauge.Value != 3 {
					t.Errorf("Expected value 3, got %f", *mf.Metric[0].Gauge.Value)
				}
				return
			}
		}
		t.Error("tasks_in_flight metric not found")
	})

	t.Run("observe rounds per task", func(t *testing.T) {
		m.RoundsPerTask.Observe(42)

		metricFamilies, _ := m.registry.Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "task_rounds" {
				if *mf.Metric[0].Histogram.SampleCount != 1 {
					t.Errorf("Expected 1 sample, got %d", *mf.Metric[0].Histogram.SampleCount)
				}
				return
			}
		}
		t.Error("task_rounds metric not found")
	})
}

func TestProviderMetrics(t *testing.T) {
	m := NewMetrics()

	t.Run("count calls per provider and outcome", func(t *testing.T) {
		m.ProviderCalls.WithLabelValues("anthropic", "success").Inc()
		m.ProviderCalls.WithLabelValues("anthropic", "failure").Inc()

		metricFamilies, _ := m.registry.Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "provider_calls_total" {
				if len(mf.Metric) != 2 {
					t.Errorf("Expected 2 label sets, got %d", len(mf.Metric))
				}
				return
			}
		}
		t.Error("provider_calls_total metric not found")
	})

	t.Run("count failures by reason", func(t *testing.T) {
		m.ProviderFailures.WithLabelValues("groq", "rate_limited").Inc()

		metricFamilies, _ := m.registry.Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "provider_failures_total" {
				return
			}
		}
		t.Error("provider_failures_total metric not found")
	})

	t.Run("count circuit opens", func(t *testing.T) {
		m.CircuitOpens.Inc()

		metricFamilies, _ := m.registry.Gather()
		for _, mf := range metricFamilies {
			if *mf.Name == "circuit_opens_total" {
				if *mf.Metric[0].Counter.Value != 1 {
					t.Errorf("Expected value 1, got %f", *mf.Metric[0].Counter.Value)
				}
				return
			}
		}
		t.Error("circuit_opens_total metric not found")
	})
}

func TestBudgetMetrics(t *testing.T) {
	m := NewMetrics()

	m.SpentUSD.Set(1.25)
	m.BackgroundSpentUSD.Set(0.10)
	m.DriftAlarms.Inc()

	metricFamilies, _ := m.registry.Gather()
	values := make(map[string]float64)
	for _, mf := range metricFamilies {
		switch *mf.Name {
		case "budget_spent_usd":
			values[*mf.Name] = *mf.Metric[0].Gauge.Value
		case "budget_background_spent_usd":
			values[*mf.Name] = *mf.Metric[0].Gauge.Value
		case "budget_drift_alarms_total":
			values[*mf.Name] = *mf.Metric[0].Counter.Value
		}
	}

	if values["budget_spent_usd"] != 1.25 {
		t.Errorf("Expected spent 1.25, got %f", values["budget_spent_usd"])
	}
	if values["budget_background_spent_usd"] != 0.10 {
		t.Errorf("Expected background spent 0.10, got %f", values["budget_background_spent_usd"])
	}
	if values["budget_drift_alarms_total"] != 1 {
		t.Errorf("Expected 1 drift alarm, got %f", values["budget_drift_alarms_total"])
	}
}

func TestMetricsIsolation(t *testing.T) {
	// Two instances keep independent registries
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.DedupRejected.Inc()
	m1.DedupRejected.Inc()

	m2.DedupRejected.Inc()

	metricFamilies1, _ := m1.registry.Gather()
	for _, mf := range metricFamilies1 {
		if *mf.Name == "tasks_dedup_rejected_total" {
			if *mf.Metric[0].Counter.Value != 2 {
				t.Errorf("m1: Expected value 2, got %f", *mf.Metric[0].Counter.Value)
			}
		}
	}

	metricFamilies2, _ := m2.registry.Gather()
	for _, mf := range metricFamilies2 {
		if *mf.Name == "tasks_dedup_rejected_total" {
			if *mf.Metric[0].Counter.Value != 1 {
				t.Errorf("m2: Expected value 1, got %f", *mf.Metric[0].Counter.Value)
			}
		}
	}
}
