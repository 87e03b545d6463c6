package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the root configuration for the kestrel daemon
type Config struct {
	OwnerID    string           `json:"owner_id" mapstructure:"owner_id"`
	DataDir    string           `json:"data_dir" mapstructure:"data_dir"`
	Workers    WorkersConfig    `json:"workers" mapstructure:"workers"`
	Loop       LoopConfig       `json:"loop" mapstructure:"loop"`
	Budget     BudgetConfig     `json:"budget" mapstructure:"budget"`
	Providers  []ProviderConfig `json:"providers" mapstructure:"providers"`
	LLM        LLMConfig        `json:"llm" mapstructure:"llm"`
	Scheduler  SchedulerConfig  `json:"scheduler" mapstructure:"scheduler"`
	Background BackgroundConfig `json:"background" mapstructure:"background"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
}

// WorkersConfig bounds the worker pool
type WorkersConfig struct {
	MaxWorkers            int `json:"max_workers" mapstructure:"max_workers"`
	SoftTimeoutSeconds    int `json:"soft_timeout_seconds" mapstructure:"soft_timeout_seconds"`
	HardTimeoutSeconds    int `json:"hard_timeout_seconds" mapstructure:"hard_timeout_seconds"`
	HeartbeatStaleSeconds int `json:"heartbeat_stale_seconds" mapstructure:"heartbeat_stale_seconds"`
}

// LoopConfig bounds a single task's tool loop
type LoopConfig struct {
	MaxRounds        int   `json:"max_rounds" mapstructure:"max_rounds"`
	CheckpointRounds []int `json:"checkpoint_rounds" mapstructure:"checkpoint_rounds"`
}

// BudgetConfig holds the cost ceiling and accounting thresholds
type BudgetConfig struct {
	TotalUSD          float64 `json:"total_usd" mapstructure:"total_usd"`
	BackgroundPercent float64 `json:"background_percent" mapstructure:"background_percent"`
	DriftAlarmPercent float64 `json:"drift_alarm_percent" mapstructure:"drift_alarm_percent"`
}

// ProviderConfig describes one candidate in the LLM fallback chain
type ProviderConfig struct {
	Name            string `json:"name" mapstructure:"name"`
	Kind            string `json:"kind" mapstructure:"kind"` // anthropic, openai_compat, ollama
	Model           string `json:"model" mapstructure:"model"`
	APIKey          string `json:"api_key" mapstructure:"api_key"`
	BaseURL         string `json:"base_url" mapstructure:"base_url"`
	Priority        int    `json:"priority" mapstructure:"priority"`
	CooldownSeconds int    `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

// LLMConfig holds chain-wide client settings
type LLMConfig struct {
	CircuitThreshold int     `json:"circuit_threshold" mapstructure:"circuit_threshold"`
	Temperature      float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens        int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// SchedulerConfig holds admission and retry settings
type SchedulerConfig struct {
	DedupThreshold        float64 `json:"dedup_threshold" mapstructure:"dedup_threshold"`
	MaxRetries            int     `json:"max_retries" mapstructure:"max_retries"`
	MaxDepth              int     `json:"max_depth" mapstructure:"max_depth"`
	SnapshotMaxAgeSeconds int     `json:"snapshot_max_age_seconds" mapstructure:"snapshot_max_age_seconds"`
}

// BackgroundConfig drives the self-scheduling background loop
type BackgroundConfig struct {
	Enabled               bool   `json:"enabled" mapstructure:"enabled"`
	Schedule              string `json:"schedule" mapstructure:"schedule"` // cron expression, or empty for interval mode
	IntervalSeconds       int    `json:"interval_seconds" mapstructure:"interval_seconds"`
	Lazy                  bool   `json:"lazy" mapstructure:"lazy"`
	WakeupBufferSeconds   int    `json:"wakeup_buffer_seconds" mapstructure:"wakeup_buffer_seconds"`
	MaxRounds             int    `json:"max_rounds" mapstructure:"max_rounds"`
	ReportIntervalSeconds int    `json:"report_interval_seconds" mapstructure:"report_interval_seconds"`
	FailureLimit          int    `json:"failure_limit" mapstructure:"failure_limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Workers: WorkersConfig{
			MaxWorkers:            3,
			SoftTimeoutSeconds:    600,
			HardTimeoutSeconds:    1800,
			HeartbeatStaleSeconds: 120,
		},
		Loop: LoopConfig{
			MaxRounds:        200,
			CheckpointRounds: []int{50, 100, 150},
		},
		Budget: BudgetConfig{
			TotalUSD:          25.0,
			BackgroundPercent: 20.0,
			DriftAlarmPercent: 1.0,
		},
		Providers: []ProviderConfig{},
		LLM: LLMConfig{
			CircuitThreshold: 5,
			Temperature:      0.7,
			MaxTokens:        4096,
		},
		Scheduler: SchedulerConfig{
			DedupThreshold:        0.55,
			MaxRetries:            1,
			MaxDepth:              3,
			SnapshotMaxAgeSeconds: 900,
		},
		Background: BackgroundConfig{
			Enabled:               false,
			IntervalSeconds:       3600,
			Lazy:                  true,
			WakeupBufferSeconds:   30,
			MaxRounds:             8,
			ReportIntervalSeconds: 900,
			FailureLimit:          1,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    false,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9091",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// SoftTimeout returns the soft per-task timeout as a duration.
func (c *WorkersConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutSeconds) * time.Second
}

// HardTimeout returns the hard per-task timeout as a duration.
func (c *WorkersConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutSeconds) * time.Second
}

// HeartbeatStale returns the heartbeat staleness window as a duration.
func (c *WorkersConfig) HeartbeatStale() time.Duration {
	return time.Duration(c.HeartbeatStaleSeconds) * time.Second
}

// Cooldown returns the provider cooldown as a duration.
func (p *ProviderConfig) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// Paid reports whether calls to this provider cost money.
func (p *ProviderConfig) Paid() bool {
	return p.Kind != "ollama"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Workers.MaxWorkers <= 0 {
		return fmt.Errorf("workers.max_workers must be positive, got %d", c.Workers.MaxWorkers)
	}
	if c.Workers.HardTimeoutSeconds <= c.Workers.SoftTimeoutSeconds {
		return fmt.Errorf("workers.hard_timeout_seconds (%d) must exceed soft_timeout_seconds (%d)",
			c.Workers.HardTimeoutSeconds, c.Workers.SoftTimeoutSeconds)
	}
	if c.Loop.MaxRounds <= 0 {
		return fmt.Errorf("loop.max_rounds must be positive, got %d", c.Loop.MaxRounds)
	}
	for _, cp := range c.Loop.CheckpointRounds {
		if cp <= 0 || cp >= c.Loop.MaxRounds {
			return fmt.Errorf("loop.checkpoint_rounds entry %d out of range (0, %d)", cp, c.Loop.MaxRounds)
		}
	}
	if c.Budget.TotalUSD < 0 {
		return fmt.Errorf("budget.total_usd must not be negative")
	}
	if c.Budget.BackgroundPercent < 0 || c.Budget.BackgroundPercent > 100 {
		return fmt.Errorf("budget.background_percent must be within [0, 100], got %v", c.Budget.BackgroundPercent)
	}
	if c.Scheduler.DedupThreshold < 0 || c.Scheduler.DedupThreshold > 1 {
		return fmt.Errorf("scheduler.dedup_threshold must be within [0, 1], got %v", c.Scheduler.DedupThreshold)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured: at least one provider is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", p.Name)
		}
		switch p.Kind {
		case "anthropic", "openai_compat":
			if p.APIKey == "" {
				return fmt.Errorf("provider %s: api_key is required for kind %s", p.Name, p.Kind)
			}
		case "ollama":
			// Local runtime, no key.
		default:
			return fmt.Errorf("provider %s: invalid kind %s (must be: anthropic, openai_compat, ollama)", p.Name, p.Kind)
		}
	}
	return nil
}
