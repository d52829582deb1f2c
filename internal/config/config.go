package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main keel configuration. Every limit that changes
// runtime behavior is an explicit, recognized option; defaults live in
// DefaultConfig so the same file means the same thing in every environment.
type Config struct {
	// Queue holds admission and worker pool settings
	Queue QueueConfig `json:"queue"`

	// RateLimit holds token bucket settings
	RateLimit RateLimitConfig `json:"rate_limit"`

	// Loop holds per-task execution budgets
	Loop LoopConfig `json:"loop"`

	// Supervisor holds checkpoint policy settings
	Supervisor SupervisorConfig `json:"supervisor"`

	// Subagent holds delegated sub-task budgets
	Subagent SubagentConfig `json:"subagent"`

	// Tiers maps tier names to their default backend/model route
	Tiers map[string]TierRoute `json:"tiers"`

	// Backends holds provider credentials
	Backends []BackendConfig `json:"backends"`

	// Trace holds span recorder settings
	Trace TraceConfig `json:"trace"`

	// Logging
	Logging LoggingConfig `json:"logging"`

	// MetricsAddr is the listen address for the Prometheus endpoint ("" disables it)
	MetricsAddr string `json:"metrics_addr"`
}

// QueueConfig holds admission and worker pool settings
type QueueConfig struct {
	WorkerPoolSize         int `json:"worker_pool_size"`
	MaxQueueDepthPerTenant int `json:"max_queue_depth_per_tenant"`
	TenantConcurrencyCap   int `json:"tenant_concurrency_cap"`
}

// RateLimitConfig holds token bucket settings. Buckets are keyed per
// (tier, backend); PerTier entries override the defaults for one tier.
type RateLimitConfig struct {
	Capacity        float64                   `json:"capacity"`
	RefillPerSecond float64                   `json:"refill_per_second"`
	MaxWaitSec      int                       `json:"max_wait_sec"`
	PerTier         map[string]BucketOverride `json:"per_tier,omitempty"`
}

// BucketOverride overrides bucket parameters for one tier
type BucketOverride struct {
	Capacity        float64 `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

// MaxWait returns the acquire wait ceiling as a duration
func (r RateLimitConfig) MaxWait() time.Duration {
	return time.Duration(r.MaxWaitSec) * time.Second
}

// LoopConfig holds per-task execution budgets
type LoopConfig struct {
	MaxTurns             int `json:"max_turns"`
	AbsoluteTimeoutSec   int `json:"absolute_timeout_sec"`
	MaxMessages          int `json:"max_messages"`
	MaxPayloadBytes      int `json:"max_payload_bytes"`
	ToolTimeoutSec       int `json:"tool_timeout_sec"`
	ToolResultLimitBytes int `json:"tool_result_limit_bytes"`
	CumulativeToolBytes  int `json:"cumulative_tool_bytes"`
	CheckpointEveryTurns int `json:"checkpoint_every_turns"`
	CheckpointEverySec   int `json:"checkpoint_every_sec"`
	BackendRetries       int `json:"backend_retries"`
	MaxTokens            int `json:"max_tokens"`
	// Temperature is passed through to the backends unchanged.
	Temperature float64 `json:"temperature"`
}

// AbsoluteTimeout returns the hard wall-clock ceiling as a duration
func (l LoopConfig) AbsoluteTimeout() time.Duration {
	return time.Duration(l.AbsoluteTimeoutSec) * time.Second
}

// ToolTimeout returns the per-tool-call timeout as a duration
func (l LoopConfig) ToolTimeout() time.Duration {
	return time.Duration(l.ToolTimeoutSec) * time.Second
}

// CheckpointEvery returns the checkpoint time interval as a duration
func (l LoopConfig) CheckpointEvery() time.Duration {
	return time.Duration(l.CheckpointEverySec) * time.Second
}

// SupervisorConfig holds checkpoint policy settings. RulePrecedence lists
// rule names in evaluation order; the ordering is a product decision, so it
// is configuration rather than code.
type SupervisorConfig struct {
	SoftCeilingSec int      `json:"soft_ceiling_sec"`
	RulePrecedence []string `json:"rule_precedence"`
}

// SoftCeiling returns the supervisory abort threshold as a duration
func (s SupervisorConfig) SoftCeiling() time.Duration {
	return time.Duration(s.SoftCeilingSec) * time.Second
}

// SubagentConfig holds delegated sub-task budgets; both must be strictly
// smaller than the parent loop's budgets.
type SubagentConfig struct {
	MaxTurns   int `json:"max_turns"`
	TimeoutSec int `json:"timeout_sec"`
}

// Timeout returns the sub-task timeout as a duration
func (s SubagentConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// TierRoute maps a tier to its default backend and model
type TierRoute struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
}

// BackendConfig holds credentials for one inference backend
type BackendConfig struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // anthropic, openai
	APIKey   string `json:"api_key"`
}

// TraceConfig holds span recorder settings
type TraceConfig struct {
	SQLitePath      string `json:"sqlite_path"`
	FlushThreshold  int    `json:"flush_threshold"`
	FlushIntervalMs int    `json:"flush_interval_ms"`
	// SampleRatio is the OpenTelemetry head-sampling fraction for root
	// spans, in (0, 1].
	SampleRatio float64 `json:"sample_ratio"`
}

// FlushInterval returns the recorder flush interval as a duration
func (t TraceConfig) FlushInterval() time.Duration {
	return time.Duration(t.FlushIntervalMs) * time.Millisecond
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level"`
	File      string `json:"file"`
	Console   bool   `json:"console"`
	Pretty    bool   `json:"pretty"`
	Redaction bool   `json:"redaction"`
}

// DefaultRulePrecedence is the default checkpoint rule ordering.
var DefaultRulePrecedence = []string{
	"consecutive_errors",
	"plan_satisfied",
	"stagnation",
	"blocking_ambiguity",
	"soft_ceiling",
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			WorkerPoolSize:         4,
			MaxQueueDepthPerTenant: 8,
			TenantConcurrencyCap:   2,
		},
		RateLimit: RateLimitConfig{
			Capacity:        10,
			RefillPerSecond: 1,
			MaxWaitSec:      30,
		},
		Loop: LoopConfig{
			MaxTurns:             40,
			AbsoluteTimeoutSec:   600,
			MaxMessages:          80,
			MaxPayloadBytes:      256 * 1024,
			ToolTimeoutSec:       60,
			ToolResultLimitBytes: 16 * 1024,
			CumulativeToolBytes:  512 * 1024,
			CheckpointEveryTurns: 3,
			CheckpointEverySec:   60,
			BackendRetries:       3,
			MaxTokens:            4096,
			Temperature:          0.7,
		},
		Supervisor: SupervisorConfig{
			SoftCeilingSec: 420,
			RulePrecedence: DefaultRulePrecedence,
		},
		Subagent: SubagentConfig{
			MaxTurns:   10,
			TimeoutSec: 120,
		},
		Tiers: map[string]TierRoute{
			"fast":     {Backend: "anthropic", Model: "claude-haiku-4"},
			"default":  {Backend: "anthropic", Model: "claude-sonnet-4"},
			"code":     {Backend: "anthropic", Model: "claude-sonnet-4"},
			"research": {Backend: "openai", Model: "gpt-4-turbo"},
			"frontier": {Backend: "anthropic", Model: "claude-opus-4"},
		},
		Backends: []BackendConfig{},
		Trace: TraceConfig{
			SQLitePath:      "",
			FlushThreshold:  64,
			FlushIntervalMs: 2000,
			SampleRatio:     1.0,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		MetricsAddr: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Queue.WorkerPoolSize <= 0 {
		return fmt.Errorf("queue: worker_pool_size must be positive")
	}
	if c.Queue.MaxQueueDepthPerTenant <= 0 {
		return fmt.Errorf("queue: max_queue_depth_per_tenant must be positive")
	}
	if c.Queue.TenantConcurrencyCap <= 0 {
		return fmt.Errorf("queue: tenant_concurrency_cap must be positive")
	}

	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit: capacity must be positive")
	}
	if c.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("rate_limit: refill_per_second must be positive")
	}
	if c.RateLimit.MaxWaitSec <= 0 {
		return fmt.Errorf("rate_limit: max_wait_sec must be positive")
	}

	if c.Loop.MaxTurns <= 0 {
		return fmt.Errorf("loop: max_turns must be positive")
	}
	if c.Loop.AbsoluteTimeoutSec <= 0 {
		return fmt.Errorf("loop: absolute_timeout_sec must be positive")
	}
	if c.Loop.MaxMessages <= 0 {
		return fmt.Errorf("loop: max_messages must be positive")
	}
	if c.Loop.MaxPayloadBytes <= 0 {
		return fmt.Errorf("loop: max_payload_bytes must be positive")
	}
	if c.Loop.CheckpointEveryTurns <= 0 {
		return fmt.Errorf("loop: checkpoint_every_turns must be positive")
	}
	if c.Loop.MaxTokens <= 0 {
		return fmt.Errorf("loop: max_tokens must be positive")
	}

	if c.Supervisor.SoftCeilingSec >= c.Loop.AbsoluteTimeoutSec {
		return fmt.Errorf("supervisor: soft_ceiling_sec must be below loop absolute_timeout_sec")
	}
	for _, rule := range c.Supervisor.RulePrecedence {
		if !knownRule(rule) {
			return fmt.Errorf("supervisor: unknown rule %q in rule_precedence", rule)
		}
	}

	if c.Subagent.MaxTurns >= c.Loop.MaxTurns {
		return fmt.Errorf("subagent: max_turns must be strictly below loop max_turns")
	}
	if c.Subagent.TimeoutSec >= c.Loop.AbsoluteTimeoutSec {
		return fmt.Errorf("subagent: timeout_sec must be strictly below loop absolute_timeout_sec")
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("tiers: at least one tier route is required")
	}
	for name, route := range c.Tiers {
		if route.Backend == "" {
			return fmt.Errorf("tiers: %s: backend is required", name)
		}
		if route.Model == "" {
			return fmt.Errorf("tiers: %s: model is required", name)
		}
	}

	if c.Trace.SampleRatio <= 0 || c.Trace.SampleRatio > 1 {
		return fmt.Errorf("trace: sample_ratio must be in (0, 1]")
	}

	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends: entry %d: name is required", i)
		}
		if b.Provider != "anthropic" && b.Provider != "openai" {
			return fmt.Errorf("backends: %s: invalid provider %s (must be: anthropic, openai)", b.Name, b.Provider)
		}
		if b.APIKey == "" {
			return fmt.Errorf("backends: %s: api_key is required", b.Name)
		}
	}

	return nil
}

func knownRule(name string) bool {
	for _, r := range DefaultRulePrecedence {
		if r == name {
			return true
		}
	}
	return false
}
