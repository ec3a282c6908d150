// Package config loads and validates the application configuration from a
// YAML file, environment variables prefixed with the application slug, and
// built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/luomaohao/agentRun/internal/core"
)

// Config is the validated application configuration.
type Config struct {
	Core      Core
	Paths     Paths
	Scheduler Scheduler
	Engine    Engine
	Breaker   Breaker
	Retention Retention
	Telemetry Telemetry

	// Warnings collects non-fatal problems found while loading, for the
	// CLI to surface once the logger is up.
	Warnings []string
}

// Core holds settings that apply to every command.
type Core struct {
	Debug     bool
	LogLevel  string
	LogFormat string
}

// Paths is the resolved directory layout.
type Paths struct {
	ConfigDir      string
	ConfigFileUsed string
	DataDir        string
	WorkflowsDir   string
	RunsDir        string
	InstancesDir   string
	LogDir         string
}

// Scheduler bounds concurrent node execution.
type Scheduler struct {
	MaxConcurrent int
	MaxPerKind    map[string]int
	MaxPerAgent   map[string]int
	RateLimits    map[string]RateLimit
}

// RateLimit is a token bucket definition keyed by resource.
type RateLimit struct {
	Capacity int
	Refill   int
	Interval time.Duration
}

// Engine carries execution defaults.
type Engine struct {
	DefaultNodeTimeout time.Duration
	ExecutionTimeout   time.Duration
	MaxLoopIterations  int
}

// Breaker carries circuit-breaker defaults.
type Breaker struct {
	Threshold uint32
	Window    time.Duration
	Cooldown  time.Duration
}

// Retention configures the execution retention sweep. An empty sweep spec
// disables the job.
type Retention struct {
	Window time.Duration
	Sweep  string
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	Headers  map[string]string
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Core.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: must be text or json", c.Core.LogFormat)
	}
	switch c.Core.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q: must be debug, info, warn, or error", c.Core.LogLevel)
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir must not be empty")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	for kind := range c.Scheduler.MaxPerKind {
		if !core.NodeKind(kind).Valid() {
			return fmt.Errorf("scheduler.max_per_kind: unknown node kind %q", kind)
		}
	}
	for key, rl := range c.Scheduler.RateLimits {
		if rl.Refill <= 0 {
			return fmt.Errorf("scheduler.rate_limits[%s]: refill must be positive", key)
		}
	}
	if c.Engine.DefaultNodeTimeout < 0 || c.Engine.ExecutionTimeout < 0 {
		return fmt.Errorf("engine timeouts must be non-negative")
	}
	if c.Engine.MaxLoopIterations <= 0 {
		return fmt.Errorf("engine.max_loop_iterations must be positive, got %d", c.Engine.MaxLoopIterations)
	}
	if c.Breaker.Threshold == 0 {
		return fmt.Errorf("breaker.threshold must be positive")
	}
	if c.Retention.Sweep != "" {
		if _, err := cron.ParseStandard(c.Retention.Sweep); err != nil {
			return fmt.Errorf("invalid retention.sweep %q: %w", c.Retention.Sweep, err)
		}
		if c.Retention.Window <= 0 {
			return fmt.Errorf("retention.window must be positive when a sweep is scheduled")
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint must be set when telemetry is enabled")
	}
	return nil
}
