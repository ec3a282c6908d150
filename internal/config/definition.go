package config

// Definition is the raw configuration document as viper reads it, before
// defaults, path resolution, and validation. Durations are strings so
// config files and environment variables can carry values like "30s".
type Definition struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Paths     *PathsDef     `mapstructure:"paths"`
	Scheduler *SchedulerDef `mapstructure:"scheduler"`
	Engine    *EngineDef    `mapstructure:"engine"`
	Breaker   *BreakerDef   `mapstructure:"breaker"`
	Retention *RetentionDef `mapstructure:"retention"`
	Telemetry *TelemetryDef `mapstructure:"telemetry"`
}

// PathsDef overrides the derived directory layout.
type PathsDef struct {
	DataDir      string `mapstructure:"data_dir"`
	WorkflowsDir string `mapstructure:"workflows_dir"`
	RunsDir      string `mapstructure:"runs_dir"`
	InstancesDir string `mapstructure:"instances_dir"`
	LogDir       string `mapstructure:"log_dir"`
}

// SchedulerDef bounds concurrent node execution.
type SchedulerDef struct {
	MaxConcurrent int                     `mapstructure:"max_concurrent"`
	MaxPerKind    map[string]int          `mapstructure:"max_per_kind"`
	MaxPerAgent   map[string]int          `mapstructure:"max_per_agent"`
	RateLimits    map[string]RateLimitDef `mapstructure:"rate_limits"`
}

// RateLimitDef is a token bucket keyed by resource, such as
// "agent:classifier".
type RateLimitDef struct {
	Capacity int    `mapstructure:"capacity"`
	Refill   int    `mapstructure:"refill"`
	Interval string `mapstructure:"interval"`
}

// EngineDef carries execution defaults.
type EngineDef struct {
	DefaultNodeTimeout string `mapstructure:"default_node_timeout"`
	ExecutionTimeout   string `mapstructure:"execution_timeout"`
	MaxLoopIterations  int    `mapstructure:"max_loop_iterations"`
}

// BreakerDef carries circuit-breaker defaults applied to resources without
// an explicit policy.
type BreakerDef struct {
	Threshold int    `mapstructure:"threshold"`
	Window    string `mapstructure:"window"`
	Cooldown  string `mapstructure:"cooldown"`
}

// RetentionDef configures the execution retention sweep.
type RetentionDef struct {
	Window string `mapstructure:"window"`
	Sweep  string `mapstructure:"sweep"`
}

// TelemetryDef configures the OTLP trace exporter.
type TelemetryDef struct {
	Enabled  *bool             `mapstructure:"enabled"`
	Endpoint string            `mapstructure:"endpoint"`
	Insecure *bool             `mapstructure:"insecure"`
	Headers  map[string]string `mapstructure:"headers"`
}
