package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/luomaohao/agentRun/internal/build"
	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/errhandler"
	"github.com/luomaohao/agentRun/internal/scheduler"
)

// ConfigLoader reads and merges configuration from the config file,
// environment variables, and defaults.
type ConfigLoader struct {
	v          *viper.Viper
	configFile string
	dataDir    string
	warnings   []string
}

// ConfigLoaderOption configures a ConfigLoader.
type ConfigLoaderOption func(*ConfigLoader)

// WithConfigFile pins the loader to an explicit config file instead of the
// default search path. A missing explicit file is an error.
func WithConfigFile(configFile string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.configFile = configFile
	}
}

// WithDataDir roots the whole directory layout under dir, overriding the
// XDG-derived defaults.
func WithDataDir(dir string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.dataDir = dir
	}
}

// NewConfigLoader creates a ConfigLoader with the given viper instance and
// options. A nil viper gets a fresh one.
func NewConfigLoader(v *viper.Viper, options ...ConfigLoaderOption) *ConfigLoader {
	if v == nil {
		v = viper.New()
	}
	loader := &ConfigLoader{v: v}
	for _, opt := range options {
		opt(loader)
	}
	return loader
}

// Load reads the configuration, applies defaults and environment overrides,
// and returns a validated Config.
func (l *ConfigLoader) Load() (*Config, error) {
	// A .env next to the working directory feeds the environment before
	// viper binds it; a missing file is fine.
	_ = godotenv.Load()

	paths := l.defaultPaths()
	l.configureViper(paths.ConfigDir)
	l.bindEnvironmentVariables()
	l.setViperDefaults(paths)

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def Definition
	if err := l.v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(paths, def)
	if err != nil {
		return nil, err
	}
	cfg.Paths.ConfigFileUsed = l.v.ConfigFileUsed()
	cfg.Warnings = l.warnings
	return cfg, nil
}

// defaultPaths derives the directory layout. Precedence: the WithDataDir
// override, then <SLUG>_HOME, then XDG conventions.
func (l *ConfigLoader) defaultPaths() Paths {
	if l.dataDir != "" {
		return rootedPaths(l.dataDir)
	}
	if home := os.Getenv(envPrefix() + "_HOME"); home != "" {
		return rootedPaths(home)
	}
	return Paths{
		ConfigDir: filepath.Join(xdg.ConfigHome, build.Slug),
		DataDir:   filepath.Join(xdg.DataHome, build.Slug),
	}
}

// rootedPaths keeps configuration and data under one directory.
func rootedPaths(root string) Paths {
	return Paths{
		ConfigDir: root,
		DataDir:   root,
	}
}

func (l *ConfigLoader) configureViper(configDir string) {
	if l.configFile == "" {
		l.v.AddConfigPath(configDir)
		l.v.SetConfigName("config")
	} else {
		l.v.SetConfigFile(l.configFile)
	}
	l.v.SetConfigType("yaml")
	l.v.SetEnvPrefix(envPrefix())
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	l.v.AutomaticEnv()
}

type envBinding struct {
	key string
	env string
}

var envBindings = []envBinding{
	{key: "debug", env: "DEBUG"},
	{key: "log_level", env: "LOG_LEVEL"},
	{key: "log_format", env: "LOG_FORMAT"},
	{key: "paths.data_dir", env: "DATA_DIR"},
	{key: "paths.workflows_dir", env: "WORKFLOWS_DIR"},
	{key: "paths.runs_dir", env: "RUNS_DIR"},
	{key: "paths.log_dir", env: "LOG_DIR"},
	{key: "scheduler.max_concurrent", env: "MAX_CONCURRENT"},
	{key: "engine.default_node_timeout", env: "DEFAULT_NODE_TIMEOUT"},
	{key: "engine.execution_timeout", env: "EXECUTION_TIMEOUT"},
	{key: "engine.max_loop_iterations", env: "MAX_LOOP_ITERATIONS"},
	{key: "breaker.threshold", env: "BREAKER_THRESHOLD"},
	{key: "breaker.window", env: "BREAKER_WINDOW"},
	{key: "breaker.cooldown", env: "BREAKER_COOLDOWN"},
	{key: "retention.window", env: "RETENTION_WINDOW"},
	{key: "retention.sweep", env: "RETENTION_SWEEP"},
	{key: "telemetry.enabled", env: "TELEMETRY_ENABLED"},
	{key: "telemetry.endpoint", env: "OTLP_ENDPOINT"},
	{key: "telemetry.insecure", env: "OTLP_INSECURE"},
}

func (l *ConfigLoader) bindEnvironmentVariables() {
	prefix := envPrefix() + "_"
	for _, b := range envBindings {
		_ = l.v.BindEnv(b.key, prefix+b.env)
	}
}

func (l *ConfigLoader) setViperDefaults(paths Paths) {
	l.v.SetDefault("debug", false)
	l.v.SetDefault("log_level", "info")
	l.v.SetDefault("log_format", "text")

	l.v.SetDefault("paths.data_dir", paths.DataDir)

	l.v.SetDefault("scheduler.max_concurrent", scheduler.DefaultMaxConcurrent)

	l.v.SetDefault("engine.default_node_timeout", core.DefaultNodeTimeout.String())
	l.v.SetDefault("engine.max_loop_iterations", core.DefaultMaxIterations)

	l.v.SetDefault("breaker.threshold", errhandler.DefaultBreakerThreshold)
	l.v.SetDefault("breaker.window", errhandler.DefaultBreakerWindow.String())
	l.v.SetDefault("breaker.cooldown", errhandler.DefaultBreakerCooldown.String())

	l.v.SetDefault("retention.window", "168h")
	l.v.SetDefault("retention.sweep", "0 * * * *")

	l.v.SetDefault("telemetry.enabled", false)
}

// buildConfig transforms the raw definition into a validated Config.
func (l *ConfigLoader) buildConfig(paths Paths, def Definition) (*Config, error) {
	cfg := &Config{
		Core: Core{
			Debug:     def.Debug,
			LogLevel:  def.LogLevel,
			LogFormat: def.LogFormat,
		},
	}
	cfg.Paths.ConfigDir = paths.ConfigDir

	if err := l.loadPaths(cfg, def); err != nil {
		return nil, err
	}
	l.loadScheduler(cfg, def)
	l.loadEngine(cfg, def)
	l.loadBreaker(cfg, def)
	l.loadRetention(cfg, def)
	l.loadTelemetry(cfg, def)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPaths resolves directories to absolute paths; unset sub-directories
// derive from the data dir so a single override moves everything.
func (l *ConfigLoader) loadPaths(cfg *Config, def Definition) error {
	if def.Paths != nil {
		mappings := []struct {
			name   string
			target *string
			source string
		}{
			{"data_dir", &cfg.Paths.DataDir, def.Paths.DataDir},
			{"workflows_dir", &cfg.Paths.WorkflowsDir, def.Paths.WorkflowsDir},
			{"runs_dir", &cfg.Paths.RunsDir, def.Paths.RunsDir},
			{"instances_dir", &cfg.Paths.InstancesDir, def.Paths.InstancesDir},
			{"log_dir", &cfg.Paths.LogDir, def.Paths.LogDir},
		}
		for _, m := range mappings {
			resolved, err := l.resolvePath(m.name, m.source)
			if err != nil {
				return err
			}
			*m.target = resolved
		}
	}
	if cfg.Paths.WorkflowsDir == "" {
		cfg.Paths.WorkflowsDir = filepath.Join(cfg.Paths.DataDir, "workflows")
	}
	if cfg.Paths.RunsDir == "" {
		cfg.Paths.RunsDir = filepath.Join(cfg.Paths.DataDir, "runs")
	}
	if cfg.Paths.InstancesDir == "" {
		cfg.Paths.InstancesDir = filepath.Join(cfg.Paths.DataDir, "instances")
	}
	if cfg.Paths.LogDir == "" {
		cfg.Paths.LogDir = filepath.Join(cfg.Paths.DataDir, "logs")
	}
	return nil
}

func (l *ConfigLoader) loadScheduler(cfg *Config, def Definition) {
	if def.Scheduler == nil {
		return
	}
	cfg.Scheduler.MaxConcurrent = def.Scheduler.MaxConcurrent
	cfg.Scheduler.MaxPerKind = def.Scheduler.MaxPerKind
	cfg.Scheduler.MaxPerAgent = def.Scheduler.MaxPerAgent
	if len(def.Scheduler.RateLimits) > 0 {
		cfg.Scheduler.RateLimits = make(map[string]RateLimit, len(def.Scheduler.RateLimits))
		for key, rl := range def.Scheduler.RateLimits {
			cfg.Scheduler.RateLimits[key] = RateLimit{
				Capacity: rl.Capacity,
				Refill:   rl.Refill,
				Interval: l.parseDuration("scheduler.rate_limits."+key+".interval", rl.Interval),
			}
		}
	}
}

func (l *ConfigLoader) loadEngine(cfg *Config, def Definition) {
	if def.Engine == nil {
		return
	}
	cfg.Engine.DefaultNodeTimeout = l.parseDuration("engine.default_node_timeout", def.Engine.DefaultNodeTimeout)
	cfg.Engine.ExecutionTimeout = l.parseDuration("engine.execution_timeout", def.Engine.ExecutionTimeout)
	cfg.Engine.MaxLoopIterations = def.Engine.MaxLoopIterations
}

func (l *ConfigLoader) loadBreaker(cfg *Config, def Definition) {
	if def.Breaker == nil {
		return
	}
	if def.Breaker.Threshold > 0 {
		cfg.Breaker.Threshold = uint32(def.Breaker.Threshold)
	}
	cfg.Breaker.Window = l.parseDuration("breaker.window", def.Breaker.Window)
	cfg.Breaker.Cooldown = l.parseDuration("breaker.cooldown", def.Breaker.Cooldown)
}

func (l *ConfigLoader) loadRetention(cfg *Config, def Definition) {
	if def.Retention == nil {
		return
	}
	cfg.Retention.Window = l.parseDuration("retention.window", def.Retention.Window)
	cfg.Retention.Sweep = def.Retention.Sweep
}

func (l *ConfigLoader) loadTelemetry(cfg *Config, def Definition) {
	if def.Telemetry == nil {
		return
	}
	if def.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *def.Telemetry.Enabled
	}
	cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	if def.Telemetry.Insecure != nil {
		cfg.Telemetry.Insecure = *def.Telemetry.Insecure
	}
	cfg.Telemetry.Headers = def.Telemetry.Headers
}

// resolvePath expands a leading ~ and makes the path absolute. Empty paths
// pass through so callers can apply their own defaults.
func (l *ConfigLoader) resolvePath(name, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s path %q: %w", name, value, err)
		}
		value = filepath.Join(home, strings.TrimPrefix(value, "~"))
	}
	abs, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s path %q: %w", name, value, err)
	}
	return abs, nil
}

// parseDuration parses a duration string, returning zero and recording a
// warning when invalid.
func (l *ConfigLoader) parseDuration(fieldName, value string) time.Duration {
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("Invalid %s value: %s", fieldName, value))
		return 0
	}
	return duration
}

func envPrefix() string {
	return strings.ToUpper(build.Slug)
}
