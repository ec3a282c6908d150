package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luomaohao/agentRun/internal/agents"
	"github.com/luomaohao/agentRun/internal/audit"
	"github.com/luomaohao/agentRun/internal/config"
	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/errhandler"
	"github.com/luomaohao/agentRun/internal/eventbus"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/metrics"
	"github.com/luomaohao/agentRun/internal/otel"
	"github.com/luomaohao/agentRun/internal/persistence/fileflow"
	"github.com/luomaohao/agentRun/internal/persistence/fileinst"
	"github.com/luomaohao/agentRun/internal/persistence/filerun"
	"github.com/luomaohao/agentRun/internal/runtime"
	"github.com/luomaohao/agentRun/internal/runtime/executor"
	"github.com/luomaohao/agentRun/internal/scheduler"
	"github.com/luomaohao/agentRun/internal/statemachine"
	"github.com/luomaohao/agentRun/internal/tools"
)

// Context holds the configuration for a command.
type Context struct {
	context.Context

	Command *cobra.Command
	Flags   []commandLineFlag
	Config  *config.Config
	Quiet   bool
}

// NewContext initializes the application setup by loading configuration,
// setting up the logger context, and logging any warnings.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	bindFlags(cmd, flags...)

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}

	var loaderOpts []config.ConfigLoaderOption
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	if dataDir := viper.GetString("data-dir"); dataDir != "" {
		loaderOpts = append(loaderOpts, config.WithDataDir(dataDir))
	}

	cfg, err := config.NewConfigLoader(nil, loaderOpts...).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var opts []logger.Option
	if cfg.Core.Debug || cfg.Core.LogLevel == "debug" || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.Core.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.Core.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Flags:   flags,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// StringParam retrieves a string parameter from the command line flags.
func (c *Context) StringParam(name string) (string, error) {
	val, err := c.Command.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("failed to get flag %s: %w", name, err)
	}
	return val, nil
}

// BoolParam retrieves a boolean parameter from the command line flags.
func (c *Context) BoolParam(name string) (bool, error) {
	val, err := c.Command.Flags().GetBool(name)
	if err != nil {
		return false, fmt.Errorf("failed to get flag %s: %w", name, err)
	}
	return val, nil
}

// WorkflowStore opens the definition store, creating its directory when
// missing.
func (c *Context) WorkflowStore() (*fileflow.Store, error) {
	dir := c.Config.Paths.WorkflowsDir
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create workflows directory %s: %w", dir, err)
	}
	return fileflow.New(dir)
}

// Tracer builds an exporting tracer for the workflow reference when
// telemetry is enabled, and a no-op tracer otherwise.
func (c *Context) Tracer(name, version string) (*otel.Tracer, error) {
	t := c.Config.Telemetry
	return otel.NewTracer(c, &core.Workflow{Name: name, Version: version}, &otel.Config{
		Enabled:  t.Enabled,
		Endpoint: t.Endpoint,
		Headers:  t.Headers,
		Insecure: t.Insecure,
	})
}

// Runtime bundles the stores and manager a command operates on.
type Runtime struct {
	Workflows  *fileflow.Store
	Executions *filerun.Store
	Instances  *fileinst.Store
	Manager    *runtime.Manager
	Machine    *statemachine.Engine
	Audit      *audit.Service
	Agents     *agents.MockRuntime
	Tools      tools.Registry

	bus    *eventbus.MemoryBus
	sched  *scheduler.Scheduler
	engine *runtime.Engine
	detach func()
	tracer *otel.Tracer
}

// NewRuntime assembles the execution stack from the configuration: stores,
// event bus, audit trail, scheduler, breakers, executors, engine, and
// manager. The tracer may be nil for commands that never run the engine.
func (c *Context) NewRuntime(tracer *otel.Tracer) (*Runtime, error) {
	flows, err := c.WorkflowStore()
	if err != nil {
		return nil, err
	}
	execs, err := filerun.New(c.Config.Paths.RunsDir)
	if err != nil {
		return nil, err
	}
	instances, err := fileinst.New(c.Config.Paths.InstancesDir)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics(prometheus.NewRegistry())
	bus := eventbus.NewMemoryBus()
	emitter := eventbus.NewEmitter(bus, execs, eventbus.WithCounter(m))

	auditStore, err := audit.NewFileStore(filepath.Join(c.Config.Paths.DataDir, "audit"))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	auditSvc := audit.NewService(auditStore)
	detach := auditSvc.Attach(bus)

	sched := scheduler.New(scheduler.Quota{
		MaxConcurrent: c.Config.Scheduler.MaxConcurrent,
		MaxPerKind:    kindCaps(c.Config.Scheduler.MaxPerKind),
		MaxPerAgent:   c.Config.Scheduler.MaxPerAgent,
	}, m)
	for key, rl := range c.Config.Scheduler.RateLimits {
		sched.SetRateLimit(key, scheduler.RateLimit{
			Capacity: rl.Capacity,
			Refill:   rl.Refill,
			Interval: rl.Interval,
		})
	}
	sched.Start(c)

	breakers := errhandler.NewBreakerSet(errhandler.BreakerConfig{
		Threshold: c.Config.Breaker.Threshold,
		Window:    c.Config.Breaker.Window,
		Cooldown:  c.Config.Breaker.Cooldown,
	}, m)

	agentRT := agents.NewMockRuntime()
	toolReg := tools.NewLocalRegistry(m)
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	registry := executor.NewRegistry()
	registry.Register(core.NodeAgent, executor.NewAgentExecutor(agentRT))
	registry.Register(core.NodeTool, executor.NewToolExecutor(toolReg))

	engine := runtime.New(runtime.Config{
		Scheduler: sched,
		Executors: registry,
		Breakers:  breakers,
		Emitter:   emitter,
		Repo:      execs,
		Metrics:   m,
		Tracer:    tracer,
	})

	mgr, err := runtime.NewManager(runtime.ManagerConfig{
		Workflows:     flows,
		Executions:    execs,
		Engine:        engine,
		Emitter:       emitter,
		RetentionSpec: c.Config.Retention.Sweep,
		Retention:     c.Config.Retention.Window,
		Audit:         auditSvc,
	})
	if err != nil {
		return nil, err
	}
	registry.Register(core.NodeSubWorkflow, executor.NewSubWorkflowExecutor(mgr))

	// State-machine instances persist their own state and history; their
	// events go to the bus for the audit trail, not into the run store.
	machine := statemachine.New(statemachine.Config{
		Instances: instances,
		Executors: registry,
		Emitter:   eventbus.NewEmitter(bus, nil, eventbus.WithCounter(m)),
	})

	return &Runtime{
		Workflows:  flows,
		Executions: execs,
		Instances:  instances,
		Manager:    mgr,
		Machine:    machine,
		Audit:      auditSvc,
		Agents:     agentRT,
		Tools:      toolReg,
		bus:        bus,
		sched:      sched,
		engine:     engine,
		detach:     detach,
		tracer:     tracer,
	}, nil
}

// Start begins background work: the retention sweep and the definition
// watch, which keeps sub-workflow launches from serving stale caches when
// files change mid-run. Commands that only read state never call it.
func (r *Runtime) Start(ctx context.Context) {
	r.Manager.Start(ctx)
	if err := r.Workflows.Watch(ctx); err != nil {
		logger.Warn(ctx, "Definition watch unavailable", "err", err)
	}
}

// Close tears the stack down in reverse order of construction.
func (r *Runtime) Close(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.Manager.Stop(stopCtx); err != nil {
		logger.Warn(ctx, "Manager did not settle before shutdown", "err", err)
	}
	_ = r.engine.Close(ctx)
	_ = r.sched.Stop(ctx)
	r.detach()
	r.bus.Close()
	r.Executions.Close(ctx)
	_ = r.tracer.Shutdown(ctx)
}

// kindCaps converts the config's string-keyed caps to node kinds. Unknown
// kinds were rejected at config validation.
func kindCaps(caps map[string]int) map[core.NodeKind]int {
	if len(caps) == 0 {
		return nil
	}
	out := make(map[core.NodeKind]int, len(caps))
	for kind, n := range caps {
		out[core.NodeKind(kind)] = n
	}
	return out
}

// NewCommand creates a command instance wiring the shared context setup
// around the run function.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.SilenceUsage = true
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			return err
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", "err", err)
			return err
		}
		return nil
	}

	return cmd
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
