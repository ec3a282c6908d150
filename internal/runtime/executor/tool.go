package executor

import (
	"context"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/tools"
)

// toolNodeConfig is the typed view of a tool node's config. Params declared
// here are static defaults; resolved input bindings override them per field.
type toolNodeConfig struct {
	ToolID string         `mapstructure:"tool_id"`
	Params map[string]any `mapstructure:"params"`
}

// ToolExecutor invokes tools through the registry, which owns parameter
// validation, rate limiting, and the per-tool timeout.
type ToolExecutor struct {
	registry tools.Registry
}

var _ Executor = (*ToolExecutor)(nil)

// NewToolExecutor wraps a tool registry.
func NewToolExecutor(reg tools.Registry) *ToolExecutor {
	return &ToolExecutor{registry: reg}
}

// Execute resolves the target tool from the node config and invokes it.
func (e *ToolExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	var cfg toolNodeConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid tool node config: %s", err).WithNode(req.Node.ID).Wrap(err)
	}
	if cfg.ToolID == "" {
		return nil, core.NewError(core.ErrKindValidation,
			"tool node requires tool_id").WithNode(req.Node.ID)
	}

	params := make(map[string]any, len(cfg.Params)+len(req.Input))
	for k, v := range cfg.Params {
		params[k] = v
	}
	for k, v := range req.Input {
		params[k] = v
	}

	result, err := e.registry.Invoke(ctx, cfg.ToolID, params)
	if err != nil {
		return nil, core.AsError(err, req.Node.ID)
	}
	return result, nil
}
