package executor

import (
	"context"

	"github.com/luomaohao/agentRun/internal/agents"
	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
)

// agentNodeConfig is the typed view of an agent node's config.
type agentNodeConfig struct {
	AgentID string         `mapstructure:"agent_id"`
	Meta    map[string]any `mapstructure:"meta"`
}

// AgentExecutor invokes agents through the runtime adapter. Input and output
// are checked against the agent's declared schemas around the call.
type AgentExecutor struct {
	runtime agents.Runtime
}

var _ Executor = (*AgentExecutor)(nil)

// NewAgentExecutor wraps an agent runtime.
func NewAgentExecutor(rt agents.Runtime) *AgentExecutor {
	return &AgentExecutor{runtime: rt}
}

// Execute resolves the target agent from the node config and invokes it.
func (e *AgentExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	var cfg agentNodeConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid agent node config: %s", err).WithNode(req.Node.ID).Wrap(err)
	}
	if cfg.AgentID == "" {
		return nil, core.NewError(core.ErrKindValidation,
			"agent node requires agent_id").WithNode(req.Node.ID)
	}

	if err := e.runtime.ValidateInput(cfg.AgentID, req.Input); err != nil {
		return nil, core.AsError(err, req.Node.ID)
	}

	meta := make(map[string]any, len(req.Meta)+len(cfg.Meta))
	for k, v := range req.Meta {
		meta[k] = v
	}
	for k, v := range cfg.Meta {
		meta[k] = v
	}

	resp, err := e.runtime.Invoke(ctx, cfg.AgentID, req.Input, meta)
	if err != nil {
		return nil, core.AsError(err, req.Node.ID)
	}

	if err := e.runtime.ValidateOutput(cfg.AgentID, resp.Output); err != nil {
		return nil, core.AsError(err, req.Node.ID)
	}

	logger.Debug(ctx, "Agent invocation finished",
		tag.Agent(cfg.AgentID),
		tag.Node(req.Node.ID),
		tag.Duration(resp.Duration),
		"traceId", resp.TraceID,
	)
	return resp.Output, nil
}
