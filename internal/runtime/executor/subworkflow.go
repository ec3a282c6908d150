package executor

import (
	"context"

	"github.com/luomaohao/agentRun/internal/core"
)

// Launcher starts a child execution and waits for its result. The manager
// implements it; the indirection keeps this package free of an engine import.
type Launcher interface {
	LaunchSubWorkflow(ctx context.Context, parentExecutionID string, cfg core.SubWorkflowConfig, input map[string]any) (map[string]any, error)
}

// SubWorkflowExecutor runs a child workflow as a node. The child inherits the
// parent's cancellation through ctx; its output becomes the node output.
type SubWorkflowExecutor struct {
	launcher Launcher
}

var _ Executor = (*SubWorkflowExecutor)(nil)

// NewSubWorkflowExecutor wraps a launcher.
func NewSubWorkflowExecutor(l Launcher) *SubWorkflowExecutor {
	return &SubWorkflowExecutor{launcher: l}
}

// Execute resolves the child workflow reference and launches it.
func (e *SubWorkflowExecutor) Execute(ctx context.Context, req Request) (map[string]any, error) {
	var cfg core.SubWorkflowConfig
	if err := req.Node.DecodeConfig(&cfg); err != nil {
		return nil, core.NewError(core.ErrKindValidation,
			"invalid sub_workflow node config: %s", err).WithNode(req.Node.ID).Wrap(err)
	}
	if cfg.Name == "" {
		return nil, core.NewError(core.ErrKindValidation,
			"sub_workflow node requires a workflow name").WithNode(req.Node.ID)
	}

	output, err := e.launcher.LaunchSubWorkflow(ctx, req.ExecutionID, cfg, req.Input)
	if err != nil {
		return nil, core.AsError(err, req.Node.ID)
	}
	return output, nil
}
