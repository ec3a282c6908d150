// Package executor dispatches node invocations by kind. The engine resolves
// inputs and owns the node-execution record; executors only perform the work
// and return an output map.
package executor

import (
	"context"
	"sync"

	"github.com/luomaohao/agentRun/internal/core"
)

// Request is one node invocation. Input is an immutable snapshot resolved
// from the node's bindings; Meta carries execution-scoped extras such as
// session values.
type Request struct {
	ExecutionID string
	Node        *core.Node
	Input       map[string]any
	Meta        map[string]any
}

// Executor performs the work of one node kind. Implementations observe ctx
// and return a cancelled-kind error promptly when it fires; the deadline is
// enforced by the engine, not here.
type Executor interface {
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request) (map[string]any, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry maps node kinds to executors. Control and aggregation nodes never
// reach the registry; the engine steers those itself.
type Registry struct {
	mu        sync.RWMutex
	executors map[core.NodeKind]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[core.NodeKind]Executor)}
}

// Register binds an executor to a kind, replacing any previous binding.
func (r *Registry) Register(kind core.NodeKind, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = ex
}

// Lookup returns the executor for a kind.
func (r *Registry) Lookup(kind core.NodeKind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[kind]
	return ex, ok
}

// Execute dispatches the request to the executor registered for its node's
// kind. An unregistered kind is an internal error: validation guarantees
// every dispatchable node has a known kind.
func (r *Registry) Execute(ctx context.Context, req Request) (map[string]any, error) {
	ex, ok := r.Lookup(req.Node.Kind)
	if !ok {
		return nil, core.NewError(core.ErrKindInternal,
			"no executor registered for node kind %q", req.Node.Kind).WithNode(req.Node.ID)
	}
	return ex.Execute(ctx, req)
}
