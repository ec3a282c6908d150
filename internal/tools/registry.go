// Package tools hosts the tool registry the engine dispatches tool nodes
// against. A tool is a named handler with a parameter schema, an execution
// timeout, and an optional per-minute rate limit; the registry enforces all
// three so handlers stay plain functions.
package tools

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/metrics"
)

// DefaultTimeout bounds a tool invocation when the definition leaves
// Timeout zero.
const DefaultTimeout = 30 * time.Second

// Definition describes an invocable tool.
type Definition struct {
	ToolID          string         `json:"tool_id" yaml:"tool_id"`
	Name            string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description     string         `json:"description,omitempty" yaml:"description,omitempty"`
	ParamsSchema    map[string]any `json:"params_schema,omitempty" yaml:"params_schema,omitempty"`
	ResponseSchema  map[string]any `json:"response_schema,omitempty" yaml:"response_schema,omitempty"`
	Permissions     []string       `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	RateLimitPerMin int            `json:"rate_limit_per_min,omitempty" yaml:"rate_limit_per_min,omitempty"`
	Timeout         time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Normalize fills zero fields with the package defaults.
func (d *Definition) Normalize() {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
}

// Handler executes one tool call with already-validated parameters. The
// context carries the definition's timeout.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry is the engine-facing tool catalog.
type Registry interface {
	// Register adds or replaces a tool.
	Register(def Definition, handler Handler) error
	// Get returns the tool's definition, if registered.
	Get(toolID string) (Definition, bool)
	// List returns every registered definition.
	List() []Definition
	// Invoke validates params, applies the tool's rate limit and timeout,
	// and runs the handler.
	Invoke(ctx context.Context, toolID string, params map[string]any) (map[string]any, error)
}

type registeredTool struct {
	def     Definition
	handler Handler
	limiter *rate.Limiter
}

// LocalRegistry is the in-process Registry implementation.
type LocalRegistry struct {
	metrics *metrics.Metrics

	mu    sync.RWMutex
	tools map[string]*registeredTool
}

var _ Registry = (*LocalRegistry)(nil)

// NewLocalRegistry creates an empty registry. metrics may be nil.
func NewLocalRegistry(m *metrics.Metrics) *LocalRegistry {
	return &LocalRegistry{
		metrics: m,
		tools:   make(map[string]*registeredTool),
	}
}

// Register adds the tool, replacing any previous registration under the
// same id.
func (r *LocalRegistry) Register(def Definition, handler Handler) error {
	if def.ToolID == "" {
		return core.NewError(core.ErrKindValidation, "tool id is required")
	}
	if handler == nil {
		return core.NewError(core.ErrKindValidation, "tool %s: handler is required", def.ToolID)
	}
	def.Normalize()

	var limiter *rate.Limiter
	if def.RateLimitPerMin > 0 {
		// The per-minute quota is smoothed to per-second pacing so a
		// burst cannot consume the whole minute's allowance upfront.
		burst := def.RateLimitPerMin / 60
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(def.RateLimitPerMin)/60.0), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.ToolID] = &registeredTool{def: def, handler: handler, limiter: limiter}
	return nil
}

// Get returns the tool's definition, if registered.
func (r *LocalRegistry) Get(toolID string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// List returns every registered definition, sorted by tool id.
func (r *LocalRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ToolID < defs[j].ToolID })
	return defs
}

// Invoke runs the tool. Parameters are validated against the definition's
// schema first, then the call waits for the rate limiter and runs the
// handler under the definition's timeout.
func (r *LocalRegistry) Invoke(ctx context.Context, toolID string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewError(core.ErrKindTool, "tool not found: %s", toolID).
			WithSubkind(core.SubkindNotFound)
	}
	if err := validateParams(t.def, params); err != nil {
		return nil, err
	}
	if t.limiter != nil {
		if err := r.waitForSlot(ctx, toolID, t.limiter); err != nil {
			return nil, err
		}
	}

	logger.Debug(ctx, "Invoking tool", tag.Tool(toolID))

	callCtx, cancel := context.WithTimeout(ctx, t.def.Timeout)
	defer cancel()

	out, err := t.handler(callCtx, params)
	if err != nil {
		typed := core.AsError(err, "")
		if typed.Kind == core.ErrKindInternal {
			typed = core.NewError(core.ErrKindTool, "tool %s: %v", toolID, err).
				WithSubkind(core.SubkindExecution).Wrap(err)
		}
		return nil, typed
	}
	return out, nil
}

// waitForSlot blocks until the tool's limiter admits the call or the
// caller's context ends.
func (r *LocalRegistry) waitForSlot(ctx context.Context, toolID string, limiter *rate.Limiter) error {
	res := limiter.Reserve()
	if !res.OK() {
		return core.NewError(core.ErrKindTool, "tool %s: rate limit unsatisfiable", toolID).
			WithSubkind(core.SubkindRateLimit)
	}
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	r.metrics.RateLimitWait(toolID)
	logger.Debug(ctx, "Tool rate limited, waiting", tag.Tool(toolID), tag.Duration(delay))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return core.AsError(ctx.Err(), "")
	}
}

// validateParams checks required fields and declared primitive types. The
// schema follows the JSON-Schema object shape; only type names string,
// number, boolean, array, and object are enforced.
func validateParams(def Definition, params map[string]any) error {
	schema := def.ParamsSchema
	if schema == nil {
		return nil
	}
	var problems []string
	for _, field := range requiredFields(schema) {
		if _, ok := params[field]; !ok {
			problems = append(problems, fmt.Sprintf("missing required parameter: %s", field))
		}
	}
	properties, _ := schema["properties"].(map[string]any)
	for name, raw := range properties {
		value, ok := params[name]
		if !ok {
			continue
		}
		prop, _ := raw.(map[string]any)
		typeName, _ := prop["type"].(string)
		if typeName == "" {
			continue
		}
		if !matchesType(value, typeName) {
			problems = append(problems, fmt.Sprintf("parameter %s must be a %s", name, typeName))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	if len(problems) > 1 {
		return core.NewError(core.ErrKindValidation,
			"tool %s params invalid: %s (and %d more)", def.ToolID, problems[0], len(problems)-1)
	}
	return core.NewError(core.ErrKindValidation,
		"tool %s params invalid: %s", def.ToolID, problems[0])
}

func requiredFields(schema map[string]any) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	switch values := raw.(type) {
	case []string:
		return values
	case []any:
		fields := make([]string, 0, len(values))
		for _, v := range values {
			if s, ok := v.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	default:
		return nil
	}
}

func matchesType(value any, typeName string) bool {
	if value == nil {
		return false
	}
	switch typeName {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case "array":
		return reflect.ValueOf(value).Kind() == reflect.Slice
	case "object":
		return reflect.ValueOf(value).Kind() == reflect.Map
	default:
		return true
	}
}
