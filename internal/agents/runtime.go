// Package agents adapts external agent runtimes to the engine. The engine
// talks to the Runtime interface only; MockRuntime is the in-process
// implementation used by tests and local runs.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/luomaohao/agentRun/internal/core"
)

// Defaults applied to configs that leave the field zero.
const (
	DefaultModel       = "gpt-4"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// Config describes an invocable agent.
type Config struct {
	AgentID      string         `json:"agent_id" yaml:"agent_id"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	MetaPrompt   string         `json:"meta_prompt,omitempty" yaml:"meta_prompt,omitempty"`
	Model        string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature  float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Tools        []string       `json:"tools,omitempty" yaml:"tools,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Normalize fills zero fields with the package defaults. A zero temperature
// means unset.
func (c *Config) Normalize() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// Response is the result of one agent invocation.
type Response struct {
	Output   map[string]any `json:"output"`
	Raw      string         `json:"raw,omitempty"`
	Usage    map[string]int `json:"usage,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
}

// Runtime is the engine-facing agent adapter. Implementations map their
// failures onto agent-kind errors with the not_found / timeout / rate_limit /
// auth / execution subkinds.
type Runtime interface {
	// Invoke runs the agent with the resolved input. meta carries
	// execution-scoped extras such as session values.
	Invoke(ctx context.Context, agentID string, input, meta map[string]any) (*Response, error)
	// Config returns the agent's descriptor, if registered.
	Config(agentID string) (*Config, bool)
	// List returns every registered agent.
	List() []*Config
	// ValidateInput checks input against the agent's input schema.
	ValidateInput(agentID string, input map[string]any) error
	// ValidateOutput checks output against the agent's output schema.
	ValidateOutput(agentID string, output map[string]any) error
}

// checkRequired verifies the schema's required fields are present in data.
// Schemas follow the JSON-Schema object shape but only the required list is
// enforced here; adapters backed by real runtimes may do more.
func checkRequired(schema, data map[string]any) []string {
	if schema == nil {
		return nil
	}
	var problems []string
	for _, field := range requiredFields(schema) {
		if _, ok := data[field]; !ok {
			problems = append(problems, fmt.Sprintf("missing required field: %s", field))
		}
	}
	return problems
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

// validationError folds schema problems into a single validation-kind error.
func validationError(agentID, direction string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	err := core.NewError(core.ErrKindValidation,
		"agent %s %s invalid: %s", agentID, direction, problems[0])
	if len(problems) > 1 {
		err = core.NewError(core.ErrKindValidation,
			"agent %s %s invalid: %s (and %d more)", agentID, direction, problems[0], len(problems)-1)
	}
	return err
}
