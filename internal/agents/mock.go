package agents

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
)

// Responder produces a canned output for one agent invocation.
type Responder func(ctx context.Context, input map[string]any) (map[string]any, error)

// MockRuntime is an in-process Runtime with canned responses, used by tests
// and local runs. Agents without a registered responder answer
// {"status": "completed"}; unregistered agent ids are served the same way so
// workflows can run without wiring every agent up front.
type MockRuntime struct {
	mu         sync.RWMutex
	agents     map[string]*Config
	responders map[string]Responder
	latency    time.Duration
}

var _ Runtime = (*MockRuntime)(nil)

// NewMockRuntime creates a mock with two seeded agents: an intent classifier
// and a complaint specialist.
func NewMockRuntime() *MockRuntime {
	m := &MockRuntime{
		agents:     make(map[string]*Config),
		responders: make(map[string]Responder),
	}

	m.Register(&Config{
		AgentID:     "intent-classifier",
		Name:        "Intent Classifier",
		Description: "Classifies user intent",
		MetaPrompt:  "You are an intent classifier. Analyze the user message and return the intent.",
		Model:       "gpt-3.5-turbo",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"intent":     map[string]any{"type": "string"},
				"confidence": map[string]any{"type": "number"},
			},
			"required": []any{"intent", "confidence"},
		},
	}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"intent": "complaint", "confidence": 0.95}, nil
	})

	m.Register(&Config{
		AgentID:     "complaint-specialist",
		Name:        "Complaint Specialist",
		Description: "Handles customer complaints",
		MetaPrompt:  "You are a complaint specialist. Handle the customer complaint professionally.",
	}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{
			"response": "I understand your concern and I'm here to help.",
			"action":   "escalate",
			"priority": "high",
		}, nil
	})

	return m
}

// Register adds or replaces an agent and its responder. A nil responder
// keeps the default {"status": "completed"} answer.
func (m *MockRuntime) Register(cfg *Config, respond Responder) {
	cfg.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[cfg.AgentID] = cfg
	if respond != nil {
		m.responders[cfg.AgentID] = respond
	}
}

// SetLatency makes every invocation pause first, simulating model latency.
func (m *MockRuntime) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Invoke runs the agent's responder. Responder errors come back as
// agent-kind execution errors unless already typed.
func (m *MockRuntime) Invoke(ctx context.Context, agentID string, input, _ map[string]any) (*Response, error) {
	m.mu.RLock()
	respond := m.responders[agentID]
	latency := m.latency
	m.mu.RUnlock()

	started := time.Now()
	logger.Debug(ctx, "Mock agent invoked", tag.Agent(agentID))

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, core.AsError(ctx.Err(), "")
		case <-timer.C:
		}
	}

	output := map[string]any{"status": "completed"}
	if respond != nil {
		var err error
		output, err = respond(ctx, input)
		if err != nil {
			typed := core.AsError(err, "")
			if typed.Kind == core.ErrKindInternal {
				typed = core.NewError(core.ErrKindAgent, "%s", err.Error()).
					WithSubkind(core.SubkindExecution).Wrap(err)
			}
			return nil, typed
		}
	}

	raw, _ := json.Marshal(output)
	in, _ := json.Marshal(input)
	return &Response{
		Output: output,
		Raw:    string(raw),
		Usage: map[string]int{
			"prompt_tokens":     len(in) / 4,
			"completion_tokens": len(raw) / 4,
		},
		Duration: time.Since(started),
		TraceID:  uuid.New().String(),
	}, nil
}

// Config returns the registered descriptor for agentID.
func (m *MockRuntime) Config(agentID string) (*Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.agents[agentID]
	return cfg, ok
}

// List returns the registered agents sorted by id.
func (m *MockRuntime) List() []*Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Config, 0, len(m.agents))
	for _, cfg := range m.agents {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ValidateInput checks the agent's input schema. Unregistered agents and
// agents without a schema accept anything.
func (m *MockRuntime) ValidateInput(agentID string, input map[string]any) error {
	cfg, ok := m.Config(agentID)
	if !ok {
		return nil
	}
	return validationError(agentID, "input", checkRequired(cfg.InputSchema, input))
}

// ValidateOutput checks the agent's output schema.
func (m *MockRuntime) ValidateOutput(agentID string, output map[string]any) error {
	cfg, ok := m.Config(agentID)
	if !ok {
		return nil
	}
	return validationError(agentID, "output", checkRequired(cfg.OutputSchema, output))
}
