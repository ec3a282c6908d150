package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
)

func TestMockRuntimeSeededAgents(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()

	agents := m.List()
	require.Len(t, agents, 2)
	assert.Equal(t, "complaint-specialist", agents[0].AgentID)
	assert.Equal(t, "intent-classifier", agents[1].AgentID)

	cfg, ok := m.Config("intent-classifier")
	require.True(t, ok)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Model)
	assert.Equal(t, DefaultTemperature, cfg.Temperature)
	assert.Equal(t, DefaultMaxTokens, cfg.MaxTokens)

	cfg, ok = m.Config("complaint-specialist")
	require.True(t, ok)
	assert.Equal(t, DefaultModel, cfg.Model)
}

func TestMockInvokeClassifier(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()
	resp, err := m.Invoke(context.Background(), "intent-classifier",
		map[string]any{"message": "my order is broken"}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"intent": "complaint", "confidence": 0.95}, resp.Output)
	assert.Contains(t, resp.Raw, "complaint")
	assert.NotEmpty(t, resp.TraceID)
	assert.Contains(t, resp.Usage, "prompt_tokens")
	assert.Contains(t, resp.Usage, "completion_tokens")
}

func TestMockInvokeUnknownAgent(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()
	resp, err := m.Invoke(context.Background(), "never-registered", map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "completed"}, resp.Output)
}

func TestMockValidateInput(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()

	err := m.ValidateInput("intent-classifier", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required field: message")
	assert.Equal(t, core.ErrKindValidation, core.AsError(err, "").Kind)

	assert.NoError(t, m.ValidateInput("intent-classifier", map[string]any{"message": "hi"}))
	assert.NoError(t, m.ValidateInput("never-registered", map[string]any{}))
	// No input schema declared: anything goes.
	assert.NoError(t, m.ValidateInput("complaint-specialist", map[string]any{}))
}

func TestMockValidateOutputReportsAllMissing(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()

	err := m.ValidateOutput("intent-classifier", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required field: intent")
	assert.Contains(t, err.Error(), "and 1 more")

	assert.NoError(t, m.ValidateOutput("intent-classifier",
		map[string]any{"intent": "complaint", "confidence": 0.8}))
}

func TestMockResponderErrorMapping(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()
	m.Register(&Config{AgentID: "flaky"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("model unavailable")
	})
	m.Register(&Config{AgentID: "slow"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, core.NewError(core.ErrKindTimeout, "model deadline").WithSubkind(core.SubkindTimeout)
	})

	_, err := m.Invoke(context.Background(), "flaky", nil, nil)
	require.Error(t, err)
	typed := core.AsError(err, "")
	assert.Equal(t, core.ErrKindAgent, typed.Kind)
	assert.Equal(t, core.SubkindExecution, typed.Subkind)

	_, err = m.Invoke(context.Background(), "slow", nil, nil)
	typed = core.AsError(err, "")
	assert.Equal(t, core.ErrKindTimeout, typed.Kind)
}

func TestMockLatency(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()
	m.SetLatency(30 * time.Millisecond)

	started := time.Now()
	resp, err := m.Invoke(context.Background(), "intent-classifier",
		map[string]any{"message": "hi"}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)
	assert.GreaterOrEqual(t, resp.Duration, 30*time.Millisecond)
}

func TestMockLatencyHonorsCancellation(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()
	m.SetLatency(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := m.Invoke(ctx, "intent-classifier", map[string]any{"message": "hi"}, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, core.ErrKindTimeout, core.AsError(err, "").Kind)
}

func TestMockRegisterReplacesResponder(t *testing.T) {
	t.Parallel()

	m := NewMockRuntime()
	m.Register(&Config{AgentID: "intent-classifier"}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"intent": "praise", "confidence": 1.0}, nil
	})

	resp, err := m.Invoke(context.Background(), "intent-classifier", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "praise", resp.Output["intent"])
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := &Config{AgentID: "a"}
	cfg.Normalize()
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, DefaultTemperature, cfg.Temperature)
	assert.Equal(t, DefaultMaxTokens, cfg.MaxTokens)

	custom := &Config{AgentID: "b", Model: "claude-3", Temperature: 0.2, MaxTokens: 100}
	custom.Normalize()
	assert.Equal(t, "claude-3", custom.Model)
	assert.Equal(t, 0.2, custom.Temperature)
	assert.Equal(t, 100, custom.MaxTokens)
}
