package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/metrics"
)

func okHandler(out map[string]any) Handler {
	return func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return out, nil
	}
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)

	err := reg.Register(Definition{}, okHandler(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool id is required")

	err = reg.Register(Definition{ToolID: "t1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler is required")
}

func TestRegisterNormalizesTimeout(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	require.NoError(t, reg.Register(Definition{ToolID: "t1"}, okHandler(nil)))

	def, ok := reg.Get("t1")
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, def.Timeout)
}

func TestRegisterReplacesHandler(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	require.NoError(t, reg.Register(Definition{ToolID: "t1"}, okHandler(map[string]any{"v": "old"})))
	require.NoError(t, reg.Register(Definition{ToolID: "t1"}, okHandler(map[string]any{"v": "new"})))

	out, err := reg.Invoke(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "new", out["v"])
}

func TestListSortedByID(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(Definition{ToolID: id}, okHandler(nil)))
	}

	defs := reg.List()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].ToolID)
	assert.Equal(t, "mid", defs[1].ToolID)
	assert.Equal(t, "zeta", defs[2].ToolID)
}

func TestInvokeUnknownTool(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	_, err := reg.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)

	var typed *core.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, core.ErrKindTool, typed.Kind)
	assert.Equal(t, core.SubkindNotFound, typed.Subkind)
	assert.Contains(t, typed.Message, "tool not found: nope")
}

func TestInvokeValidatesParams(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	require.NoError(t, reg.Register(Definition{
		ToolID: "t1",
		ParamsSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"count":   map[string]any{"type": "number"},
				"enabled": map[string]any{"type": "boolean"},
				"items":   map[string]any{"type": "array"},
				"meta":    map[string]any{"type": "object"},
			},
			"required": []string{"name"},
		},
	}, okHandler(map[string]any{"done": true})))

	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{
			name:    "missing required",
			params:  map[string]any{"count": 1},
			wantErr: "missing required parameter: name",
		},
		{
			name:    "wrong string type",
			params:  map[string]any{"name": 42},
			wantErr: "parameter name must be a string",
		},
		{
			name:    "wrong number type",
			params:  map[string]any{"name": "x", "count": "three"},
			wantErr: "parameter count must be a number",
		},
		{
			name:    "wrong boolean type",
			params:  map[string]any{"name": "x", "enabled": "yes"},
			wantErr: "parameter enabled must be a boolean",
		},
		{
			name:    "wrong array type",
			params:  map[string]any{"name": "x", "items": "a,b"},
			wantErr: "parameter items must be a array",
		},
		{
			name:    "wrong object type",
			params:  map[string]any{"name": "x", "meta": []any{"k"}},
			wantErr: "parameter meta must be a object",
		},
		{
			name:   "valid full set",
			params: map[string]any{"name": "x", "count": 2.5, "enabled": true, "items": []string{"a"}, "meta": map[string]any{"k": "v"}},
		},
		{
			name:   "int counts as number",
			params: map[string]any{"name": "x", "count": 7},
		},
		{
			name:   "extra params allowed",
			params: map[string]any{"name": "x", "unknown": "fine"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out, err := reg.Invoke(context.Background(), "t1", tc.params)
			if tc.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, true, out["done"])
				return
			}
			require.Error(t, err)
			var typed *core.Error
			require.ErrorAs(t, err, &typed)
			assert.Equal(t, core.ErrKindValidation, typed.Kind)
			assert.Contains(t, typed.Message, tc.wantErr)
		})
	}
}

func TestInvokeReportsMultipleProblems(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	require.NoError(t, reg.Register(Definition{
		ToolID: "t1",
		ParamsSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{"a", "b"},
		},
	}, okHandler(nil)))

	_, err := reg.Invoke(context.Background(), "t1", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required parameter: a")
	assert.Contains(t, err.Error(), "(and 1 more)")
}

func TestInvokeMapsHandlerErrors(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	require.NoError(t, reg.Register(Definition{ToolID: "plain"},
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}))
	require.NoError(t, reg.Register(Definition{ToolID: "typed"},
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, core.NewError(core.ErrKindValidation, "bad input")
		}))

	_, err := reg.Invoke(context.Background(), "plain", nil)
	require.Error(t, err)
	var typed *core.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, core.ErrKindTool, typed.Kind)
	assert.Equal(t, core.SubkindExecution, typed.Subkind)
	assert.Contains(t, typed.Message, "boom")

	_, err = reg.Invoke(context.Background(), "typed", nil)
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, core.ErrKindValidation, typed.Kind)
}

func TestInvokeEnforcesTimeout(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	require.NoError(t, reg.Register(Definition{ToolID: "slow", Timeout: 30 * time.Millisecond},
		func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(time.Second):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	start := time.Now()
	_, err := reg.Invoke(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var typed *core.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, core.ErrKindTimeout, typed.Kind)
}

func TestInvokeRateLimitSmoothsBursts(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	reg := NewLocalRegistry(m)

	// 6000/min smooths to 100/s with a burst of 100, so call 101 waits.
	require.NoError(t, reg.Register(Definition{ToolID: "limited", RateLimitPerMin: 6000},
		okHandler(map[string]any{})))

	start := time.Now()
	for i := 0; i < 101; i++ {
		_, err := reg.Invoke(context.Background(), "limited", nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)
	var waits float64
	for _, mf := range families {
		if mf.GetName() != "agentrun_rate_limit_waits_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelValue(metric, "resource") == "limited" {
				waits = metric.GetCounter().GetValue()
			}
		}
	}
	assert.GreaterOrEqual(t, waits, float64(1))
}

func TestInvokeRateLimitHonorsCancellation(t *testing.T) {
	t.Parallel()

	reg := NewLocalRegistry(nil)
	// 60/min leaves a burst of one, so the second call would wait a full
	// second; the context expires first.
	require.NoError(t, reg.Register(Definition{ToolID: "limited", RateLimitPerMin: 60},
		okHandler(map[string]any{})))

	_, err := reg.Invoke(context.Background(), "limited", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = reg.Invoke(ctx, "limited", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var typed *core.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, core.ErrKindTimeout, typed.Kind)
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
