package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesToWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("json"))

	lg.Info("workflow started", "workflow", "demo")
	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"workflow started"`)
	assert.Contains(t, out, `"workflow":"demo"`)
}

func TestLoggerDebugLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("text"))
	lg.Debug("hidden")
	assert.Empty(t, buf.String())

	var dbg bytes.Buffer
	lgDebug := NewLogger(WithQuiet(), WithWriter(&dbg), WithFormat("text"), WithDebug())
	lgDebug.Debug("visible")
	assert.Contains(t, dbg.String(), "visible")
}

func TestLoggerWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("text"))
	lg.With("execution-id", "e-1").Info("tick")
	assert.Contains(t, buf.String(), "execution-id=e-1")
}

func TestContextFlow(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("text"))

	ctx := WithLogger(context.Background(), lg)
	Info(ctx, "from context", "node", "a")
	assert.Contains(t, buf.String(), "from context")
	assert.Contains(t, buf.String(), "node=a")
}

func TestFromContextFallsBack(t *testing.T) {
	t.Parallel()

	got := FromContext(context.Background())
	assert.NotNil(t, got)
}

func TestWithValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("text"))
	ctx := WithLogger(context.Background(), lg)

	ctx = WithValues(ctx, "workflow", "demo")
	Info(ctx, "first")
	Info(ctx, "second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "workflow=demo")
	}
}

func TestWithValuesOddPairs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("text"))
	ctx := WithValues(WithLogger(context.Background(), lg), "only-key")
	Info(ctx, "odd")
	assert.Contains(t, buf.String(), "MISSING_VALUE")
}
