package stringutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/stringutil"
)

func TestFormatTime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "-", stringutil.FormatTime(time.Time{}))

	ts := time.Date(2025, 2, 1, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-02-01T10:30:00Z", stringutil.FormatTime(ts))
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	zero, err := stringutil.ParseTime("-")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	parsed, err := stringutil.ParseTime("2025-02-01T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2025, parsed.Year())

	_, err = stringutil.ParseTime("not-a-time")
	assert.Error(t, err)
}

func TestTruncString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", stringutil.TruncString("short", 10))
	assert.Equal(t, "abc...", stringutil.TruncString("abcdef", 3))
	assert.Equal(t, "", stringutil.TruncString("abc", 0))
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0ms", stringutil.FormatDuration(0))
	assert.Equal(t, "250ms", stringutil.FormatDuration(250*time.Millisecond))
	assert.Equal(t, "2.5s", stringutil.FormatDuration(2500*time.Millisecond))
	assert.Equal(t, "1m30s", stringutil.FormatDuration(90*time.Second))
}
