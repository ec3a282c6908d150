package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"pending to running", Pending, Running, true},
		{"pending to cancelled", Pending, Cancelled, true},
		{"pending to completed", Pending, Completed, false},
		{"running to suspended", Running, Suspended, true},
		{"running to compensating", Running, Compensating, true},
		{"suspended to running", Suspended, Running, true},
		{"suspended to completed", Suspended, Completed, false},
		{"compensating to failed", Compensating, Failed, true},
		{"compensating to completed", Compensating, Completed, false},
		{"completed is terminal", Completed, Running, false},
		{"failed is terminal", Failed, Running, false},
		{"cancelled is terminal", Cancelled, Pending, false},
		{"no self transition", Running, Running, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
}

func TestNodeStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from NodeStatus
		to   NodeStatus
		ok   bool
	}{
		{"waiting to ready", NodeWaiting, NodeReady, true},
		{"waiting to skipped", NodeWaiting, NodeSkipped, true},
		{"waiting to running", NodeWaiting, NodeRunning, false},
		{"ready to running", NodeReady, NodeRunning, true},
		{"running to success", NodeRunning, NodeSuccess, true},
		{"running to retrying", NodeRunning, NodeRetrying, true},
		{"retrying to running", NodeRetrying, NodeRunning, true},
		{"success is terminal", NodeSuccess, NodeRunning, false},
		{"skipped is terminal", NodeSkipped, NodeReady, false},
		{"failed is terminal", NodeFailed, NodeRetrying, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{Pending, Running, Suspended, Completed, Failed, Cancelled, Compensating} {
		data, err := json.Marshal(s)
		require.NoError(t, err)

		var back Status
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, s, back)
	}

	var s Status
	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}

func TestNodeStatusSettled(t *testing.T) {
	t.Parallel()

	assert.True(t, NodeSuccess.IsSettled())
	assert.True(t, NodeSkipped.IsSettled())
	assert.False(t, NodeFailed.IsSettled())
	assert.False(t, NodeCancelled.IsSettled())
	assert.False(t, NodeRunning.IsSettled())
}
