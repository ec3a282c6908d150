package fileinst

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func newInstance(t *testing.T, workflow string, created time.Time) *core.Instance {
	t.Helper()
	inst, err := core.NewInstance(&core.Workflow{
		ID:           "wf-" + workflow,
		Name:         workflow,
		Version:      "1.0.0",
		Kind:         core.KindStateMachine,
		InitialState: "created",
	}, map[string]any{"customer": "c-42"})
	require.NoError(t, err)
	inst.CreatedAt = created
	inst.UpdatedAt = created
	return inst
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	inst := newInstance(t, "order", time.Now())
	require.NoError(t, store.Save(ctx, inst))
	assert.FileExists(t, store.instPath(inst.ID))

	inst.Commit("created", "payment.confirmed", "paid", map[string]any{"amount": 12.5})
	require.NoError(t, store.Save(ctx, inst))

	got, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "wf-order", got.WorkflowID)
	assert.Equal(t, "order", got.Workflow)
	assert.Equal(t, "paid", got.CurrentState)
	assert.Equal(t, map[string]any{"customer": "c-42"}, got.Context)
	require.Len(t, got.History, 1)
	assert.Equal(t, "created", got.History[0].From)
	assert.Equal(t, "payment.confirmed", got.History[0].Event)
	assert.Equal(t, "paid", got.History[0].To)
	assert.False(t, got.IsFinal)
}

func TestSaveRequiresInstanceID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Save(context.Background(), &core.Instance{})
	require.Error(t, err)
	assert.Equal(t, core.ErrKindValidation, core.AsError(err, "").Kind)
}

func TestLoadUnknownInstance(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.Load(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
}

func TestLoadReturnsIndependentCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	inst := newInstance(t, "order", time.Now())
	require.NoError(t, store.Save(ctx, inst))

	first, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	first.Context["customer"] = "mutated"
	first.CurrentState = "mutated"

	second, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "c-42", second.Context["customer"])
	assert.Equal(t, "created", second.CurrentState)
}

func TestInstancesSurviveRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	baseDir := t.TempDir()
	first, err := New(baseDir)
	require.NoError(t, err)

	inst := newInstance(t, "order", time.Now())
	inst.IsFinal = true
	require.NoError(t, first.Save(ctx, inst))

	second, err := New(baseDir)
	require.NoError(t, err)
	got, err := second.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.True(t, got.IsFinal)
}

func TestListFiltersAndOrders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	older := newInstance(t, "order", base)
	newer := newInstance(t, "order", base.Add(time.Hour))
	other := newInstance(t, "review", base.Add(30*time.Minute))
	for _, inst := range []*core.Instance{older, newer, other} {
		require.NoError(t, store.Save(ctx, inst))
	}

	got, err := store.List(ctx, "order")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)

	// Empty name matches every workflow.
	got, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = store.List(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	inst := newInstance(t, "order", time.Now())
	require.NoError(t, store.Save(ctx, inst))

	list, err := store.List(ctx, "order")
	require.NoError(t, err)
	require.Len(t, list, 1)
	list[0].Context["customer"] = "mutated"

	again, err := store.List(ctx, "order")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "c-42", again[0].Context["customer"])
}

func TestListSkipsCorruptFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	inst := newInstance(t, "order", time.Now())
	require.NoError(t, store.Save(ctx, inst))

	corrupt := filepath.Join(store.baseDir, instFilePrefix+"broken"+instFileSuffix)
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), defaultFilePerm))

	got, err := store.List(ctx, "order")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inst.ID, got[0].ID)
}
