package fileflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/parser"
)

func testWorkflow(t *testing.T, name, version, description string) *core.Workflow {
	t.Helper()
	w, err := parser.Parse([]byte(fmt.Sprintf(`
workflow:
  name: %s
  version: %q
  description: %q
  nodes:
    - id: only
      type: tool
      config:
        tool_id: echo
`, name, version, description)))
	require.NoError(t, err)
	return w
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestSaveAndLoadExactVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	w := testWorkflow(t, "enrich", "1.0.0", "first cut")

	require.NoError(t, store.Save(ctx, w))

	got, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, "enrich", got.Name)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, "first cut", got.Description)

	fi, err := os.Stat(filepath.Join(store.baseDir, "enrich", "1.0.0.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultFilePerm, fi.Mode().Perm())
}

func TestSaveRejectsDuplicateVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, testWorkflow(t, "enrich", "1.0.0", "a")))

	err := store.Save(ctx, testWorkflow(t, "enrich", "1.0.0", "b"))
	assert.ErrorIs(t, err, core.ErrVersionConflict)

	// The original document is untouched.
	got, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Description)
}

func TestSaveValidatesNameAndVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	w := testWorkflow(t, "enrich", "1.0.0", "")
	w.Version = "one point oh"
	assert.ErrorIs(t, store.Save(ctx, w), core.ErrVersionInvalid)

	w.Name = ""
	assert.ErrorIs(t, store.Save(ctx, w), core.ErrNameRequired)
	assert.ErrorIs(t, store.Save(ctx, nil), core.ErrNameRequired)
}

func TestLoadResolvesLatestAndConstraints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	for _, version := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		require.NoError(t, store.Save(ctx, testWorkflow(t, "enrich", version, "")))
	}

	tests := []struct {
		version string
		want    string
	}{
		{version: "", want: "2.0.0"},
		{version: "latest", want: "2.0.0"},
		{version: "^1", want: "1.2.0"},
		{version: "~1.0", want: "1.0.0"},
		{version: "1.2.0", want: "1.2.0"},
	}
	for _, tc := range tests {
		got, err := store.LoadByNameVersion(ctx, "enrich", tc.version)
		require.NoError(t, err, "version %q", tc.version)
		assert.Equal(t, tc.want, got.Version, "version %q", tc.version)
	}

	_, err := store.LoadByNameVersion(ctx, "enrich", "^3")
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)

	_, err = store.LoadByNameVersion(ctx, "enrich", "not a constraint")
	require.Error(t, err)
	assert.Equal(t, core.ErrKindValidation, core.AsError(err, "").Kind)
}

func TestLoadByID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	first := testWorkflow(t, "enrich", "1.0.0", "")
	second := testWorkflow(t, "notify", "1.0.0", "")
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	got, err := store.LoadByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "notify", got.Name)

	_, err = store.LoadByID(ctx, "no-such-id")
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestListOrdersByNameThenVersionDescending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	for _, ref := range [][2]string{
		{"notify", "1.0.0"},
		{"enrich", "1.0.0"},
		{"enrich", "1.10.0"},
		{"enrich", "1.2.0"},
	} {
		require.NoError(t, store.Save(ctx, testWorkflow(t, ref[0], ref[1], "")))
	}

	out, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, out, 4)

	refs := make([]string, 0, len(out))
	for _, w := range out {
		refs = append(refs, w.Ref())
	}
	assert.Equal(t, []string{
		"enrich:1.10.0",
		"enrich:1.2.0",
		"enrich:1.0.0",
		"notify:1.0.0",
	}, refs)
}

func TestDeleteRemovesVersionAndEmptyDirectory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, testWorkflow(t, "enrich", "1.0.0", "")))
	require.NoError(t, store.Save(ctx, testWorkflow(t, "enrich", "1.1.0", "")))

	require.NoError(t, store.Delete(ctx, "enrich", "1.0.0"))
	_, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)

	// Latest still resolves to the remaining version.
	got, err := store.LoadByNameVersion(ctx, "enrich", "latest")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.Version)

	require.NoError(t, store.Delete(ctx, "enrich", "1.1.0"))
	assert.NoDirExists(t, filepath.Join(store.baseDir, "enrich"))

	err = store.Delete(ctx, "enrich", "1.1.0")
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestNameIsSanitizedForPaths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	w := testWorkflow(t, "team/enrich pipeline", "1.0.0", "")
	require.NoError(t, store.Save(ctx, w))

	assert.FileExists(t, filepath.Join(store.baseDir, "team_enrich_pipeline", "1.0.0.yaml"))

	got, err := store.LoadByNameVersion(ctx, "team/enrich pipeline", "latest")
	require.NoError(t, err)
	assert.Equal(t, "team/enrich pipeline", got.Name)
}

func TestCacheDetectsFileReplacedOnDisk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, testWorkflow(t, "enrich", "1.0.0", "old")))

	first, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
	require.NoError(t, err)

	// A cache hit hands back the same parsed document.
	again, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
	require.NoError(t, err)
	assert.Same(t, first, again)

	// Replace the file behind the store's back with a differently sized
	// document; the size check marks the entry stale.
	replacement := testWorkflow(t, "enrich", "1.0.0", "rewritten out of band")
	data, err := parser.Marshal(replacement)
	require.NoError(t, err)
	path := filepath.Join(store.baseDir, "enrich", "1.0.0.yaml")
	require.NoError(t, os.WriteFile(path, data, defaultFilePerm))

	got, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "rewritten out of band", got.Description)
}

func TestWatchInvalidatesCacheOnChange(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, testWorkflow(t, "enrich", "1.0.0", "old")))
	require.NoError(t, store.Watch(ctx))
	// Second call is a no-op while the first watcher runs.
	require.NoError(t, store.Watch(ctx))

	_, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
	require.NoError(t, err)

	data, err := parser.Marshal(testWorkflow(t, "enrich", "1.0.0", "new"))
	require.NoError(t, err)
	path := filepath.Join(store.baseDir, "enrich", "1.0.0.yaml")
	require.NoError(t, os.WriteFile(path, data, defaultFilePerm))

	require.Eventually(t, func() bool {
		got, err := store.LoadByNameVersion(ctx, "enrich", "1.0.0")
		return err == nil && got.Description == "new"
	}, 3*time.Second, 20*time.Millisecond)
}
