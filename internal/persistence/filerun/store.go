// Package filerun persists execution lineage on the local filesystem. Each
// execution owns one directory under <base>/<yyyy>/<mm>/<dd>/run_<id>,
// partitioned by submission date: execution.json holds the latest execution
// snapshot next to a small status marker, while nodes.jsonl and events.jsonl
// are append-only logs of node updates and lifecycle events. A flock on the
// run directory keeps two processes from coordinating the same execution.
package filerun

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gofrs/flock"
	"github.com/samber/lo"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/persistence/filecache"
)

const (
	runDirPrefix  = "run_"
	executionFile = "execution.json"
	statusFile    = "status"
	nodesFile     = "nodes.jsonl"
	eventsFile    = "events.jsonl"
	lockFile      = "run.lock"

	defaultFilePerm os.FileMode = 0600
	defaultDirPerm  os.FileMode = 0750

	// maxLineSize bounds a single node or event record on disk.
	maxLineSize = 1 << 20
)

// ErrRunLocked indicates the run directory is owned by another process.
var ErrRunLocked = errors.New("run directory is locked by another process")

// Store implements core.ExecutionRepo on a local directory tree.
type Store struct {
	baseDir string
	cache   *filecache.Cache[*core.Execution]

	mu   sync.Mutex
	open map[string]*runDir
}

var _ core.ExecutionRepo = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	cacheCapacity int
	cacheTTL      time.Duration
}

// WithCacheCapacity bounds the execution read cache to n entries. Zero means
// unbounded.
func WithCacheCapacity(n int) StoreOption {
	return func(o *storeOptions) {
		o.cacheCapacity = n
	}
}

// WithCacheTTL sets how long cached execution snapshots stay valid without
// re-validation.
func WithCacheTTL(ttl time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.cacheTTL = ttl
	}
}

// New creates a Store rooted at baseDir. The directory is created when
// missing.
func New(baseDir string, opts ...StoreOption) (*Store, error) {
	options := &storeOptions{
		cacheCapacity: 0,
		cacheTTL:      time.Hour,
	}
	for _, opt := range opts {
		opt(options)
	}
	if err := os.MkdirAll(baseDir, defaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create run directory %s: %w", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		cache:   filecache.New[*core.Execution](options.cacheCapacity, options.cacheTTL),
		open:    map[string]*runDir{},
	}, nil
}

// Create allocates the run directory for a new execution and writes its
// first snapshot. The store keeps the directory's lock and writers open
// until the execution reaches a terminal status.
func (s *Store) Create(ctx context.Context, e *core.Execution) error {
	if e == nil || e.ID == "" {
		return core.NewError(core.ErrKindValidation, "execution id must be specified")
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now()
	}
	dir := s.runPath(e.SubmittedAt, e.ID)
	if fileExists(filepath.Join(dir, executionFile)) {
		return core.NewError(core.ErrKindDuplicateID, "execution %s already exists", e.ID)
	}
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return fmt.Errorf("failed to create run directory %s: %w", dir, err)
	}
	run, err := attach(dir)
	if err != nil {
		return err
	}
	if err := run.writeExecution(e); err != nil {
		run.close(ctx)
		return err
	}
	s.cache.Invalidate(filepath.Join(dir, executionFile))

	s.mu.Lock()
	s.open[e.ID] = run
	s.mu.Unlock()
	return nil
}

// Update rewrites the execution snapshot. A terminal status releases the run
// directory's writers and lock.
func (s *Store) Update(ctx context.Context, e *core.Execution) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: update without id", core.ErrExecutionNotFound)
	}
	run, err := s.run(e.ID)
	if err != nil {
		return err
	}
	if err := run.writeExecution(e); err != nil {
		return err
	}
	s.cache.Invalidate(filepath.Join(run.dir, executionFile))
	if e.Status.IsTerminal() {
		s.release(ctx, e.ID)
	}
	return nil
}

// AppendNode records a new node execution.
func (s *Store) AppendNode(ctx context.Context, n *core.NodeExecution) error {
	return s.writeNode(ctx, n)
}

// UpdateNode records a node execution's new snapshot.
func (s *Store) UpdateNode(ctx context.Context, n *core.NodeExecution) error {
	return s.writeNode(ctx, n)
}

// writeNode appends the node's current snapshot to the log; readers keep the
// last record per node id, so an update is just another append.
func (s *Store) writeNode(ctx context.Context, n *core.NodeExecution) error {
	if n == nil || n.ExecutionID == "" {
		return fmt.Errorf("%w: node record without execution id", core.ErrExecutionNotFound)
	}
	run, err := s.run(n.ExecutionID)
	if err != nil {
		return err
	}
	return run.nodes.Append(ctx, n)
}

// AppendEvent appends one lifecycle event to the execution's log.
func (s *Store) AppendEvent(ctx context.Context, ev *core.Event) error {
	if ev == nil || ev.ExecutionID == "" {
		return fmt.Errorf("%w: event without execution id", core.ErrExecutionNotFound)
	}
	run, err := s.run(ev.ExecutionID)
	if err != nil {
		return err
	}
	return run.events.Append(ctx, ev)
}

// Load reads an execution's full record: the snapshot, the folded node log,
// and its events ordered by sequence number.
func (s *Store) Load(ctx context.Context, executionID string) (*core.ExecutionRecord, error) {
	dir, err := s.findRunDir(executionID)
	if err != nil {
		return nil, err
	}
	exec, err := decodeExecution(filepath.Join(dir, executionFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	nodes, err := readNodes(ctx, filepath.Join(dir, nodesFile))
	if err != nil {
		return nil, err
	}
	events, err := readEvents(ctx, filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, err
	}
	return &core.ExecutionRecord{Execution: exec, Nodes: nodes, Events: events}, nil
}

// ListByStatus returns executions in any of the given statuses, newest
// first. No statuses means every execution. The per-directory status marker
// filters most misses without parsing the full snapshot.
func (s *Store) ListByStatus(ctx context.Context, statuses ...core.Status) ([]*core.Execution, error) {
	dirs, err := s.runDirs()
	if err != nil {
		return nil, err
	}
	var out []*core.Execution
	for _, dir := range dirs {
		if len(statuses) > 0 {
			if status, err := readStatusMarker(dir); err == nil && !lo.Contains(statuses, status) {
				continue
			}
		}
		exec, err := s.readCached(dir)
		if err != nil {
			logger.Warn(ctx, "Skipping unreadable run directory",
				tag.Path(dir),
				tag.Error(err),
			)
			continue
		}
		if len(statuses) > 0 && !lo.Contains(statuses, exec.Status) {
			continue
		}
		out = append(out, exec)
	}
	sortNewestFirst(out)
	return out, nil
}

// ListByWorkflow returns executions of the named workflow, newest first,
// narrowed by the given options. An empty name matches every workflow.
func (s *Store) ListByWorkflow(ctx context.Context, name string, opts ...core.ListExecutionsOption) ([]*core.Execution, error) {
	options := &core.ListExecutionsOptions{}
	for _, opt := range opts {
		opt(options)
	}
	dirs, err := s.runDirs()
	if err != nil {
		return nil, err
	}
	var out []*core.Execution
	for _, dir := range dirs {
		if options.Limit > 0 && len(out) >= options.Limit {
			break
		}
		exec, err := s.readCached(dir)
		if err != nil {
			logger.Warn(ctx, "Skipping unreadable run directory",
				tag.Path(dir),
				tag.Error(err),
			)
			continue
		}
		if name != "" && exec.Workflow != name {
			continue
		}
		if len(options.Statuses) > 0 && !lo.Contains(options.Statuses, exec.Status) {
			continue
		}
		if !options.From.IsZero() && exec.SubmittedAt.Before(options.From) {
			continue
		}
		if !options.To.IsZero() && !exec.SubmittedAt.Before(options.To) {
			continue
		}
		out = append(out, exec)
	}
	sortNewestFirst(out)
	return out, nil
}

// RemoveOld deletes terminal executions that finished before the retention
// window and returns how many were removed. Active executions and run
// directories locked by another process are left untouched.
func (s *Store) RemoveOld(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention)
	dirs, err := s.runDirs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, dir := range dirs {
		exec, err := s.readCached(dir)
		if err != nil {
			logger.Warn(ctx, "Skipping unreadable run directory",
				tag.Path(dir),
				tag.Error(err),
			)
			continue
		}
		if !exec.Status.IsTerminal() {
			continue
		}
		age := exec.FinishedAt
		if age.IsZero() {
			age = exec.SubmittedAt
		}
		if age.After(cutoff) {
			continue
		}
		fl := flock.New(filepath.Join(dir, lockFile))
		locked, err := fl.TryLock()
		if err != nil || !locked {
			continue
		}
		err = os.RemoveAll(dir)
		_ = fl.Unlock()
		if err != nil {
			logger.Error(ctx, "Failed to remove run directory",
				tag.Path(dir),
				tag.Error(err),
			)
			continue
		}
		s.cache.Invalidate(filepath.Join(dir, executionFile))
		removed++
	}
	s.pruneEmptyDirs()
	if removed > 0 {
		logger.Info(ctx, "Removed old executions", tag.Count(removed))
	}
	return removed, nil
}

// Close releases every open run directory. Executions still in flight
// reattach on their next write.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	open := s.open
	s.open = map[string]*runDir{}
	s.mu.Unlock()
	for _, run := range open {
		run.close(ctx)
	}
}

// run returns the open handle for an execution, attaching to its directory
// on the first touch after a restart.
func (s *Store) run(executionID string) (*runDir, error) {
	s.mu.Lock()
	if run, ok := s.open[executionID]; ok {
		s.mu.Unlock()
		return run, nil
	}
	s.mu.Unlock()

	dir, err := s.findRunDir(executionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.open[executionID]; ok {
		return run, nil
	}
	run, err := attach(dir)
	if err != nil {
		return nil, err
	}
	s.open[executionID] = run
	return run, nil
}

// release closes the writers and drops the lock of a finished execution.
func (s *Store) release(ctx context.Context, executionID string) {
	s.mu.Lock()
	run, ok := s.open[executionID]
	delete(s.open, executionID)
	s.mu.Unlock()
	if ok {
		run.close(ctx)
	}
}

// findRunDir locates an execution's directory by id. Run directories are
// date-partitioned, so unknown ids are globbed across all dates.
func (s *Store) findRunDir(executionID string) (string, error) {
	if executionID == "" {
		return "", core.ErrExecutionNotFound
	}
	s.mu.Lock()
	if run, ok := s.open[executionID]; ok {
		s.mu.Unlock()
		return run.dir, nil
	}
	s.mu.Unlock()

	pattern := filepath.Join(s.baseDir, "*", "*", "*", runDirPrefix+executionID)
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fmt.Errorf("failed to locate execution %s: %w", executionID, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
	}
	return matches[0], nil
}

// runDirs globs every run directory, newest first. Run ids are time-ordered,
// so reverse-lexicographic path order is reverse-chronological.
func (s *Store) runDirs() ([]string, error) {
	pattern := filepath.Join(s.baseDir, "*", "*", "*", runDirPrefix+"*")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list run directories: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// readCached reads the execution snapshot in dir through the cache. Cached
// snapshots are shared; list callers treat them as read-only.
func (s *Store) readCached(dir string) (*core.Execution, error) {
	path := filepath.Join(dir, executionFile)
	return s.cache.LoadLatest(path, func() (*core.Execution, error) {
		return decodeExecution(path)
	})
}

func (s *Store) runPath(submitted time.Time, executionID string) string {
	day := submitted.UTC()
	return filepath.Join(s.baseDir,
		day.Format("2006"), day.Format("01"), day.Format("02"),
		runDirPrefix+executionID)
}

// pruneEmptyDirs removes date directories emptied by retention, deepest
// level first.
func (s *Store) pruneEmptyDirs() {
	for _, pattern := range []string{
		filepath.Join(s.baseDir, "*", "*", "*"),
		filepath.Join(s.baseDir, "*", "*"),
		filepath.Join(s.baseDir, "*"),
	} {
		dirs, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			continue
		}
		for _, dir := range dirs {
			if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
				_ = os.Remove(dir)
			}
		}
	}
}

// runDir is an open, lock-held run directory with its append writers.
type runDir struct {
	dir    string
	lock   *flock.Flock
	nodes  *Writer
	events *Writer

	mu sync.Mutex // serializes snapshot rewrites
}

// attach locks the run directory and opens its writers for appending.
func attach(dir string) (*runDir, error) {
	fl := flock.New(filepath.Join(dir, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock run directory %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, dir)
	}
	run := &runDir{
		dir:    dir,
		lock:   fl,
		nodes:  NewWriter(filepath.Join(dir, nodesFile)),
		events: NewWriter(filepath.Join(dir, eventsFile)),
	}
	if err := run.nodes.Open(); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	if err := run.events.Open(); err != nil {
		_ = run.nodes.close()
		_ = fl.Unlock()
		return nil, err
	}
	return run, nil
}

// writeExecution atomically replaces the execution snapshot and its status
// marker.
func (r *runDir) writeExecution(e *core.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", e.ID, err)
	}
	if err := writeAtomic(filepath.Join(r.dir, executionFile), data); err != nil {
		return fmt.Errorf("failed to write execution %s: %w", e.ID, err)
	}
	if err := writeAtomic(filepath.Join(r.dir, statusFile), []byte(e.Status.String())); err != nil {
		return fmt.Errorf("failed to write status marker for %s: %w", e.ID, err)
	}
	return nil
}

func (r *runDir) close(ctx context.Context) {
	_ = r.nodes.Close(ctx)
	_ = r.events.Close(ctx)
	if err := r.lock.Unlock(); err != nil {
		logger.Error(ctx, "Failed to release run directory lock",
			tag.Path(r.dir),
			tag.Error(err),
		)
	}
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over path, so readers never observe a torn snapshot.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, defaultFilePerm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func decodeExecution(path string) (*core.Execution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e core.Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &e, nil
}

// readStatusMarker reads the per-directory status marker.
func readStatusMarker(dir string) (core.Status, error) {
	data, err := os.ReadFile(filepath.Join(dir, statusFile))
	if err != nil {
		return core.Pending, err
	}
	return core.ParseStatus(strings.TrimSpace(string(data)))
}

// readNodes folds the append-only node log, keeping the last snapshot per
// record id in first-seen order. A torn trailing line from a crash is
// skipped, not fatal.
func readNodes(ctx context.Context, path string) ([]*core.NodeExecution, error) {
	var out []*core.NodeExecution
	byID := map[string]int{}
	err := scanLines(path, func(line []byte) {
		var n core.NodeExecution
		if err := json.Unmarshal(line, &n); err != nil {
			logger.Warn(ctx, "Skipping corrupt node record",
				tag.Path(path),
				tag.Error(err),
			)
			return
		}
		if idx, ok := byID[n.ID]; ok {
			out[idx] = &n
			return
		}
		byID[n.ID] = len(out)
		out = append(out, &n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readEvents reads the event log ordered by sequence number.
func readEvents(ctx context.Context, path string) ([]*core.Event, error) {
	var out []*core.Event
	err := scanLines(path, func(line []byte) {
		var ev core.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn(ctx, "Skipping corrupt event record",
				tag.Path(path),
				tag.Error(err),
			)
			return
		}
		out = append(out, &ev)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// scanLines streams the non-empty lines of a JSONL file. A missing file is
// an empty log.
func scanLines(path string, fn func(line []byte)) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// sortNewestFirst orders executions by submission time descending; the glob
// order already approximates this, the sort makes it exact.
func sortNewestFirst(out []*core.Execution) {
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
