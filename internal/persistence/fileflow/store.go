// Package fileflow stores workflow definitions as YAML files, one document
// per (name, version) under <base>/<name>/<version>.yaml. Definitions are
// immutable once saved; new behavior ships as a new version. A parse cache
// keeps hot definitions off the disk, and an optional fsnotify watch makes
// out-of-band edits visible to new executions.
package fileflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/parser"
	"github.com/luomaohao/agentRun/internal/persistence/filecache"
	"github.com/luomaohao/agentRun/internal/stringutil"
)

// Default permissions for created files and directories.
const (
	defaultFilePerm os.FileMode = 0600
	defaultDirPerm  os.FileMode = 0750
)

// versionLatest resolves to the highest stored version of a workflow.
const versionLatest = "latest"

// Store implements core.WorkflowRepo on a local directory tree.
type Store struct {
	baseDir string
	cache   *filecache.Cache[*core.Workflow]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

var _ core.WorkflowRepo = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	cacheCapacity int
	cacheTTL      time.Duration
}

// WithCacheCapacity bounds the parse cache to n entries. Zero means
// unbounded.
func WithCacheCapacity(n int) StoreOption {
	return func(o *storeOptions) {
		o.cacheCapacity = n
	}
}

// WithCacheTTL sets how long parsed definitions stay cached without
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
		cacheTTL:      12 * time.Hour,
	}
	for _, opt := range opts {
		opt(options)
	}
	if err := os.MkdirAll(baseDir, defaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create workflow directory %s: %w", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		cache:   filecache.New[*core.Workflow](options.cacheCapacity, options.cacheTTL),
	}, nil
}

// Save persists a new definition. A (name, version) that already exists is
// a conflict: definitions are immutable, bump the version instead.
func (s *Store) Save(_ context.Context, w *core.Workflow) error {
	if w == nil || w.Name == "" {
		return core.ErrNameRequired
	}
	if _, err := semver.NewVersion(w.Version); err != nil {
		return fmt.Errorf("%w: %q", core.ErrVersionInvalid, w.Version)
	}

	path := s.path(w.Name, w.Version)
	if fileExists(path) {
		return fmt.Errorf("%w: %s", core.ErrVersionConflict, w.Ref())
	}

	data, err := parser.Marshal(w)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", w.Ref(), err)
	}
	if err := os.WriteFile(path, data, defaultFilePerm); err != nil {
		return fmt.Errorf("failed to write workflow %s: %w", w.Ref(), err)
	}
	s.cache.Invalidate(path)
	return nil
}

// LoadByID scans the store for the definition carrying the given id.
func (s *Store) LoadByID(_ context.Context, id string) (*core.Workflow, error) {
	if id == "" {
		return nil, core.ErrWorkflowNotFound
	}
	paths, err := s.discover()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		w, err := s.load(path)
		if err != nil {
			continue
		}
		if w.ID == id {
			return w, nil
		}
	}
	return nil, core.ErrWorkflowNotFound
}

// LoadByNameVersion resolves version as an exact semver, a constraint such
// as "^1.2", or "latest" (empty means latest), and loads that definition.
func (s *Store) LoadByNameVersion(_ context.Context, name, version string) (*core.Workflow, error) {
	if name == "" {
		return nil, core.ErrWorkflowNotFound
	}
	switch {
	case version == "" || version == versionLatest:
		return s.loadResolved(name, nil)
	case isExactVersion(version):
		return s.loadExact(name, version)
	default:
		constraint, err := semver.NewConstraint(version)
		if err != nil {
			return nil, core.NewError(core.ErrKindValidation,
				"invalid version constraint %q: %s", version, err)
		}
		return s.loadResolved(name, constraint)
	}
}

// List returns every stored definition, ordered by name then by descending
// version.
func (s *Store) List(ctx context.Context) ([]*core.Workflow, error) {
	paths, err := s.discover()
	if err != nil {
		return nil, err
	}
	out := make([]*core.Workflow, 0, len(paths))
	for _, path := range paths {
		w, err := s.load(path)
		if err != nil {
			logger.Warn(ctx, "Skipping unreadable workflow file",
				tag.Path(path),
				tag.Error(err),
			)
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		vi, ei := semver.NewVersion(out[i].Version)
		vj, ej := semver.NewVersion(out[j].Version)
		if ei != nil || ej != nil {
			return out[i].Version > out[j].Version
		}
		return vi.GreaterThan(vj)
	})
	return out, nil
}

// Delete removes one stored version. The containing directory is removed
// when the last version goes.
func (s *Store) Delete(_ context.Context, name, version string) error {
	path := s.path(name, version)
	if !fileExists(path) {
		return fmt.Errorf("%w: %s:%s", core.ErrWorkflowNotFound, name, version)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete workflow %s:%s: %w", name, version, err)
	}
	s.cache.Invalidate(path)

	dir := filepath.Dir(path)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

// Watch invalidates cached definitions when their files change on disk.
// Edits become visible to executions submitted afterwards; in-flight
// executions keep the snapshot they started with. Watch returns once the
// watcher is installed; it stops when ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.baseDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.baseDir, err)
	}
	// Watch existing per-workflow directories; new ones are added as their
	// create events arrive.
	if entries, err := os.ReadDir(s.baseDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(s.baseDir, entry.Name()))
			}
		}
	}
	s.watcher = watcher

	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		_ = watcher.Close()
		s.mu.Lock()
		s.watcher = nil
		s.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) ||
				event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
				s.cache.Invalidate(event.Name)
				logger.Debug(ctx, "Workflow file changed",
					tag.Path(event.Name),
					"op", event.Op.String(),
				)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error(ctx, "Workflow watcher error", tag.Error(err))
		}
	}
}

// discover globs every definition file under the store root.
func (s *Store) discover() ([]string, error) {
	pattern := filepath.Join(s.baseDir, "*", "*.yaml")
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to discover workflows: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// versions lists the stored semvers of one workflow, unsorted.
func (s *Store) versions(name string) ([]*semver.Version, error) {
	dir := filepath.Join(s.baseDir, stringutil.SafeName(name))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, name)
		}
		return nil, fmt.Errorf("failed to read workflow directory %s: %w", dir, err)
	}
	var out []*semver.Version
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		v, err := semver.NewVersion(strings.TrimSuffix(entry.Name(), ".yaml"))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// loadResolved loads the highest stored version, optionally narrowed by a
// constraint.
func (s *Store) loadResolved(name string, constraint *semver.Constraints) (*core.Workflow, error) {
	versions, err := s.versions(name)
	if err != nil {
		return nil, err
	}
	var best *semver.Version
	for _, v := range versions {
		if constraint != nil && !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s (no version matches)", core.ErrWorkflowNotFound, name)
	}
	return s.loadExact(name, best.Original())
}

func (s *Store) loadExact(name, version string) (*core.Workflow, error) {
	path := s.path(name, version)
	w, err := s.load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s:%s", core.ErrWorkflowNotFound, name, version)
		}
		return nil, err
	}
	return w, nil
}

// load parses the file at path, consulting the cache first.
func (s *Store) load(path string) (*core.Workflow, error) {
	return s.cache.LoadLatest(path, func() (*core.Workflow, error) {
		return parser.ParseFile(path)
	})
}

func (s *Store) path(name, version string) string {
	return filepath.Join(s.baseDir, stringutil.SafeName(name), version+".yaml")
}

// isExactVersion reports whether the token is a plain semver rather than a
// constraint expression.
func isExactVersion(version string) bool {
	_, err := semver.StrictNewVersion(version)
	return err == nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
