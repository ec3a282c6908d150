// Package fileinst persists state-machine instances as JSON documents, one
// file per instance under <base>/inst_<id>.json. The file is the source of
// truth for the instance's state, context, and transition history, and is
// rewritten atomically on every save. Instance ids are time-ordered, so
// directory order approximates recency; List makes the order exact.
package fileinst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/persistence/filecache"
)

const (
	instFilePrefix = "inst_"
	instFileSuffix = ".json"

	defaultFilePerm os.FileMode = 0600
	defaultDirPerm  os.FileMode = 0750
)

// Store implements core.InstanceRepo on a local directory.
type Store struct {
	baseDir string
	cache   *filecache.Cache[*core.Instance]
}

var _ core.InstanceRepo = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	cacheCapacity int
	cacheTTL      time.Duration
}

// WithCacheCapacity bounds the list-scan cache to n entries. Zero means
// unbounded.
func WithCacheCapacity(n int) StoreOption {
	return func(o *storeOptions) {
		o.cacheCapacity = n
	}
}

// WithCacheTTL sets how long cached instance snapshots stay valid without
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
		return nil, fmt.Errorf("failed to create instance directory %s: %w", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		cache:   filecache.New[*core.Instance](options.cacheCapacity, options.cacheTTL),
	}, nil
}

// Save rewrites the instance snapshot atomically.
func (s *Store) Save(_ context.Context, inst *core.Instance) error {
	if inst == nil || inst.ID == "" {
		return core.NewError(core.ErrKindValidation, "instance id is required")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", inst.ID, err)
	}
	path := s.instPath(inst.ID)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write instance %s: %w", inst.ID, err)
	}
	s.cache.Invalidate(path)
	return nil
}

// Load decodes a fresh copy of the instance, bypassing the cache so the
// engine's load-mutate-save cycle never aliases a cached snapshot.
func (s *Store) Load(_ context.Context, instanceID string) (*core.Instance, error) {
	if instanceID == "" {
		return nil, core.ErrInstanceNotFound
	}
	inst, err := decodeInstance(s.instPath(instanceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrInstanceNotFound, instanceID)
		}
		return nil, err
	}
	return inst, nil
}

// List returns copies of the named workflow's instances, newest first. An
// empty workflow name matches everything. Unreadable files are skipped so
// one corrupt instance does not hide the rest.
func (s *Store) List(ctx context.Context, workflow string) ([]*core.Instance, error) {
	pattern := filepath.Join(s.baseDir, instFilePrefix+"*"+instFileSuffix)
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	var out []*core.Instance
	for _, path := range matches {
		inst, err := s.readCached(path)
		if err != nil {
			logger.Warn(ctx, "Skipping unreadable instance file",
				tag.Path(path),
				tag.Error(err),
			)
			continue
		}
		if workflow != "" && inst.Workflow != workflow {
			continue
		}
		// Cached snapshots are shared across calls; hand out copies.
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// readCached reads the instance snapshot at path through the cache.
func (s *Store) readCached(path string) (*core.Instance, error) {
	return s.cache.LoadLatest(path, func() (*core.Instance, error) {
		return decodeInstance(path)
	})
}

func (s *Store) instPath(instanceID string) string {
	return filepath.Join(s.baseDir, instFilePrefix+instanceID+instFileSuffix)
}

// writeAtomic writes data to a temp file next to path and renames it over,
// so readers never observe a torn snapshot.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, defaultFilePerm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func decodeInstance(path string) (*core.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var inst core.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &inst, nil
}
