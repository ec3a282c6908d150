package statemachine

import (
	"context"
	"sort"
	"sync"

	"github.com/luomaohao/agentRun/internal/core"
)

// MemoryStore is the process-local core.InstanceRepo. It is the engine's
// default; deployments that need instances to survive restarts supply a
// file-backed repo instead.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*core.Instance
}

var _ core.InstanceRepo = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: map[string]*core.Instance{}}
}

// Save stores a snapshot of the instance. The caller keeps ownership of its
// copy; later mutations do not leak into the store.
func (s *MemoryStore) Save(_ context.Context, inst *core.Instance) error {
	if inst == nil || inst.ID == "" {
		return core.NewError(core.ErrKindValidation, "instance id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Load returns a copy of the stored instance.
func (s *MemoryStore) Load(_ context.Context, instanceID string) (*core.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, core.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

// List returns copies of all instances of the named workflow, newest first.
// An empty workflow name matches everything.
func (s *MemoryStore) List(_ context.Context, workflow string) ([]*core.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Instance
	for _, inst := range s.instances {
		if workflow != "" && inst.Workflow != workflow {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
