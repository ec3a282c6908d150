package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/eventbus"
)

// Service provides audit logging on top of a Store.
type Service struct {
	store Store
}

// NewService creates an audit service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Log records an audit entry.
func (s *Service) Log(ctx context.Context, entry *Entry) error {
	return s.store.Append(ctx, entry)
}

// Query retrieves audit entries matching the filter.
func (s *Service) Query(ctx context.Context, filter QueryFilter) (*QueryResult, error) {
	return s.store.Query(ctx, filter)
}

// Attach subscribes the service to the bus so every lifecycle event lands
// in the trail. The returned function detaches it.
func (s *Service) Attach(bus eventbus.Bus) func() {
	return bus.Subscribe(eventbus.TopicAll, func(ctx context.Context, ev *core.Event) error {
		return s.LogEvent(ctx, ev)
	})
}

// LogEvent converts a lifecycle event into an audit entry.
func (s *Service) LogEvent(ctx context.Context, ev *core.Event) error {
	category, action := classifyEvent(ev.Type)
	entry := NewEntry(category, action).
		WithExecution(ev.ExecutionID).
		WithNode(ev.NodeID).
		WithSeq(ev.Seq)
	if len(ev.Payload) > 0 {
		details, _ := json.Marshal(ev.Payload)
		entry = entry.WithDetails(string(details))
	}
	return s.Log(ctx, entry)
}

// LogWorkflowSaved records that a workflow definition version was stored.
func (s *Service) LogWorkflowSaved(ctx context.Context, name, version string) error {
	details, _ := json.Marshal(map[string]string{"workflow": name, "version": version})
	return s.Log(ctx, NewEntry(CategoryWorkflow, "saved").WithDetails(string(details)))
}

// LogWorkflowDeleted records that a workflow definition version was removed.
func (s *Service) LogWorkflowDeleted(ctx context.Context, name, version string) error {
	details, _ := json.Marshal(map[string]string{"workflow": name, "version": version})
	return s.Log(ctx, NewEntry(CategoryWorkflow, "deleted").WithDetails(string(details)))
}

// LogSchedulerRejection records a task the scheduler refused to run.
func (s *Service) LogSchedulerRejection(ctx context.Context, executionID, nodeID, reason string) error {
	details, _ := json.Marshal(map[string]string{"reason": reason})
	return s.Log(ctx, NewEntry(CategoryScheduler, "rejected").
		WithExecution(executionID).
		WithNode(nodeID).
		WithDetails(string(details)))
}

// LogRetention records how many execution records a retention sweep removed.
func (s *Service) LogRetention(ctx context.Context, removed int) error {
	details, _ := json.Marshal(map[string]int{"removed": removed})
	return s.Log(ctx, NewEntry(CategoryScheduler, "retention_sweep").WithDetails(string(details)))
}

// classifyEvent maps a lifecycle event type onto an audit category and
// action. Execution and node events use their suffix as the action; the
// state-machine event family keeps the full type, whose dotted names do not
// split cleanly.
func classifyEvent(t core.EventType) (Category, string) {
	name := string(t)
	family, rest, _ := strings.Cut(name, ".")
	switch family {
	case "execution":
		return CategoryExecution, rest
	case "node":
		return CategoryNode, rest
	case "compensation":
		return CategoryCompensation, rest
	default:
		return CategoryState, name
	}
}
