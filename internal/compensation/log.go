// Package compensation implements Saga rollback: a per-execution log of
// committed work and a manager that replays compensating actions against it.
package compensation

import (
	"sync"
	"time"
)

// Entry records one unit of committed work that can be undone. The engine
// appends it when the owning node commits success, never at dispatch, so a
// failure mid-commit leaves no dangling entry.
type Entry struct {
	// NodeID is the completed node whose effect the entry reverses.
	NodeID string `json:"node_id"`
	// ActionRef is the id of the compensating node to invoke.
	ActionRef string `json:"action_ref"`
	// Input is the payload handed to the compensating action, typically the
	// completed node's output.
	Input map[string]any `json:"input,omitempty"`
	// Committed orders the log; sequential_reverse replays newest first.
	Committed time.Time `json:"committed"`
}

// Log is the per-execution compensation log, ordered by commit time.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

func NewLog() *Log {
	return &Log{}
}

// Append records committed work. Safe for concurrent node completions.
func (l *Log) Append(nodeID, actionRef string, input map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		NodeID:    nodeID,
		ActionRef: actionRef,
		Input:     input,
		Committed: time.Now().UTC(),
	})
}

// Entries returns a copy of the log in commit order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns how many entries have been committed.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
