// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency. Use these
// functions instead of raw strings to ensure consistent and type-safe log
// output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Workflow creates a tag for workflow names.
func Workflow(name string) slog.Attr {
	return slog.String("workflow", name)
}

// Version creates a tag for workflow versions.
func Version(v string) slog.Attr {
	return slog.String("version", v)
}

// Execution creates a tag for execution IDs.
func Execution(id string) slog.Attr {
	return slog.String("execution-id", id)
}

// Instance creates a tag for state-machine instance IDs.
func Instance(id string) slog.Attr {
	return slog.String("instance-id", id)
}

// Node creates a tag for node IDs.
func Node(id string) slog.Attr {
	return slog.String("node", id)
}

// State creates a tag for state names.
func State(name string) slog.Attr {
	return slog.String("state", name)
}

// Event creates a tag for event names or types.
func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// Status creates a tag for lifecycle statuses.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Agent creates a tag for agent IDs.
func Agent(id string) slog.Attr {
	return slog.String("agent", id)
}

// Tool creates a tag for tool IDs.
func Tool(id string) slog.Attr {
	return slog.String("tool", id)
}

// Topic creates a tag for event-bus topics.
func Topic(name string) slog.Attr {
	return slog.String("topic", name)
}

// Resource creates a tag for scheduler resource keys.
func Resource(key string) slog.Attr {
	return slog.String("resource", key)
}

// Count creates a tag for generic counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Duration creates a tag for elapsed times.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Path creates a tag for filesystem paths.
func Path(p string) slog.Attr {
	return slog.String("path", p)
}

// Strategy creates a tag for compensation strategies.
func Strategy(s string) slog.Attr {
	return slog.String("strategy", s)
}
