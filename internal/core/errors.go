package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies errors for policy matching and persisted records.
type ErrorKind string

const (
	ErrKindValidation       ErrorKind = "validation"
	ErrKindSchema           ErrorKind = "schema"
	ErrKindCycle            ErrorKind = "cycle"
	ErrKindUnknownReference ErrorKind = "unknown_reference"
	ErrKindDuplicateID      ErrorKind = "duplicate_id"
	ErrKindTemplate         ErrorKind = "template"
	ErrKindAgent            ErrorKind = "agent"
	ErrKindTool             ErrorKind = "tool"
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindCircuitOpen      ErrorKind = "circuit_open"
	ErrKindResource         ErrorKind = "resource_exhausted"
	ErrKindCompensation     ErrorKind = "compensation"
	ErrKindUnmatchedBranch  ErrorKind = "unmatched_branch"
	ErrKindState            ErrorKind = "state"
	ErrKindInternal         ErrorKind = "internal"
)

// Agent and tool error subkinds, surfaced by the adapters.
const (
	SubkindNotFound  = "not_found"
	SubkindTimeout   = "timeout"
	SubkindRateLimit = "rate_limit"
	SubkindAuth      = "auth"
	SubkindExecution = "execution"
)

// Errors on building or referencing workflow definitions.
var (
	ErrNameRequired           = errors.New("workflow name must be specified")
	ErrVersionInvalid         = errors.New("workflow version must be valid semver")
	ErrKindInvalid            = errors.New("workflow kind must be dag, state_machine, or hybrid")
	ErrNodeIDRequired         = errors.New("node id must be specified")
	ErrNodeKindInvalid        = errors.New("node kind must be agent, tool, control, aggregation, or sub_workflow")
	ErrControlTypeInvalid     = errors.New("control node subtype must be switch, parallel, loop, or join")
	ErrSelfDependency         = errors.New("node must not depend on itself")
	ErrRetryPolicyNegative    = errors.New("retry policy values must be non-negative")
	ErrTimeoutNegative        = errors.New("timeout must be non-negative")
	ErrNoInitialState         = errors.New("state machine must declare exactly one initial state")
	ErrStateNameRequired      = errors.New("state name must be specified")
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrInstanceNotFound       = errors.New("state machine instance not found")
	ErrExecutionFinished      = errors.New("execution already reached a terminal status")
	ErrExecutionNotSuspended  = errors.New("execution is not suspended")
	ErrInvalidStatusChange    = errors.New("status change violates lifecycle monotonicity")
	ErrVersionConflict        = errors.New("workflow name and version already exist")
	ErrInstanceFinal          = errors.New("state machine instance reached its final state")
)

// ErrorList collects multiple validation errors while building a workflow.
type ErrorList []error

// Error implements the error interface. Errors are joined by a semicolon.
func (e ErrorList) Error() string {
	errStrings := make([]string, len(e))
	for i, err := range e {
		errStrings[i] = err.Error()
	}
	return strings.Join(errStrings, "; ")
}

// Unwrap exposes the underlying errors to errors.Is and errors.As.
func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// ToStringList returns the list of errors as a slice of strings.
func (e ErrorList) ToStringList() []string {
	errStrings := make([]string, len(e))
	for i, err := range e {
		errStrings[i] = err.Error()
	}
	return errStrings
}

// Error is the taxonomy node errors are normalized into before they reach the
// error handler or a persisted record.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Subkind   string    `json:"subkind,omitempty"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Retryable bool      `json:"retryable"`

	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Subkind != "" {
		b.WriteString("/")
		b.WriteString(e.Subkind)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.NodeID != "" {
		fmt.Fprintf(&b, " (node=%s)", e.NodeID)
	}
	return b.String()
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// WithNode attaches the originating node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithSubkind attaches an adapter subkind such as rate_limit or auth.
func (e *Error) WithSubkind(subkind string) *Error {
	e.Subkind = subkind
	return e
}

// WithRetryable overrides the kind's default retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Wrap records err as the cause, preserving it for errors.Is/As.
func (e *Error) Wrap(err error) *Error {
	if err != nil {
		e.wrapped = err
		e.Cause = err.Error()
	}
	return e
}

// NewError builds a taxonomy error with the kind's default retryability.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
	}
}

// defaultRetryable reflects which kinds are transient by nature. Adapter
// errors refine this per subkind via WithRetryable.
func defaultRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrKindTimeout, ErrKindResource:
		return true
	default:
		return false
	}
}

// AsError normalizes any error into the taxonomy. Already-typed errors pass
// through; context cancellations and deadlines map to their kinds; everything
// else becomes an internal error.
func AsError(err error, nodeID string) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		if typed.NodeID == "" && nodeID != "" {
			typed.NodeID = nodeID
		}
		return typed
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrKindTimeout, "%s", err.Error()).WithNode(nodeID).Wrap(err)
	case errors.Is(err, context.Canceled):
		return NewError(ErrKindCancelled, "%s", err.Error()).WithNode(nodeID).Wrap(err)
	default:
		return NewError(ErrKindInternal, "%s", err.Error()).WithNode(nodeID).Wrap(err)
	}
}
