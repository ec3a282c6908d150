package core

// StateType positions a state inside the machine's lifecycle.
type StateType string

const (
	StateInitial StateType = "initial"
	StateNormal  StateType = "normal"
	StateFinal   StateType = "final"
)

// State is one node of a state-machine workflow. Transitions reference
// target states by name; cycles between states are intentional and legal.
type State struct {
	Name        string        `json:"name" yaml:"name"`
	Type        StateType     `json:"type,omitempty" yaml:"type,omitempty"`
	OnEnter     []*Action     `json:"on_enter,omitempty" yaml:"on_enter,omitempty"`
	OnExit      []*Action     `json:"on_exit,omitempty" yaml:"on_exit,omitempty"`
	Transitions []*Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// IsFinal reports whether entering this state completes the instance.
func (s *State) IsFinal() bool {
	return s.Type == StateFinal
}

// Transition reacts to one event name. Guard, when present, must evaluate
// true against the instance context for the transition to fire.
type Transition struct {
	Event   string    `json:"event" yaml:"event"`
	Guard   string    `json:"guard,omitempty" yaml:"condition,omitempty"`
	Target  string    `json:"target" yaml:"target"`
	Actions []*Action `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// ActionType discriminates the tagged action variants executable from
// states and transitions.
type ActionType string

const (
	ActionLog         ActionType = "log"
	ActionSetContext  ActionType = "set_context"
	ActionEmitEvent   ActionType = "emit_event"
	ActionInvokeAgent ActionType = "invoke_agent"
	ActionInvokeTool  ActionType = "invoke_tool"
	ActionTimerStart  ActionType = "timer_start"
	ActionTimerCancel ActionType = "timer_cancel"
)

// Valid reports whether the action type token is known.
func (t ActionType) Valid() bool {
	switch t {
	case ActionLog, ActionSetContext, ActionEmitEvent, ActionInvokeAgent,
		ActionInvokeTool, ActionTimerStart, ActionTimerCancel:
		return true
	}
	return false
}

// Action is a tagged variant executed during state entry, exit, or a
// transition. Config carries the type-specific declaration.
type Action struct {
	Type   ActionType     `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}
