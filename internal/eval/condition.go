package eval

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/luomaohao/agentRun/internal/core"
)

// Condition is a compiled boolean or value expression evaluated against a
// context snapshot. Switch conditions, conditional edges, loop
// while-conditions, and transition guards all share this grammar.
type Condition struct {
	src     string
	program *vm.Program
}

// CompileCondition compiles the expression once at workflow load. Unknown
// identifiers resolve to nil at runtime so conditions can reference node
// outputs that appear later in the execution.
func CompileCondition(src string) (*Condition, error) {
	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, core.NewError(core.ErrKindValidation, "invalid condition %q: %s", src, err).Wrap(err)
	}
	return &Condition{src: src, program: program}, nil
}

// Src returns the original expression source.
func (c *Condition) Src() string {
	return c.src
}

// Eval runs the expression and coerces the result to a boolean. Nil results
// are false; non-bool, non-nil results are an error.
func (c *Condition) Eval(snapshot map[string]any) (bool, error) {
	v, err := c.Value(snapshot)
	if err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case nil:
		return false, nil
	default:
		return false, core.NewError(core.ErrKindValidation,
			"condition %q evaluated to %T, want bool", c.src, v)
	}
}

// Value runs the expression and returns the raw result. Switch nodes match
// the value against their branch keys.
func (c *Condition) Value(snapshot map[string]any) (any, error) {
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	out, err := expr.Run(c.program, snapshot)
	if err != nil {
		return nil, core.NewError(core.ErrKindTemplate,
			"condition %q: %s", c.src, err).Wrap(err)
	}
	return out, nil
}
