package eval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luomaohao/agentRun/internal/core"
)

// pathStep is one resolution step: a map key, an [index], or both in order.
// index is -1 when the step carries no index.
type pathStep struct {
	key   string
	index int
}

// parsePath splits "a.b[0].c" into resolution steps.
func parsePath(path string) ([]pathStep, error) {
	if strings.TrimSpace(path) == "" {
		return nil, core.NewError(core.ErrKindTemplate, "empty reference path")
	}
	var steps []pathStep
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, core.NewError(core.ErrKindTemplate, "empty segment in path %q", path)
		}
		key := part
		var indexes []int
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			closing := strings.IndexByte(key[open:], ']')
			if closing < 0 {
				return nil, core.NewError(core.ErrKindTemplate, "unclosed index in path %q", path)
			}
			idxStr := key[open+1 : open+closing]
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 {
				return nil, core.NewError(core.ErrKindTemplate, "invalid index %q in path %q", idxStr, path)
			}
			indexes = append(indexes, idx)
			key = key[:open] + key[open+closing+1:]
		}
		if key == "" && len(indexes) == 0 {
			return nil, core.NewError(core.ErrKindTemplate, "empty segment in path %q", path)
		}
		if len(indexes) == 0 {
			steps = append(steps, pathStep{key: key, index: -1})
			continue
		}
		steps = append(steps, pathStep{key: key, index: indexes[0]})
		for _, idx := range indexes[1:] {
			steps = append(steps, pathStep{index: idx})
		}
	}
	return steps, nil
}

// segment is one piece of a parsed template: literal text or a reference.
type segment struct {
	literal  string
	ref      []pathStep
	refPath  string
	optional bool
}

// Template is a parsed "${path}" expression. Parsing happens once at
// workflow load; Resolve is a pure walk over a context snapshot.
type Template struct {
	raw      string
	segments []segment
	// pure is true when the template is exactly one reference, in which
	// case resolution preserves the referenced value's type.
	pure bool
}

// ParseTemplate parses a binding value. Text without "${" parses to a
// literal template. "${path?}" marks the reference nullable: unresolved
// nullable references yield nil instead of an error.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			break
		}
		if start > 0 {
			t.segments = append(t.segments, segment{literal: rest[:start]})
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return nil, core.NewError(core.ErrKindTemplate, "unclosed template in %q", raw)
		}
		refExpr := rest[start+2 : start+end]
		optional := strings.HasSuffix(refExpr, "?")
		if optional {
			refExpr = strings.TrimSuffix(refExpr, "?")
		}
		refExpr = strings.TrimSpace(refExpr)
		steps, err := parsePath(refExpr)
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, segment{ref: steps, refPath: refExpr, optional: optional})
		rest = rest[start+end+1:]
	}
	t.pure = len(t.segments) == 1 && t.segments[0].ref != nil
	return t, nil
}

// IsTemplate reports whether the raw string contains a template reference.
func IsTemplate(raw string) bool {
	return strings.Contains(raw, "${")
}

// Raw returns the original template source.
func (t *Template) Raw() string {
	return t.raw
}

// Resolve evaluates the template against a context snapshot. A pure
// reference keeps the referenced value's type; mixed templates interpolate
// into a string. Unresolved references fail unless declared nullable.
func (t *Template) Resolve(snapshot map[string]any) (any, error) {
	if t.pure {
		seg := t.segments[0]
		v, ok := walk(snapshot, seg.ref)
		if !ok {
			if seg.optional {
				return nil, nil
			}
			return nil, core.NewError(core.ErrKindTemplate, "unresolved reference %q", seg.refPath)
		}
		return v, nil
	}
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.ref == nil {
			b.WriteString(seg.literal)
			continue
		}
		v, ok := walk(snapshot, seg.ref)
		if !ok {
			if seg.optional {
				continue
			}
			return nil, core.NewError(core.ErrKindTemplate, "unresolved reference %q", seg.refPath)
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Bindings is a node's input declaration with every template pre-parsed.
type Bindings struct {
	fields map[string]*Template
}

// ParseBindings parses all of a node's input bindings at workflow load.
func ParseBindings(raw map[string]string) (*Bindings, error) {
	b := &Bindings{fields: make(map[string]*Template, len(raw))}
	for field, src := range raw {
		tpl, err := ParseTemplate(src)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", field, err)
		}
		b.fields[field] = tpl
	}
	return b, nil
}

// Resolve materializes the node input from a context snapshot.
func (b *Bindings) Resolve(snapshot map[string]any) (map[string]any, error) {
	if b == nil || len(b.fields) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(b.fields))
	for field, tpl := range b.fields {
		v, err := tpl.Resolve(snapshot)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", field, err)
		}
		out[field] = v
	}
	return out, nil
}

// Validate parses every template in raw, collecting all errors. Used by the
// validator to reject syntactically invalid bindings at load time.
func Validate(raw map[string]string) error {
	var errs core.ErrorList
	for field, src := range raw {
		if _, err := ParseTemplate(src); err != nil {
			errs = append(errs, fmt.Errorf("binding %q: %w", field, err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
