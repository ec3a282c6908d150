package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luomaohao/agentRun/internal/core"
)

func snapshot() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"val":  0,
			"user": map[string]any{"name": "ada"},
		},
		"nodes": map[string]any{
			"a": map[string]any{"output": map[string]any{"out": 1}},
			"b": map[string]any{"output": map[string]any{
				"list": []any{"x", "y", "z"},
			}},
		},
	}
}

func TestTemplatePureReferenceKeepsType(t *testing.T) {
	t.Parallel()

	tpl, err := ParseTemplate("${nodes.a.output.out}")
	require.NoError(t, err)

	v, err := tpl.Resolve(snapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestTemplateInterpolation(t *testing.T) {
	t.Parallel()

	tpl, err := ParseTemplate("hello ${input.user.name}, out=${nodes.a.output.out}")
	require.NoError(t, err)

	v, err := tpl.Resolve(snapshot())
	require.NoError(t, err)
	assert.Equal(t, "hello ada, out=1", v)
}

func TestTemplateIndexSteps(t *testing.T) {
	t.Parallel()

	tpl, err := ParseTemplate("${nodes.b.output.list[1]}")
	require.NoError(t, err)

	v, err := tpl.Resolve(snapshot())
	require.NoError(t, err)
	assert.Equal(t, "y", v)

	tpl, err = ParseTemplate("${nodes.b.output.list[9]}")
	require.NoError(t, err)
	_, err = tpl.Resolve(snapshot())
	require.Error(t, err)
}

func TestTemplateUnresolvedReference(t *testing.T) {
	t.Parallel()

	tpl, err := ParseTemplate("${nodes.zzz.output}")
	require.NoError(t, err)

	_, err = tpl.Resolve(snapshot())
	require.Error(t, err)
	typed := core.AsError(err, "")
	assert.Equal(t, core.ErrKindTemplate, typed.Kind)
}

func TestTemplateNullableReference(t *testing.T) {
	t.Parallel()

	tpl, err := ParseTemplate("${nodes.zzz.output?}")
	require.NoError(t, err)

	v, err := tpl.Resolve(snapshot())
	require.NoError(t, err)
	assert.Nil(t, v)

	// nullable inside interpolation renders as empty
	tpl, err = ParseTemplate("x=${nodes.zzz.output?}!")
	require.NoError(t, err)
	v, err = tpl.Resolve(snapshot())
	require.NoError(t, err)
	assert.Equal(t, "x=!", v)
}

func TestTemplateSyntaxErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseTemplate("${unclosed")
	assert.Error(t, err)

	_, err = ParseTemplate("${a..b}")
	assert.Error(t, err)

	_, err = ParseTemplate("${list[abc]}")
	assert.Error(t, err)

	_, err = ParseTemplate("${}")
	assert.Error(t, err)
}

func TestBindingsResolve(t *testing.T) {
	t.Parallel()

	b, err := ParseBindings(map[string]string{
		"in":    "${nodes.a.output.out}",
		"label": "result for ${input.user.name}",
		"fixed": "constant",
	})
	require.NoError(t, err)

	got, err := b.Resolve(snapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, got["in"])
	assert.Equal(t, "result for ada", got["label"])
	assert.Equal(t, "constant", got["fixed"])
}

func TestBindingsNil(t *testing.T) {
	t.Parallel()

	var b *Bindings
	got, err := b.Resolve(snapshot())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	err := Validate(map[string]string{
		"ok":   "${input.val}",
		"bad1": "${unclosed",
		"bad2": "${a..b}",
	})
	require.Error(t, err)
	var list core.ErrorList
	require.ErrorAs(t, err, &list)
	assert.Len(t, list, 2)
}
