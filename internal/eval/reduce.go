package eval

import (
	"dario.cat/mergo"

	"github.com/luomaohao/agentRun/internal/core"
)

// Reduce combines upstream outputs in source order using the declared
// reducer. Inputs arrive ordered by the aggregation node's source list so
// concat and last are deterministic.
func Reduce(reducer core.Reducer, sources []string, outputs []map[string]any) (map[string]any, error) {
	switch reducer {
	case core.ReducerMerge, "":
		merged := map[string]any{}
		for _, out := range outputs {
			if err := mergo.Merge(&merged, deepCopyMap(out), mergo.WithOverride); err != nil {
				return nil, core.NewError(core.ErrKindInternal, "merge reducer: %s", err).Wrap(err)
			}
		}
		return merged, nil

	case core.ReducerConcat:
		var items []any
		for _, out := range outputs {
			items = append(items, deepCopyValue(any(out)))
		}
		return map[string]any{"items": items}, nil

	case core.ReducerSum:
		total := 0.0
		for _, out := range outputs {
			for _, v := range out {
				if n, ok := toFloat(v); ok {
					total += n
				}
			}
		}
		return map[string]any{"sum": total}, nil

	case core.ReducerLast:
		if len(outputs) == 0 {
			return map[string]any{}, nil
		}
		return deepCopyMap(outputs[len(outputs)-1]), nil

	default:
		return nil, core.NewError(core.ErrKindValidation, "unknown reducer %q", reducer).
			WithNode(firstOr(sources, ""))
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
