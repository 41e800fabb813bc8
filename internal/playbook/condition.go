package playbook

import (
	"strings"
)

// evalCondition evaluates one condition against the event's JSON-value
// shape. A missing path is unequal to every value: it satisfies only `!=`
// (and negated operators, since negation applies to the operator result).
func evalCondition(evMap map[string]any, c Condition) bool {
	have, found := resolvePath(evMap, c.Path)
	result := applyOp(c.Op, have, found, c.Value)
	if c.Negate {
		return !result
	}
	return result
}

func applyOp(op string, have any, found bool, want any) bool {
	switch op {
	case OpEq:
		return found && looseEqual(have, want)
	case OpNe:
		return !found || !looseEqual(have, want)
	case OpGt, OpGe, OpLt, OpLe:
		if !found {
			return false
		}
		a, aok := toFloat(have)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpGe:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		return found && containsValue(have, want)
	case OpIn:
		return found && inList(have, want)
	default:
		return false
	}
}

// looseEqual compares across the numeric types YAML and JSON decoding
// produce; everything else compares by string rendering.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return stringify(a) == stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// containsValue implements `contains`: substring on strings, membership on
// arrays, key presence on maps.
func containsValue(have, want any) bool {
	switch t := have.(type) {
	case string:
		return strings.Contains(t, stringify(want))
	case []any:
		for _, item := range t {
			if looseEqual(item, want) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := t[stringify(want)]
		return ok
	default:
		return false
	}
}

// inList implements `in`: the event value is a member of the condition's
// list.
func inList(have, want any) bool {
	list, ok := want.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(have, item) {
			return true
		}
	}
	return false
}
