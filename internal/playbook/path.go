package playbook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// resolvePath walks a dot-separated path through the JSON-value shape of an
// event: maps by key, arrays by integer index. The second return is false
// when any component is missing, which callers treat as the "missing"
// sentinel.
func resolvePath(root any, path string) (any, bool) {
	cur := root
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// stringify renders a resolved value the way it should appear inside an
// action parameter. Composites render as compact JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}
