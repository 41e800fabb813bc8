package playbook

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/model"
)

// Engine holds the active playbook set and matches events against it.
// Load swaps the set atomically: a file that fails to parse or validate
// leaves the previous set in place, so a bad edit never disarms response.
type Engine struct {
	path   string
	opts   LoadOptions
	logger *zap.Logger

	mu      sync.RWMutex
	current []Playbook
}

// NewEngine builds an engine over the given playbooks file. Call Load
// before the first Evaluate.
func NewEngine(path string, opts LoadOptions, logger *zap.Logger) *Engine {
	return &Engine{
		path:   path,
		opts:   opts,
		logger: logger.With(zap.String("component", "playbook-engine")),
	}
}

// Load reads the playbooks file and, if it is valid, replaces the active
// set. On error the active set is unchanged.
func (e *Engine) Load() error {
	books, err := LoadFile(e.path, e.opts)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.current = books
	e.mu.Unlock()

	enabled := 0
	for _, pb := range books {
		if pb.Enabled {
			enabled++
		}
	}
	e.logger.Info("playbooks loaded",
		zap.String("path", e.path),
		zap.Int("total", len(books)),
		zap.Int("enabled", enabled))
	return nil
}

// Playbooks returns a snapshot of the active set.
func (e *Engine) Playbooks() []Playbook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Playbook, len(e.current))
	copy(out, e.current)
	return out
}

// TriggerTypes returns the sorted, deduplicated trigger event types of all
// enabled playbooks. The response loop uses this to narrow its event query.
func (e *Engine) TriggerTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	for _, pb := range e.current {
		if pb.Enabled {
			set[pb.Trigger] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Evaluate matches an event against the active set. Matching playbooks come
// back ordered by priority descending, identifier ascending, with every
// action's parameters template-resolved against the event.
func (e *Engine) Evaluate(ev model.SecurityEvent) ([]Match, error) {
	root, err := ev.AsMap()
	if err != nil {
		return nil, fmt.Errorf("flatten event: %w", err)
	}

	e.mu.RLock()
	books := e.current
	e.mu.RUnlock()

	var matches []Match
	for _, pb := range books {
		if !pb.Enabled || pb.Trigger != string(ev.EventType) {
			continue
		}
		if !e.conditionsHold(pb, root) {
			continue
		}
		matches = append(matches, Match{
			Playbook: pb,
			Actions:  e.resolveActions(pb, root),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i].Playbook, matches[j].Playbook
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return matches, nil
}

func (e *Engine) conditionsHold(pb Playbook, root map[string]any) bool {
	for _, cond := range pb.Conditions {
		if !evalCondition(root, cond) {
			return false
		}
	}
	return true
}

var templateRe = regexp.MustCompile(`\{\{\s*event\.([^}\s]+)\s*\}\}`)

func (e *Engine) resolveActions(pb Playbook, root map[string]any) []ResolvedAction {
	out := make([]ResolvedAction, 0, len(pb.Actions))
	for _, spec := range pb.Actions {
		resolved := ResolvedAction{Kind: spec.Kind, Critical: spec.Critical}
		if len(spec.Parameters) > 0 {
			resolved.Parameters = make(map[string]any, len(spec.Parameters))
			for key, val := range spec.Parameters {
				if s, ok := val.(string); ok {
					resolved.Parameters[key] = e.expand(pb.ID, s, root)
				} else {
					resolved.Parameters[key] = val
				}
			}
		}
		out = append(out, resolved)
	}
	return out
}

// expand substitutes {{event.<path>}} templates. A path that does not
// resolve against the event becomes the empty string.
func (e *Engine) expand(playbookID, s string, root map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateRe.ReplaceAllStringFunc(s, func(tmpl string) string {
		path := templateRe.FindStringSubmatch(tmpl)[1]
		val, ok := resolvePath(root, path)
		if !ok {
			e.logger.Warn("template path not present on event",
				zap.String("playbook_id", playbookID),
				zap.String("path", path))
			return ""
		}
		return stringify(val)
	})
}
