// Package action implements the side-effect primitives playbooks invoke:
// DNS-sink domain blocking, device tagging, notification fan-out, and a
// no-op simulator. Executors never return errors from Execute and never
// panic; every invocation yields a Receipt, with failures encoded inside
// it. When dry-run is set, executors perform no external I/O and report a
// successful synthetic receipt with zero side effects.
package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Receipt is the outcome of one action execution. It is attached verbatim
// to the soar_action event.
type Receipt struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Success      bool   `json:"success"`
	DryRun       bool   `json:"dry_run"`
	SideEffects  int    `json:"side_effects"`
	RetryHint    bool   `json:"retry_hint,omitempty"`
	Note         string `json:"note,omitempty"`
	ParamsDigest string `json:"parameters_digest"`
	DurationMS   int64  `json:"duration_ms"`
}

// Executor is one action kind. Validate is called at playbook load with
// possibly templated parameters, so it checks shape, not values.
type Executor interface {
	Kind() string
	Validate(params map[string]any) error
	Execute(ctx context.Context, params map[string]any, dryRun bool) Receipt
}

// Registry resolves action kinds to executors. It satisfies the playbook
// loader's ActionValidator.
type Registry struct {
	executors map[string]Executor
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger, execs ...Executor) *Registry {
	r := &Registry{
		executors: make(map[string]Executor, len(execs)),
		logger:    logger.With(zap.String("component", "action-registry")),
	}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

// Kinds returns the registered action kinds, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidateAction checks that kind is registered and its parameters are
// structurally valid.
func (r *Registry) ValidateAction(kind string, params map[string]any) error {
	exec, ok := r.executors[kind]
	if !ok {
		return fmt.Errorf("unknown action kind %q", kind)
	}
	return exec.Validate(params)
}

// Execute runs the named action and stamps the receipt with its identity
// fields. An unknown kind produces a failed receipt, never an error.
func (r *Registry) Execute(ctx context.Context, kind string, params map[string]any, dryRun bool) Receipt {
	start := time.Now()

	var rec Receipt
	if exec, ok := r.executors[kind]; ok {
		rec = exec.Execute(ctx, params, dryRun)
	} else {
		rec = Receipt{Note: fmt.Sprintf("unknown action kind %q", kind)}
	}

	rec.ID = uuid.NewString()
	rec.Kind = kind
	rec.DryRun = dryRun
	rec.ParamsDigest = digestParams(params)
	rec.DurationMS = time.Since(start).Milliseconds()

	r.logger.Info("action executed",
		zap.String("kind", kind),
		zap.Bool("success", rec.Success),
		zap.Bool("dry_run", rec.DryRun),
		zap.Int64("duration_ms", rec.DurationMS))
	return rec
}

// digestParams fingerprints a parameter map. JSON marshaling sorts map
// keys, so the digest is stable across runs.
func digestParams(params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(fmt.Sprint(params))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ── parameter helpers ──────────────────────────────────────────────────

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("parameter %q is empty", key)
	}
	return s, nil
}

func optionalString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// stringList accepts either a YAML list or a comma-separated string.
func stringList(params map[string]any, key string) []string {
	var out []string
	switch v := params[key].(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}
