// Package scoring defines the two detector ports the pipeline scores with:
// per-device anomaly and per-domain risk. Implementations are swappable
// through a registry; the defaults are deterministic heuristics, so the
// whole system runs and tests without model binaries.
package scoring

import (
	"context"
	"fmt"

	"github.com/orion-sentinel/netsec/internal/model"
)

// Result is what every scorer returns: a score in [0,1], human-readable
// reasons for it, and the evidence the score was computed from.
type Result struct {
	Score    float64        `json:"score"`
	Reasons  []string       `json:"reasons,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// DeviceAnomalyScorer scores one device from its records over a window.
type DeviceAnomalyScorer interface {
	Name() string
	ScoreDevice(ctx context.Context, deviceID string, records []model.EVERecord) (Result, error)
}

// DomainRiskScorer scores one domain from the records mentioning it.
type DomainRiskScorer interface {
	Name() string
	ScoreDomain(ctx context.Context, domain string, records []model.EVERecord) (Result, error)
}

// Registry is the dispatch table of available scorer implementations.
type Registry struct {
	device map[string]DeviceAnomalyScorer
	domain map[string]DomainRiskScorer
}

// NewRegistry returns a registry with the heuristic defaults registered.
func NewRegistry() *Registry {
	r := &Registry{
		device: make(map[string]DeviceAnomalyScorer),
		domain: make(map[string]DomainRiskScorer),
	}
	r.RegisterDevice(&heuristicDeviceScorer{})
	r.RegisterDomain(&heuristicDomainScorer{})
	return r
}

// RegisterDevice adds or replaces a device scorer under its name.
func (r *Registry) RegisterDevice(s DeviceAnomalyScorer) {
	r.device[s.Name()] = s
}

// RegisterDomain adds or replaces a domain scorer under its name.
func (r *Registry) RegisterDomain(s DomainRiskScorer) {
	r.domain[s.Name()] = s
}

// Device returns the named device scorer.
func (r *Registry) Device(name string) (DeviceAnomalyScorer, error) {
	s, ok := r.device[name]
	if !ok {
		return nil, fmt.Errorf("unknown device scorer %q", name)
	}
	return s, nil
}

// Domain returns the named domain scorer.
func (r *Registry) Domain(name string) (DomainRiskScorer, error) {
	s, ok := r.domain[name]
	if !ok {
		return nil, fmt.Errorf("unknown domain scorer %q", name)
	}
	return s, nil
}

// HeuristicName is the registry name of the built-in deterministic scorers.
const HeuristicName = "heuristic"
