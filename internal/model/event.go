// Package model defines the canonical SecurityEvent record shared by every
// subsystem. Detection loops, the SOAR engine, and the health-score service
// all speak this one event shape; the log store holds the authoritative
// copies, components only ever hold transient ones.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the category of a security event. Values stay
// low-cardinality: they become log-store stream labels.
type EventType string

const (
	EventIntelMatch    EventType = "intel_match"
	EventDeviceAnomaly EventType = "device_anomaly"
	EventDomainRisk    EventType = "domain_risk"
	EventNewDevice     EventType = "new_device"
	EventSOARAction    EventType = "soar_action"
	EventHealthUpdate  EventType = "security_health_update"
	EventSuricataAlert EventType = "suricata_alert"
	EventServiceHealth EventType = "health_status"
)

// Severity grades an event. The ordering info < low < medium < high <
// critical is relied on by playbook conditions and health metrics.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric position of s in the severity ordering, or -1 for
// an unknown severity.
func (s Severity) Rank() int {
	r, ok := severityRank[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s is ranked at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= 0 && s.Rank() >= min.Rank()
}

// SeverityForConfidence maps a TI confidence value to the severity an
// intel_match event carries: >=0.9 high, >=0.7 medium, otherwise low.
func SeverityForConfidence(confidence float64) Severity {
	switch {
	case confidence >= 0.9:
		return SeverityHigh
	case confidence >= 0.7:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SecurityEvent is the unified record produced by all detection and response
// paths. Events are immutable once emitted; mutating a copy held after
// emission has no effect anywhere.
type SecurityEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   EventType `json:"event_type"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`

	SourceIP  string   `json:"src_ip,omitempty"`
	DestIP    string   `json:"dest_ip,omitempty"`
	DeviceID  string   `json:"device_id,omitempty"`
	Domain    string   `json:"domain,omitempty"`
	RiskScore *float64 `json:"risk_score,omitempty"`

	Reasons   []string `json:"reasons,omitempty"`
	TISources []string `json:"ti_sources,omitempty"`

	// Metadata carries event-type specific detail as decoded JSON values.
	// It is the only open-ended part of the record; playbook field paths
	// reach into it.
	Metadata map[string]any `json:"metadata,omitempty"`
}

var (
	ErrMissingEventType = errors.New("event_type is required")
	ErrMissingSeverity  = errors.New("severity is required")
)

// Validate checks the two required fields. Timestamp is allowed to be zero
// here; the emitter fills it at emission time.
func (e *SecurityEvent) Validate() error {
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if e.Severity == "" {
		return ErrMissingSeverity
	}
	if e.Severity.Rank() < 0 {
		return fmt.Errorf("unknown severity %q", e.Severity)
	}
	return nil
}

// AsMap returns the event in its JSON-decoded form: the representation
// playbook field paths and templates resolve against. Numbers come back as
// float64, exactly as a log-store consumer would see them.
func (e *SecurityEvent) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return m, nil
}
