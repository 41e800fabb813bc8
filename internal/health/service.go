package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/device"
	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/model"
)

const (
	defaultAppLabel          = "orion-sentinel"
	defaultEVESelector       = `{job="suricata"}`
	defaultCountLimit        = 5000
	defaultHighRiskThreshold = 0.7
)

// DeviceLister is the slice of the device store the service reads.
type DeviceLister interface {
	List(ctx context.Context, f device.Filter) ([]device.Device, error)
}

// LogQuerier is the slice of the log store the service counts events with.
type LogQuerier interface {
	Query(ctx context.Context, selector string, start, end time.Time, limit int) ([]logstore.Row, error)
}

// EventSink receives the security_health_update events.
type EventSink interface {
	Emit(ev model.SecurityEvent) error
}

// Config holds health-score settings. Zero values take the documented
// defaults.
type Config struct {
	AppLabel          string
	EVESelector       string
	HygienePath       string
	HighRiskThreshold float64
	CountLimit        int
	Thresholds        Thresholds
}

// Service is the periodic health-score loop. One Run call gathers the
// metrics, computes the score, and emits one security_health_update event;
// the scheduler owns the cadence.
type Service struct {
	devices DeviceLister
	querier LogQuerier
	sink    EventSink
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	last *Snapshot
}

// New wires a health-score service over its collaborators.
func New(devices DeviceLister, querier LogQuerier, sink EventSink, cfg Config, logger *zap.Logger) *Service {
	if cfg.AppLabel == "" {
		cfg.AppLabel = defaultAppLabel
	}
	if cfg.EVESelector == "" {
		cfg.EVESelector = defaultEVESelector
	}
	if cfg.HighRiskThreshold <= 0 {
		cfg.HighRiskThreshold = defaultHighRiskThreshold
	}
	if cfg.CountLimit <= 0 {
		cfg.CountLimit = defaultCountLimit
	}
	return &Service{
		devices: devices,
		querier: querier,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "health-score")),
		now:     time.Now,
	}
}

// Name identifies the service to the scheduler.
func (s *Service) Name() string { return "health-score" }

// LastSnapshot returns the most recently computed score, if any.
func (s *Service) LastSnapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Snapshot{}, false
	}
	return *s.last, true
}

// Run executes one scoring tick: gather, compute, publish. A log-store
// failure fails the tick; a missing hygiene file only costs the hygiene
// points and a recommendation.
func (s *Service) Run(ctx context.Context) error {
	started := s.now()

	metrics, notes, err := s.gather(ctx, started)
	if err != nil {
		return err
	}

	snapshot := Compute(metrics, s.cfg.Thresholds, started)
	snapshot.Recommendations = append(snapshot.Recommendations, notes...)

	s.mu.Lock()
	s.last = &snapshot
	s.mu.Unlock()

	if err := s.emit(snapshot); err != nil {
		return fmt.Errorf("emit health update: %w", err)
	}

	s.logger.Info("health score computed",
		zap.Int("composite", snapshot.Composite),
		zap.String("grade", snapshot.Grade),
		zap.Float64("inventory", snapshot.SubScores.Inventory),
		zap.Float64("threat", snapshot.SubScores.Threat),
		zap.Float64("change", snapshot.SubScores.Change),
		zap.Float64("hygiene", snapshot.SubScores.Hygiene),
		zap.Duration("elapsed", s.now().Sub(started)))
	return nil
}

// gather collects every input metric. notes carries reason strings for
// inputs that degraded gracefully rather than failing the tick.
func (s *Service) gather(ctx context.Context, now time.Time) (Metrics, []string, error) {
	var m Metrics
	var notes []string

	devices, err := s.devices.List(ctx, device.Filter{})
	if err != nil {
		return m, nil, fmt.Errorf("list devices: %w", err)
	}
	m.TotalDevices = len(devices)
	for _, dev := range devices {
		tagless := len(dev.Tags) == 0
		unknown := dev.GuessedType == "" || dev.GuessedType == device.TypeUnknown
		switch {
		case tagless && unknown:
			m.UnknownDevices++
		case tagless:
			m.UntaggedDevices++
		}
		if dev.RiskScore != nil && *dev.RiskScore >= s.cfg.HighRiskThreshold {
			m.HighRiskDevices++
		}
	}

	day := now.Add(-24 * time.Hour)
	week := now.Add(-7 * 24 * time.Hour)

	counts := []struct {
		dst       *int
		eventType model.EventType
		severity  []model.Severity
		since     time.Time
	}{
		{&m.HighAnomalies24h, model.EventDeviceAnomaly, []model.Severity{model.SeverityHigh, model.SeverityCritical}, day},
		{&m.HighRiskChanges7d, model.EventDeviceAnomaly, []model.Severity{model.SeverityHigh, model.SeverityCritical}, week},
		{&m.IntelMatches24h, model.EventIntelMatch, nil, day},
		{&m.IntelMatches7d, model.EventIntelMatch, nil, week},
		{&m.NewDevices7d, model.EventNewDevice, nil, week},
	}
	for _, c := range counts {
		n, err := s.countEvents(ctx, c.eventType, c.severity, c.since, now)
		if err != nil {
			return m, nil, fmt.Errorf("count %s events: %w", c.eventType, err)
		}
		*c.dst = n
	}

	critical, err := s.countBySelector(ctx, logstore.Selector(map[string]string{
		"app":      s.cfg.AppLabel,
		"severity": string(model.SeverityCritical),
	}), week, now)
	if err != nil {
		return m, nil, fmt.Errorf("count critical events: %w", err)
	}
	m.CriticalEvents7d = critical

	alerts, err := s.countAlerts(ctx, day, now)
	if err != nil {
		return m, nil, fmt.Errorf("count ids alerts: %w", err)
	}
	m.SuricataAlerts24h = alerts

	if s.cfg.HygienePath == "" {
		notes = append(notes, "Configure the hygiene flags file to earn hygiene points")
	} else {
		hygiene, err := LoadHygiene(s.cfg.HygienePath)
		if err != nil {
			s.logger.Warn("hygiene file unavailable, flags score as false",
				zap.String("path", s.cfg.HygienePath), zap.Error(err))
			notes = append(notes, fmt.Sprintf("Hygiene flags unavailable: %v", err))
		} else {
			m.Hygiene = hygiene
		}
	}

	return m, notes, nil
}

func (s *Service) countEvents(ctx context.Context, t model.EventType, severities []model.Severity, start, end time.Time) (int, error) {
	base := map[string]string{
		"app":        s.cfg.AppLabel,
		"event_type": string(t),
	}
	selector := logstore.Selector(base)
	if len(severities) > 0 {
		values := make([]string, 0, len(severities))
		for _, sev := range severities {
			values = append(values, string(sev))
		}
		selector = logstore.SelectorIn(base, "severity", values)
	}
	return s.countBySelector(ctx, selector, start, end)
}

func (s *Service) countBySelector(ctx context.Context, selector string, start, end time.Time) (int, error) {
	rows, err := s.querier.Query(ctx, selector, start, end, s.cfg.CountLimit)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// countAlerts counts raw IDS alert records in the window. Alerts live under
// the shipper's stream, not ours, so the rows are parsed and filtered by
// record type.
func (s *Service) countAlerts(ctx context.Context, start, end time.Time) (int, error) {
	rows, err := s.querier.Query(ctx, s.cfg.EVESelector, start, end, s.cfg.CountLimit)
	if err != nil {
		return 0, err
	}
	alerts := 0
	for _, row := range rows {
		rec, err := model.ParseEVELine(row.Line)
		if err != nil {
			continue
		}
		if rec.EventType == "alert" {
			alerts++
		}
	}
	return alerts, nil
}

func (s *Service) emit(snapshot Snapshot) error {
	ev := model.SecurityEvent{
		Timestamp: snapshot.Timestamp,
		EventType: model.EventHealthUpdate,
		Severity:  severityForGrade(snapshot.Grade),
		Title:     fmt.Sprintf("Security health: %d/100 (grade %s)", snapshot.Composite, snapshot.Grade),
		Description: fmt.Sprintf(
			"Composite security posture is %d. Inventory %.0f, threat %.0f, change %.0f, hygiene %.0f.",
			snapshot.Composite, snapshot.SubScores.Inventory, snapshot.SubScores.Threat,
			snapshot.SubScores.Change, snapshot.SubScores.Hygiene),
		Reasons: snapshot.Recommendations,
		Metadata: map[string]any{
			"score":           snapshot.Composite,
			"grade":           snapshot.Grade,
			"sub_scores":      snapshot.SubScores,
			"metrics":         snapshot.Metrics,
			"recommendations": snapshot.Recommendations,
		},
	}
	return s.sink.Emit(ev)
}

// severityForGrade surfaces a failing posture as a louder event.
func severityForGrade(grade string) model.Severity {
	switch grade {
	case "A", "B":
		return model.SeverityInfo
	case "C":
		return model.SeverityLow
	case "D":
		return model.SeverityMedium
	default:
		return model.SeverityHigh
	}
}
