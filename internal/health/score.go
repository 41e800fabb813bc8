// Package health computes the composite security-posture score: a periodic
// roll-up of inventory hygiene, threat activity, network change, and manual
// operational flags into one 0-100 number with a letter grade and ranked
// recommendations. Scoring is pure and deterministic; the service half of
// the package only gathers the inputs.
package health

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Component weights. They sum to 1 so the composite stays in [0,100].
const (
	weightInventory = 0.25
	weightThreat    = 0.35
	weightChange    = 0.20
	weightHygiene   = 0.20
)

// Hygiene points. The hygiene sub-score starts at zero and earns points per
// flag, unlike the other components which start at 100 and lose them.
const (
	pointsBackups  = 40
	pointsUpdates  = 40
	pointsFirewall = 20
)

// Metrics is one gathered snapshot of everything the score depends on. All
// counts are non-negative.
type Metrics struct {
	TotalDevices    int `json:"total_devices"`
	UnknownDevices  int `json:"unknown_devices"`
	UntaggedDevices int `json:"untagged_devices"`
	HighRiskDevices int `json:"high_risk_devices"`

	HighAnomalies24h  int `json:"high_anomalies_24h"`
	IntelMatches24h   int `json:"intel_matches_24h"`
	IntelMatches7d    int `json:"intel_matches_7d"`
	SuricataAlerts24h int `json:"suricata_alerts_24h"`
	CriticalEvents7d  int `json:"critical_events_7d"`

	NewDevices7d      int `json:"new_devices_7d"`
	HighRiskChanges7d int `json:"high_risk_changes_7d"`

	Hygiene Hygiene `json:"hygiene"`
}

// Hygiene carries the operator-maintained flags from the hygiene file.
type Hygiene struct {
	BackupsOK       bool `json:"backups_ok" yaml:"backups_ok"`
	UpdatesCurrent  bool `json:"updates_current" yaml:"updates_current"`
	FirewallEnabled bool `json:"firewall_enabled" yaml:"firewall_enabled"`
}

// Band is the {low, high} threshold pair that steps a metric's penalty. A
// count at or below Low costs nothing; between Low and High it realizes 30%
// of the metric's maximum penalty, from High to 2*High 60%, and at or past
// 2*High the full penalty applies.
type Band struct {
	Low  int `json:"low" mapstructure:"low"`
	High int `json:"high" mapstructure:"high"`
}

func (b Band) fraction(count int) float64 {
	switch {
	case count <= b.Low:
		return 0
	case count < b.High:
		return 0.3
	case count < 2*b.High:
		return 0.6
	default:
		return 1.0
	}
}

// Thresholds holds the per-metric bands. Zero bands are replaced by the
// defaults, so a partially configured set still scores sensibly.
type Thresholds struct {
	Unknown        Band `json:"unknown" mapstructure:"unknown"`
	Untagged       Band `json:"untagged" mapstructure:"untagged"`
	HighRisk       Band `json:"high_risk" mapstructure:"high_risk"`
	Anomalies      Band `json:"anomalies" mapstructure:"anomalies"`
	Intel24h       Band `json:"intel_24h" mapstructure:"intel_24h"`
	Intel7d        Band `json:"intel_7d" mapstructure:"intel_7d"`
	Alerts24h      Band `json:"alerts_24h" mapstructure:"alerts_24h"`
	CriticalEvents Band `json:"critical_events" mapstructure:"critical_events"`
	NewDevices     Band `json:"new_devices" mapstructure:"new_devices"`
	RiskChanges    Band `json:"risk_changes" mapstructure:"risk_changes"`
}

// DefaultThresholds returns the bands tuned for a home or small-office
// network of a few dozen devices.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Unknown:        Band{Low: 2, High: 5},
		Untagged:       Band{Low: 3, High: 8},
		HighRisk:       Band{Low: 0, High: 2},
		Anomalies:      Band{Low: 1, High: 4},
		Intel24h:       Band{Low: 0, High: 2},
		Intel7d:        Band{Low: 1, High: 5},
		Alerts24h:      Band{Low: 5, High: 20},
		CriticalEvents: Band{Low: 0, High: 2},
		NewDevices:     Band{Low: 2, High: 6},
		RiskChanges:    Band{Low: 0, High: 2},
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	fill := func(b, d Band) Band {
		if b.High <= 0 {
			return d
		}
		return b
	}
	t.Unknown = fill(t.Unknown, def.Unknown)
	t.Untagged = fill(t.Untagged, def.Untagged)
	t.HighRisk = fill(t.HighRisk, def.HighRisk)
	t.Anomalies = fill(t.Anomalies, def.Anomalies)
	t.Intel24h = fill(t.Intel24h, def.Intel24h)
	t.Intel7d = fill(t.Intel7d, def.Intel7d)
	t.Alerts24h = fill(t.Alerts24h, def.Alerts24h)
	t.CriticalEvents = fill(t.CriticalEvents, def.CriticalEvents)
	t.NewDevices = fill(t.NewDevices, def.NewDevices)
	t.RiskChanges = fill(t.RiskChanges, def.RiskChanges)
	return t
}

// penalty is one realized deduction with the recommendation that would
// recover it.
type penalty struct {
	metric         string
	count          int
	realized       float64
	recommendation string
}

// SubScores are the weighted components of the composite.
type SubScores struct {
	Inventory float64 `json:"inventory"`
	Threat    float64 `json:"threat"`
	Change    float64 `json:"change"`
	Hygiene   float64 `json:"hygiene"`
}

// Snapshot is one computed health score.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Composite       int       `json:"composite"`
	Grade           string    `json:"grade"`
	SubScores       SubScores `json:"sub_scores"`
	Metrics         Metrics   `json:"metrics"`
	Recommendations []string  `json:"recommendations"`
}

// Compute scores one metrics snapshot. It is a pure function: the same
// inputs always produce the same snapshot apart from the timestamp.
func Compute(m Metrics, th Thresholds, now time.Time) Snapshot {
	th = th.withDefaults()

	var penalties []penalty
	apply := func(metric string, count int, maxPenalty float64, band Band, weight float64, recommendation string) float64 {
		realized := maxPenalty * band.fraction(count) * weight
		if realized <= 0 {
			return 0
		}
		penalties = append(penalties, penalty{
			metric:         metric,
			count:          count,
			realized:       realized,
			recommendation: recommendation,
		})
		return realized
	}

	// Inventory penalties weight by the affected share of the fleet: three
	// unknown devices out of three are a bigger problem than three out of
	// thirty.
	fleet := func(count int) float64 {
		if m.TotalDevices <= 0 {
			return 0
		}
		return float64(count) / float64(m.TotalDevices)
	}
	inventory := 100.0
	inventory -= apply("unknown_devices", m.UnknownDevices, 30, th.Unknown, fleet(m.UnknownDevices),
		fmt.Sprintf("Tag %d unknown devices", m.UnknownDevices))
	inventory -= apply("untagged_devices", m.UntaggedDevices, 20, th.Untagged, fleet(m.UntaggedDevices),
		fmt.Sprintf("Tag %d untagged devices", m.UntaggedDevices))
	inventory -= apply("high_risk_devices", m.HighRiskDevices, 50, th.HighRisk, fleet(m.HighRiskDevices),
		fmt.Sprintf("Investigate %d high-risk devices", m.HighRiskDevices))

	threat := 100.0
	threat -= apply("high_anomalies_24h", m.HighAnomalies24h, 40, th.Anomalies, 1,
		fmt.Sprintf("Review %d high-severity device anomalies from the last 24 hours", m.HighAnomalies24h))
	threat -= apply("intel_matches_24h", m.IntelMatches24h, 30, th.Intel24h, 1,
		fmt.Sprintf("Investigate %d threat intel matches from the last 24 hours", m.IntelMatches24h))
	threat -= apply("intel_matches_7d", m.IntelMatches7d, 20, th.Intel7d, 1,
		fmt.Sprintf("Review %d threat intel matches from the last 7 days", m.IntelMatches7d))
	threat -= apply("suricata_alerts_24h", m.SuricataAlerts24h, 10, th.Alerts24h, 1,
		fmt.Sprintf("Triage %d IDS alerts from the last 24 hours", m.SuricataAlerts24h))
	threat -= apply("critical_events_7d", m.CriticalEvents7d, 20, th.CriticalEvents, 1,
		fmt.Sprintf("Resolve %d critical events from the last 7 days", m.CriticalEvents7d))

	change := 100.0
	change -= apply("new_devices_7d", m.NewDevices7d, 30, th.NewDevices, 1,
		fmt.Sprintf("Review %d devices that joined the network in the last 7 days", m.NewDevices7d))
	change -= apply("high_risk_changes_7d", m.HighRiskChanges7d, 70, th.RiskChanges, 1,
		fmt.Sprintf("Investigate %d devices whose risk rose in the last 7 days", m.HighRiskChanges7d))

	hygiene := 0.0
	hygieneFlag := func(metric string, ok bool, points float64, recommendation string) {
		if ok {
			hygiene += points
			return
		}
		penalties = append(penalties, penalty{metric: metric, realized: points, recommendation: recommendation})
	}
	hygieneFlag("backups_ok", m.Hygiene.BackupsOK, pointsBackups, "Verify backups are running and recoverable")
	hygieneFlag("updates_current", m.Hygiene.UpdatesCurrent, pointsUpdates, "Apply pending system updates")
	hygieneFlag("firewall_enabled", m.Hygiene.FirewallEnabled, pointsFirewall, "Enable the firewall")

	sub := SubScores{
		Inventory: clampScore(inventory),
		Threat:    clampScore(threat),
		Change:    clampScore(change),
		Hygiene:   clampScore(hygiene),
	}
	composite := int(math.Round(
		weightInventory*sub.Inventory +
			weightThreat*sub.Threat +
			weightChange*sub.Change +
			weightHygiene*sub.Hygiene))

	return Snapshot{
		Timestamp:       now.UTC(),
		Composite:       composite,
		Grade:           Grade(composite),
		SubScores:       sub,
		Metrics:         m,
		Recommendations: rankRecommendations(penalties),
	}
}

// Grade maps a composite score to its letter.
func Grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// rankRecommendations orders recommendations by realized penalty, largest
// first, ties broken by metric name for a stable list.
func rankRecommendations(penalties []penalty) []string {
	sort.SliceStable(penalties, func(i, j int) bool {
		if penalties[i].realized != penalties[j].realized {
			return penalties[i].realized > penalties[j].realized
		}
		return penalties[i].metric < penalties[j].metric
	})
	out := make([]string, 0, len(penalties))
	for _, p := range penalties {
		out = append(out, p.recommendation)
	}
	return out
}
