package scoring

import (
	"context"
	"fmt"

	"github.com/orion-sentinel/netsec/internal/model"
)

// heuristicDeviceScorer flags devices whose traffic shape deviates from
// what a home network host normally produces. Each triggered rule adds a
// fixed contribution; the sum is clamped to 1.
type heuristicDeviceScorer struct{}

func (s *heuristicDeviceScorer) Name() string { return HeuristicName }

type deviceRule struct {
	weight  float64
	applies func(DeviceFeatures) bool
	reason  func(DeviceFeatures) string
}

var deviceRules = []deviceRule{
	{
		weight:  0.30,
		applies: func(f DeviceFeatures) bool { return f.UniqueDestIPs > 50 },
		reason: func(f DeviceFeatures) string {
			return fmt.Sprintf("contacted %d distinct destinations in the window", f.UniqueDestIPs)
		},
	},
	{
		weight:  0.25,
		applies: func(f DeviceFeatures) bool { return f.UniquePorts > 20 },
		reason: func(f DeviceFeatures) string {
			return fmt.Sprintf("touched %d distinct destination ports", f.UniquePorts)
		},
	},
	{
		weight:  0.25,
		applies: func(f DeviceFeatures) bool { return f.BytesOut > 100<<20 },
		reason: func(f DeviceFeatures) string {
			return fmt.Sprintf("uploaded %d MB in the window", f.BytesOut>>20)
		},
	},
	{
		weight:  0.20,
		applies: func(f DeviceFeatures) bool { return f.DNSQueryCount > 200 },
		reason: func(f DeviceFeatures) string {
			return fmt.Sprintf("issued %d DNS queries", f.DNSQueryCount)
		},
	},
	{
		weight:  0.20,
		applies: func(f DeviceFeatures) bool { return f.UniqueDomains > 100 },
		reason: func(f DeviceFeatures) string {
			return fmt.Sprintf("queried %d distinct domains", f.UniqueDomains)
		},
	},
}

func (s *heuristicDeviceScorer) ScoreDevice(ctx context.Context, deviceID string, records []model.EVERecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f := ExtractDeviceFeatures(records)
	result := Result{
		Evidence: map[string]any{"features": f, "record_count": len(records)},
	}
	for _, rule := range deviceRules {
		if rule.applies(f) {
			result.Score += rule.weight
			result.Reasons = append(result.Reasons, rule.reason(f))
		}
	}
	if result.Score > 1 {
		result.Score = 1
	}
	return result, nil
}

// heuristicDomainScorer scores a domain on lexical shape: DGA-generated
// names tend to be long, high-entropy, digit-heavy, and parked on cheap
// TLDs.
type heuristicDomainScorer struct{}

func (s *heuristicDomainScorer) Name() string { return HeuristicName }

// suspiciousTLDs are the registries that dominate abuse reports.
var suspiciousTLDs = map[string]struct{}{
	"xyz": {}, "top": {}, "tk": {}, "ml": {}, "ga": {}, "cf": {}, "gq": {}, "pw": {},
}

type domainRule struct {
	weight  float64
	applies func(DomainFeatures) bool
	reason  func(DomainFeatures) string
}

var domainRules = []domainRule{
	{
		weight:  0.40,
		applies: func(f DomainFeatures) bool { return f.Entropy > 3.5 },
		reason: func(f DomainFeatures) string {
			return fmt.Sprintf("high character entropy %.2f (possible DGA)", f.Entropy)
		},
	},
	{
		weight:  0.20,
		applies: func(f DomainFeatures) bool { return f.Length > 30 },
		reason: func(f DomainFeatures) string {
			return fmt.Sprintf("unusually long name (%d chars)", f.Length)
		},
	},
	{
		weight:  0.20,
		applies: func(f DomainFeatures) bool { return f.DigitRatio > 0.3 },
		reason: func(f DomainFeatures) string {
			return fmt.Sprintf("digit-heavy name (%.0f%% digits)", f.DigitRatio*100)
		},
	},
	{
		weight: 0.30,
		applies: func(f DomainFeatures) bool {
			_, ok := suspiciousTLDs[f.TLD]
			return ok
		},
		reason: func(f DomainFeatures) string {
			return fmt.Sprintf("TLD .%s is frequently abused", f.TLD)
		},
	},
	{
		weight:  0.10,
		applies: func(f DomainFeatures) bool { return f.LabelCount > 4 },
		reason: func(f DomainFeatures) string {
			return fmt.Sprintf("deeply nested name (%d labels)", f.LabelCount)
		},
	},
}

func (s *heuristicDomainScorer) ScoreDomain(ctx context.Context, domain string, records []model.EVERecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f := ExtractDomainFeatures(domain)
	result := Result{
		Evidence: map[string]any{"features": f, "record_count": len(records)},
	}
	for _, rule := range domainRules {
		if rule.applies(f) {
			result.Score += rule.weight
			result.Reasons = append(result.Reasons, rule.reason(f))
		}
	}
	if result.Score > 1 {
		result.Score = 1
	}
	return result, nil
}
