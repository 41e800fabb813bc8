package scoring

import (
	"math"
	"strings"

	"github.com/orion-sentinel/netsec/internal/model"
)

// DeviceFeatures is the per-device feature vector extracted from one
// window of records.
type DeviceFeatures struct {
	ConnectionCount int            `json:"connection_count"`
	BytesOut        int64          `json:"bytes_out"`
	BytesIn         int64          `json:"bytes_in"`
	UniqueDestIPs   int            `json:"unique_dest_ips"`
	UniquePorts     int            `json:"unique_ports"`
	DNSQueryCount   int            `json:"dns_query_count"`
	UniqueDomains   int            `json:"unique_domains"`
	ProtocolCounts  map[string]int `json:"protocol_counts,omitempty"`
}

// ExtractDeviceFeatures folds a device's records into its feature vector.
func ExtractDeviceFeatures(records []model.EVERecord) DeviceFeatures {
	f := DeviceFeatures{ProtocolCounts: make(map[string]int)}
	destIPs := make(map[string]struct{})
	ports := make(map[int]struct{})
	domains := make(map[string]struct{})

	for _, rec := range records {
		switch rec.EventType {
		case "flow":
			f.ConnectionCount++
			if rec.Flow != nil {
				f.BytesOut += rec.Flow.BytesToServer
				f.BytesIn += rec.Flow.BytesToClient
			}
			if rec.DestIP != "" {
				destIPs[rec.DestIP] = struct{}{}
			}
			if rec.DestPort > 0 {
				ports[rec.DestPort] = struct{}{}
			}
			if rec.Proto != "" {
				f.ProtocolCounts[rec.Proto]++
			}
		case "dns":
			if rec.DNS != nil && rec.DNS.Type == "query" {
				f.DNSQueryCount++
				if rec.DNS.RRName != "" {
					domains[strings.ToLower(rec.DNS.RRName)] = struct{}{}
				}
			}
		}
	}

	f.UniqueDestIPs = len(destIPs)
	f.UniquePorts = len(ports)
	f.UniqueDomains = len(domains)
	return f
}

// DomainFeatures is the lexical feature vector of one domain name.
type DomainFeatures struct {
	Length     int     `json:"length"`
	LabelCount int     `json:"label_count"`
	Entropy    float64 `json:"entropy"`
	TLD        string  `json:"tld"`
	DigitRatio float64 `json:"digit_ratio"`
}

// ExtractDomainFeatures computes the lexical features of a domain name.
func ExtractDomainFeatures(domain string) DomainFeatures {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	labels := strings.Split(domain, ".")

	f := DomainFeatures{
		Length:     len(domain),
		LabelCount: len(labels),
	}
	if len(labels) > 1 {
		f.TLD = labels[len(labels)-1]
	}

	// Entropy and digit ratio are computed over the name without the dots,
	// so structure does not dilute the per-character statistics.
	body := strings.ReplaceAll(domain, ".", "")
	f.Entropy = shannonEntropy(body)
	if len(body) > 0 {
		digits := 0
		for _, r := range body {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		f.DigitRatio = float64(digits) / float64(len(body))
	}
	return f
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, n := range counts {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
