// Package intel owns threat intelligence: the durable IOC store, the feed
// ingest pipeline that fills it, and the correlator that matches observed
// network activity against it.
package intel

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// IOCType classifies an indicator value.
type IOCType string

const (
	TypeDomain IOCType = "domain"
	TypeIP     IOCType = "ip"
	TypeURL    IOCType = "url"
	TypeMD5    IOCType = "md5"
	TypeSHA1   IOCType = "sha1"
	TypeSHA256 IOCType = "sha256"
	TypeCVE    IOCType = "cve"
)

var validIOCTypes = map[IOCType]struct{}{
	TypeDomain: {}, TypeIP: {}, TypeURL: {}, TypeMD5: {},
	TypeSHA1: {}, TypeSHA256: {}, TypeCVE: {},
}

// IsValid reports whether t is a known indicator type.
func (t IOCType) IsValid() bool {
	_, ok := validIOCTypes[t]
	return ok
}

// ThreatCategory is the coarse classification a feed assigns.
type ThreatCategory string

const (
	CategoryMalware    ThreatCategory = "malware"
	CategoryC2         ThreatCategory = "c2"
	CategoryPhishing   ThreatCategory = "phishing"
	CategoryBotnet     ThreatCategory = "botnet"
	CategoryRansomware ThreatCategory = "ransomware"
	CategoryOther      ThreatCategory = "other"
)

// Feed source identifiers.
const (
	SourceOTX       = "otx"
	SourceURLhaus   = "urlhaus"
	SourceFeodo     = "feodo"
	SourcePhishtank = "phishtank"
)

// IOC is one indicator of compromise. (Value, Type, Source) identifies it
// uniquely; the same value reported by two feeds is two records.
type IOC struct {
	Value         string         `json:"value"`
	Type          IOCType        `json:"type"`
	Source        string         `json:"source"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	Confidence    float64        `json:"confidence"`
	Category      ThreatCategory `json:"category"`
	Tags          []string       `json:"tags,omitempty"`
	MalwareFamily string         `json:"malware_family,omitempty"`
	Description   string         `json:"description,omitempty"`
}

// Validate checks the fields the store relies on.
func (i *IOC) Validate() error {
	if i.Value == "" {
		return fmt.Errorf("ioc value is empty")
	}
	if !i.Type.IsValid() {
		return fmt.Errorf("unknown ioc type %q", i.Type)
	}
	if i.Source == "" {
		return fmt.Errorf("ioc source is empty")
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", i.Confidence)
	}
	if !i.LastSeen.IsZero() && !i.FirstSeen.IsZero() && i.LastSeen.Before(i.FirstSeen) {
		return fmt.Errorf("last_seen before first_seen")
	}
	return nil
}

var hexRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// NormalizeValue canonicalizes an indicator value for its type: domains
// lowercased without a trailing dot, IPs in canonical (compressed v6) form,
// URLs with lowercased scheme and host but path and query kept verbatim,
// hashes as lowercase hex, CVEs uppercased.
func NormalizeValue(value string, t IOCType) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("empty value")
	}
	switch t {
	case TypeDomain:
		return strings.ToLower(strings.TrimSuffix(value, ".")), nil
	case TypeIP:
		ip := net.ParseIP(value)
		if ip == nil {
			return "", fmt.Errorf("invalid ip %q", value)
		}
		return ip.String(), nil
	case TypeURL:
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid url %q", value)
		}
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		return u.String(), nil
	case TypeMD5, TypeSHA1, TypeSHA256:
		if !hexRe.MatchString(value) {
			return "", fmt.Errorf("invalid %s hash %q", t, value)
		}
		return strings.ToLower(value), nil
	case TypeCVE:
		return strings.ToUpper(value), nil
	default:
		return "", fmt.Errorf("unknown ioc type %q", t)
	}
}

// MatchRecord is one audit entry written whenever correlation hits an IOC.
type MatchRecord struct {
	IOCValue  string    `json:"ioc_value"`
	IOCType   IOCType   `json:"ioc_type"`
	Source    string    `json:"source"`
	DeviceID  string    `json:"device_id,omitempty"`
	MatchedAt time.Time `json:"matched_at"`
}

// Stats summarizes the store for health checks and the admin API.
type Stats struct {
	Total      int             `json:"total"`
	ByType     map[IOCType]int `json:"by_type"`
	Matches24h int             `json:"matches_24h"`
}
