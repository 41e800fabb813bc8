package intel

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Parser turns one raw feed payload into IOCs. Each feed format gets its
// own implementation; the ingestor holds them in a dispatch table keyed by
// source name.
type Parser interface {
	Parse(data []byte) ([]IOC, error)
}

// newParserTable builds the dispatch table of known feed parsers.
func newParserTable() map[string]Parser {
	return map[string]Parser{
		SourceOTX:       &otxParser{},
		SourceURLhaus:   &urlhausParser{},
		SourceFeodo:     &feodoParser{},
		SourcePhishtank: &phishtankParser{},
	}
}

var feedTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

// parseFeedTime tries the timestamp layouts seen across feeds. A zero time
// means unparseable; the store then stamps ingest time.
func parseFeedTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// expandURLIOC returns the url IOC plus a derived indicator for its host,
// so DNS and flow correlation can hit feed entries that only publish URLs.
func expandURLIOC(base IOC) []IOC {
	out := []IOC{base}
	u, err := url.Parse(base.Value)
	if err != nil || u.Host == "" {
		return out
	}
	host := u.Hostname()
	derived := base
	if net.ParseIP(host) != nil {
		derived.Type = TypeIP
	} else {
		derived.Type = TypeDomain
	}
	derived.Value = host
	return append(out, derived)
}

// ── urlhaus ───────────────────────────────────────────────────────────────

// urlhausParser reads the abuse.ch URLhaus recent CSV export. Lines
// starting with '#' are comments; columns are
// id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter.
type urlhausParser struct{}

func (p *urlhausParser) Parse(data []byte) ([]IOC, error) {
	var cleaned bytes.Buffer
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' {
			continue
		}
		cleaned.Write(trimmed)
		cleaned.WriteByte('\n')
	}

	reader := csv.NewReader(&cleaned)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("urlhaus csv: %w", err)
	}

	var out []IOC
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		added := parseFeedTime(row[1])
		ioc := IOC{
			Value:      row[2],
			Type:       TypeURL,
			Source:     SourceURLhaus,
			FirstSeen:  added,
			LastSeen:   added,
			Confidence: 0.9,
			Category:   CategoryMalware,
		}
		if tags := strings.TrimSpace(row[6]); tags != "" && tags != "None" {
			ioc.Tags = strings.Split(tags, ",")
		}
		out = append(out, expandURLIOC(ioc)...)
	}
	return out, nil
}

// ── feodo tracker ─────────────────────────────────────────────────────────

// feodoParser reads the abuse.ch Feodo Tracker IP blocklist JSON: botnet C2
// addresses with the associated malware family.
type feodoParser struct{}

type feodoEntry struct {
	IPAddress  string `json:"ip_address"`
	Status     string `json:"status"`
	FirstSeen  string `json:"first_seen"`
	LastOnline string `json:"last_online"`
	Malware    string `json:"malware"`
}

func (p *feodoParser) Parse(data []byte) ([]IOC, error) {
	var entries []feodoEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("feodo json: %w", err)
	}

	var out []IOC
	for _, e := range entries {
		if e.IPAddress == "" {
			continue
		}
		confidence := 0.9
		if e.Status != "online" {
			confidence = 0.7
		}
		out = append(out, IOC{
			Value:         e.IPAddress,
			Type:          TypeIP,
			Source:        SourceFeodo,
			FirstSeen:     parseFeedTime(e.FirstSeen),
			LastSeen:      parseFeedTime(e.LastOnline),
			Confidence:    confidence,
			Category:      CategoryC2,
			MalwareFamily: e.Malware,
		})
	}
	return out, nil
}

// ── phishtank ─────────────────────────────────────────────────────────────

// phishtankParser reads the PhishTank online-valid JSON export.
type phishtankParser struct{}

type phishtankEntry struct {
	URL            string `json:"url"`
	SubmissionTime string `json:"submission_time"`
	Verified       string `json:"verified"`
	Online         string `json:"online"`
	Target         string `json:"target"`
}

func (p *phishtankParser) Parse(data []byte) ([]IOC, error) {
	var entries []phishtankEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("phishtank json: %w", err)
	}

	var out []IOC
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		confidence := 0.5
		if e.Verified == "yes" {
			confidence = 0.8
		}
		submitted := parseFeedTime(e.SubmissionTime)
		ioc := IOC{
			Value:      e.URL,
			Type:       TypeURL,
			Source:     SourcePhishtank,
			FirstSeen:  submitted,
			LastSeen:   submitted,
			Confidence: confidence,
			Category:   CategoryPhishing,
		}
		if e.Target != "" && e.Target != "Other" {
			ioc.Description = "Phishing target: " + e.Target
		}
		out = append(out, expandURLIOC(ioc)...)
	}
	return out, nil
}

// ── otx ───────────────────────────────────────────────────────────────────

// otxParser reads an AlienVault OTX subscribed-pulses page. Indicator types
// outside the store's vocabulary are skipped.
type otxParser struct{}

type otxPulse struct {
	Name       string   `json:"name"`
	Tags       []string `json:"tags"`
	Created    string   `json:"created"`
	Indicators []struct {
		Indicator string `json:"indicator"`
		Type      string `json:"type"`
		Created   string `json:"created"`
	} `json:"indicators"`
}

type otxResponse struct {
	Results []otxPulse `json:"results"`
}

var otxTypeMap = map[string]IOCType{
	"domain":          TypeDomain,
	"hostname":        TypeDomain,
	"IPv4":            TypeIP,
	"IPv6":            TypeIP,
	"URL":             TypeURL,
	"FileHash-MD5":    TypeMD5,
	"FileHash-SHA1":   TypeSHA1,
	"FileHash-SHA256": TypeSHA256,
	"CVE":             TypeCVE,
}

func (p *otxParser) Parse(data []byte) ([]IOC, error) {
	var resp otxResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("otx json: %w", err)
	}

	var out []IOC
	for _, pulse := range resp.Results {
		category := categoryFromTags(pulse.Tags)
		pulseTime := parseFeedTime(pulse.Created)
		for _, ind := range pulse.Indicators {
			iocType, ok := otxTypeMap[ind.Type]
			if !ok {
				continue
			}
			seen := parseFeedTime(ind.Created)
			if seen.IsZero() {
				seen = pulseTime
			}
			out = append(out, IOC{
				Value:       ind.Indicator,
				Type:        iocType,
				Source:      SourceOTX,
				FirstSeen:   seen,
				LastSeen:    seen,
				Confidence:  0.7,
				Category:    category,
				Description: pulse.Name,
			})
		}
	}
	return out, nil
}

// categoryFromTags maps pulse tag keywords onto threat categories.
func categoryFromTags(tags []string) ThreatCategory {
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "ransomware":
			return CategoryRansomware
		case "phishing":
			return CategoryPhishing
		case "botnet":
			return CategoryBotnet
		case "c2", "c&c", "command and control":
			return CategoryC2
		case "malware", "trojan", "stealer":
			return CategoryMalware
		}
	}
	return CategoryOther
}
