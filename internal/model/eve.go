package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EVETime decodes the timestamp formats the IDS emits: RFC3339 with either a
// colon-separated or compact numeric zone offset.
type EVETime struct {
	time.Time
}

var eveTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999-0700",
}

func (t *EVETime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range eveTimeLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized eve timestamp %q", s)
}

// EVERecord is one newline-delimited JSON record from the IDS. Only the
// fields the pipeline consumes are decoded; the raw line is kept so unknown
// fields survive alongside.
type EVERecord struct {
	Timestamp EVETime `json:"timestamp"`
	EventType string  `json:"event_type"`
	SrcIP     string  `json:"src_ip"`
	DestIP    string  `json:"dest_ip"`
	Proto     string  `json:"proto"`
	AppProto  string  `json:"app_proto"`
	DestPort  int     `json:"dest_port"`

	Flow *struct {
		BytesToServer int64 `json:"bytes_toserver"`
		BytesToClient int64 `json:"bytes_toclient"`
	} `json:"flow,omitempty"`

	DNS *struct {
		RRName string `json:"rrname"`
		RRType string `json:"rrtype"`
		Type   string `json:"type"`
	} `json:"dns,omitempty"`

	Alert *struct {
		Signature string `json:"signature"`
		Category  string `json:"category"`
		Severity  int    `json:"severity"`
	} `json:"alert,omitempty"`

	HTTP *struct {
		Hostname string `json:"hostname"`
	} `json:"http,omitempty"`

	TLS *struct {
		SNI string `json:"sni"`
	} `json:"tls,omitempty"`

	// Ether is present when the IDS logs link-layer addresses. Flow records
	// carry aggregated src_macs/dest_macs lists; packet records carry the
	// singular form.
	Ether *struct {
		SrcMAC   string   `json:"src_mac"`
		DestMAC  string   `json:"dest_mac"`
		SrcMACs  []string `json:"src_macs"`
		DestMACs []string `json:"dest_macs"`
	} `json:"ether,omitempty"`

	DHCP *struct {
		Type       string `json:"type"`
		ClientMAC  string `json:"client_mac"`
		AssignedIP string `json:"assigned_ip"`
		Hostname   string `json:"hostname"`
	} `json:"dhcp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// InvalidRecordError marks a line that could not be decoded as an EVE
// record. Loops treat it as skip-and-log, never as a tick failure.
type InvalidRecordError struct {
	Line []byte
	Err  error
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid eve record: %v", e.Err)
}

func (e *InvalidRecordError) Unwrap() error { return e.Err }

// ParseEVELine decodes one EVE JSON line. The original bytes are retained on
// the record.
func ParseEVELine(line []byte) (EVERecord, error) {
	var rec EVERecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return EVERecord{}, &InvalidRecordError{Line: line, Err: err}
	}
	rec.Raw = append(json.RawMessage(nil), line...)
	return rec, nil
}

// AlertSeverity maps the IDS alert severity scale (1 = highest) onto event
// severity.
func AlertSeverity(idsSeverity int) Severity {
	switch idsSeverity {
	case 1:
		return SeverityHigh
	case 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
