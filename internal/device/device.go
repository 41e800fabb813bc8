// Package device is the durable inventory of hosts observed on the network.
// Devices are keyed by a stable identifier derived from MAC when known and
// IP otherwise; the identifier never changes for the life of the record.
// Writes go through single-writer transactions; reads return snapshots.
package device

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// DeviceType is the guessed or operator-assigned classification of a host.
type DeviceType string

const (
	TypePhone   DeviceType = "phone"
	TypeTV      DeviceType = "tv"
	TypeNAS     DeviceType = "nas"
	TypeLaptop  DeviceType = "laptop"
	TypeDesktop DeviceType = "desktop"
	TypeIoT     DeviceType = "iot"
	TypePrinter DeviceType = "printer"
	TypeUnknown DeviceType = "unknown"
)

var validTypes = map[DeviceType]struct{}{
	TypePhone: {}, TypeTV: {}, TypeNAS: {}, TypeLaptop: {},
	TypeDesktop: {}, TypeIoT: {}, TypePrinter: {}, TypeUnknown: {},
}

// IsValid reports whether t is one of the known device types.
func (t DeviceType) IsValid() bool {
	_, ok := validTypes[t]
	return ok
}

// Device is one inventoried host.
type Device struct {
	ID          string     `json:"id"`
	IP          string     `json:"ip"`
	MAC         string     `json:"mac,omitempty"`
	Hostname    string     `json:"hostname,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	Tags        []string   `json:"tags,omitempty"`
	GuessedType DeviceType `json:"guessed_type"`
	TypeLocked  bool       `json:"type_locked,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	RiskScore   *float64   `json:"risk_score,omitempty"`
}

// HasTag reports whether the device carries tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Observation is one sighting of a host extracted from flow or DNS records.
type Observation struct {
	IP       string
	MAC      string
	Hostname string
	SeenAt   time.Time
}

// Identifier derives the stable device identifier for the observation:
// mac:<lowercase-mac> when the MAC is known, ip:<canonical-ip> otherwise.
// An observation with neither yields an error and is dropped by callers.
func (o Observation) Identifier() (string, error) {
	if mac := NormalizeMAC(o.MAC); mac != "" {
		return "mac:" + mac, nil
	}
	if ip := NormalizeIP(o.IP); ip != "" {
		return "ip:" + ip, nil
	}
	return "", fmt.Errorf("observation has no usable identifier (ip=%q mac=%q)", o.IP, o.MAC)
}

// NormalizeMAC lowercases a MAC address and rejects malformed ones.
func NormalizeMAC(mac string) string {
	if mac == "" {
		return ""
	}
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return ""
	}
	return strings.ToLower(hw.String())
}

// NormalizeIP canonicalizes an IP address (IPv6 in compressed form).
func NormalizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	return parsed.String()
}
