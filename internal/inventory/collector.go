// Package inventory discovers hosts from the IDS record stream and keeps
// the device store current: new hosts get records and a new_device event,
// known hosts get their sighting times, addresses, and guessed types
// refreshed.
package inventory

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/device"
	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/model"
)

const (
	defaultEVESelector = `{job="suricata"}`
	defaultLookback    = 15 * time.Minute
	defaultQueryLimit  = 5000
)

// LogQuerier is the slice of the log store the collector reads from.
type LogQuerier interface {
	Query(ctx context.Context, selector string, start, end time.Time, limit int) ([]logstore.Row, error)
}

// DeviceStore is the inventory surface the collector writes to.
type DeviceStore interface {
	UpsertFromObservation(ctx context.Context, obs device.Observation) (device.Device, bool, error)
	SetGuessedType(ctx context.Context, id string, t device.DeviceType) error
}

// EventSink receives new_device events.
type EventSink interface {
	Emit(ev model.SecurityEvent) error
}

// CollectorConfig holds collector settings. Zero values take the documented
// defaults.
type CollectorConfig struct {
	EVESelector string
	Lookback    time.Duration
	QueryLimit  int
}

// Collector runs the periodic discovery pass. One Run call is one tick; the
// scheduler owns the cadence.
type Collector struct {
	store   DeviceStore
	querier LogQuerier
	sink    EventSink
	cfg     CollectorConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewCollector wires a collector over its collaborators.
func NewCollector(store DeviceStore, querier LogQuerier, sink EventSink, cfg CollectorConfig, logger *zap.Logger) *Collector {
	if cfg.EVESelector == "" {
		cfg.EVESelector = defaultEVESelector
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = defaultQueryLimit
	}
	return &Collector{
		store:   store,
		querier: querier,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "inventory")),
		now:     time.Now,
	}
}

// Name identifies the collector to the scheduler.
func (c *Collector) Name() string { return "inventory" }

// Run executes one discovery tick. A query failure fails the tick; the next
// interval retries. Individual bad records are skipped.
func (c *Collector) Run(ctx context.Context) error {
	end := c.now()
	start := end.Add(-c.cfg.Lookback)

	rows, err := c.querier.Query(ctx, c.cfg.EVESelector, start, end, c.cfg.QueryLimit)
	if err != nil {
		return fmt.Errorf("query window: %w", err)
	}

	aggregates, invalid := aggregateObservations(rows)

	created, updated := 0, 0
	for _, agg := range aggregates {
		dev, isNew, err := c.upsertAggregate(ctx, agg)
		if err != nil {
			c.logger.Warn("device upsert failed",
				zap.String("identifier", agg.id), zap.Error(err))
			continue
		}
		if isNew {
			created++
			c.emitNewDevice(dev)
		} else {
			updated++
		}
		c.maybeGuessType(ctx, dev)
	}

	c.logger.Info("inventory tick complete",
		zap.Int("rows", len(rows)),
		zap.Int("invalid", invalid),
		zap.Int("devices", len(aggregates)),
		zap.Int("created", created),
		zap.Int("updated", updated))
	return nil
}

// aggregate folds every sighting of one identifier in the window: the
// earliest and latest observation, plus the best MAC and hostname seen.
type aggregate struct {
	id       string
	earliest device.Observation
	latest   device.Observation
}

// aggregateObservations extracts one observation per usable record and
// groups them by device identifier, in stable identifier order. Records
// that do not decode, or yield no identifier, are counted and skipped.
func aggregateObservations(rows []logstore.Row) ([]aggregate, int) {
	byID := make(map[string]*aggregate)
	invalid := 0

	for _, row := range rows {
		rec, err := model.ParseEVELine(row.Line)
		if err != nil {
			invalid++
			continue
		}
		obs, ok := observe(rec)
		if !ok {
			continue
		}
		id, err := obs.Identifier()
		if err != nil {
			invalid++
			continue
		}

		agg, exists := byID[id]
		if !exists {
			byID[id] = &aggregate{id: id, earliest: obs, latest: obs}
			continue
		}
		if obs.SeenAt.Before(agg.earliest.SeenAt) {
			agg.earliest = mergeObservation(obs, agg.earliest)
		} else {
			agg.earliest = mergeObservation(agg.earliest, obs)
		}
		// The most recent sighting wins for the current IP.
		if !obs.SeenAt.Before(agg.latest.SeenAt) {
			agg.latest = mergeObservation(obs, agg.latest)
		} else {
			agg.latest = mergeObservation(agg.latest, obs)
		}
	}

	out := make([]aggregate, 0, len(byID))
	for _, agg := range byID {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, invalid
}

// mergeObservation keeps the winner's position fields and fills its blanks
// from the other sighting.
func mergeObservation(winner, other device.Observation) device.Observation {
	out := winner
	if out.SeenAt.IsZero() {
		out.SeenAt = other.SeenAt
	}
	if out.MAC == "" {
		out.MAC = other.MAC
	}
	if out.Hostname == "" {
		out.Hostname = other.Hostname
	}
	if out.IP == "" {
		out.IP = other.IP
	}
	return out
}

// observe extracts the device sighting a record carries, if any. Flow, DNS,
// HTTP, and TLS records sight their LAN-side source; DHCP records carry the
// richest identity (MAC, assigned IP, hostname).
func observe(rec model.EVERecord) (device.Observation, bool) {
	switch rec.EventType {
	case "dhcp":
		if rec.DHCP == nil {
			return device.Observation{}, false
		}
		obs := device.Observation{
			MAC:      rec.DHCP.ClientMAC,
			Hostname: rec.DHCP.Hostname,
			SeenAt:   rec.Timestamp.Time,
		}
		obs.IP = rec.DHCP.AssignedIP
		if obs.IP == "" && isLANIP(rec.SrcIP) {
			obs.IP = rec.SrcIP
		}
		return obs, obs.IP != "" || obs.MAC != ""
	case "flow", "dns", "http", "tls":
		if !isLANIP(rec.SrcIP) {
			return device.Observation{}, false
		}
		obs := device.Observation{
			IP:     rec.SrcIP,
			SeenAt: rec.Timestamp.Time,
		}
		if rec.Ether != nil {
			obs.MAC = rec.Ether.SrcMAC
			if obs.MAC == "" && len(rec.Ether.SrcMACs) > 0 {
				obs.MAC = rec.Ether.SrcMACs[0]
			}
		}
		return obs, true
	default:
		return device.Observation{}, false
	}
}

// isLANIP reports whether the address belongs to the monitored network side.
func isLANIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// upsertAggregate applies one device's window boundaries: the earliest
// sighting first, then the latest, so the stored record spans the window
// and ends on the most recent address.
func (c *Collector) upsertAggregate(ctx context.Context, agg aggregate) (device.Device, bool, error) {
	dev, created, err := c.store.UpsertFromObservation(ctx, agg.earliest)
	if err != nil {
		return device.Device{}, false, err
	}
	if agg.latest.SeenAt.After(agg.earliest.SeenAt) {
		dev, _, err = c.store.UpsertFromObservation(ctx, agg.latest)
		if err != nil {
			return device.Device{}, false, err
		}
	}
	return dev, created, nil
}

func (c *Collector) emitNewDevice(dev device.Device) {
	display := dev.Hostname
	if display == "" {
		display = dev.IP
	}
	ev := model.SecurityEvent{
		EventType:   model.EventNewDevice,
		Severity:    model.SeverityInfo,
		Title:       fmt.Sprintf("New device discovered: %s", display),
		Description: fmt.Sprintf("Device %s joined the network and was added to the inventory.", display),
		SourceIP:    dev.IP,
		DeviceID:    dev.ID,
		Metadata:    map[string]any{"identifier": dev.ID},
	}
	if dev.MAC != "" {
		ev.Metadata["mac"] = dev.MAC
	}
	if dev.Hostname != "" {
		ev.Metadata["hostname"] = dev.Hostname
	}
	if err := c.sink.Emit(ev); err != nil {
		c.logger.Warn("emit new_device failed", zap.String("device_id", dev.ID), zap.Error(err))
	}
}

// maybeGuessType applies hostname-based classification to devices that are
// still unknown and not operator-locked.
func (c *Collector) maybeGuessType(ctx context.Context, dev device.Device) {
	if dev.TypeLocked || dev.Hostname == "" {
		return
	}
	if dev.GuessedType != "" && dev.GuessedType != device.TypeUnknown {
		return
	}
	guess := device.GuessType(dev.Hostname)
	if guess == device.TypeUnknown {
		return
	}
	if err := c.store.SetGuessedType(ctx, dev.ID, guess); err != nil {
		c.logger.Warn("type guess failed",
			zap.String("device_id", dev.ID), zap.String("guess", string(guess)), zap.Error(err))
	}
}
