package intel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/device"
	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/model"
	"github.com/orion-sentinel/netsec/internal/scoring"
)

const (
	defaultEVESelector     = `{job="suricata"}`
	defaultLookback        = 10 * time.Minute
	defaultSuppressWindow  = time.Hour
	defaultQueryLimit      = 5000
	defaultDeviceThreshold = 0.7
	defaultDomainThreshold = 0.7
)

// LogQuerier is the slice of the log store the correlator reads from.
type LogQuerier interface {
	Query(ctx context.Context, selector string, start, end time.Time, limit int) ([]logstore.Row, error)
}

// DeviceResolver attributes traffic to inventory devices and receives risk
// score writebacks.
type DeviceResolver interface {
	GetByIP(ctx context.Context, ip string) (device.Device, error)
	SetRiskScore(ctx context.Context, id string, score float64) error
}

// EventSink receives the events a correlation tick produces.
type EventSink interface {
	Emit(ev model.SecurityEvent) error
}

// CorrelatorConfig holds correlation settings. Zero values take the
// documented defaults.
type CorrelatorConfig struct {
	EVESelector      string
	Lookback         time.Duration
	SuppressWindow   time.Duration
	QueryLimit       int
	DeviceThreshold  float64
	DomainThreshold  float64
	DeviceScorerName string
	DomainScorerName string
}

// Correlator runs the periodic match pass: pull recent IDS records from the
// log store, extract candidate indicators, test them against the IOC store,
// and score device and domain behavior. One Run call is one tick; the
// scheduler owns the cadence.
type Correlator struct {
	store        *Store
	querier      LogQuerier
	devices      DeviceResolver
	sink         EventSink
	deviceScorer scoring.DeviceAnomalyScorer
	domainScorer scoring.DomainRiskScorer
	suppress     *suppressor
	cfg          CorrelatorConfig
	logger       *zap.Logger
	now          func() time.Time
}

// NewCorrelator wires a correlator over its collaborators.
func NewCorrelator(
	store *Store,
	querier LogQuerier,
	devices DeviceResolver,
	sink EventSink,
	scorers *scoring.Registry,
	cfg CorrelatorConfig,
	logger *zap.Logger,
) (*Correlator, error) {
	if cfg.EVESelector == "" {
		cfg.EVESelector = defaultEVESelector
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = defaultSuppressWindow
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = defaultQueryLimit
	}
	if cfg.DeviceThreshold <= 0 {
		cfg.DeviceThreshold = defaultDeviceThreshold
	}
	if cfg.DomainThreshold <= 0 {
		cfg.DomainThreshold = defaultDomainThreshold
	}
	if cfg.DeviceScorerName == "" {
		cfg.DeviceScorerName = scoring.HeuristicName
	}
	if cfg.DomainScorerName == "" {
		cfg.DomainScorerName = scoring.HeuristicName
	}

	deviceScorer, err := scorers.Device(cfg.DeviceScorerName)
	if err != nil {
		return nil, err
	}
	domainScorer, err := scorers.Domain(cfg.DomainScorerName)
	if err != nil {
		return nil, err
	}

	return &Correlator{
		store:        store,
		querier:      querier,
		devices:      devices,
		sink:         sink,
		deviceScorer: deviceScorer,
		domainScorer: domainScorer,
		suppress:     newSuppressor(cfg.SuppressWindow),
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "ti-correlator")),
		now:          time.Now,
	}, nil
}

// Name identifies the correlator to the scheduler.
func (c *Correlator) Name() string { return "ti-correlator" }

// Run executes one correlation tick.
func (c *Correlator) Run(ctx context.Context) error {
	started := c.now()
	end := started
	start := end.Add(-c.cfg.Lookback)

	rows, err := c.querier.Query(ctx, c.cfg.EVESelector, start, end, c.cfg.QueryLimit)
	if err != nil {
		return fmt.Errorf("query window: %w", err)
	}

	records, invalid := decodeRows(rows)
	ext := extractCandidates(records)

	domainHits, err := c.store.LookupMany(ctx, sortedKeys(ext.domainObservers), TypeDomain)
	if err != nil {
		return fmt.Errorf("lookup domains: %w", err)
	}
	ipHits, err := c.store.LookupMany(ctx, sortedKeys(ext.ipObservers), TypeIP)
	if err != nil {
		return fmt.Errorf("lookup ips: %w", err)
	}

	emitted, suppressed := 0, 0
	for _, value := range sortedKeys(domainHits) {
		e, s := c.emitMatches(ctx, value, domainHits[value], ext.domainObservers[value])
		emitted += e
		suppressed += s
	}
	for _, value := range sortedKeys(ipHits) {
		e, s := c.emitMatches(ctx, value, ipHits[value], ext.ipObservers[value])
		emitted += e
		suppressed += s
	}

	anomalies := c.scoreDevices(ctx, ext)
	risky := c.scoreDomains(ctx, ext)

	c.suppress.sweep(c.now())

	c.logger.Info("correlation tick complete",
		zap.Int("records", len(records)),
		zap.Int("invalid", invalid),
		zap.Int("alerts", ext.alertCount),
		zap.Int("candidate_domains", len(ext.domainObservers)),
		zap.Int("candidate_ips", len(ext.ipObservers)),
		zap.Int("matches", emitted),
		zap.Int("suppressed", suppressed),
		zap.Int("device_anomalies", anomalies),
		zap.Int("risky_domains", risky),
		zap.Duration("elapsed", c.now().Sub(started)))
	return nil
}

// decodeRows parses query rows into EVE records, counting undecodable lines
// instead of failing the tick.
func decodeRows(rows []logstore.Row) ([]model.EVERecord, int) {
	records := make([]model.EVERecord, 0, len(rows))
	invalid := 0
	for _, row := range rows {
		rec, err := model.ParseEVELine(row.Line)
		if err != nil {
			invalid++
			continue
		}
		records = append(records, rec)
	}
	return records, invalid
}

// tickExtract is everything one window of records yields for matching and
// scoring: candidate indicators with the LAN hosts that touched them, and
// record groups for the scorers.
type tickExtract struct {
	domainObservers map[string][]string
	ipObservers     map[string][]string
	deviceRecords   map[string][]model.EVERecord
	domainRecords   map[string][]model.EVERecord
	alertCount      int
}

// extractCandidates walks the window once. Candidate domains come from DNS
// queries, HTTP host headers, and TLS SNI; candidate IPs are external flow
// destinations. Records are grouped by LAN source for device scoring and by
// domain for domain scoring.
func extractCandidates(records []model.EVERecord) tickExtract {
	ext := tickExtract{
		domainObservers: make(map[string][]string),
		ipObservers:     make(map[string][]string),
		deviceRecords:   make(map[string][]model.EVERecord),
		domainRecords:   make(map[string][]model.EVERecord),
	}
	seenDomain := make(map[string]map[string]struct{})
	seenIP := make(map[string]map[string]struct{})

	observeDomain := func(domain, src string, rec model.EVERecord) {
		domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
		if domain == "" {
			return
		}
		if _, ok := seenDomain[domain]; !ok {
			seenDomain[domain] = make(map[string]struct{})
		}
		if _, ok := seenDomain[domain][src]; !ok {
			seenDomain[domain][src] = struct{}{}
			ext.domainObservers[domain] = append(ext.domainObservers[domain], src)
		}
		ext.domainRecords[domain] = append(ext.domainRecords[domain], rec)
	}

	for _, rec := range records {
		if isLANIP(rec.SrcIP) {
			ext.deviceRecords[rec.SrcIP] = append(ext.deviceRecords[rec.SrcIP], rec)
		}

		switch rec.EventType {
		case "dns":
			if rec.DNS != nil && rec.DNS.Type == "query" {
				observeDomain(rec.DNS.RRName, rec.SrcIP, rec)
			}
		case "http":
			if rec.HTTP != nil {
				observeDomain(rec.HTTP.Hostname, rec.SrcIP, rec)
			}
		case "tls":
			if rec.TLS != nil {
				observeDomain(rec.TLS.SNI, rec.SrcIP, rec)
			}
		case "flow":
			dest := net.ParseIP(rec.DestIP)
			if dest != nil && !isLANIP(rec.DestIP) {
				key := dest.String()
				if _, ok := seenIP[key]; !ok {
					seenIP[key] = make(map[string]struct{})
				}
				if _, ok := seenIP[key][rec.SrcIP]; !ok {
					seenIP[key][rec.SrcIP] = struct{}{}
					ext.ipObservers[key] = append(ext.ipObservers[key], rec.SrcIP)
				}
			}
		case "alert":
			ext.alertCount++
		}
	}
	return ext
}

// isLANIP reports whether the address belongs to the monitored network side:
// private ranges, loopback, and link-local.
func isLANIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// emitMatches produces the intel_match events for one matched value. One
// event per observing device, suppression window permitting; each feed
// source gets its own audit record.
func (c *Correlator) emitMatches(ctx context.Context, value string, iocs []IOC, observers []string) (emitted, suppressed int) {
	headline := maxConfidence(iocs)
	sources := uniqueSources(iocs)
	now := c.now()

	if len(observers) == 0 {
		observers = []string{""}
	}
	for _, observerIP := range observers {
		deviceID := c.resolveDeviceID(ctx, observerIP)
		if !c.suppress.shouldEmit(value, deviceID, now) {
			suppressed++
			continue
		}

		ev := model.SecurityEvent{
			EventType:   model.EventIntelMatch,
			Severity:    model.SeverityForConfidence(headline.Confidence),
			Title:       fmt.Sprintf("Threat intel match: %s", value),
			Description: matchDescription(value, headline, sources),
			SourceIP:    observerIP,
			DeviceID:    deviceID,
			TISources:   sources,
			Reasons:     matchReasons(value, headline, observerIP),
			Metadata: map[string]any{
				"ioc_value":  value,
				"ioc_type":   string(headline.Type),
				"source":     headline.Source,
				"confidence": headline.Confidence,
				"category":   string(headline.Category),
			},
		}
		switch headline.Type {
		case TypeDomain:
			ev.Domain = value
		case TypeIP:
			ev.DestIP = value
		}
		if headline.MalwareFamily != "" {
			ev.Metadata["malware_family"] = headline.MalwareFamily
		}

		if err := c.sink.Emit(ev); err != nil {
			c.logger.Warn("emit intel match failed",
				zap.String("ioc_value", value), zap.Error(err))
			continue
		}
		emitted++

		for _, ioc := range iocs {
			match := MatchRecord{
				IOCValue:  value,
				IOCType:   ioc.Type,
				Source:    ioc.Source,
				DeviceID:  deviceID,
				MatchedAt: now,
			}
			if err := c.store.RecordMatch(ctx, match); err != nil {
				c.logger.Warn("record match failed",
					zap.String("ioc_value", value), zap.Error(err))
			}
		}
	}
	return emitted, suppressed
}

// resolveDeviceID maps an observer IP to its inventory device, empty when
// the host is unknown.
func (c *Correlator) resolveDeviceID(ctx context.Context, ip string) string {
	if ip == "" {
		return ""
	}
	dev, err := c.devices.GetByIP(ctx, ip)
	if err != nil {
		if !errors.Is(err, device.ErrDeviceNotFound) {
			c.logger.Warn("device lookup failed", zap.String("ip", ip), zap.Error(err))
		}
		return ""
	}
	return dev.ID
}

// scoreDevices scores every LAN host seen in the window, persists the score
// on known devices, and emits device_anomaly above the threshold.
func (c *Correlator) scoreDevices(ctx context.Context, ext tickExtract) int {
	anomalies := 0
	for _, ip := range sortedKeys(ext.deviceRecords) {
		recs := ext.deviceRecords[ip]

		deviceID := ""
		hostname := ""
		dev, err := c.devices.GetByIP(ctx, ip)
		if err == nil {
			deviceID = dev.ID
			hostname = dev.Hostname
		} else if !errors.Is(err, device.ErrDeviceNotFound) {
			c.logger.Warn("device lookup failed", zap.String("ip", ip), zap.Error(err))
		}

		subject := deviceID
		if subject == "" {
			subject = ip
		}
		result, err := c.deviceScorer.ScoreDevice(ctx, subject, recs)
		if err != nil {
			c.logger.Warn("device scoring failed", zap.String("ip", ip), zap.Error(err))
			continue
		}

		if deviceID != "" {
			if err := c.devices.SetRiskScore(ctx, deviceID, result.Score); err != nil {
				c.logger.Warn("risk score writeback failed",
					zap.String("device_id", deviceID), zap.Error(err))
			}
		}

		if result.Score < c.cfg.DeviceThreshold {
			continue
		}
		if !c.suppress.shouldEmit("device_anomaly", subject, c.now()) {
			continue
		}

		display := hostname
		if display == "" {
			display = ip
		}
		score := result.Score
		ev := model.SecurityEvent{
			EventType:   model.EventDeviceAnomaly,
			Severity:    model.SeverityForConfidence(score),
			Title:       fmt.Sprintf("Anomalous device behavior: %s", display),
			Description: fmt.Sprintf("Device %s scored %.2f on behavioral analysis over the last window.", display, score),
			SourceIP:    ip,
			DeviceID:    deviceID,
			RiskScore:   &score,
			Reasons:     result.Reasons,
			Metadata:    map[string]any{"evidence": result.Evidence},
		}
		if err := c.sink.Emit(ev); err != nil {
			c.logger.Warn("emit device anomaly failed", zap.String("ip", ip), zap.Error(err))
			continue
		}
		anomalies++
	}
	return anomalies
}

// scoreDomains scores every candidate domain and emits domain_risk above
// the threshold.
func (c *Correlator) scoreDomains(ctx context.Context, ext tickExtract) int {
	risky := 0
	for _, domain := range sortedKeys(ext.domainRecords) {
		recs := ext.domainRecords[domain]
		result, err := c.domainScorer.ScoreDomain(ctx, domain, recs)
		if err != nil {
			c.logger.Warn("domain scoring failed", zap.String("domain", domain), zap.Error(err))
			continue
		}
		if result.Score < c.cfg.DomainThreshold {
			continue
		}
		if !c.suppress.shouldEmit("domain_risk", domain, c.now()) {
			continue
		}

		srcIP := ""
		if observers := ext.domainObservers[domain]; len(observers) > 0 {
			srcIP = observers[0]
		}
		score := result.Score
		ev := model.SecurityEvent{
			EventType:   model.EventDomainRisk,
			Severity:    model.SeverityForConfidence(score),
			Title:       fmt.Sprintf("Suspicious domain: %s", domain),
			Description: fmt.Sprintf("Domain %s scored %.2f on lexical risk analysis.", domain, score),
			SourceIP:    srcIP,
			DeviceID:    c.resolveDeviceID(ctx, srcIP),
			Domain:      domain,
			RiskScore:   &score,
			Reasons:     result.Reasons,
			Metadata:    map[string]any{"evidence": result.Evidence},
		}
		if err := c.sink.Emit(ev); err != nil {
			c.logger.Warn("emit domain risk failed", zap.String("domain", domain), zap.Error(err))
			continue
		}
		risky++
	}
	return risky
}

func maxConfidence(iocs []IOC) IOC {
	best := iocs[0]
	for _, ioc := range iocs[1:] {
		if ioc.Confidence > best.Confidence {
			best = ioc
		}
	}
	return best
}

func uniqueSources(iocs []IOC) []string {
	seen := make(map[string]struct{}, len(iocs))
	var out []string
	for _, ioc := range iocs {
		if _, ok := seen[ioc.Source]; !ok {
			seen[ioc.Source] = struct{}{}
			out = append(out, ioc.Source)
		}
	}
	sort.Strings(out)
	return out
}

func matchDescription(value string, headline IOC, sources []string) string {
	desc := fmt.Sprintf("Observed %s %s is a known %s indicator (sources: %s).",
		headline.Type, value, headline.Category, strings.Join(sources, ", "))
	if headline.MalwareFamily != "" {
		desc += " Malware family: " + headline.MalwareFamily + "."
	}
	return desc
}

func matchReasons(value string, headline IOC, observerIP string) []string {
	reason := fmt.Sprintf("%s %s matches %s indicator (confidence %.2f)",
		headline.Type, value, headline.Source, headline.Confidence)
	if observerIP != "" {
		reason = fmt.Sprintf("%s %s contacted by %s matches %s indicator (confidence %.2f)",
			headline.Type, value, observerIP, headline.Source, headline.Confidence)
	}
	return []string{reason}
}

func sortedKeys[M map[string]V, V any](m M) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
