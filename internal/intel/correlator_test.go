package intel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orion-sentinel/netsec/internal/device"
	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/model"
	"github.com/orion-sentinel/netsec/internal/scoring"
)

type fakeQuerier struct {
	rows         []logstore.Row
	err          error
	lastSelector string
	lastStart    time.Time
	lastEnd      time.Time
}

func (f *fakeQuerier) Query(_ context.Context, selector string, start, end time.Time, _ int) ([]logstore.Row, error) {
	f.lastSelector = selector
	f.lastStart = start
	f.lastEnd = end
	return f.rows, f.err
}

type fakeResolver struct {
	devices    map[string]device.Device
	riskScores map[string]float64
}

func (f *fakeResolver) GetByIP(_ context.Context, ip string) (device.Device, error) {
	dev, ok := f.devices[ip]
	if !ok {
		return device.Device{}, device.ErrDeviceNotFound
	}
	return dev, nil
}

func (f *fakeResolver) SetRiskScore(_ context.Context, id string, score float64) error {
	if f.riskScores == nil {
		f.riskScores = make(map[string]float64)
	}
	f.riskScores[id] = score
	return nil
}

type recordingSink struct {
	events []model.SecurityEvent
}

func (r *recordingSink) Emit(ev model.SecurityEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) byType(t model.EventType) []model.SecurityEvent {
	var out []model.SecurityEvent
	for _, ev := range r.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

func eveRow(line string) logstore.Row {
	return logstore.Row{
		Timestamp: time.Date(2026, 1, 15, 10, 5, 0, 0, time.UTC),
		Labels:    map[string]string{"job": "suricata"},
		Line:      []byte(line),
	}
}

func dnsQueryLine(srcIP, domain string) string {
	return fmt.Sprintf(
		`{"timestamp":"2026-01-15T10:05:00.000000+0000","event_type":"dns","src_ip":%q,"dns":{"type":"query","rrname":%q,"rrtype":"A"}}`,
		srcIP, domain,
	)
}

func flowLine(srcIP, destIP string, port int, bytesOut int64) string {
	return fmt.Sprintf(
		`{"timestamp":"2026-01-15T10:05:00.000000+0000","event_type":"flow","src_ip":%q,"dest_ip":%q,"proto":"TCP","dest_port":%d,"flow":{"bytes_toserver":%d,"bytes_toclient":1024}}`,
		srcIP, destIP, port, bytesOut,
	)
}

type correlatorHarness struct {
	correlator *Correlator
	store      *Store
	querier    *fakeQuerier
	resolver   *fakeResolver
	sink       *recordingSink
	clock      *time.Time
}

func newCorrelatorHarness(t *testing.T, cfg CorrelatorConfig) *correlatorHarness {
	t.Helper()
	h := &correlatorHarness{
		store:    newTestIOCStore(t),
		querier:  &fakeQuerier{},
		resolver: &fakeResolver{devices: make(map[string]device.Device)},
		sink:     &recordingSink{},
	}
	c, err := NewCorrelator(h.store, h.querier, h.resolver, h.sink,
		scoring.NewRegistry(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	base := time.Date(2026, 1, 15, 10, 10, 0, 0, time.UTC)
	h.clock = &base
	c.now = func() time.Time { return *h.clock }
	h.correlator = c
	return h
}

func (h *correlatorHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func TestCorrelatorMatchAndSuppression(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{SuppressWindow: 5 * time.Minute})
	ctx := context.Background()

	seen := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	_, err := h.store.UpsertBatch(ctx, []IOC{domainIOC("evil.example.com", SourceURLhaus, 0.9, seen)})
	require.NoError(t, err)

	h.resolver.devices["192.168.1.50"] = device.Device{ID: "mac:aa:bb:cc:dd:ee:ff", Hostname: "laptop"}
	h.querier.rows = []logstore.Row{eveRow(dnsQueryLine("192.168.1.50", "evil.example.com"))}

	// First tick: exactly one match with the source and confidence carried.
	require.NoError(t, h.correlator.Run(ctx))
	matches := h.sink.byType(model.EventIntelMatch)
	require.Len(t, matches, 1)
	ev := matches[0]
	assert.Equal(t, model.SeverityHigh, ev.Severity)
	assert.Equal(t, "evil.example.com", ev.Domain)
	assert.Equal(t, "192.168.1.50", ev.SourceIP)
	assert.Equal(t, "mac:aa:bb:cc:dd:ee:ff", ev.DeviceID)
	assert.Equal(t, []string{SourceURLhaus}, ev.TISources)
	assert.Equal(t, 0.9, ev.Metadata["confidence"])
	assert.Equal(t, SourceURLhaus, ev.Metadata["source"])

	// Same activity after the window has lapsed fires again.
	h.advance(10 * time.Minute)
	require.NoError(t, h.correlator.Run(ctx))
	assert.Len(t, h.sink.byType(model.EventIntelMatch), 2)

	// A repeat inside the window is suppressed.
	h.advance(time.Minute)
	require.NoError(t, h.correlator.Run(ctx))
	assert.Len(t, h.sink.byType(model.EventIntelMatch), 2)

	// Each emitted event leaves one audit record per contributing source.
	records, err := h.store.RecentMatches(ctx, seen)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "evil.example.com", rec.IOCValue)
		assert.Equal(t, SourceURLhaus, rec.Source)
		assert.Equal(t, "mac:aa:bb:cc:dd:ee:ff", rec.DeviceID)
	}
}

func TestCorrelatorMergesSourcesIntoOneEvent(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	ctx := context.Background()

	seen := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	_, err := h.store.UpsertBatch(ctx, []IOC{
		domainIOC("evil.example.com", SourceURLhaus, 0.7, seen),
		domainIOC("evil.example.com", SourceOTX, 0.95, seen),
	})
	require.NoError(t, err)

	h.querier.rows = []logstore.Row{eveRow(dnsQueryLine("192.168.1.50", "evil.example.com"))}
	require.NoError(t, h.correlator.Run(ctx))

	matches := h.sink.byType(model.EventIntelMatch)
	require.Len(t, matches, 1)
	ev := matches[0]
	// The highest-confidence report is the headline; all sources ride along.
	assert.Equal(t, model.SeverityHigh, ev.Severity)
	assert.Equal(t, 0.95, ev.Metadata["confidence"])
	assert.Equal(t, SourceOTX, ev.Metadata["source"])
	assert.Equal(t, []string{SourceOTX, SourceURLhaus}, ev.TISources)

	records, err := h.store.RecentMatches(ctx, seen)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestCorrelatorUnknownHostStillMatches(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	ctx := context.Background()

	seen := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	_, err := h.store.UpsertBatch(ctx, []IOC{domainIOC("evil.example.com", SourceURLhaus, 0.75, seen)})
	require.NoError(t, err)

	h.querier.rows = []logstore.Row{eveRow(dnsQueryLine("192.168.1.99", "evil.example.com"))}
	require.NoError(t, h.correlator.Run(ctx))

	matches := h.sink.byType(model.EventIntelMatch)
	require.Len(t, matches, 1)
	assert.Empty(t, matches[0].DeviceID)
	assert.Equal(t, "192.168.1.99", matches[0].SourceIP)
	assert.Equal(t, model.SeverityMedium, matches[0].Severity)
}

func TestCorrelatorIPMatch(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	ctx := context.Background()

	seen := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	_, err := h.store.UpsertBatch(ctx, []IOC{{
		Value:         "203.0.113.7",
		Type:          TypeIP,
		Source:        SourceFeodo,
		Confidence:    0.9,
		Category:      CategoryC2,
		MalwareFamily: "QakBot",
		FirstSeen:     seen,
		LastSeen:      seen,
	}})
	require.NoError(t, err)

	h.querier.rows = []logstore.Row{eveRow(flowLine("192.168.1.50", "203.0.113.7", 443, 2048))}
	require.NoError(t, h.correlator.Run(ctx))

	matches := h.sink.byType(model.EventIntelMatch)
	require.Len(t, matches, 1)
	ev := matches[0]
	assert.Equal(t, "203.0.113.7", ev.DestIP)
	assert.Empty(t, ev.Domain)
	assert.Equal(t, model.SeverityHigh, ev.Severity)
	assert.Equal(t, "QakBot", ev.Metadata["malware_family"])
	assert.Contains(t, ev.Description, "c2")
}

func TestCorrelatorLANTrafficIsNotACandidate(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	ctx := context.Background()

	// Even a listed IP does not match when the flow stays inside the LAN.
	seen := time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC)
	_, err := h.store.UpsertBatch(ctx, []IOC{{
		Value: "192.168.1.200", Type: TypeIP, Source: SourceFeodo,
		Confidence: 0.9, Category: CategoryC2, FirstSeen: seen, LastSeen: seen,
	}})
	require.NoError(t, err)

	h.querier.rows = []logstore.Row{eveRow(flowLine("192.168.1.50", "192.168.1.200", 445, 2048))}
	require.NoError(t, h.correlator.Run(ctx))
	assert.Empty(t, h.sink.byType(model.EventIntelMatch))
}

func TestCorrelatorDeviceAnomaly(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	ctx := context.Background()

	h.resolver.devices["192.168.1.77"] = device.Device{ID: "mac:11:22:33:44:55:66", Hostname: "mystery-box"}

	// Wide fan-out, a port sweep, and a heavy upload together clear the
	// anomaly threshold.
	var rows []logstore.Row
	for i := 0; i < 60; i++ {
		rows = append(rows, eveRow(flowLine("192.168.1.77", fmt.Sprintf("203.0.113.%d", i+1), 1000+i, 2<<20)))
	}
	h.querier.rows = rows

	require.NoError(t, h.correlator.Run(ctx))

	anomalies := h.sink.byType(model.EventDeviceAnomaly)
	require.Len(t, anomalies, 1)
	ev := anomalies[0]
	assert.Equal(t, "mac:11:22:33:44:55:66", ev.DeviceID)
	assert.Equal(t, "192.168.1.77", ev.SourceIP)
	assert.Contains(t, ev.Title, "mystery-box")
	require.NotNil(t, ev.RiskScore)
	assert.InDelta(t, 0.80, *ev.RiskScore, 1e-9)
	assert.Equal(t, model.SeverityMedium, ev.Severity)
	assert.NotEmpty(t, ev.Reasons)

	// The score is written back to the inventory record.
	assert.InDelta(t, 0.80, h.resolver.riskScores["mac:11:22:33:44:55:66"], 1e-9)

	// An identical follow-up tick is suppressed.
	require.NoError(t, h.correlator.Run(ctx))
	assert.Len(t, h.sink.byType(model.EventDeviceAnomaly), 1)
}

func TestCorrelatorQuietDeviceScoreWrittenBack(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	ctx := context.Background()

	h.resolver.devices["192.168.1.50"] = device.Device{ID: "mac:aa:aa:aa:aa:aa:aa"}
	h.querier.rows = []logstore.Row{eveRow(flowLine("192.168.1.50", "203.0.113.9", 443, 1024))}

	require.NoError(t, h.correlator.Run(ctx))
	assert.Empty(t, h.sink.byType(model.EventDeviceAnomaly))

	score, ok := h.resolver.riskScores["mac:aa:aa:aa:aa:aa:aa"]
	require.True(t, ok)
	assert.Zero(t, score)
}

func TestCorrelatorDomainRisk(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	ctx := context.Background()

	h.resolver.devices["192.168.1.50"] = device.Device{ID: "mac:aa:bb:cc:dd:ee:ff"}
	h.querier.rows = []logstore.Row{
		eveRow(dnsQueryLine("192.168.1.50", "a1b2c3d4e5f6g7h8i9j0.example.xyz")),
	}

	require.NoError(t, h.correlator.Run(ctx))

	risks := h.sink.byType(model.EventDomainRisk)
	require.Len(t, risks, 1)
	ev := risks[0]
	assert.Equal(t, "a1b2c3d4e5f6g7h8i9j0.example.xyz", ev.Domain)
	assert.Equal(t, "192.168.1.50", ev.SourceIP)
	assert.Equal(t, "mac:aa:bb:cc:dd:ee:ff", ev.DeviceID)
	require.NotNil(t, ev.RiskScore)
	assert.InDelta(t, 1.0, *ev.RiskScore, 1e-9)
	assert.Equal(t, model.SeverityHigh, ev.Severity)

	// No feed lists the name, so there is no intel match alongside.
	assert.Empty(t, h.sink.byType(model.EventIntelMatch))
}

func TestCorrelatorQueryWindow(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{
		EVESelector: `{job="ids"}`,
		Lookback:    15 * time.Minute,
	})

	require.NoError(t, h.correlator.Run(context.Background()))
	assert.Equal(t, `{job="ids"}`, h.querier.lastSelector)
	assert.Equal(t, 15*time.Minute, h.querier.lastEnd.Sub(h.querier.lastStart))
}

func TestCorrelatorQueryFailure(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	h.querier.err = fmt.Errorf("boom")

	err := h.correlator.Run(context.Background())
	require.ErrorContains(t, err, "query window")
}

func TestCorrelatorSkipsUndecodableLines(t *testing.T) {
	h := newCorrelatorHarness(t, CorrelatorConfig{})
	h.querier.rows = []logstore.Row{
		eveRow("not json"),
		eveRow(dnsQueryLine("192.168.1.50", "fine.example.com")),
	}
	require.NoError(t, h.correlator.Run(context.Background()))
}
