package soar

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orion-sentinel/netsec/internal/action"
	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/model"
	"github.com/orion-sentinel/netsec/internal/playbook"
)

// ── fakes ──────────────────────────────────────────────────────────────

type fakeQuerier struct {
	rows []logstore.Row
	err  error

	calls        int
	lastSelector string
	lastStart    time.Time
	lastEnd      time.Time
}

func (f *fakeQuerier) Query(ctx context.Context, selector string, start, end time.Time, limit int) ([]logstore.Row, error) {
	f.calls++
	f.lastSelector = selector
	f.lastStart = start
	f.lastEnd = end
	if f.err != nil {
		return nil, f.err
	}
	var out []logstore.Row
	for _, r := range f.rows {
		if r.Timestamp.After(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	// Newest first, like the real client.
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.SecurityEvent
}

func (r *recordingSink) Emit(ev model.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) byType(t model.EventType) []model.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SecurityEvent
	for _, ev := range r.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type probeRun struct {
	params map[string]any
	dryRun bool
}

type probeExecutor struct {
	mu       sync.Mutex
	runs     []probeRun
	fail     bool
	panicMsg string
}

func (p *probeExecutor) Kind() string                  { return "probe" }
func (p *probeExecutor) Validate(map[string]any) error { return nil }

func (p *probeExecutor) Execute(ctx context.Context, params map[string]any, dryRun bool) action.Receipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	p.runs = append(p.runs, probeRun{params: params, dryRun: dryRun})
	if p.fail {
		return action.Receipt{Note: "probe failed"}
	}
	effects := 1
	if dryRun {
		effects = 0
	}
	return action.Receipt{Success: true, SideEffects: effects, Note: "probed"}
}

func (p *probeExecutor) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

// ── harness ────────────────────────────────────────────────────────────

const respondPlaybook = `
playbooks:
  - id: respond-intel
    enabled: true
    priority: 100
    trigger: intel_match
    conditions:
      - path: metadata.confidence
        op: ">="
        value: 0.9
    actions:
      - kind: probe
        parameters:
          domain: "{{event.domain}}"
`

type soarHarness struct {
	svc            *Service
	engine         *playbook.Engine
	registry       *action.Registry
	querier        *fakeQuerier
	sink           *recordingSink
	probe          *probeExecutor
	checkpointPath string
	clock          time.Time
}

func newSOARHarness(t *testing.T, playbooksDoc string, cfg Config) *soarHarness {
	t.Helper()
	dir := t.TempDir()

	pbPath := filepath.Join(dir, "playbooks.yaml")
	require.NoError(t, os.WriteFile(pbPath, []byte(playbooksDoc), 0o600))

	probe := &probeExecutor{}
	registry := action.NewRegistry(zaptest.NewLogger(t), probe)

	engine := playbook.NewEngine(pbPath, playbook.LoadOptions{Actions: registry, AllowEmpty: true}, zaptest.NewLogger(t))
	require.NoError(t, engine.Load())

	cpPath := filepath.Join(dir, "checkpoint.json")
	cp, err := OpenCheckpoint(cpPath)
	require.NoError(t, err)

	h := &soarHarness{
		engine:         engine,
		registry:       registry,
		querier:        &fakeQuerier{},
		sink:           &recordingSink{},
		probe:          probe,
		checkpointPath: cpPath,
		clock:          time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	h.svc = New(h.querier, engine, registry, h.sink, cp, cfg, zaptest.NewLogger(t))
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *soarHarness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Run(context.Background()))
}

func intelEvent(ts time.Time, confidence float64, domain string) model.SecurityEvent {
	return model.SecurityEvent{
		Timestamp: ts,
		EventType: model.EventIntelMatch,
		Severity:  model.SeverityForConfidence(confidence),
		Title:     "Threat intel match: " + domain,
		SourceIP:  "192.168.1.50",
		DeviceID:  "mac:aa:bb:cc:dd:ee:ff",
		Domain:    domain,
		Metadata:  map[string]any{"confidence": confidence},
	}
}

func eventRow(t *testing.T, ev model.SecurityEvent) logstore.Row {
	t.Helper()
	raw, err := json.Marshal(&ev)
	require.NoError(t, err)
	return logstore.Row{Timestamp: ev.Timestamp, Line: raw}
}

// ── tests ──────────────────────────────────────────────────────────────

func TestSOARExecutesMatchingPlaybook(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})
	ev := intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.9, "evil.example.com")
	h.querier.rows = []logstore.Row{eventRow(t, ev)}

	h.run(t)

	require.Equal(t, 1, h.probe.runCount())
	assert.Equal(t, "evil.example.com", h.probe.runs[0].params["domain"])
	assert.False(t, h.probe.runs[0].dryRun)

	actions := h.sink.byType(model.EventSOARAction)
	require.Len(t, actions, 1)
	rec := actions[0]
	assert.Equal(t, "Playbook respond-intel: probe", rec.Title)
	assert.Equal(t, model.SeverityInfo, rec.Severity)
	assert.Equal(t, "evil.example.com", rec.Domain)
	assert.Equal(t, "mac:aa:bb:cc:dd:ee:ff", rec.DeviceID)
	assert.Equal(t, "respond-intel", rec.Metadata["playbook_id"])
	assert.Equal(t, true, rec.Metadata["success"])
	assert.Equal(t, false, rec.Metadata["dry_run"])
	assert.Equal(t, "intel_match", rec.Metadata["trigger_event_type"])
	assert.NotEmpty(t, rec.Metadata["parameters_digest"])
}

// An event is processed exactly once: not again on the next tick, and not
// again after a restart that reloads the persisted mark.
func TestSOARNeverReprocessesAcrossTicksAndRestarts(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})
	ev := intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.95, "evil.example.com")
	h.querier.rows = []logstore.Row{eventRow(t, ev)}

	h.run(t)
	require.Equal(t, 1, h.probe.runCount())

	h.clock = h.clock.Add(time.Minute)
	h.run(t)
	assert.Equal(t, 1, h.probe.runCount())
	assert.Len(t, h.sink.byType(model.EventSOARAction), 1)

	// Restart: a fresh service over the same checkpoint file resumes past
	// the processed event.
	cp, err := OpenCheckpoint(h.checkpointPath)
	require.NoError(t, err)
	assert.True(t, cp.Mark().Equal(ev.Timestamp))

	h2 := newSOARHarness(t, respondPlaybook, Config{})
	restarted := New(h.querier, h2.engine, h2.registry, h2.sink, cp, Config{}, zaptest.NewLogger(t))
	restarted.now = func() time.Time { return h.clock }
	require.NoError(t, restarted.Run(context.Background()))
	assert.Equal(t, 1, h.probe.runCount())
	assert.Empty(t, h2.sink.byType(model.EventSOARAction))
}

func TestSOARQueryWindowAndSelector(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})

	h.run(t)

	assert.Equal(t, `{app="orion-sentinel", event_type=~"intel_match"}`, h.querier.lastSelector)
	// No stored mark: the window is bounded to the last 24 h.
	assert.True(t, h.querier.lastStart.Equal(h.clock.Add(-24*time.Hour)))
	assert.True(t, h.querier.lastEnd.Equal(h.clock))
}

func TestSOARProcessesEventsChronologically(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})
	older := intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.9, "a.example.com")
	newer := intelEvent(time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC), 0.9, "b.example.com")
	h.querier.rows = []logstore.Row{eventRow(t, newer), eventRow(t, older)}

	h.run(t)

	require.Equal(t, 2, h.probe.runCount())
	assert.Equal(t, "a.example.com", h.probe.runs[0].params["domain"])
	assert.Equal(t, "b.example.com", h.probe.runs[1].params["domain"])
}

func TestSOARGlobalDryRunOverride(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{GlobalDryRun: true})
	ev := intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.9, "evil.example.com")
	h.querier.rows = []logstore.Row{eventRow(t, ev)}

	h.run(t)

	require.Equal(t, 1, h.probe.runCount())
	assert.True(t, h.probe.runs[0].dryRun)

	actions := h.sink.byType(model.EventSOARAction)
	require.Len(t, actions, 1)
	assert.Equal(t, true, actions[0].Metadata["dry_run"])
	assert.Equal(t, true, actions[0].Metadata["success"])
}

func TestSOARPlaybookDryRun(t *testing.T) {
	doc := `
playbooks:
  - id: rehearse
    enabled: true
    dry_run: true
    trigger: intel_match
    actions:
      - kind: probe
`
	h := newSOARHarness(t, doc, Config{})
	h.querier.rows = []logstore.Row{eventRow(t, intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.9, "evil.example.com"))}

	h.run(t)

	require.Equal(t, 1, h.probe.runCount())
	assert.True(t, h.probe.runs[0].dryRun)
}

func TestSOARCriticalActionAbortsPlaybook(t *testing.T) {
	doc := `
playbooks:
  - id: block-then-tag
    enabled: true
    trigger: intel_match
    actions:
      - kind: probe
        critical: true
      - kind: probe
`
	h := newSOARHarness(t, doc, Config{})
	h.probe.fail = true
	h.querier.rows = []logstore.Row{eventRow(t, intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.9, "evil.example.com"))}

	h.run(t)

	// The failed critical action stops the second one.
	assert.Equal(t, 1, h.probe.runCount())
	actions := h.sink.byType(model.EventSOARAction)
	require.Len(t, actions, 1)
	assert.Equal(t, false, actions[0].Metadata["success"])
	assert.Equal(t, model.SeverityMedium, actions[0].Severity)
}

func TestSOARRecoversExecutorPanic(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})
	h.probe.panicMsg = "executor bug"
	ev := intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.9, "evil.example.com")
	h.querier.rows = []logstore.Row{eventRow(t, ev)}

	h.run(t)

	actions := h.sink.byType(model.EventSOARAction)
	require.Len(t, actions, 1)
	assert.Equal(t, false, actions[0].Metadata["success"])
	assert.Contains(t, actions[0].Description, "panicked")

	// The mark still advances: the poisoned event is not retried forever.
	h.clock = h.clock.Add(time.Minute)
	h.run(t)
	assert.Len(t, h.sink.byType(model.EventSOARAction), 1)
}

func TestSOARNonMatchingEventAdvancesMark(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})
	ev := intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.85, "gray.example.com")
	h.querier.rows = []logstore.Row{eventRow(t, ev)}

	h.run(t)

	assert.Zero(t, h.probe.runCount())
	assert.Empty(t, h.sink.byType(model.EventSOARAction))

	h.clock = h.clock.Add(time.Minute)
	h.run(t)
	assert.Zero(t, h.probe.runCount())
}

func TestSOARNoEnabledPlaybooksSkipsQuery(t *testing.T) {
	h := newSOARHarness(t, "playbooks: []\n", Config{})

	h.run(t)
	assert.Zero(t, h.querier.calls)
}

func TestSOARQueryFailureFailsTick(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})
	h.querier.err = assert.AnError

	err := h.svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query events")
}

func TestSOARSkipsUndecodableRows(t *testing.T) {
	h := newSOARHarness(t, respondPlaybook, Config{})
	good := intelEvent(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0.9, "evil.example.com")
	h.querier.rows = []logstore.Row{
		{Timestamp: time.Date(2024, 1, 15, 10, 1, 0, 0, time.UTC), Line: []byte("not json")},
		eventRow(t, good),
	}

	h.run(t)
	assert.Equal(t, 1, h.probe.runCount())
}
