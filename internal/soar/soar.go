// Package soar runs the response loop: it pulls fresh security events from
// the log store, evaluates them against the playbook engine, executes the
// resulting actions, and records a soar_action event per execution. A
// persisted high-water-mark guarantees an event is processed at most once
// across restarts; the mark only advances after an event's playbooks have
// completed.
package soar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/orion-sentinel/netsec/internal/action"
	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/model"
	"github.com/orion-sentinel/netsec/internal/playbook"
)

const (
	defaultAppLabel      = "orion-sentinel"
	defaultQueryLimit    = 500
	defaultMaxConcurrent = 8
	defaultReplayBound   = 24 * time.Hour
)

// EventQuerier is the slice of the log-store client the loop needs.
type EventQuerier interface {
	Query(ctx context.Context, selector string, start, end time.Time, limit int) ([]logstore.Row, error)
}

// PlaybookEvaluator is the slice of the playbook engine the loop needs.
type PlaybookEvaluator interface {
	TriggerTypes() []string
	Evaluate(ev model.SecurityEvent) ([]playbook.Match, error)
}

// ActionRunner executes one resolved action and always returns a receipt.
type ActionRunner interface {
	Execute(ctx context.Context, kind string, params map[string]any, dryRun bool) action.Receipt
}

// EventSink receives the soar_action events this loop produces.
type EventSink interface {
	Emit(ev model.SecurityEvent) error
}

// Config holds response loop settings. Zero values take the documented
// defaults.
type Config struct {
	AppLabel      string
	QueryLimit    int
	MaxConcurrent int64
	ReplayBound   time.Duration
	GlobalDryRun  bool
}

// Service is one response loop instance. Run executes a single tick; the
// scheduler provides the cadence.
type Service struct {
	querier    EventQuerier
	engine     PlaybookEvaluator
	actions    ActionRunner
	sink       EventSink
	checkpoint *Checkpoint
	cfg        Config
	sem        *semaphore.Weighted
	logger     *zap.Logger

	now func() time.Time
}

func New(querier EventQuerier, engine PlaybookEvaluator, actions ActionRunner, sink EventSink, checkpoint *Checkpoint, cfg Config, logger *zap.Logger) *Service {
	if cfg.AppLabel == "" {
		cfg.AppLabel = defaultAppLabel
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = defaultQueryLimit
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ReplayBound <= 0 {
		cfg.ReplayBound = defaultReplayBound
	}
	return &Service{
		querier:    querier,
		engine:     engine,
		actions:    actions,
		sink:       sink,
		checkpoint: checkpoint,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:     logger.With(zap.String("component", "soar")),
		now:        time.Now,
	}
}

func (s *Service) Name() string { return "soar" }

// Run executes one tick: query events past the high-water-mark, process
// them in chronological order, advance and flush the mark.
func (s *Service) Run(ctx context.Context) error {
	start := s.now()

	triggers := s.engine.TriggerTypes()
	if len(triggers) == 0 {
		s.logger.Debug("no enabled playbooks, skipping tick")
		return nil
	}

	since := s.checkpoint.Mark()
	if lower := start.Add(-s.cfg.ReplayBound); since.Before(lower) {
		since = lower
	}

	selector := logstore.SelectorIn(map[string]string{"app": s.cfg.AppLabel}, "event_type", triggers)
	rows, err := s.querier.Query(ctx, selector, since, start, s.cfg.QueryLimit)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	events, invalid := decodeEvents(rows, since)

	processed, executed := 0, 0
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		n, completed := s.processEvent(ctx, ev)
		executed += n
		if !completed {
			// Shutdown mid-event: already-run actions are recorded, the
			// mark stays put so the event is retried next start.
			break
		}
		s.checkpoint.SetMark(ev.Timestamp)
		processed++
	}

	if err := s.checkpoint.Flush(); err != nil {
		s.logger.Error("checkpoint flush failed", zap.Error(err))
	}

	s.logger.Info("response tick complete",
		zap.Int("events", len(events)),
		zap.Int("invalid", invalid),
		zap.Int("processed", processed),
		zap.Int("actions_executed", executed),
		zap.Time("high_water_mark", s.checkpoint.Mark()),
		zap.Duration("elapsed", s.now().Sub(start)))
	return nil
}

// decodeEvents parses query rows into events, oldest first. Rows at or
// before the mark and rows that do not decode are dropped.
func decodeEvents(rows []logstore.Row, since time.Time) ([]model.SecurityEvent, int) {
	events := make([]model.SecurityEvent, 0, len(rows))
	invalid := 0
	for _, row := range rows {
		var ev model.SecurityEvent
		if err := json.Unmarshal(row.Line, &ev); err != nil || ev.Validate() != nil {
			invalid++
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = row.Timestamp
		}
		if !ev.Timestamp.After(since) {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, invalid
}

// processEvent evaluates one event and runs all its triggered playbooks,
// each playbook serialized internally, playbooks concurrent with each other
// under the pool bound. completed=false means dispatch was interrupted and
// the mark must not advance past this event.
func (s *Service) processEvent(ctx context.Context, ev model.SecurityEvent) (executed int, completed bool) {
	matches, err := s.engine.Evaluate(ev)
	if err != nil {
		s.logger.Warn("event evaluation failed",
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err))
		return 0, true
	}
	if len(matches) == 0 {
		return 0, true
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	completed = true
	for _, m := range matches {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			completed = false
			break
		}
		wg.Add(1)
		go func(m playbook.Match) {
			defer wg.Done()
			defer s.sem.Release(1)
			n := s.runPlaybook(ctx, ev, m)
			mu.Lock()
			count += n
			mu.Unlock()
		}(m)
	}
	wg.Wait()
	return count, completed
}

// runPlaybook executes a playbook's actions sequentially. A failed action
// marked critical aborts the remainder.
func (s *Service) runPlaybook(ctx context.Context, ev model.SecurityEvent, m playbook.Match) int {
	dryRun := s.cfg.GlobalDryRun || m.Playbook.DryRun

	executed := 0
	for _, act := range m.Actions {
		rec := s.executeAction(ctx, act, dryRun)
		executed++
		s.emitActionEvent(ev, m.Playbook, rec)

		if !rec.Success && act.Critical {
			s.logger.Warn("critical action failed, aborting playbook",
				zap.String("playbook_id", m.Playbook.ID),
				zap.String("kind", act.Kind))
			break
		}
	}
	return executed
}

// executeAction runs one action. A panicking executor is converted into a
// failed receipt; the loop itself never dies to one.
func (s *Service) executeAction(ctx context.Context, act playbook.ResolvedAction, dryRun bool) (rec action.Receipt) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("action executor panicked",
				zap.String("kind", act.Kind),
				zap.Any("panic", r))
			rec = action.Receipt{
				Kind:   act.Kind,
				DryRun: dryRun,
				Note:   fmt.Sprintf("executor panicked: %v", r),
			}
		}
	}()
	return s.actions.Execute(ctx, act.Kind, act.Parameters, dryRun)
}

func (s *Service) emitActionEvent(trigger model.SecurityEvent, pb playbook.Playbook, rec action.Receipt) {
	severity := model.SeverityInfo
	if !rec.Success {
		severity = model.SeverityMedium
	}

	ev := model.SecurityEvent{
		EventType:   model.EventSOARAction,
		Severity:    severity,
		Title:       fmt.Sprintf("Playbook %s: %s", pb.ID, rec.Kind),
		Description: rec.Note,
		DeviceID:    trigger.DeviceID,
		Domain:      trigger.Domain,
		Metadata: map[string]any{
			"playbook_id":        pb.ID,
			"action_kind":        rec.Kind,
			"parameters_digest":  rec.ParamsDigest,
			"success":            rec.Success,
			"dry_run":            rec.DryRun,
			"duration_ms":        rec.DurationMS,
			"receipt":            rec,
			"trigger_event_type": string(trigger.EventType),
		},
	}
	if err := s.sink.Emit(ev); err != nil {
		s.logger.Warn("emit soar_action failed",
			zap.String("playbook_id", pb.ID),
			zap.Error(err))
	}
}
