// Package scheduler supervises the periodic services. Each service exposes a
// one-tick Run; the scheduler owns every cadence, runs ticks on interval
// loops or cron expressions, tracks consecutive failures per service, and
// reports status transitions as health_status events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/model"
)

const (
	defaultGrace = 30 * time.Second

	// downAfter is the consecutive-failure count at which a degraded
	// service is reported down.
	downAfter = 3
)

// Status is the reported condition of one supervised service.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Runner is one periodic service. Run performs a single tick and returns
// its outcome; cadence belongs to the scheduler.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// RunnerFunc adapts a bare tick function to the Runner contract.
func RunnerFunc(name string, fn func(ctx context.Context) error) Runner {
	return &funcRunner{name: name, fn: fn}
}

type funcRunner struct {
	name string
	fn   func(ctx context.Context) error
}

func (r *funcRunner) Name() string                  { return r.name }
func (r *funcRunner) Run(ctx context.Context) error { return r.fn(ctx) }

// EventSink receives health_status transition events.
type EventSink interface {
	Emit(ev model.SecurityEvent) error
}

// ServiceHealth is one entry of the health snapshot.
type ServiceHealth struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRun             time.Time `json:"last_run,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Config holds scheduler settings. Zero values take the documented
// defaults.
type Config struct {
	Grace time.Duration
}

type intervalEntry struct {
	runner   Runner
	interval time.Duration
}

type workerEntry struct {
	name string
	run  func(ctx context.Context) error
}

type cronEntry struct {
	runner Runner
	spec   string
}

type serviceState struct {
	status   Status
	failures int
	lastRun  time.Time
	lastErr  string
}

// Scheduler runs registered services until its context is cancelled, then
// waits up to the grace period for in-flight ticks.
type Scheduler struct {
	sink   EventSink
	logger *zap.Logger
	grace  time.Duration
	cron   *cron.Cron
	now    func() time.Time

	mu        sync.Mutex
	intervals []intervalEntry
	workers   []workerEntry
	crons     []cronEntry
	states    map[string]*serviceState
	order     []string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an empty scheduler. Register services before Start.
func New(sink EventSink, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Scheduler{
		sink:   sink,
		logger: logger.With(zap.String("component", "scheduler")),
		grace:  cfg.Grace,
		cron:   cron.New(),
		now:    time.Now,
		states: map[string]*serviceState{},
	}
}

// Register adds a periodic service ticked on the given interval, first tick
// immediately at Start.
func (s *Scheduler) Register(r Runner, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = append(s.intervals, intervalEntry{runner: r, interval: interval})
	s.track(r.Name())
}

// RegisterCron adds a service ticked on a cron expression (robfig syntax,
// @every included), plus one immediate tick at Start.
func (s *Scheduler) RegisterCron(spec string, r Runner) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		s.tick(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("cron spec %q for %s: %w", spec, r.Name(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crons = append(s.crons, cronEntry{runner: r, spec: spec})
	s.track(r.Name())
	return nil
}

// RegisterWorker adds a long-lived loop (run blocks until ctx cancellation).
// A worker that returns before shutdown is reported down.
func (s *Scheduler) RegisterWorker(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, workerEntry{name: name, run: run})
	s.track(name)
}

// track must be called with mu held.
func (s *Scheduler) track(name string) {
	if _, ok := s.states[name]; ok {
		return
	}
	s.states[name] = &serviceState{status: StatusHealthy}
	s.order = append(s.order, name)
}

// Start launches every registered loop. It does not block; call Stop to
// shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	intervals := append([]intervalEntry(nil), s.intervals...)
	workers := append([]workerEntry(nil), s.workers...)
	crons := append([]cronEntry(nil), s.crons...)
	s.mu.Unlock()

	for _, e := range intervals {
		s.wg.Add(1)
		go s.runLoop(runCtx, e)
	}
	for _, w := range workers {
		s.wg.Add(1)
		go s.runWorker(runCtx, w)
	}
	for _, c := range crons {
		s.wg.Add(1)
		go func(r Runner) {
			defer s.wg.Done()
			s.tick(runCtx, r)
		}(c.runner)
	}
	if len(crons) > 0 {
		s.cron.Start()
	}
	s.logger.Info("scheduler started",
		zap.Int("services", len(intervals)),
		zap.Int("cron_jobs", len(crons)),
		zap.Int("workers", len(workers)))
}

// Stop cancels every loop and waits up to the grace period for in-flight
// ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	hasCron := len(s.crons) > 0
	s.mu.Unlock()

	cancel()
	if hasCron {
		<-s.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(s.grace):
		s.logger.Warn("scheduler stop grace period elapsed, abandoning in-flight work",
			zap.Duration("grace", s.grace))
	}
}

// Snapshot reports every supervised service in registration order.
func (s *Scheduler) Snapshot() []ServiceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceHealth, 0, len(s.order))
	for _, name := range s.order {
		st := s.states[name]
		out = append(out, ServiceHealth{
			Name:                name,
			Status:              st.status,
			ConsecutiveFailures: st.failures,
			LastRun:             st.lastRun,
			LastError:           st.lastErr,
		})
	}
	return out
}

// Healthy reports whether no supervised service is down.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.status == StatusDown {
			return false
		}
	}
	return true
}

func (s *Scheduler) runLoop(ctx context.Context, e intervalEntry) {
	defer s.wg.Done()
	s.logger.Info("service loop started",
		zap.String("service", e.runner.Name()),
		zap.Duration("interval", e.interval))

	s.tick(ctx, e.runner)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("service loop stopping", zap.String("service", e.runner.Name()))
			return
		case <-ticker.C:
			s.tick(ctx, e.runner)
		}
	}
}

func (s *Scheduler) runWorker(ctx context.Context, w workerEntry) {
	defer s.wg.Done()
	s.logger.Info("worker started", zap.String("service", w.name))
	err := w.run(ctx)
	if ctx.Err() != nil {
		s.logger.Info("worker stopped", zap.String("service", w.name))
		return
	}
	if err == nil {
		err = errors.New("worker exited before shutdown")
	}
	s.logger.Error("worker exited unexpectedly",
		zap.String("service", w.name), zap.Error(err))
	s.markDown(w.name, err)
}

// tick runs one service tick and records the outcome. A failure caused by
// shutdown cancellation is not held against the service.
func (s *Scheduler) tick(ctx context.Context, r Runner) {
	if ctx.Err() != nil {
		return
	}
	err := r.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Error("service tick failed",
			zap.String("service", r.Name()), zap.Error(err))
	}
	s.record(r.Name(), err)
}

func (s *Scheduler) record(name string, err error) {
	s.mu.Lock()
	st, ok := s.states[name]
	if !ok {
		st = &serviceState{status: StatusHealthy}
		s.states[name] = st
		s.order = append(s.order, name)
	}
	prev := st.status
	st.lastRun = s.now()
	if err != nil {
		st.failures++
		st.lastErr = err.Error()
		if st.failures >= downAfter {
			st.status = StatusDown
		} else {
			st.status = StatusDegraded
		}
	} else {
		st.failures = 0
		st.lastErr = ""
		st.status = StatusHealthy
	}
	cur := st.status
	failures := st.failures
	s.mu.Unlock()

	if prev != cur {
		s.emitTransition(name, prev, cur, failures, err)
	}
}

// markDown forces a service straight to down, bypassing the failure count.
func (s *Scheduler) markDown(name string, err error) {
	s.mu.Lock()
	st, ok := s.states[name]
	if !ok {
		st = &serviceState{}
		s.states[name] = st
		s.order = append(s.order, name)
	}
	prev := st.status
	st.status = StatusDown
	st.failures = downAfter
	st.lastRun = s.now()
	st.lastErr = err.Error()
	s.mu.Unlock()

	if prev != StatusDown {
		s.emitTransition(name, prev, StatusDown, downAfter, err)
	}
}

func (s *Scheduler) emitTransition(name string, prev, cur Status, failures int, cause error) {
	ev := model.SecurityEvent{
		Timestamp: s.now(),
		EventType: model.EventServiceHealth,
		Severity:  severityForStatus(cur),
		Title:     fmt.Sprintf("Service %s is %s", name, cur),
		Description: fmt.Sprintf("Service %s transitioned from %s to %s after %d consecutive failed ticks.",
			name, prev, cur, failures),
		Metadata: map[string]any{
			"service":              name,
			"previous":             string(prev),
			"status":               string(cur),
			"consecutive_failures": failures,
		},
	}
	if cur == StatusHealthy {
		ev.Description = fmt.Sprintf("Service %s recovered from %s.", name, prev)
	}
	if cause != nil {
		ev.Reasons = []string{cause.Error()}
	}
	if err := s.sink.Emit(ev); err != nil {
		s.logger.Warn("health transition not emitted",
			zap.String("service", name), zap.Error(err))
	}
	s.logger.Info("service status changed",
		zap.String("service", name),
		zap.String("previous", string(prev)),
		zap.String("status", string(cur)))
}

func severityForStatus(st Status) model.Severity {
	switch st {
	case StatusDown:
		return model.SeverityHigh
	case StatusDegraded:
		return model.SeverityMedium
	default:
		return model.SeverityInfo
	}
}
