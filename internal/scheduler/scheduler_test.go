package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orion-sentinel/netsec/internal/model"
)

type scriptedRunner struct {
	name string

	mu    sync.Mutex
	errs  []error
	ticks int
}

func (r *scriptedRunner) Name() string { return r.name }

func (r *scriptedRunner) Run(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *scriptedRunner) tickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
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

func (r *recordingSink) snapshot() []model.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SecurityEvent(nil), r.events...)
}

func newScheduler(t *testing.T) (*Scheduler, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s := New(sink, Config{Grace: 2 * time.Second}, zaptest.NewLogger(t))
	s.now = func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) }
	return s, sink
}

func TestSchedulerTicksImmediatelyThenOnInterval(t *testing.T) {
	s, _ := newScheduler(t)
	r := &scriptedRunner{name: "svc"}
	s.Register(r, 20*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.tickCount() >= 3 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerImmediateTickWithLongInterval(t *testing.T) {
	s, _ := newScheduler(t)
	r := &scriptedRunner{name: "svc"}
	s.Register(r, time.Hour)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.tickCount() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerHealthTransitions(t *testing.T) {
	s, sink := newScheduler(t)
	boom := errors.New("tick failed")
	r := &scriptedRunner{name: "svc", errs: []error{boom, boom, boom, boom, nil}}
	s.Register(r, time.Hour)
	ctx := context.Background()

	// One failure degrades, the third takes the service down, recovery
	// restores healthy. Only transitions produce events.
	for i := 0; i < 5; i++ {
		s.tick(ctx, r)
	}

	events := sink.snapshot()
	require.Len(t, events, 3)

	assert.Equal(t, model.EventServiceHealth, events[0].EventType)
	assert.Equal(t, model.SeverityMedium, events[0].Severity)
	assert.Equal(t, "Service svc is degraded", events[0].Title)
	assert.Equal(t, "healthy", events[0].Metadata["previous"])
	assert.Equal(t, 1, events[0].Metadata["consecutive_failures"])
	assert.Equal(t, []string{"tick failed"}, events[0].Reasons)

	assert.Equal(t, model.SeverityHigh, events[1].Severity)
	assert.Equal(t, "Service svc is down", events[1].Title)
	assert.Equal(t, 3, events[1].Metadata["consecutive_failures"])

	assert.Equal(t, model.SeverityInfo, events[2].Severity)
	assert.Equal(t, "Service svc is healthy", events[2].Title)
	assert.Contains(t, events[2].Description, "recovered from down")
}

func TestSchedulerSnapshot(t *testing.T) {
	s, _ := newScheduler(t)
	ok := &scriptedRunner{name: "alpha"}
	bad := &scriptedRunner{name: "beta", errs: []error{errors.New("db closed")}}
	s.Register(ok, time.Hour)
	s.Register(bad, time.Hour)
	ctx := context.Background()

	s.tick(ctx, ok)
	s.tick(ctx, bad)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Name)
	assert.Equal(t, StatusHealthy, snap[0].Status)
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
	assert.Empty(t, snap[0].LastError)

	assert.Equal(t, "beta", snap[1].Name)
	assert.Equal(t, StatusDegraded, snap[1].Status)
	assert.Equal(t, 1, snap[1].ConsecutiveFailures)
	assert.Equal(t, "db closed", snap[1].LastError)

	assert.True(t, s.Healthy())
}

func TestSchedulerHealthyFalseWhenServiceDown(t *testing.T) {
	s, _ := newScheduler(t)
	boom := errors.New("gone")
	r := &scriptedRunner{name: "svc", errs: []error{boom, boom, boom}}
	s.Register(r, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.tick(ctx, r)
	}

	assert.False(t, s.Healthy())
}

func TestSchedulerCancelledTickNotRecorded(t *testing.T) {
	s, sink := newScheduler(t)
	r := &scriptedRunner{name: "svc", errs: []error{errors.New("interrupted")}}
	s.Register(r, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.tick(ctx, r)

	assert.Equal(t, 0, r.tickCount())
	assert.Empty(t, sink.snapshot())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusHealthy, snap[0].Status)
}

func TestSchedulerMidTickCancellationNotHeldAgainstService(t *testing.T) {
	s, sink := newScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := &cancellingRunner{cancel: cancel}
	s.Register(r, time.Hour)

	s.tick(ctx, r)

	assert.Empty(t, sink.snapshot())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusHealthy, snap[0].Status)
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
}

type cancellingRunner struct {
	cancel context.CancelFunc
}

func (r *cancellingRunner) Name() string { return "svc" }

func (r *cancellingRunner) Run(ctx context.Context) error {
	r.cancel()
	return ctx.Err()
}

func TestSchedulerWorkerStopsCleanlyOnShutdown(t *testing.T) {
	s, sink := newScheduler(t)
	s.RegisterWorker("drain", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	s.Start(context.Background())
	s.Stop()

	assert.Empty(t, sink.snapshot())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusHealthy, snap[0].Status)
}

func TestSchedulerWorkerPrematureExitReportedDown(t *testing.T) {
	s, sink := newScheduler(t)
	s.RegisterWorker("drain", func(_ context.Context) error {
		return errors.New("queue closed")
	})

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].Status == StatusDown
	}, 2*time.Second, 5*time.Millisecond)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventServiceHealth, events[0].EventType)
	assert.Equal(t, model.SeverityHigh, events[0].Severity)
	assert.Equal(t, []string{"queue closed"}, events[0].Reasons)
}

func TestSchedulerCronRejectsBadSpec(t *testing.T) {
	s, _ := newScheduler(t)
	err := s.RegisterCron("every day at noon", &scriptedRunner{name: "ingest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest")
}

func TestSchedulerCronRunsImmediateFirstTick(t *testing.T) {
	s, _ := newScheduler(t)
	r := &scriptedRunner{name: "ingest"}
	require.NoError(t, s.RegisterCron("@every 1h", r))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.tickCount() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStopWaitsForInFlightTick(t *testing.T) {
	s, _ := newScheduler(t)
	r := &blockingRunner{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.Register(r, time.Hour)

	s.Start(context.Background())
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate tick never started")
	}

	// Release the tick only once shutdown is already waiting on it.
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(r.release)
	}()
	s.Stop()

	select {
	case <-r.finished:
	default:
		t.Fatal("Stop returned before the in-flight tick finished")
	}
}

type blockingRunner struct {
	started  chan struct{}
	release  chan struct{}
	finished chan struct{}
}

func (r *blockingRunner) Name() string { return "slow" }

func (r *blockingRunner) Run(_ context.Context) error {
	close(r.started)
	<-r.release
	close(r.finished)
	return nil
}
