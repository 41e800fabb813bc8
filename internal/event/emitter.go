// Package event publishes SecurityEvents to the log store without ever
// blocking the detection paths that produce them. Events enter a bounded
// in-process queue; a single drain worker batches them per label set and
// pushes. When the queue is full the oldest queued event is dropped and
// counted, so a slow or unreachable store degrades to event loss, never to
// a stalled detector.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/model"
)

const (
	defaultQueueSize    = 1024
	defaultDrainTimeout = 5 * time.Second
	maxFlushBatch       = 256
)

// Pusher is the slice of the log-store client the emitter needs.
type Pusher interface {
	Push(ctx context.Context, labels map[string]string, entries []logstore.Entry) error
	PushWithRetry(ctx context.Context, labels map[string]string, entries []logstore.Entry) error
}

// Config holds emitter settings. Zero values take the documented defaults.
type Config struct {
	AppLabel     string
	QueueSize    int
	DrainTimeout time.Duration
}

type queued struct {
	key    string
	labels map[string]string
	entry  logstore.Entry
}

// Emitter owns the bounded queue and the drain worker. Producers are
// many; the consumer is the single Run loop.
type Emitter struct {
	pusher       Pusher
	appLabel     string
	queue        chan queued
	drainTimeout time.Duration
	logger       *zap.Logger

	emitted atomic.Uint64
	dropped atomic.Uint64

	emittedCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// NewEmitter builds an emitter over the given pusher.
func NewEmitter(pusher Pusher, cfg Config, logger *zap.Logger) *Emitter {
	if cfg.AppLabel == "" {
		cfg.AppLabel = "orion-sentinel"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	meter := otel.Meter("orion-sentinel/event")
	emittedCounter, _ := meter.Int64Counter("orion.events.emitted")
	droppedCounter, _ := meter.Int64Counter("orion.events.dropped")

	return &Emitter{
		pusher:         pusher,
		appLabel:       cfg.AppLabel,
		queue:          make(chan queued, cfg.QueueSize),
		drainTimeout:   cfg.DrainTimeout,
		logger:         logger.With(zap.String("component", "emitter")),
		emittedCounter: emittedCounter,
		droppedCounter: droppedCounter,
	}
}

// For returns a producer handle that stamps the given component onto the
// stream labels of everything it emits.
func (e *Emitter) For(component string) *Producer {
	return &Producer{emitter: e, component: component}
}

// Producer is a component-scoped emission handle. Handles are cheap and
// safe for concurrent use.
type Producer struct {
	emitter   *Emitter
	component string
}

// Emit enqueues one event. The timestamp is filled if absent. The only
// error is a malformed event; queue pressure never surfaces here.
func (p *Producer) Emit(ev model.SecurityEvent) error {
	return p.emitter.enqueue(p.component, ev)
}

// EmitBatch enqueues events in order. The first malformed event aborts the
// rest; previously enqueued events stay enqueued.
func (p *Producer) EmitBatch(evs []model.SecurityEvent) error {
	for i, ev := range evs {
		if err := p.emitter.enqueue(p.component, ev); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

func (e *Emitter) enqueue(component string, ev model.SecurityEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	labels := map[string]string{
		"app":        e.appLabel,
		"event_type": string(ev.EventType),
		"severity":   string(ev.Severity),
	}
	if component != "" {
		labels["component"] = component
	}
	if ev.DeviceID != "" {
		labels["device_id"] = ev.DeviceID
	}

	item := queued{
		key:    logstore.Selector(labels),
		labels: labels,
		entry:  logstore.Entry{Timestamp: ev.Timestamp, Line: line},
	}

	select {
	case e.queue <- item:
		e.emitted.Add(1)
		e.emittedCounter.Add(context.Background(), 1)
		return nil
	default:
	}

	// Queue full: make room by dropping the oldest queued event, then try
	// once more. Under producer contention this may drop more than one;
	// loss is the chosen failure mode.
	select {
	case old := <-e.queue:
		e.noteDrop(old)
	default:
	}
	select {
	case e.queue <- item:
		e.emitted.Add(1)
		e.emittedCounter.Add(context.Background(), 1)
	default:
		e.noteDrop(item)
	}
	return nil
}

func (e *Emitter) noteDrop(item queued) {
	e.dropped.Add(1)
	e.droppedCounter.Add(context.Background(), 1)
	e.logger.Warn("event queue full, dropping oldest",
		zap.String("stream", item.key),
		zap.Uint64("total_dropped", e.dropped.Load()))
}

// Emitted returns the number of events accepted onto the queue.
func (e *Emitter) Emitted() uint64 { return e.emitted.Load() }

// Dropped returns the number of events lost to queue overflow.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// Run is the drain loop. It blocks until ctx is cancelled, then flushes
// whatever remains on the queue within the drain timeout.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drainRemaining()
			return ctx.Err()
		case first := <-e.queue:
			batch := e.collect(first)
			e.flush(ctx, batch)
		}
	}
}

// collect greedily pulls queued items after the first, bounded so one flush
// never monopolizes the worker.
func (e *Emitter) collect(first queued) []queued {
	batch := []queued{first}
	for len(batch) < maxFlushBatch {
		select {
		case item := <-e.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

type streamBatch struct {
	labels  map[string]string
	entries []logstore.Entry
}

// groupByStream splits a batch per label set, preserving order within each
// set and the order in which sets first appeared.
func groupByStream(batch []queued) []streamBatch {
	index := make(map[string]int, len(batch))
	var out []streamBatch
	for _, item := range batch {
		i, seen := index[item.key]
		if !seen {
			i = len(out)
			index[item.key] = i
			out = append(out, streamBatch{labels: item.labels})
		}
		out[i].entries = append(out[i].entries, item.entry)
	}
	return out
}

// flush pushes each stream batch with retry. A rejected stream is logged
// and abandoned.
func (e *Emitter) flush(ctx context.Context, batch []queued) {
	for _, sb := range groupByStream(batch) {
		if err := e.pusher.PushWithRetry(ctx, sb.labels, sb.entries); err != nil {
			e.logger.Error("push failed, stream batch lost",
				zap.Int("events", len(sb.entries)),
				zap.Error(err))
		}
	}
}

// drainRemaining performs a best-effort final flush after cancellation,
// without the unbounded retry of the steady-state path.
func (e *Emitter) drainRemaining() {
	var batch []queued
	for {
		select {
		case item := <-e.queue:
			batch = append(batch, item)
			continue
		default:
		}
		break
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.drainTimeout)
	defer cancel()
	for _, sb := range groupByStream(batch) {
		if err := e.pusher.Push(ctx, sb.labels, sb.entries); err != nil {
			e.logger.Error("final drain push failed",
				zap.Int("events", len(sb.entries)),
				zap.Error(err))
		}
	}
}
