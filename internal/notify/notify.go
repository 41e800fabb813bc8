// Package notify delivers operator notifications over the configured
// transports: SMTP email, Slack, and HMAC-signed webhooks. Transports are
// independent; the dispatcher fans a message out to all of them (or a
// selected subset) and reports success when at least one delivery went
// through. Each transport sits behind a circuit breaker so a dead endpoint
// fails fast instead of consuming the full send deadline on every event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/model"
)

// Message is one notification to deliver.
type Message struct {
	Subject   string
	Body      string
	Severity  model.Severity
	Timestamp time.Time
}

// Transport delivers a message over one channel. Name doubles as the
// channel identifier playbooks use in the `channels` parameter.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// ErrNoTransports means the dispatcher has nothing to deliver through.
var ErrNoTransports = errors.New("no notification transports configured")

const defaultSendTimeout = 15 * time.Second

// Dispatcher fans messages out to the configured transports.
type Dispatcher struct {
	transports []Transport
	timeout    time.Duration
	logger     *zap.Logger
}

// NewDispatcher wraps each transport in a circuit breaker and returns a
// dispatcher over them.
func NewDispatcher(logger *zap.Logger, transports ...Transport) *Dispatcher {
	d := &Dispatcher{
		timeout: defaultSendTimeout,
		logger:  logger.With(zap.String("component", "notify")),
	}
	for _, t := range transports {
		d.transports = append(d.transports, newBreakerTransport(t, d.logger))
	}
	return d
}

// Channels returns the names of the configured transports.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.transports))
	for _, t := range d.transports {
		out = append(out, t.Name())
	}
	return out
}

// Send delivers msg over every configured transport, or only those named in
// channels when non-empty. It returns nil when at least one transport
// succeeded.
func (d *Dispatcher) Send(ctx context.Context, msg Message, channels ...string) error {
	if len(d.transports) == 0 {
		return ErrNoTransports
	}
	targets := d.selectTargets(channels)
	if len(targets) == 0 {
		return fmt.Errorf("no transports match channels %v", channels)
	}

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(targets))
	for _, t := range targets {
		go func(t Transport) {
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			results <- outcome{name: t.Name(), err: t.Send(sendCtx, msg)}
		}(t)
	}

	delivered := 0
	var failures []string
	for range targets {
		res := <-results
		if res.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", res.name, res.err))
			d.logger.Warn("notification transport failed",
				zap.String("transport", res.name),
				zap.Error(res.err))
			continue
		}
		delivered++
		d.logger.Debug("notification delivered", zap.String("transport", res.name))
	}

	if delivered == 0 {
		return fmt.Errorf("all notification transports failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (d *Dispatcher) selectTargets(channels []string) []Transport {
	if len(channels) == 0 {
		return d.transports
	}
	want := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		want[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	var out []Transport
	for _, t := range d.transports {
		if _, ok := want[t.Name()]; ok {
			out = append(out, t)
		}
	}
	return out
}
