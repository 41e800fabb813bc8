package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// breakerTransport guards a transport with a circuit breaker: three
// consecutive failures open the circuit, one probe is allowed after a
// minute.
type breakerTransport struct {
	inner Transport
	cb    *gobreaker.CircuitBreaker
}

func newBreakerTransport(inner Transport, logger *zap.Logger) *breakerTransport {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notification transport breaker changed state",
				zap.String("transport", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &breakerTransport{inner: inner, cb: cb}
}

func (b *breakerTransport) Name() string { return b.inner.Name() }

func (b *breakerTransport) Send(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Send(ctx, msg)
	})
	return err
}
