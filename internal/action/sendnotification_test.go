package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orion-sentinel/netsec/internal/model"
	"github.com/orion-sentinel/netsec/internal/notify"
)

type fakeNotifier struct {
	calls    int
	lastMsg  notify.Message
	lastChan []string
	err      error
}

func (f *fakeNotifier) Send(ctx context.Context, msg notify.Message, channels ...string) error {
	f.calls++
	f.lastMsg = msg
	f.lastChan = channels
	return f.err
}

func TestSendNotificationExecutor(t *testing.T) {
	n := &fakeNotifier{}
	e := NewSendNotificationExecutor(n, zaptest.NewLogger(t))

	rec := e.Execute(context.Background(), map[string]any{
		"subject":  "Blocked evil.example.com",
		"body":     "Sinkhole updated.",
		"severity": "high",
		"channels": "email, slack",
	}, false)

	assert.True(t, rec.Success)
	assert.Equal(t, 1, rec.SideEffects)
	require.Equal(t, 1, n.calls)
	assert.Equal(t, "Blocked evil.example.com", n.lastMsg.Subject)
	assert.Equal(t, "Sinkhole updated.", n.lastMsg.Body)
	assert.Equal(t, model.SeverityHigh, n.lastMsg.Severity)
	assert.Equal(t, []string{"email", "slack"}, n.lastChan)
}

func TestSendNotificationExecutorDefaultsSeverity(t *testing.T) {
	n := &fakeNotifier{}
	e := NewSendNotificationExecutor(n, zaptest.NewLogger(t))

	rec := e.Execute(context.Background(), map[string]any{
		"subject":  "heads up",
		"severity": "WHATEVER",
	}, false)

	assert.True(t, rec.Success)
	assert.Equal(t, model.SeverityInfo, n.lastMsg.Severity)
	assert.Empty(t, n.lastChan)
}

func TestSendNotificationExecutorDryRun(t *testing.T) {
	n := &fakeNotifier{}
	e := NewSendNotificationExecutor(n, zaptest.NewLogger(t))

	rec := e.Execute(context.Background(), map[string]any{"subject": "drill"}, true)
	assert.True(t, rec.Success)
	assert.Zero(t, rec.SideEffects)
	assert.Zero(t, n.calls)
}

func TestSendNotificationExecutorAllTransportsFailed(t *testing.T) {
	n := &fakeNotifier{err: errors.New("all notification transports failed")}
	e := NewSendNotificationExecutor(n, zaptest.NewLogger(t))

	rec := e.Execute(context.Background(), map[string]any{"subject": "x"}, false)
	assert.False(t, rec.Success)
	assert.True(t, rec.RetryHint)
	assert.Contains(t, rec.Note, "transports failed")
}

func TestSendNotificationExecutorValidate(t *testing.T) {
	e := NewSendNotificationExecutor(&fakeNotifier{}, zaptest.NewLogger(t))

	assert.NoError(t, e.Validate(map[string]any{"subject": "{{event.title}}"}))
	assert.Error(t, e.Validate(map[string]any{"body": "no subject"}))
}
