package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/model"
	"github.com/orion-sentinel/netsec/internal/notify"
)

// Notifier is the slice of the notification dispatcher this executor needs.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message, channels ...string) error
}

// SendNotificationExecutor fans a message out to the configured transports.
// Success means at least one transport delivered.
type SendNotificationExecutor struct {
	notifier Notifier
	logger   *zap.Logger
}

func NewSendNotificationExecutor(notifier Notifier, logger *zap.Logger) *SendNotificationExecutor {
	return &SendNotificationExecutor{
		notifier: notifier,
		logger:   logger.With(zap.String("component", "send-notification")),
	}
}

func (e *SendNotificationExecutor) Kind() string { return "send-notification" }

func (e *SendNotificationExecutor) Validate(params map[string]any) error {
	_, err := stringParam(params, "subject")
	return err
}

func (e *SendNotificationExecutor) Execute(ctx context.Context, params map[string]any, dryRun bool) Receipt {
	subject, err := stringParam(params, "subject")
	if err != nil {
		return Receipt{Note: err.Error()}
	}
	body := optionalString(params, "body")
	channels := stringList(params, "channels")

	sev := model.Severity(strings.ToLower(optionalString(params, "severity")))
	if sev.Rank() < 0 {
		sev = model.SeverityInfo
	}

	if dryRun {
		return Receipt{
			Success: true,
			Note:    fmt.Sprintf("dry-run: would notify %q", subject),
		}
	}

	msg := notify.Message{
		Subject:   subject,
		Body:      body,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
	}
	if err := e.notifier.Send(ctx, msg, channels...); err != nil {
		e.logger.Warn("notification failed",
			zap.String("subject", subject),
			zap.Error(err))
		return Receipt{
			RetryHint: true,
			Note:      fmt.Sprintf("notify: %v", err),
		}
	}
	return Receipt{
		Success:     true,
		SideEffects: 1,
		Note:        "notification dispatched",
	}
}
