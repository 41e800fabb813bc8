package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/model"
)

// SlackConfig configures the Slack transport. APIURL is overridable for
// tests and self-hosted gateways; empty means the public Slack API.
type SlackConfig struct {
	Token   string
	Channel string
	APIURL  string
}

// SlackTransport posts notifications as colored attachments to one channel.
type SlackTransport struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

func NewSlackTransport(cfg SlackConfig, logger *zap.Logger) *SlackTransport {
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackTransport{
		client:  slack.New(cfg.Token, opts...),
		channel: cfg.Channel,
		logger:  logger,
	}
}

func (t *SlackTransport) Name() string { return "slack" }

func (t *SlackTransport) Send(ctx context.Context, msg Message) error {
	attachment := slack.Attachment{
		Color:  severityColor(msg.Severity),
		Title:  msg.Subject,
		Text:   msg.Body,
		Footer: "orion-sentinel",
	}
	_, _, err := t.client.PostMessageContext(ctx, t.channel,
		slack.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", t.channel, err)
	}
	return nil
}

func severityColor(s model.Severity) string {
	switch {
	case s.AtLeast(model.SeverityHigh):
		return "danger"
	case s == model.SeverityMedium:
		return "warning"
	default:
		return "good"
	}
}
