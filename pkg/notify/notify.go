// Package notify delivers human-facing notifications for incident
// assignment, approval requests, and remediation completion. It has no dedicated
// spec component letter — it is the fan-out consumer the event bus (K)
// feeds alongside the WebSocket dashboard.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier delivers a single message to a recipient channel/user.
type Notifier interface {
	Notify(ctx context.Context, target, message string) error
}

// LogNotifier is the default no-op-ish Notifier: it logs rather than
// delivering, used when no Slack token is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, target, message string) error {
	n.logger.Info("notification", "target", target, "message", message)
	return nil
}

// SlackNotifier posts messages to a Slack channel via a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a SlackNotifier. channel is the default channel
// used when target is empty.
func NewSlackNotifier(botToken, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(botToken), channel: channel}
}

func (n *SlackNotifier) Notify(ctx context.Context, target, message string) error {
	channel := target
	if channel == "" {
		channel = n.channel
	}
	_, _, err := n.client.PostMessageContext(ctx, channel, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("posting slack message: %w", err)
	}
	return nil
}
