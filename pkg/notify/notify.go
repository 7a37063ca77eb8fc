// Package notify delivers self-healing escalation notices to a human
// channel. It is deliberately decoupled from pkg/selfheal's types so either
// package can change shape independently.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// EscalationNotice is the minimal information a Notifier needs to render an
// escalation.
type EscalationNotice struct {
	AgentID       string
	TeamID        string
	FailureCount  int
	LastError     string
	SuggestedAction string
}

// Notifier delivers an escalation notice to whatever channel it backs.
type Notifier interface {
	NotifyEscalation(ctx context.Context, notice EscalationNotice) error
}

// NoopNotifier logs the notice and does nothing else. Used when no Slack
// token is configured.
type NoopNotifier struct {
	Logger *slog.Logger
}

// NotifyEscalation logs the notice at info level.
func (n *NoopNotifier) NotifyEscalation(ctx context.Context, notice EscalationNotice) error {
	n.Logger.Info("escalation notice (noop notifier)",
		"agent_id", notice.AgentID,
		"team_id", notice.TeamID,
		"failure_count", notice.FailureCount,
		"suggested_action", notice.SuggestedAction,
	)
	return nil
}

// SlackNotifier posts escalation notices to a Slack channel.
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a SlackNotifier. If botToken is empty, callers
// should use NoopNotifier instead (mirrors the nil-client-means-disabled
// pattern used elsewhere in this codebase for optional integrations).
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  goslack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

// NotifyEscalation posts a formatted message describing the escalation.
func (n *SlackNotifier) NotifyEscalation(ctx context.Context, notice EscalationNotice) error {
	text := fmt.Sprintf(":rotating_light: agent %s (team %s) escalated after %d failed recovery attempts. last error: %s. suggested action: %s",
		notice.AgentID, notice.TeamID, notice.FailureCount, notice.LastError, notice.SuggestedAction)

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting escalation to slack: %w", err)
	}

	n.logger.Info("posted escalation notice to slack",
		"agent_id", notice.AgentID,
		"channel", n.channel,
	)
	return nil
}

// New returns a SlackNotifier if botToken and channel are both set, or a
// NoopNotifier otherwise.
func New(botToken, channel string, logger *slog.Logger) Notifier {
	if botToken == "" || channel == "" {
		return &NoopNotifier{Logger: logger}
	}
	return NewSlackNotifier(botToken, channel, logger)
}
