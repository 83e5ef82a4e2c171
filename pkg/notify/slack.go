// Package notify implements the Notification Sink (spec §6, expanded at
// SPEC_FULL.md §4.12): a best-effort outbound channel for remediation
// outcomes. A failure here must never block the remediation pipeline, so
// every send is capped at a short per-attempt timeout, retried at most
// once, and dropped — never queued, never blocking the orchestrator.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
)

const (
	sendTimeout = 3 * time.Second
	maxAttempts = 2 // one send, one retry
)

// Notification is one remediation outcome to announce.
type Notification struct {
	AlertName string
	Instance  string
	Host      string
	Outcome   string // "succeeded", "failed", "escalated"
	Summary   string
	Commands  []string
}

// Sink is the narrow contract the Orchestrator depends on.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Mode selects how the Slack client authenticates.
type Mode string

const (
	// ModeWebhook posts via an incoming webhook URL — no bot token needed.
	ModeWebhook Mode = "webhook"
	// ModeBotToken posts via a bot token to a specific channel.
	ModeBotToken Mode = "bot_token"
)

// Slack is a Sink backed by github.com/slack-go/slack, in either webhook or
// bot-token mode (SPEC_FULL.md §4.12).
type Slack struct {
	mode       Mode
	webhookURL string
	client     *slack.Client
	channel    string
	log        *logrus.Logger
}

// NewWebhook constructs a Slack sink that posts via an incoming webhook URL.
func NewWebhook(webhookURL string, log *logrus.Logger) *Slack {
	return &Slack{mode: ModeWebhook, webhookURL: webhookURL, log: log}
}

// NewBotToken constructs a Slack sink that posts via a bot token to channel.
func NewBotToken(token, channel string, log *logrus.Logger) *Slack {
	return &Slack{mode: ModeBotToken, client: slack.New(token), channel: channel, log: log}
}

// Notify sends n, retrying at most once, each attempt bounded to 3s. A
// failure after the retry is logged and swallowed: notification delivery
// never blocks or fails the remediation it describes.
func (s *Slack) Notify(ctx context.Context, n Notification) error {
	msg := render(n)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		lastErr = s.send(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		s.log.WithFields(logrus.Fields{
			"alertname": n.AlertName,
			"instance":  n.Instance,
			"attempt":   attempt,
		}).WithError(lastErr).Warn("notification send failed")
	}

	s.log.WithFields(logrus.Fields{
		"alertname": n.AlertName,
		"instance":  n.Instance,
	}).Warn("notification dropped after exhausting retries")
	return nil
}

func (s *Slack) send(ctx context.Context, msg string) error {
	switch s.mode {
	case ModeWebhook:
		return slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{Text: msg})
	case ModeBotToken:
		_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(msg, false))
		return err
	default:
		return fmt.Errorf("notify: unknown mode %q", s.mode)
	}
}

func render(n Notification) string {
	msg := fmt.Sprintf("*%s* on `%s` (%s): %s", n.AlertName, n.Instance, n.Outcome, n.Summary)
	if len(n.Commands) > 0 {
		msg += "\nCommands run:"
		for _, c := range n.Commands {
			msg += fmt.Sprintf("\n• `%s`", c)
		}
	}
	return msg
}
