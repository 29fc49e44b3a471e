package notification

import (
	"context"
	"fmt"

	goslack "github.com/slack-go/slack"
)

// slackSender delivers notifications to a Slack channel via an incoming
// webhook URL. Unlike the generic webhookSender, it builds a Slack-native
// message payload (goslack.WebhookMessage) so formatting renders correctly
// in Slack without relying on the "text" field compatibility shim used by
// the generic webhook channel.
type slackSender struct {
	loader func(ctx context.Context) (*SlackConfig, error)
}

// newSlackSender creates a slackSender. loader is called on every Send to
// retrieve the current Slack configuration from the settings repository.
func newSlackSender(loader func(ctx context.Context) (*SlackConfig, error)) *slackSender {
	return &slackSender{loader: loader}
}

// Send posts title and body to the configured Slack incoming webhook. If
// Slack is not configured or disabled, the send is skipped silently.
func (s *slackSender) Send(ctx context.Context, title, body string) error {
	cfg, err := s.loader(ctx)
	if err != nil {
		if err == ErrConfigNotFound {
			return nil
		}
		return fmt.Errorf("%w: failed to load slack config: %s", ErrSendFailed, err)
	}
	if !cfg.Enabled {
		return nil
	}

	msg := &goslack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", title, body),
	}

	if err := goslack.PostWebhookContext(ctx, cfg.WebhookURL, msg); err != nil {
		return fmt.Errorf("%w: slack webhook post: %s", ErrSendFailed, err)
	}
	return nil
}
