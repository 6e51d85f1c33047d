// Package notify implements the notification channels a playbook
// StepNotification step can target, adapted from
// codeready-toolchain-tarsy/pkg/slack's Slack client (there, used to post
// session-completion summaries; here, generalized into a channel-routed
// alert/playbook notifier).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// Notifier sends a message to a named channel. The channel addressing
// scheme is left to the implementation (a Slack channel ID, a webhook
// name, etc).
type Notifier interface {
	Send(ctx context.Context, channel, message string) error
}

const defaultPostTimeout = 5 * time.Second

// SlackNotifier posts playbook/alert notifications to Slack channels via
// the slack-go SDK, the same client construction tarsy uses for its own
// session-completion notifications.
type SlackNotifier struct {
	api             *goslack.Client
	defaultChannel  string
	postTimeout     time.Duration
	log             *slog.Logger
}

// NewSlackNotifier builds a notifier bound to a bot token. defaultChannel
// is used when a playbook step's Channel field is empty.
func NewSlackNotifier(token, defaultChannel string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		api:            goslack.New(token),
		defaultChannel: defaultChannel,
		postTimeout:    defaultPostTimeout,
		log:            logger.With("component", "notify.slack"),
	}
}

// Send posts message to channel (or the configured default channel if
// channel is "" or "default"), mirroring Client.PostMessage's
// context-timeout wrapping.
func (n *SlackNotifier) Send(ctx context.Context, channel, message string) error {
	target := channel
	if target == "" || target == "default" {
		target = n.defaultChannel
	}
	if target == "" {
		return fmt.Errorf("notify: no slack channel configured")
	}

	ctx, cancel := context.WithTimeout(ctx, n.postTimeout)
	defer cancel()

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, message, false, false),
			nil, nil,
		),
	}
	_, _, err := n.api.PostMessageContext(ctx, target, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("notify: slack chat.postMessage to %s: %w", target, err)
	}
	n.log.Info("sent slack notification", "channel", target)
	return nil
}
