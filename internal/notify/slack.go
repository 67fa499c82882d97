// Package notify posts operator notifications to Slack for events that need
// a human's eyes: unrecoverable log loss and dispatched remediations.
package notify

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackAPI is the subset of the Slack client we use.
type SlackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts to a single configured channel, gated by an allowlist
// (fail-closed: an empty allowlist blocks everything).
type Notifier struct {
	api     SlackAPI
	channel string
	allowed map[string]bool
	logger  zerolog.Logger
}

// New creates a Notifier over a real Slack client.
func New(botToken, channel string, allowedChannels []string, logger zerolog.Logger) *Notifier {
	return NewWithAPI(slack.New(botToken), channel, allowedChannels, logger)
}

// NewWithAPI creates a Notifier over any SlackAPI (for testing).
func NewWithAPI(api SlackAPI, channel string, allowedChannels []string, logger zerolog.Logger) *Notifier {
	allowed := make(map[string]bool, len(allowedChannels))
	for _, ch := range allowedChannels {
		allowed[ch] = true
	}
	return &Notifier{
		api:     api,
		channel: channel,
		allowed: allowed,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

func (n *Notifier) post(text string) {
	if !n.allowed[n.channel] {
		n.logger.Warn().Str("channel", n.channel).Msg("blocked post to non-allowlisted channel")
		return
	}
	if _, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn().Err(err).Msg("slack post failed")
	}
}

// NotifyLoss reports unrecoverable log loss for a unit.
func (n *Notifier) NotifyLoss(unitName, reason string) {
	n.post(fmt.Sprintf(":rotating_light: *Unrecoverable log loss* for unit `%s`: %s", unitName, reason))
}

// NotifyDispatch reports a dispatched remediation.
func (n *Notifier) NotifyDispatch(issueID, kind, taskID string) {
	n.post(fmt.Sprintf(":wrench: Remediation `%s` dispatched (%s, task %s)", issueID, kind, taskID))
}
