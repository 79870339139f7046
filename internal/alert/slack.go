package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	Token     string // xoxb-... bot token
	ChannelID string

	client slackClient // for tests
}

// Slack posts alerts as message attachments.
type Slack struct {
	client    slackClient
	channelID string
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alert: slack: channel is required")
	}
	client := opts.client
	if client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("alert: slack: token is required")
		}
		client = slackapi.New(opts.Token)
	}
	return &Slack{client: client, channelID: opts.ChannelID}, nil
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	options := slackOptions(a)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channelID, options...)
		return postErr
	}, slackRateLimited)
	if err != nil {
		return fmt.Errorf("alert: slack: post message: %w", err)
	}
	return nil
}

func slackOptions(a Alert) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    a.Title,
		Text:     a.Body,
		Color:    a.Severity.Color(),
		Fallback: a.Text(),
	}
	for _, f := range a.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(a.Text(), false),
		slackapi.MsgOptionAttachments(att),
	}
}

func slackRateLimited(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
