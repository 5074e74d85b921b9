package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited webhook posts.
const maxRetries = 3

// SlackNotifier posts summaries to a Slack incoming webhook.
type SlackNotifier struct {
	url         string
	post        func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error
	baseBackoff time.Duration
}

// NewSlack returns a notifier for the webhook at url.
func NewSlack(url string) *SlackNotifier {
	return &SlackNotifier{url: url, post: slackapi.PostWebhookContext, baseBackoff: time.Second}
}

// Notify posts one message with a single colored attachment.
func (n *SlackNotifier) Notify(ctx context.Context, s Summary) error {
	msg := buildWebhookMessage(Format(s))
	err := n.retryOnRateLimit(ctx, func() error {
		return n.post(ctx, n.url, msg)
	})
	if err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

func buildWebhookMessage(m Message) *slackapi.WebhookMessage {
	att := slackapi.Attachment{
		Title:    m.Title,
		Text:     m.Body,
		Color:    m.Color,
		Fallback: m.Title,
	}
	for _, f := range m.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return &slackapi.WebhookMessage{
		Text:        m.Title,
		Attachments: []slackapi.Attachment{att},
	}
}

// retryOnRateLimit calls fn and retries with exponential backoff on Slack
// rate limit errors. It respects context cancellation.
func (n *SlackNotifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * n.baseBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
