// Package alert posts operational alerts to a Slack or Discord channel.
package alert

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial rate-limit backoff when the platform gives
	// no retry hint.
	baseBackoff = time.Second
	// maxBackoff caps the rate-limit backoff.
	maxBackoff = 30 * time.Second
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Color returns the hex color used to render the severity.
func (s Severity) Color() string {
	switch s {
	case SeverityCritical:
		return "#d40e0d"
	case SeverityWarning:
		return "#daa038"
	default:
		return "#36a64f"
	}
}

// Field is one key/value line of an alert.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Alert is one operational notification.
type Alert struct {
	Title    string
	Body     string
	Severity Severity
	Fields   []Field
}

// Text renders the alert as a plain-text fallback.
func (a Alert) Text() string {
	return fmt.Sprintf("[%s] %s", a.Severity, a.Title)
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop discards every alert.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Alert) error { return nil }

// Opts selects and configures a Notifier.
type Opts struct {
	Platform     string // "slack", "discord", or empty for Nop
	Channel      string
	SlackToken   string
	DiscordToken string
}

// New builds the Notifier for opts.Platform.
func New(opts Opts) (Notifier, error) {
	switch opts.Platform {
	case "":
		return Nop{}, nil
	case "slack":
		return NewSlack(SlackOpts{Token: opts.SlackToken, ChannelID: opts.Channel})
	case "discord":
		return NewDiscord(DiscordOpts{Token: opts.DiscordToken, ChannelID: opts.Channel})
	default:
		return nil, fmt.Errorf("alert: unknown platform %q", opts.Platform)
	}
}

// backoff returns the wait before retry attempt (0-based).
func backoff(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

// retryOnRateLimit calls fn until it succeeds, returns an error that is not a
// rate limit, or runs out of retries. limited reports whether err is a rate
// limit and how long the platform asked to wait.
func retryOnRateLimit(ctx context.Context, fn func() error, limited func(error) (time.Duration, bool)) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		hint, ok := limited(err)
		if !ok || attempt == maxRetries {
			return err
		}
		wait := hint
		if wait <= 0 {
			wait = backoff(attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
