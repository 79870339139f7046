package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo REST methods we use.
type discordSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	Token     string // bot token, without the "Bot " prefix
	ChannelID string

	session discordSession // for tests
}

// Discord posts alerts as embeds. Only the REST API is used; no gateway
// connection is opened.
type Discord struct {
	sess      discordSession
	channelID string
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alert: discord: channel is required")
	}
	sess := opts.session
	if sess == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("alert: discord: token is required")
		}
		dg, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("alert: discord: create session: %w", err)
		}
		sess = dg
	}
	return &Discord{sess: sess, channelID: opts.ChannelID}, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, a Alert) error {
	data := discordMessage(a)
	err := retryOnRateLimit(ctx, func() error {
		_, sendErr := d.sess.ChannelMessageSendComplex(d.channelID, data, discordgo.WithContext(ctx))
		return sendErr
	}, discordRateLimited)
	if err != nil {
		return fmt.Errorf("alert: discord: send message: %w", err)
	}
	return nil
}

func discordMessage(a Alert) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       parseHexColor(a.Severity.Color()),
	}
	for _, f := range a.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return &discordgo.MessageSend{Content: a.Text(), Embeds: []*discordgo.MessageEmbed{embed}}
}

func discordRateLimited(err error) (time.Duration, bool) {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusTooManyRequests {
		return 0, true
	}
	return 0, false
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
