package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	discordBaseBackoff = 2 * time.Second
	discordMaxBackoff  = 30 * time.Second
)

// discordSession abstracts the discordgo.Session methods we use.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts digests to a Discord channel as an embed.
type Discord struct {
	sess        discordSession
	channelID   string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of a real connection.
	Session discordSession
}

// NewDiscord creates a Discord notifier. Sending an embed is a plain REST
// call, so no gateway connection is opened.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Discord{
		sess:        sess,
		channelID:   opts.ChannelID,
		baseBackoff: discordBaseBackoff,
		maxBackoff:  discordMaxBackoff,
	}, nil
}

func (d *Discord) Name() string { return "discord" }

// Send posts dg as an embed, retrying while Discord rate limits the call.
func (d *Discord) Send(ctx context.Context, dg Digest) error {
	embed := digestToEmbed(dg)
	err := d.retry(ctx, func() error {
		_, sendErr := d.sess.ChannelMessageSendEmbed(d.channelID, embed)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send digest: %w", err)
	}
	return nil
}

func digestToEmbed(dg Digest) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       dg.Title,
		Description: dg.Body,
	}
	if dg.Color != "" {
		embed.Color = parseHexColor(dg.Color)
	}
	for _, f := range dg.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	v, err := strconv.ParseInt(hex, 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

func (d *Discord) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * d.baseBackoff
		if wait > d.maxBackoff {
			wait = d.maxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
