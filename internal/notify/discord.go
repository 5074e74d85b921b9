package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// DiscordNotifier executes a Discord webhook with one embed per summary.
type DiscordNotifier struct {
	sess  *discordgo.Session
	id    string
	token string
}

// NewDiscord returns a notifier for a webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscord(webhookURL string) (*DiscordNotifier, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution is authenticated by the token in the path.
	sess, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: discord: %w", err)
	}
	return &DiscordNotifier{sess: sess, id: id, token: token}, nil
}

func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: discord: parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: discord: webhook url %q has no id/token", raw)
}

// Notify executes the webhook. discordgo retries rate-limited requests on
// its own.
func (n *DiscordNotifier) Notify(ctx context.Context, s Summary) error {
	m := Format(s)
	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{messageToEmbed(m)},
	}
	if _, err := n.sess.WebhookExecute(n.id, n.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}

func messageToEmbed(m Message) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       m.Title,
		Description: m.Body,
	}
	if m.Color != "" {
		embed.Color = parseHexColor(m.Color)
	}
	for _, f := range m.Fields {
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
	hex = strings.TrimPrefix(hex, "#")
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}
