package discord

import (
	"fmt"
	"strconv"
	"time"

	"dashpoll/clients/notifier"
	"dashpoll/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorFailing   = 0xE74C3C
	colorRecovered = 0x2ECC71
	colorDrift     = 0xF1C40F
)

// DiscordClient sends source alerts to Discord.
// Implements notifier.Notifier interface.
type DiscordClient struct {
	logger    *zap.Logger
	session   *discordgo.Session
	channelID string
	isProd    bool
}

func NewDiscordClient(logger *zap.Logger, cfg *config.Config) *DiscordClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &DiscordClient{
		logger:    logger,
		channelID: cfg.DiscordChannelID(),
		isProd:    cfg.IsProd,
	}

	token := cfg.Discord.BotToken
	if token == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, Discord alerts disabled")
		return client
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Error("failed to create discord session", zap.Error(err))
		return client
	}
	client.session = session

	logger.Info("discord bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("channelID", client.channelID),
	)
	return client
}

// Enabled reports whether alerts will actually be sent.
func (dc *DiscordClient) Enabled() bool {
	return dc.session != nil && dc.channelID != ""
}

// SendSourceAlert sends an embedded source alert.
// Implements notifier.Notifier interface.
func (dc *DiscordClient) SendSourceAlert(alert notifier.SourceAlert) {
	if !dc.Enabled() {
		dc.logger.Warn("discord session not initialized, skipping alert")
		return
	}

	_, err := dc.session.ChannelMessageSendEmbed(dc.channelID, dc.buildAlertEmbed(alert))
	if err != nil {
		dc.logger.Error("failed to send discord embed", zap.Error(err))
		return
	}

	dc.logger.Info("sent discord source alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("source", alert.Source),
	)
}

func (dc *DiscordClient) buildAlertEmbed(alert notifier.SourceAlert) *discordgo.MessageEmbed {
	color := colorFailing
	switch alert.Kind {
	case notifier.AlertKindSourceRecovered:
		color = colorRecovered
	case notifier.AlertKindConsistencyDrift:
		color = colorDrift
	}

	var fields []*discordgo.MessageEmbedField
	if alert.Source != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Source", Value: alert.Source, Inline: true})
	}
	if alert.Reason != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason", Value: "`" + alert.Reason + "`", Inline: true})
	}
	if alert.Failures > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Failures", Value: strconv.Itoa(alert.Failures), Inline: true})
	}
	if !alert.FailingSince.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Failing Since",
			Value:  fmt.Sprintf("<t:%d:R>", alert.FailingSince.Unix()),
			Inline: true,
		})
	}
	if alert.Kind == notifier.AlertKindConsistencyDrift {
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Missing in DB", Value: strconv.Itoa(alert.MissingInDB), Inline: true},
			&discordgo.MessageEmbedField{Name: "Missing in Queue", Value: strconv.Itoa(alert.MissingInQueue), Inline: true},
		)
	}

	timestamp := alert.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	footer := "dashpoll"
	if !dc.isProd {
		footer = "dashpoll (beta)"
	}

	return &discordgo.MessageEmbed{
		Title:       alert.Title(),
		Description: alert.Message,
		Color:       color,
		Fields:      fields,
		Timestamp:   timestamp.UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

// Close closes the Discord session.
func (dc *DiscordClient) Close() error {
	if dc.session != nil {
		return dc.session.Close()
	}
	return nil
}
