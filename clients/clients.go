package clients

import (
	"dashpoll/clients/backend"
	"dashpoll/clients/discord"
	"dashpoll/clients/notifier"
	"dashpoll/clients/telegram"
	"dashpoll/config"

	"go.uber.org/zap"
)

type Clients struct {
	Logger *zap.Logger

	Backend  *backend.Client
	Discord  *discord.DiscordClient
	Telegram *telegram.TelegramClient
	Notifier *notifier.MultiNotifier // Combined notifier for the configured channels
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	discordClient := discord.NewDiscordClient(logger, cfg)
	telegramClient := telegram.NewTelegramClient(logger, cfg)

	// Only channels that can actually deliver join the combined notifier.
	var channels []notifier.Notifier
	if discordClient.Enabled() {
		channels = append(channels, discordClient)
	}
	if telegramClient.Enabled() {
		channels = append(channels, telegramClient)
	}

	return &Clients{
		Logger:   logger,
		Backend:  backend.NewClient(logger, cfg),
		Discord:  discordClient,
		Telegram: telegramClient,
		Notifier: notifier.NewMultiNotifier(channels...),
	}
}

// Close releases the alert channels.
func (c *Clients) Close() error {
	return c.Notifier.Close()
}
