package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dashpoll/clients/notifier"
	"dashpoll/config"

	"go.uber.org/zap"
)

const defaultAPIURL = "https://api.telegram.org"

// TelegramClient sends source alerts to Telegram.
// Implements notifier.Notifier interface.
type TelegramClient struct {
	logger   *zap.Logger
	botToken string
	chatID   string
	apiURL   string
	isProd   bool
	client   *http.Client
}

func NewTelegramClient(logger *zap.Logger, cfg *config.Config) *TelegramClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	apiURL := strings.TrimRight(cfg.Telegram.APIURL, "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	client := &TelegramClient{
		logger: logger,
		chatID: cfg.TelegramChatID(),
		apiURL: apiURL,
		isProd: cfg.IsProd,
	}

	token := cfg.Telegram.BotToken
	if token == "" {
		logger.Warn("TELEGRAM_BOT_KEY not set, Telegram alerts disabled")
		return client
	}

	logger.Info("telegram bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("chatID", client.chatID),
	)

	client.botToken = token
	client.client = &http.Client{Timeout: 10 * time.Second}
	return client
}

// Enabled reports whether alerts will actually be sent.
func (tc *TelegramClient) Enabled() bool {
	return tc.botToken != "" && tc.chatID != ""
}

// SendSourceAlert sends a source alert notification.
// Implements notifier.Notifier interface.
func (tc *TelegramClient) SendSourceAlert(alert notifier.SourceAlert) {
	if !tc.Enabled() {
		tc.logger.Warn("telegram not configured, skipping alert")
		return
	}

	if err := tc.sendMessage(tc.buildAlertMessage(alert)); err != nil {
		tc.logger.Error("failed to send telegram message", zap.Error(err))
		return
	}

	tc.logger.Info("sent telegram source alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("source", alert.Source),
	)
}

func (tc *TelegramClient) buildAlertMessage(alert notifier.SourceAlert) string {
	var sb strings.Builder

	sb.WriteString("*" + escapeMarkdown(alert.Title()) + "*\n\n")

	switch alert.Kind {
	case notifier.AlertKindConsistencyDrift:
		sb.WriteString(fmt.Sprintf("📦 Missing in DB: %d\n", alert.MissingInDB))
		sb.WriteString(fmt.Sprintf("📨 Missing in Queue: %d\n", alert.MissingInQueue))
	default:
		if alert.Reason != "" {
			sb.WriteString("❓ Reason: `" + alert.Reason + "`\n")
		}
		if alert.Failures > 0 {
			sb.WriteString(fmt.Sprintf("🔁 Failures: %d\n", alert.Failures))
		}
		if !alert.FailingSince.IsZero() {
			sb.WriteString("⏳ Failing since: " + alert.FailingSince.UTC().Format("15:04:05 MST") + "\n")
		}
	}

	if alert.Message != "" {
		sb.WriteString("\n" + escapeMarkdown(alert.Message) + "\n")
	}

	timestamp := alert.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	sb.WriteString("\n🕐 " + timestamp.UTC().Format("Jan 2, 15:04:05 MST"))

	return sb.String()
}

func (tc *TelegramClient) sendMessage(text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", tc.apiURL, tc.botToken)

	payload := map[string]interface{}{
		"chat_id":    tc.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := tc.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// Close cleans up resources. Implements notifier.Notifier interface.
func (tc *TelegramClient) Close() error {
	return nil
}

// escapeMarkdown escapes special characters for Telegram Markdown.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
