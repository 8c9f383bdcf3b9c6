package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dashpoll/clients/notifier"
	"dashpoll/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewTelegramClient_NoToken(t *testing.T) {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{
			ProdChatID: "prod-chat",
			BetaChatID: "beta-chat",
		},
	}

	client := NewTelegramClient(zap.NewNop(), cfg)

	if client.botToken != "" {
		t.Error("expected empty token")
	}
	if client.chatID != "beta-chat" {
		t.Errorf("expected beta chat, got: %s", client.chatID)
	}
	if client.apiURL != defaultAPIURL {
		t.Errorf("expected default API URL, got: %s", client.apiURL)
	}
}

func TestNewTelegramClient_ProdChat(t *testing.T) {
	cfg := &config.Config{
		IsProd: true,
		Telegram: config.TelegramConfig{
			BotToken:   "token",
			ProdChatID: "prod-chat",
			BetaChatID: "beta-chat",
			APIURL:     "http://telegram.test/",
		},
	}

	client := NewTelegramClient(nil, cfg)

	if client.chatID != "prod-chat" {
		t.Errorf("expected prod chat, got: %s", client.chatID)
	}
	if client.apiURL != "http://telegram.test" {
		t.Errorf("unexpected API URL: %s", client.apiURL)
	}
	if client.client == nil {
		t.Error("expected http client to be set")
	}
}

func TestSendSourceAlert_NotConfigured(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	client := &TelegramClient{logger: zap.New(core), chatID: "chat"}

	client.SendSourceAlert(notifier.SourceAlert{Source: "processing-stats"})

	if logs.FilterMessage("telegram not configured, skipping alert").Len() != 1 {
		t.Error("expected skip warning")
	}
}

func TestSendSourceAlert_Success(t *testing.T) {
	var payload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/sendMessage" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	core, logs := observer.New(zap.InfoLevel)
	cfg := &config.Config{
		Telegram: config.TelegramConfig{
			BotToken:   "test-token",
			BetaChatID: "beta-chat",
			APIURL:     server.URL,
		},
	}
	client := NewTelegramClient(zap.New(core), cfg)

	client.SendSourceAlert(notifier.SourceAlert{
		Kind:   notifier.AlertKindSourceFailing,
		Source: "analyzer-stats",
		Reason: "network",
	})

	if payload["chat_id"] != "beta-chat" || payload["parse_mode"] != "Markdown" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if !strings.Contains(payload["text"], "analyzer-stats") {
		t.Errorf("expected source in message, got: %s", payload["text"])
	}
	if logs.FilterMessage("sent telegram source alert").Len() != 1 {
		t.Error("expected success log")
	}
}

func TestSendSourceAlert_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	core, logs := observer.New(zap.ErrorLevel)
	cfg := &config.Config{
		Telegram: config.TelegramConfig{
			BotToken:   "test-token",
			BetaChatID: "beta-chat",
			APIURL:     server.URL,
		},
	}
	client := NewTelegramClient(zap.New(core), cfg)

	client.SendSourceAlert(notifier.SourceAlert{Kind: notifier.AlertKindSourceRecovered, Source: "x"})

	if logs.FilterMessage("failed to send telegram message").Len() != 1 {
		t.Error("expected failure to be logged")
	}
}

func TestBuildAlertMessage_Failing(t *testing.T) {
	client := &TelegramClient{logger: zap.NewNop()}

	msg := client.buildAlertMessage(notifier.SourceAlert{
		Kind:         notifier.AlertKindSourceFailing,
		Source:       "event-solar-generation",
		Reason:       "decode",
		Message:      "decode event_solar: bad json",
		FailingSince: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Failures:     3,
		Timestamp:    time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC),
	})

	for _, want := range []string{
		"Source failing: event-solar-generation",
		"Reason: `decode`",
		"Failures: 3",
		"Failing since: 10:30:00 UTC",
		"decode event\\_solar: bad json",
		"Jan 15, 10:31:00 UTC",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected message to contain %q, got:\n%s", want, msg)
		}
	}
}

func TestBuildAlertMessage_Drift(t *testing.T) {
	client := &TelegramClient{logger: zap.NewNop()}

	msg := client.buildAlertMessage(notifier.SourceAlert{
		Kind:           notifier.AlertKindConsistencyDrift,
		MissingInDB:    4,
		MissingInQueue: 1,
	})

	if !strings.Contains(msg, "Missing in DB: 4") || !strings.Contains(msg, "Missing in Queue: 1") {
		t.Errorf("unexpected drift message:\n%s", msg)
	}
	if strings.Contains(msg, "Reason") {
		t.Errorf("drift message should not carry a reason:\n%s", msg)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"snake_case", "snake\\_case"},
		{"*bold* [link]", "\\*bold\\* \\[link\\]"},
		{"`code`", "\\`code\\`"},
	}

	for _, tt := range tests {
		if got := escapeMarkdown(tt.in); got != tt.want {
			t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
