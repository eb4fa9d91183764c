package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPIBase = "https://api.telegram.org"

// TelegramSink delivers events as Bot API messages to the chat registered
// for the event's owner. Owners without a registered chat id are skipped
// silently: an unregistered owner is normal, not a delivery failure.
type TelegramSink struct {
	token   string
	chatIDs map[string]string
	apiBase string
	client  *http.Client
}

// NewTelegramSink creates a sink for the given bot token and owner-to-chat-id
// routing table.
func NewTelegramSink(token string, chatIDs map[string]string, timeout time.Duration) *TelegramSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TelegramSink{
		token:   token,
		chatIDs: chatIDs,
		apiBase: defaultTelegramAPIBase,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetAPIBase overrides the Bot API base URL. Used by tests.
func (t *TelegramSink) SetAPIBase(base string) {
	t.apiBase = strings.TrimRight(base, "/")
}

func (t *TelegramSink) Name() string {
	return "telegram"
}

func (t *TelegramSink) Deliver(ctx context.Context, ev Event) error {
	chatID, ok := t.chatIDs[ev.Owner]
	if !ok || chatID == "" {
		return nil
	}

	payload := map[string]string{
		"chat_id": chatID,
		"text":    renderTelegramMessage(ev),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func renderTelegramMessage(ev Event) string {
	var b strings.Builder

	switch ev.Type {
	case EventStarted:
		b.WriteString("🚀 Test Started\n\n")
	case EventCompleted:
		b.WriteString("✅ Test Completed\n\n")
	case EventFailed:
		b.WriteString("🚨 Test Failed\n\n")
	case EventStopped:
		b.WriteString("⏹ Test Stopped\n\n")
	}

	fmt.Fprintf(&b, "📍 Slot: %d\n", ev.SlotID)
	if ev.TestCase != "" {
		fmt.Fprintf(&b, "📋 Test Case: %s\n", ev.TestCase)
	}
	if ev.Owner != "" {
		fmt.Fprintf(&b, "👤 Owner: %s\n", ev.Owner)
	}
	if ev.SSDSerial != "" {
		fmt.Fprintf(&b, "💾 SSD: %s\n", ev.SSDSerial)
	}
	if ev.Duration != "" {
		fmt.Fprintf(&b, "⏱ Duration: %s\n", ev.Duration)
	}
	if ev.ErrorMsg != "" {
		fmt.Fprintf(&b, "\n❌ Error: %s\n", ev.ErrorMsg)
	}
	if ev.DetailsURL != "" {
		fmt.Fprintf(&b, "\n🔗 View Details: %s", ev.DetailsURL)
	}
	return b.String()
}
