// Package telegram notifies field teams of high-risk detections via a
// Telegram bot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"skyhawk/internal/risk"
	"skyhawk/internal/storage"
)

// Config holds Telegram bot configuration.
type Config struct {
	BotToken        string
	ChatID          string
	Enabled         bool
	CooldownSeconds int
}

// AlertBot sends risk alerts to a Telegram chat. Alerts are emitted
// only for HIGH and CRITICAL assessments, with a per-stream cooldown
// so a rodent lingering in frame does not flood the chat.
type AlertBot struct {
	botToken   string
	chatID     string
	httpClient *http.Client

	mu              sync.Mutex
	enabled         bool
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
}

// telegramResponse is the Telegram API envelope.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewAlertBot creates a bot instance.
func NewAlertBot(config Config) *AlertBot {
	cooldownPeriod := time.Duration(config.CooldownSeconds) * time.Second
	if cooldownPeriod == 0 {
		cooldownPeriod = 60 * time.Second
	}
	return &AlertBot{
		botToken:        config.BotToken,
		chatID:          config.ChatID,
		enabled:         config.Enabled,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cooldownPeriod,
	}
}

// Publish sends an alert for high-risk records. Lower levels and
// records inside the cooldown window are silently skipped.
func (b *AlertBot) Publish(ctx context.Context, record *storage.DetectionRecord) error {
	level := record.Assessment.Level
	if level != risk.LevelHigh && level != risk.LevelCritical {
		return nil
	}

	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return nil
	}
	if b.botToken == "" || b.chatID == "" {
		b.mu.Unlock()
		return fmt.Errorf("telegram bot token or chat ID not configured")
	}
	if last, ok := b.cooldownTracker[record.StreamName]; ok && time.Since(last) < b.cooldownPeriod {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.sendMessage(ctx, formatAlert(record)); err != nil {
		return err
	}

	b.mu.Lock()
	b.cooldownTracker[record.StreamName] = time.Now()
	b.mu.Unlock()
	return nil
}

// Close is a no-op; the bot holds no persistent connections.
func (b *AlertBot) Close() {}

// SetEnabled enables or disables alerting.
func (b *AlertBot) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// SendTestMessage verifies the bot configuration.
func (b *AlertBot) SendTestMessage(ctx context.Context) error {
	now := time.Now()
	zoneName, _ := now.Zone()
	message := fmt.Sprintf(
		"🤖 <b>Skyhawk Test Message</b>\n\n"+
			"✅ Telegram alerting is working correctly!\n"+
			"🕐 Test sent at: %s %s",
		now.Format("2 Jan 2006, 15:04:05"), zoneName,
	)
	return b.sendMessage(ctx, message)
}

func formatAlert(record *storage.DetectionRecord) string {
	species := "unknown"
	if len(record.Detections) > 0 {
		species = record.Detections[0].Species
	}
	return fmt.Sprintf(
		"🚨 <b>%s Rodent Risk Alert</b>\n\n"+
			"📹 Stream: %s\n"+
			"🐀 Species: %s\n"+
			"📊 Risk score: %.2f\n"+
			"🔢 Detections: %d\n"+
			"📍 Location: %.4f, %.4f\n"+
			"🕐 Time: %s\n\n"+
			"➡️ %s",
		record.Assessment.Level,
		record.StreamName,
		species,
		record.Assessment.Score,
		record.DetectionCount,
		record.Latitude, record.Longitude,
		record.Timestamp.Format("2 Jan 2006, 15:04:05 MST"),
		record.Assessment.Recommendation,
	)
}

func (b *AlertBot) sendMessage(ctx context.Context, message string) error {
	payload := map[string]any{
		"chat_id":    b.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", b.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var tgResp telegramResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tgResp); err != nil {
		return fmt.Errorf("failed to decode telegram response: %w", err)
	}
	if !tgResp.OK {
		return fmt.Errorf("telegram API error %d: %s", tgResp.ErrorCode, tgResp.Description)
	}
	return nil
}
