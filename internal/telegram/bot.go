// Package telegram sends incident alerts through the Telegram Bot API and
// answers a small set of status commands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/pipeline"
)

const defaultAPIBase = "https://api.telegram.org"

// ErrCooldown is returned when an alert is suppressed by the alert cooldown
var ErrCooldown = errors.New("alert cooldown period not yet elapsed")

// Bot handles Telegram bot operations
type Bot struct {
	apiBase    string
	botToken   string
	chatID     string
	httpClient *http.Client
	log        zerolog.Logger

	mu              sync.Mutex
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
	now             func() time.Time
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	// APIBase overrides the Bot API host
	APIBase  string
	Cooldown time.Duration
}

// TelegramResponse represents the response from the Bot API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewBot creates a bot client
func NewBot(cfg Config, log zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram bot token and chat ID are required")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("telegram cooldown cannot be negative")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}

	return &Bot{
		apiBase:         strings.TrimSuffix(cfg.APIBase, "/"),
		botToken:        cfg.BotToken,
		chatID:          cfg.ChatID,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             log.With().Str("component", "telegram").Logger(),
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cfg.Cooldown,
		now:             time.Now,
	}, nil
}

// SendMessage sends an HTML text message
func (b *Bot) SendMessage(ctx context.Context, message string) error {
	payload := map[string]any{
		"chat_id":    b.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	_, err := b.call(ctx, "sendMessage", payload)
	return err
}

// SendPhoto sends a JPEG with an optional HTML caption
func (b *Bot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "incident.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	_, err = handleResponse(resp)
	return err
}

// SendIncidentAlert notifies the chat about a finished incident. Alerts for
// the same camera are limited to one per cooldown period.
func (b *Bot) SendIncidentAlert(ctx context.Context, e *pipeline.IncidentEvent) error {
	key := "camera:" + e.CameraID
	if !b.checkCooldown(key) {
		return ErrCooldown
	}

	message := FormatIncident(e)
	var err error
	if len(e.Annotated) > 0 {
		err = b.SendPhoto(ctx, e.Annotated, message)
	} else {
		err = b.SendMessage(ctx, message)
	}
	if err == nil {
		b.updateCooldown(key)
	}
	return err
}

// FormatIncident renders the alert text for an incident event
func FormatIncident(e *pipeline.IncidentEvent) string {
	var icon string
	switch e.Severity {
	case "CRITICAL":
		icon = "🔴"
	case "HIGH":
		icon = "🟠"
	case "MEDIUM":
		icon = "🟡"
	default:
		icon = "⚪"
	}

	zoneName, _ := e.Time.Zone()
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚧 <b>PPE violation</b>\n\n")
	fmt.Fprintf(&sb, "📹 Camera: %s\n", html.EscapeString(e.CameraID))
	fmt.Fprintf(&sb, "%s Severity: %s\n", icon, html.EscapeString(e.Severity))
	if len(e.Missing) > 0 {
		fmt.Fprintf(&sb, "⛑ Missing: %s\n", html.EscapeString(strings.Join(e.Missing, ", ")))
	}
	fmt.Fprintf(&sb, "🕐 Time: %s %s\n", e.Time.Format("2 Jan 2006, 15:04:05"), zoneName)
	fmt.Fprintf(&sb, "📄 Report: <code>%s</code> (%s)", html.EscapeString(e.ReportID), html.EscapeString(e.Status))

	if rec := e.Record; rec != nil {
		if rec.NLPAnalysis != nil && rec.NLPAnalysis.Summary != "" {
			fmt.Fprintf(&sb, "\n\n%s", html.EscapeString(rec.NLPAnalysis.Summary))
		}
		if rec.CaptionValidation != nil && !rec.CaptionValidation.IsValid {
			fmt.Fprintf(&sb, "\n⚠️ Scene description contradicts the detector")
		}
	}
	if e.Status == "failed" && e.Error != "" {
		fmt.Fprintf(&sb, "\n\n❌ %s", html.EscapeString(e.Error))
	}
	return sb.String()
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.botToken, method)
}

// call sends a JSON request to a Bot API method
func (b *Bot) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL(method), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

// handleResponse processes the Bot API response
func handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return telegramResp.Result, nil
}

// checkCooldown checks if the cooldown period has elapsed for a key
func (b *Bot) checkCooldown(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	lastTime, exists := b.cooldownTracker[key]
	if !exists {
		return true
	}
	return b.now().Sub(lastTime) >= b.cooldownPeriod
}

func (b *Bot) updateCooldown(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.cooldownTracker[key] = now
	// Drop stale entries so the tracker does not grow with camera churn
	for k, t := range b.cooldownTracker {
		if now.Sub(t) > b.cooldownPeriod*2 {
			delete(b.cooldownTracker, k)
		}
	}
}
