package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ppewatch/internal/app"
	"ppewatch/internal/store"
)

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is the subset of a Telegram message the handler reads
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// StatsProvider reports pipeline counters
type StatsProvider interface {
	Stats() app.Stats
}

// CommandHandler answers status commands from the authorized chat
type CommandHandler struct {
	bot          *Bot
	stats        StatsProvider
	store        store.Store
	lastUpdateID int64
	startTime    time.Time
	interval     time.Duration
}

// NewCommandHandler creates a command handler
func NewCommandHandler(bot *Bot, stats StatsProvider, st store.Store) *CommandHandler {
	return &CommandHandler{
		bot:       bot,
		stats:     stats,
		store:     st,
		startTime: time.Now(),
		interval:  2 * time.Second,
	}
}

// StartPolling polls for updates until ctx is done
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	ch.bot.log.Info().Msg("telegram command polling started")
	defer ch.bot.log.Info().Msg("telegram command polling stopped")

	ticker := time.NewTicker(ch.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				ch.bot.log.Warn().Err(err).Msg("failed to poll telegram updates")
			}
		}
	}
}

// pollUpdates fetches and processes one batch of updates
func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	url := fmt.Sprintf("%s?offset=%d&timeout=1", ch.bot.methodURL("getUpdates"), ch.lastUpdateID+1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := ch.bot.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()

	result, err := handleResponse(resp)
	if err != nil {
		return err
	}
	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		if update.Message == nil {
			continue
		}
		if reply := ch.HandleMessage(ctx, update.Message); reply != "" {
			if err := ch.bot.SendMessage(ctx, reply); err != nil {
				ch.bot.log.Warn().Err(err).Msg("failed to send reply")
			}
		}
	}
	return nil
}

// HandleMessage returns the reply for a message, or "" when there is nothing
// to answer
func (ch *CommandHandler) HandleMessage(ctx context.Context, msg *TelegramMessage) string {
	if msg == nil || msg.Chat == nil {
		return ""
	}

	// Only the configured chat may query the system
	if strconv.FormatInt(msg.Chat.ID, 10) != ch.bot.chatID {
		ch.bot.log.Warn().Int64("chat_id", msg.Chat.ID).Msg("ignoring message from unauthorized chat")
		return ""
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return ""
	}

	parts := strings.Fields(msg.Text)
	command := strings.ToLower(parts[0])
	args := parts[1:]
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	switch command {
	case "/start":
		return ch.handleStart()
	case "/help":
		return ch.handleHelp()
	case "/status":
		return ch.handleStatus()
	case "/incidents":
		return ch.handleIncidents(ctx, args)
	case "/incident":
		return ch.handleIncident(ctx, args)
	default:
		return fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}
}

func (ch *CommandHandler) handleStart() string {
	return "🤖 <b>ppewatch</b>\n\n" +
		"I report workers seen without their protective equipment.\n\n" +
		"Use /help to see available commands."
}

func (ch *CommandHandler) handleHelp() string {
	return "📋 <b>Available Commands</b>\n\n" +
		"/status - Pipeline status\n" +
		"/incidents [limit] - Recent incidents\n" +
		"/incident &lt;id&gt; - Incident details\n" +
		"/help - Show this help"
}

func (ch *CommandHandler) handleStatus() string {
	s := ch.stats.Stats()
	return fmt.Sprintf(
		"📊 <b>Pipeline Status</b>\n\n"+
			"🚪 Admitted: %d (cooldown rejected %d, queue full %d)\n"+
			"📥 Queue: %d/%d\n"+
			"⚙️ Reports: %d done, %d partial, %d failed%s\n"+
			"⏱️ Uptime: %s",
		s.Gate.Admitted, s.Gate.RejectedCooldown, s.Gate.RejectedQueueFull,
		s.QueueLen, s.QueueCap,
		s.Worker.Completed, s.Worker.Partial, s.Worker.Failed, busyMark(s.Worker.Busy),
		formatDuration(time.Since(ch.startTime)),
	)
}

func busyMark(busy bool) string {
	if busy {
		return " (working)"
	}
	return ""
}

func (ch *CommandHandler) handleIncidents(ctx context.Context, args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	records, err := ch.store.GetRecent(ctx, limit)
	if err != nil {
		return "⚠️ Could not load incidents: " + html.EscapeString(err.Error())
	}
	if len(records) == 0 {
		return "📋 <b>Recent Incidents</b>\n\nNo incidents recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Recent Incidents</b> (last %d)\n\n", len(records))
	for i, rec := range records {
		zoneName, _ := rec.Timestamp.Zone()
		fmt.Fprintf(&sb, "%d. %s %s - %s %s\n   📹 %s ⛑ %s\n   <code>%s</code>\n",
			i+1, rec.Timestamp.Format("Jan 2, 15:04"), zoneName,
			html.EscapeString(rec.Severity), html.EscapeString(rec.Status),
			html.EscapeString(rec.CameraID), html.EscapeString(strings.Join(rec.MissingPPE, ", ")),
			html.EscapeString(rec.ReportID))
	}
	return sb.String()
}

func (ch *CommandHandler) handleIncident(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "⚠️ Usage: /incident &lt;id&gt;"
	}

	rec, err := ch.store.Get(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return "❌ Incident not found: " + html.EscapeString(args[0])
	}
	if err != nil {
		return "⚠️ Could not load incident: " + html.EscapeString(err.Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📄 <b>Incident</b> <code>%s</code>\n\n", html.EscapeString(rec.ReportID))
	fmt.Fprintf(&sb, "Status: %s\nSeverity: %s\nCamera: %s\nMissing: %s\nPersons: %d, violating: %d\n",
		html.EscapeString(rec.Status), html.EscapeString(rec.Severity), html.EscapeString(rec.CameraID),
		html.EscapeString(strings.Join(rec.MissingPPE, ", ")), rec.PersonCount, rec.ViolationCount)
	if rec.Caption != "" {
		fmt.Fprintf(&sb, "\n🖼 %s\n", html.EscapeString(rec.Caption))
	}
	if v := rec.CaptionValidation; v != nil {
		fmt.Fprintf(&sb, "Caption check: valid=%t confidence=%.2f\n", v.IsValid, v.Confidence)
	}
	if a := rec.NLPAnalysis; a != nil {
		fmt.Fprintf(&sb, "\n%s\n", html.EscapeString(a.Summary))
		for _, action := range a.Actions {
			fmt.Fprintf(&sb, "• %s\n", html.EscapeString(action))
		}
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\n❌ %s\n", html.EscapeString(rec.ErrorMessage))
	}
	return sb.String()
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
