package telegram

import (
	"context"
	"errors"
	"time"

	"ppewatch/internal/pipeline"
)

// Notifier forwards terminal incident events to the chat
type Notifier struct {
	bot      *Bot
	statuses map[string]bool
	timeout  time.Duration
}

// NewNotifier alerts on the given terminal statuses
func NewNotifier(bot *Bot, statuses []string) *Notifier {
	set := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return &Notifier{bot: bot, statuses: set, timeout: 30 * time.Second}
}

// Run consumes events until the channel closes or ctx is done. Sending
// happens here, off the worker goroutine.
func (n *Notifier) Run(ctx context.Context, events <-chan *pipeline.IncidentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n.Notify(ctx, e)
		}
	}
}

// Notify sends one alert if the event qualifies
func (n *Notifier) Notify(ctx context.Context, e *pipeline.IncidentEvent) {
	if !e.Terminal() || !n.statuses[e.Status] {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err := n.bot.SendIncidentAlert(sendCtx, e)
	switch {
	case errors.Is(err, ErrCooldown):
		n.bot.log.Debug().Str("report_id", e.ReportID).Msg("alert suppressed by cooldown")
	case err != nil:
		n.bot.log.Warn().Err(err).Str("report_id", e.ReportID).Msg("failed to send incident alert")
	default:
		n.bot.log.Info().Str("report_id", e.ReportID).Str("status", e.Status).Msg("incident alert sent")
	}
}
