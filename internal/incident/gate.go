package incident

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/violation"
)

// Decision is the outcome of an admission attempt
type Decision string

const (
	NotAdmitted       Decision = "not_admitted"
	Admitted          Decision = "admitted"
	RejectedCooldown  Decision = "rejected_cooldown"
	RejectedQueueFull Decision = "rejected_queue_full"
)

// GateStats counts admission outcomes
type GateStats struct {
	Admitted          uint64    `json:"admitted"`
	RejectedCooldown  uint64    `json:"rejected_cooldown"`
	RejectedQueueFull uint64    `json:"rejected_queue_full"`
	LastAdmission     time.Time `json:"last_admission"`
}

// Gate turns a continuous stream of verdicts into a bounded stream of jobs by
// enforcing a minimum interval between admitted incidents.
type Gate struct {
	cooldown time.Duration
	queue    *Queue
	log      zerolog.Logger

	mu            sync.Mutex
	lastAdmission time.Time
	stats         GateStats
}

// NewGate creates a gate in front of queue
func NewGate(queue *Queue, cooldown time.Duration, log zerolog.Logger) *Gate {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Gate{
		cooldown: cooldown,
		queue:    queue,
		log:      log.With().Str("component", "gate").Logger(),
	}
}

// TryAdmit decides whether the verdict becomes a new incident job. The last
// admission time only moves when the job actually made it into the queue, so
// a saturated queue never suppresses incidents once it drains.
func (g *Gate) TryAdmit(verdict *violation.Verdict, images Images, now time.Time) (*Job, Decision, error) {
	if !verdict.IsViolation() {
		return nil, NotAdmitted, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastAdmission.IsZero() && now.Sub(g.lastAdmission) < g.cooldown {
		g.stats.RejectedCooldown++
		return nil, RejectedCooldown, nil
	}

	job, err := NewJob(*verdict, images, now)
	if err != nil {
		return nil, NotAdmitted, err
	}

	if err := g.queue.Push(job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			g.stats.RejectedQueueFull++
			g.log.Warn().
				Str("severity", string(verdict.Severity)).
				Strs("missing_ppe", verdict.Missing).
				Int("queue_cap", g.queue.Cap()).
				Msg("incident rejected: queue full")
			return nil, RejectedQueueFull, fmt.Errorf("admit incident: %w", err)
		}
		return nil, NotAdmitted, fmt.Errorf("admit incident: %w", err)
	}

	g.lastAdmission = now
	g.stats.Admitted++
	g.log.Info().
		Str("report_id", job.ID).
		Str("severity", string(verdict.Severity)).
		Strs("missing_ppe", verdict.Missing).
		Int("persons", verdict.PersonCount).
		Int("violations", verdict.ViolationCount).
		Msg("incident admitted")
	return job, Admitted, nil
}

// WouldAdmit reports whether a violation offered at now would pass the
// cooldown and find room in the queue. It changes no state.
func (g *Gate) WouldAdmit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lastAdmission.IsZero() && now.Sub(g.lastAdmission) < g.cooldown {
		return false
	}
	return g.queue.Len() < g.queue.Cap()
}

// LastAdmission returns the time of the last successful admission
func (g *Gate) LastAdmission() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAdmission
}

// Cooldown returns the configured minimum interval
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// Stats returns a snapshot of admission counters
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := g.stats
	stats.LastAdmission = g.lastAdmission
	return stats
}
