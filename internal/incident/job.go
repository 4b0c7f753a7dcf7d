package incident

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ppewatch/internal/analysis"
	"ppewatch/internal/validator"
	"ppewatch/internal/violation"
)

// Status is the lifecycle state of an incident job
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// transitions lists the legal next states for every non-terminal state
var transitions = map[Status][]Status{
	StatusPending:    {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusCompleted, StatusPartial, StatusFailed},
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusGenerating, StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the state machine
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusChange records one accepted transition
type StatusChange struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Images holds the artifacts captured with the verdict
type Images struct {
	Original  []byte
	Annotated []byte

	OriginalLocator  string
	AnnotatedLocator string
}

// Result is the payload assembled by the report worker
type Result struct {
	Caption       string
	Validation    *validator.Result
	Analysis      *analysis.Analysis
	Backend       string
	Attempts      []analysis.Attempt
	ReportLocator string
}

// Job is the unit of work for one admitted incident. It is owned by the queue
// until dequeued and by the report worker afterwards, so it carries no lock.
type Job struct {
	ID        string
	CreatedAt time.Time
	Verdict   violation.Verdict
	Images    Images

	Status   Status
	Error    string
	Warnings []string
	Result   *Result
	History  []StatusChange
}

// NewJob creates a pending job with a time-ordered report id
func NewJob(verdict violation.Verdict, images Images, now time.Time) (*Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate report id: %w", err)
	}
	return &Job{
		ID:        id.String(),
		CreatedAt: now,
		Verdict:   verdict,
		Images:    images,
		Status:    StatusPending,
	}, nil
}

// Transition moves the job to a new status, refusing any move that is not an
// edge of the state machine.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.Status, to)
	}
	j.History = append(j.History, StatusChange{From: j.Status, To: to, At: now})
	j.Status = to
	return nil
}

// Warn records a non-fatal stage problem
func (j *Job) Warn(format string, args ...any) {
	j.Warnings = append(j.Warnings, fmt.Sprintf(format, args...))
}
