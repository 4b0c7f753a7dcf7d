package incident

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewJob(t *testing.T) {
	a, err := NewJob(*testVerdict(), Images{}, t0)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	b, _ := NewJob(*testVerdict(), Images{}, t0)

	id, err := uuid.Parse(a.ID)
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected UUIDv7, got version %d", id.Version())
	}
	if a.ID == b.ID {
		t.Fatalf("expected unique ids")
	}
	if a.ID >= b.ID {
		t.Fatalf("expected time-ordered ids, got %s then %s", a.ID, b.ID)
	}
}

func TestJobLegalPaths(t *testing.T) {
	paths := [][]Status{
		{StatusGenerating, StatusCompleted},
		{StatusGenerating, StatusPartial},
		{StatusGenerating, StatusFailed},
		{StatusFailed},
	}
	for _, path := range paths {
		job, _ := NewJob(*testVerdict(), Images{}, t0)
		for i, to := range path {
			if err := job.Transition(to, t0.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("path %v: %v", path, err)
			}
		}
		if !job.Status.IsTerminal() {
			t.Fatalf("path %v should end terminal", path)
		}
		if len(job.History) != len(path) || job.History[0].From != StatusPending {
			t.Fatalf("unexpected history %+v", job.History)
		}
	}
}

func TestJobIllegalTransitions(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusPartial},
		{StatusGenerating, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusGenerating},
		{StatusPartial, StatusCompleted},
	}
	for _, tc := range illegal {
		job := &Job{Status: tc.from}
		err := job.Transition(tc.to, t0)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("%s -> %s: expected ErrIllegalTransition, got %v", tc.from, tc.to, err)
		}
		if job.Status != tc.from || len(job.History) != 0 {
			t.Fatalf("%s -> %s: rejected transition must not change the job", tc.from, tc.to)
		}
	}
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&PersistenceError{Stage: "upload images", Err: cause})
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause in chain")
	}
}

func TestJobRecord(t *testing.T) {
	job, _ := NewJob(*testVerdict(), Images{OriginalLocator: "a/original.jpg"}, t0)
	job.Error = "ignored while not failed"

	rec := job.Record(t0)
	if rec.ReportID != job.ID || rec.Status != "pending" || rec.Severity != "HIGH" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ErrorMessage != "" {
		t.Fatalf("error message must only be set on failed jobs")
	}
	if rec.OriginalImageURL != "a/original.jpg" {
		t.Fatalf("unexpected locator %q", rec.OriginalImageURL)
	}

	job.Transition(StatusFailed, t0)
	if rec = job.Record(t0); rec.ErrorMessage != job.Error {
		t.Fatalf("expected error message on failed record")
	}
}
