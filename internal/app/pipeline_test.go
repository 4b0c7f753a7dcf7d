package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/analysis"
	"ppewatch/internal/blob"
	"ppewatch/internal/incident"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/store"
	"ppewatch/internal/violation"
	"ppewatch/internal/worker"
)

// slowInsertStore delays the pending write the way a loaded database would
type slowInsertStore struct {
	*store.MemoryStore
	delay time.Duration
}

func (s slowInsertStore) Insert(ctx context.Context, rec *store.Record) error {
	time.Sleep(s.delay)
	return s.MemoryStore.Insert(ctx, rec)
}

func newTestPipeline(t *testing.T, cooldown time.Duration) (*Pipeline, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	return newTestPipelineWithStore(t, cooldown, st), st
}

func newTestPipelineWithStore(t *testing.T, cooldown time.Duration, st store.Store) *Pipeline {
	t.Helper()
	blobs, err := blob.NewFileStorage(t.TempDir(), "", blob.NewSigner("k"))
	if err != nil {
		t.Fatalf("blob storage: %v", err)
	}
	return New(Config{Cooldown: cooldown, QueueCapacity: 2}, worker.Deps{
		Chain: analysis.NewChain(zerolog.Nop(), analysis.Entry{Backend: analysis.NewTemplateBackend()}),
		Blobs: blobs,
		Store: st,
	}, worker.Config{}, zerolog.Nop())
}

type statusRecorder struct {
	mu     sync.Mutex
	events []*pipeline.IncidentEvent
}

func (r *statusRecorder) OnIncident(e *pipeline.IncidentEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *statusRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

func verdictAt(ts time.Time) *violation.Verdict {
	return &violation.Verdict{
		Missing:        []string{"vest"},
		PersonCount:    1,
		ViolationCount: 1,
		Severity:       violation.SeverityMedium,
		Frame:          pipeline.FrameRef{CameraID: "cam-1", Seq: 1, Timestamp: ts},
	}
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	p.Close()
	done := make(chan error, 1)
	go func() { done <- p.RunWorker(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not drain the closed queue")
	}
}

func TestAdmitOnlyQueues(t *testing.T) {
	p, st := newTestPipeline(t, 30*time.Second)
	rec := &statusRecorder{}
	p.Bus().Subscribe(rec)

	decision, err := p.Admit(context.Background(), verdictAt(time.Now()), incident.Images{})
	if err != nil || decision != incident.Admitted {
		t.Fatalf("expected admitted, got %s (%v)", decision, err)
	}

	if recent, _ := st.GetRecent(context.Background(), 10); len(recent) != 0 {
		t.Fatalf("admission must not write the store, got %+v", recent)
	}
	if got := rec.statuses(); len(got) != 0 {
		t.Fatalf("admission must not publish, got %v", got)
	}
	if s := p.Stats(); s.QueueLen != 1 || s.QueueCap != 2 || s.Gate.Admitted != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestEventsFollowLifecycleWithSlowStore(t *testing.T) {
	st := slowInsertStore{MemoryStore: store.NewMemory(), delay: 100 * time.Millisecond}
	p := newTestPipelineWithStore(t, 0, st)
	rec := &statusRecorder{}
	p.Bus().Subscribe(rec)

	// the worker is already waiting when the job arrives
	done := make(chan error, 1)
	go func() { done <- p.RunWorker(context.Background()) }()

	if d, err := p.Admit(context.Background(), verdictAt(time.Now()), incident.Images{}); d != incident.Admitted {
		t.Fatalf("expected admitted, got %s (%v)", d, err)
	}
	p.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not finish")
	}

	got := rec.statuses()
	want := []string{"pending", "generating", "completed"}
	if len(got) != len(want) {
		t.Fatalf("unexpected event sequence %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected event sequence %v", got)
		}
	}

	stored, err := st.Get(context.Background(), rec.events[0].ReportID)
	if err != nil || stored.Status != "completed" {
		t.Fatalf("expected completed record, got %+v (%v)", stored, err)
	}
}

func TestAdmitWithinCooldownLeavesNoTrace(t *testing.T) {
	p, st := newTestPipeline(t, 30*time.Second)
	base := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	p.now = func() time.Time { return base }
	if d, _ := p.Admit(context.Background(), verdictAt(base), incident.Images{}); d != incident.Admitted {
		t.Fatalf("expected first admission, got %s", d)
	}

	p.now = func() time.Time { return base.Add(10 * time.Second) }
	if p.WouldAdmit() {
		t.Fatalf("expected the gate to report the cooldown")
	}
	if d, _ := p.Admit(context.Background(), verdictAt(base), incident.Images{}); d != incident.RejectedCooldown {
		t.Fatalf("expected cooldown rejection, got %s", d)
	}

	drain(t, p)
	recent, _ := st.GetRecent(context.Background(), 10)
	if len(recent) != 1 {
		t.Fatalf("expected a single record, got %d", len(recent))
	}
}

func TestAbandonFailsUnprocessedJobs(t *testing.T) {
	p, st := newTestPipeline(t, 0)
	rec := &statusRecorder{}
	p.Bus().Subscribe(rec)

	for i := 0; i < 2; i++ {
		if d, err := p.Admit(context.Background(), verdictAt(time.Now()), incident.Images{}); d != incident.Admitted {
			t.Fatalf("admission %d: %s (%v)", i, d, err)
		}
	}
	p.Close()

	if n := p.Abandon(context.Background()); n != 2 {
		t.Fatalf("expected two abandoned jobs, got %d", n)
	}
	counts, _ := st.CountByStatus(context.Background())
	if counts["failed"] != 2 {
		t.Fatalf("expected two failed incidents, got %v", counts)
	}
	recent, _ := st.GetRecent(context.Background(), 10)
	for _, r := range recent {
		if r.ErrorMessage != "shutdown before processing" {
			t.Fatalf("unexpected error message %q", r.ErrorMessage)
		}
	}
	if got := rec.statuses(); len(got) != 4 || got[1] != "failed" || got[3] != "failed" {
		t.Fatalf("expected pending then failed per job, got %v", got)
	}
}

func TestWorkerDrainsAfterClose(t *testing.T) {
	p, st := newTestPipeline(t, 0)

	for i := 0; i < 2; i++ {
		if d, err := p.Admit(context.Background(), verdictAt(time.Now()), incident.Images{}); d != incident.Admitted {
			t.Fatalf("admission %d: %s (%v)", i, d, err)
		}
	}
	p.Close()

	if d, _ := p.Admit(context.Background(), verdictAt(time.Now()), incident.Images{}); d == incident.Admitted {
		t.Fatalf("closed pipeline must not admit")
	}

	done := make(chan error, 1)
	go func() { done <- p.RunWorker(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run worker: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not drain the closed queue")
	}

	counts, _ := st.CountByStatus(context.Background())
	if counts["completed"] != 2 {
		t.Fatalf("expected two completed incidents, got %v", counts)
	}
}
