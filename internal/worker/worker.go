// Package worker runs the single background loop that turns admitted
// incident jobs into persisted, enriched reports.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/analysis"
	"ppewatch/internal/blob"
	"ppewatch/internal/caption"
	"ppewatch/internal/incident"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/report"
	"ppewatch/internal/store"
	"ppewatch/internal/validator"
)

// Config holds the stage timeouts
type Config struct {
	CaptionTimeout time.Duration
	StoreTimeout   time.Duration
}

// Stats counts processed jobs by final status
type Stats struct {
	Processed uint64 `json:"processed"`
	Completed uint64 `json:"completed"`
	Partial   uint64 `json:"partial"`
	Failed    uint64 `json:"failed"`
	Busy      bool   `json:"busy"`
}

// Worker drives one job at a time through
// images → caption → validate → analyze → render → persist
type Worker struct {
	queue     *incident.Queue
	captioner caption.Captioner
	chain     *analysis.Chain
	blobs     blob.Storage
	store     store.Store
	bus       *pipeline.EventBus
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	processed atomic.Uint64
	completed atomic.Uint64
	partial   atomic.Uint64
	failed    atomic.Uint64
	busy      atomic.Bool
}

// Deps are the collaborators of the worker. Captioner may be nil.
type Deps struct {
	Queue     *incident.Queue
	Captioner caption.Captioner
	Chain     *analysis.Chain
	Blobs     blob.Storage
	Store     store.Store
	Bus       *pipeline.EventBus
}

// New creates a worker
func New(deps Deps, cfg Config, log zerolog.Logger) *Worker {
	if cfg.CaptionTimeout <= 0 {
		cfg.CaptionTimeout = 20 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Worker{
		queue:     deps.Queue,
		captioner: deps.Captioner,
		chain:     deps.Chain,
		blobs:     deps.Blobs,
		store:     deps.Store,
		bus:       deps.Bus,
		cfg:       cfg,
		log:       log.With().Str("component", "worker").Logger(),
		now:       time.Now,
	}
}

// Run processes jobs until ctx is cancelled or the queue is closed and
// drained. A job that was dequeued before cancellation runs to completion on a
// detached context; its stage timeouts still apply.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("queue_cap", w.queue.Cap()).Strs("backends", w.chain.Names()).Msg("report worker started")
	defer w.log.Info().Msg("report worker stopped")

	for {
		job, ok := w.queue.Pop(ctx)
		if !ok {
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
		w.Process(context.WithoutCancel(ctx), job)
	}
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Completed: w.completed.Load(),
		Partial:   w.partial.Load(),
		Failed:    w.failed.Load(),
		Busy:      w.busy.Load(),
	}
}

// Abandon fails every job still queued with reason. It is meant for shutdown,
// after Run has returned, and reports how many jobs it failed.
func (w *Worker) Abandon(ctx context.Context, reason string) int {
	n := 0
	for {
		job, ok := w.queue.TryPop()
		if !ok {
			return n
		}
		w.accept(ctx, job)
		w.fail(ctx, job, errors.New(reason))
		w.count(job.Status)
		n++
	}
}

// Process runs one job to a terminal status. It never returns an error: every
// failure ends in the failed status.
func (w *Worker) Process(ctx context.Context, job *incident.Job) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	log := w.log.With().Str("report_id", job.ID).Logger()
	started := w.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("report stage panicked")
			w.fail(ctx, job, fmt.Errorf("internal error: %v", r))
		}
		w.count(job.Status)
		log.Info().
			Str("status", string(job.Status)).
			Dur("elapsed", w.now().Sub(started)).
			Strs("warnings", job.Warnings).
			Msg("incident processed")
	}()

	w.accept(ctx, job)
	if err := w.transition(ctx, job, incident.StatusGenerating); err != nil {
		w.fail(ctx, job, err)
		return
	}

	if err := w.storeImages(ctx, job); err != nil {
		w.fail(ctx, job, err)
		return
	}

	degraded := false
	result := &incident.Result{}
	job.Result = result

	text, ok := w.describe(ctx, job)
	result.Caption = text
	degraded = degraded || !ok

	validation := validator.Validate(text, validator.Detections{
		Classes: job.Verdict.DetectedClasses,
		Missing: job.Verdict.Missing,
	})
	result.Validation = &validation
	if !validation.IsValid {
		log.Warn().Strs("contradictions", validation.Contradictions).Float64("confidence", validation.Confidence).
			Msg("caption contradicts detections")
	}

	ok = w.analyze(ctx, job, &validation)
	degraded = degraded || !ok

	doc := report.Document{
		ReportID:       job.ID,
		Timestamp:      job.CreatedAt,
		CameraID:       job.Verdict.Frame.CameraID,
		Severity:       string(job.Verdict.Severity),
		PersonCount:    job.Verdict.PersonCount,
		ViolationCount: job.Verdict.ViolationCount,
		Missing:        job.Verdict.Missing,
		Caption:        result.Caption,
		Validation:     result.Validation,
		Analysis:       result.Analysis,
		Backend:        result.Backend,
		Degraded:       degraded,
		Warnings:       job.Warnings,
		Original:       job.Images.Original,
		Annotated:      job.Images.Annotated,
	}
	html, err := report.Render(doc)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	locator, err := w.blobs.Put(ctx, blobKey(job, "report.html"), html)
	if err != nil {
		w.fail(ctx, job, &incident.PersistenceError{Stage: "upload report", Err: err})
		return
	}
	result.ReportLocator = locator

	final := incident.StatusCompleted
	if degraded {
		final = incident.StatusPartial
	}
	if err := w.finish(ctx, job, final); err != nil {
		w.fail(ctx, job, err)
		return
	}
	w.publish(job, incident.StatusGenerating)
}

// finish writes the full record with its final status, and only moves the
// job once the write succeeded
func (w *Worker) finish(ctx context.Context, job *incident.Job, final incident.Status) error {
	if !incident.CanTransition(job.Status, final) {
		return fmt.Errorf("%w: %s -> %s", incident.ErrIllegalTransition, job.Status, final)
	}

	rec := job.Record(w.now())
	rec.Status = string(final)

	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.store.Upsert(storeCtx, rec); err != nil {
		return &incident.PersistenceError{Stage: "write record", Err: err}
	}
	return job.Transition(final, w.now())
}

// describe captions the original frame. ok is false when the caption stage
// degraded.
func (w *Worker) describe(ctx context.Context, job *incident.Job) (string, bool) {
	if w.captioner == nil {
		job.Warn("caption: captioning disabled")
		return "", true
	}

	text, err := caption.WithTimeout(ctx, w.captioner, job.Images.Original, w.cfg.CaptionTimeout)
	if err != nil {
		var timeout *caption.CaptionTimeoutError
		if errors.As(err, &timeout) {
			job.Warn("caption: %v", timeout)
		} else {
			job.Warn("caption: %v", err)
		}
		w.log.Warn().Err(err).Str("report_id", job.ID).Msg("caption stage degraded")
		return "", false
	}
	return text, true
}

// analyze runs the fallback chain. ok is false when the answer is degraded.
func (w *Worker) analyze(ctx context.Context, job *incident.Job, validation *validator.Result) bool {
	in := analysis.PromptInput{
		Severity:        string(job.Verdict.Severity),
		Missing:         job.Verdict.Missing,
		PersonCount:     job.Verdict.PersonCount,
		ViolationCount:  job.Verdict.ViolationCount,
		Caption:         job.Result.Caption,
		Contradictions:  validation.Contradictions,
		ValidationScore: validation.Confidence,
	}

	outcome, err := w.chain.Generate(ctx, analysis.BuildPrompt(in))
	if outcome != nil {
		job.Result.Attempts = outcome.Attempts
	}
	if err != nil {
		job.Warn("analysis: %v", err)
		job.Result.Analysis = analysis.Minimal(in)
		return false
	}

	job.Result.Analysis = outcome.Analysis
	job.Result.Backend = outcome.Backend
	if outcome.Degraded {
		job.Warn("analysis: answered by fallback backend %s", outcome.Backend)
		return false
	}
	return true
}

func (w *Worker) storeImages(ctx context.Context, job *incident.Job) error {
	if len(job.Images.Original) == 0 {
		job.Warn("images: no frame captured")
		return nil
	}

	loc, err := w.blobs.Put(ctx, blobKey(job, "original.jpg"), job.Images.Original)
	if err != nil {
		return &incident.PersistenceError{Stage: "upload original image", Err: err}
	}
	job.Images.OriginalLocator = loc

	if len(job.Images.Annotated) > 0 {
		loc, err = w.blobs.Put(ctx, blobKey(job, "annotated.jpg"), job.Images.Annotated)
		if err != nil {
			return &incident.PersistenceError{Stage: "upload annotated image", Err: err}
		}
		job.Images.AnnotatedLocator = loc
	}
	return nil
}

// accept records the job as pending and announces it. Every event of a job is
// published from the worker goroutine, so subscribers see pending first. A
// failed write is logged; transition recreates the row.
func (w *Worker) accept(ctx context.Context, job *incident.Job) {
	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()

	if err := w.store.Insert(storeCtx, job.AdmissionRecord(w.now())); err != nil {
		w.log.Warn().Err(err).Str("report_id", job.ID).Msg("failed to record pending incident")
	}
	w.publish(job, "")
}

// transition moves the job and writes the new status through
func (w *Worker) transition(ctx context.Context, job *incident.Job, to incident.Status) error {
	from := job.Status
	if err := job.Transition(to, w.now()); err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()

	err := w.store.SetStatus(storeCtx, job.ID, string(to), job.Error)
	if errors.Is(err, store.ErrNotFound) {
		err = w.store.Upsert(storeCtx, job.Record(w.now()))
	}
	if err != nil {
		return &incident.PersistenceError{Stage: "write status " + string(to), Err: err}
	}
	w.publish(job, from)
	return nil
}

func (w *Worker) upsert(ctx context.Context, job *incident.Job) error {
	storeCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()

	if err := w.store.Upsert(storeCtx, job.Record(w.now())); err != nil {
		return &incident.PersistenceError{Stage: "write record", Err: err}
	}
	return nil
}

// fail ends the job as failed. The store write is best effort: the job is
// terminal in memory and on the event bus even if the store is down.
func (w *Worker) fail(ctx context.Context, job *incident.Job, cause error) {
	if job.Status.IsTerminal() {
		return
	}
	from := job.Status
	job.Error = cause.Error()
	if err := job.Transition(incident.StatusFailed, w.now()); err != nil {
		w.log.Error().Err(err).Str("report_id", job.ID).Msg("cannot mark job failed")
		return
	}

	if err := w.upsert(ctx, job); err != nil {
		w.log.Error().Err(err).Str("report_id", job.ID).Msg("failed to persist failed status")
	}
	w.log.Error().Err(cause).Str("report_id", job.ID).Msg("incident failed")
	w.publish(job, from)
}

func (w *Worker) publish(job *incident.Job, from incident.Status) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(&pipeline.IncidentEvent{
		ReportID:  job.ID,
		Status:    string(job.Status),
		Previous:  string(from),
		Severity:  string(job.Verdict.Severity),
		CameraID:  job.Verdict.Frame.CameraID,
		Missing:   job.Verdict.Missing,
		Error:     job.Error,
		Time:      w.now(),
		Record:    job.Record(w.now()),
		Annotated: job.Images.Annotated,
	})
}

func (w *Worker) count(status incident.Status) {
	w.processed.Add(1)
	switch status {
	case incident.StatusCompleted:
		w.completed.Add(1)
	case incident.StatusPartial:
		w.partial.Add(1)
	case incident.StatusFailed:
		w.failed.Add(1)
	}
}

func blobKey(job *incident.Job, name string) string {
	return fmt.Sprintf("%s/%s/%s", job.CreatedAt.UTC().Format("2006/01/02"), job.ID, name)
}
