// Package app wires the violation pipeline: the gate and queue on the
// ingestion side, the report worker on the other, and the event bus between
// the core and its presentation adapters.
package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/incident"
	"ppewatch/internal/ingest"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/store"
	"ppewatch/internal/violation"
	"ppewatch/internal/worker"
)

// Config sizes the admission side of the pipeline
type Config struct {
	Cooldown      time.Duration
	QueueCapacity int
}

// Stats is a snapshot of the whole pipeline
type Stats struct {
	Gate     incident.GateStats `json:"gate"`
	QueueLen int                `json:"queue_len"`
	QueueCap int                `json:"queue_cap"`
	Worker   worker.Stats       `json:"worker"`
}

// Pipeline is the one object that owns the shared state of the two loops.
// It is built once in main and handed to the ingestion loops, the worker
// runner and the API.
type Pipeline struct {
	gate   *incident.Gate
	queue  *incident.Queue
	worker *worker.Worker
	bus    *pipeline.EventBus
	store  store.Store
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// New creates the pipeline. The worker is built from wdeps with the queue and
// bus filled in.
func New(cfg Config, wdeps worker.Deps, wcfg worker.Config, log zerolog.Logger) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 5
	}

	queue := incident.NewQueue(cfg.QueueCapacity)
	bus := wdeps.Bus
	if bus == nil {
		bus = pipeline.NewEventBus()
	}
	wdeps.Queue = queue
	wdeps.Bus = bus

	return &Pipeline{
		gate:   incident.NewGate(queue, cfg.Cooldown, log),
		queue:  queue,
		worker: worker.New(wdeps, wcfg, log),
		bus:    bus,
		store:  wdeps.Store,
		cfg:    cfg,
		log:    log.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
	}
}

// Admit offers a verdict to the gate. It never touches the store: the worker
// records and announces the job when it picks it up.
func (p *Pipeline) Admit(ctx context.Context, verdict *violation.Verdict, images incident.Images) (incident.Decision, error) {
	_, decision, err := p.gate.TryAdmit(verdict, images, p.now())
	return decision, err
}

// WouldAdmit reports whether a violation offered now would be admitted, so
// callers can skip work for frames the gate is going to reject
func (p *Pipeline) WouldAdmit() bool {
	return p.gate.WouldAdmit(p.now())
}

// RunWorker blocks running the report worker until ctx is done
func (p *Pipeline) RunWorker(ctx context.Context) error {
	return p.worker.Run(ctx)
}

// Bus returns the event bus presentation adapters subscribe to
func (p *Pipeline) Bus() *pipeline.EventBus {
	return p.bus
}

// Store returns the status store
func (p *Pipeline) Store() store.Store {
	return p.store
}

// Stats returns a snapshot of gate, queue and worker counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Gate:     p.gate.Stats(),
		QueueLen: p.queue.Len(),
		QueueCap: p.queue.Cap(),
		Worker:   p.worker.Stats(),
	}
}

// Abandon fails the jobs the worker did not get to. Call it after RunWorker
// has returned.
func (p *Pipeline) Abandon(ctx context.Context) int {
	n := p.worker.Abandon(ctx, "shutdown before processing")
	if n > 0 {
		p.log.Warn().Int("abandoned", n).Msg("queued incidents failed at shutdown")
	}
	return n
}

// Close stops admission. Queued jobs are still drained by a running worker.
func (p *Pipeline) Close() {
	p.queue.Close()
}

var _ ingest.Admitter = (*Pipeline)(nil)
