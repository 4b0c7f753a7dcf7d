// Package ingest runs the per-camera detection loop that feeds verdicts into
// the incident gate.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/incident"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/report"
	"ppewatch/internal/violation"
)

// Admitter decides whether a verdict becomes an incident job
type Admitter interface {
	Admit(ctx context.Context, verdict *violation.Verdict, images incident.Images) (incident.Decision, error)
}

// admissionChecker is implemented by admitters that can tell without side
// effects whether the next violation would be admitted
type admissionChecker interface {
	WouldAdmit() bool
}

// Config tunes the loop
type Config struct {
	Rules violation.RuleSet
	// RetryDelay is the pause after a transient source or detector error
	RetryDelay time.Duration
}

// Ingestor reads frames from one source and never waits on report generation
type Ingestor struct {
	source   pipeline.FrameSource
	detector pipeline.Detector
	admitter Admitter
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	statsMu sync.RWMutex
	stats   pipeline.IngestStats
}

// New creates an ingestion loop for source
func New(source pipeline.FrameSource, detector pipeline.Detector, admitter Admitter, cfg Config, log zerolog.Logger) *Ingestor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Ingestor{
		source:   source,
		detector: detector,
		admitter: admitter,
		cfg:      cfg,
		log: log.With().
			Str("component", "ingest").
			Str("camera_id", source.CameraID()).
			Str("detector", detector.Name()).
			Logger(),
		now:   time.Now,
		stats: pipeline.IngestStats{CameraID: source.CameraID()},
	}
}

// Run processes frames until the source is exhausted or ctx is done
func (in *Ingestor) Run(ctx context.Context) error {
	in.log.Info().Msg("ingestion loop started")
	defer in.log.Info().Msg("ingestion loop stopped")

	for {
		frame, err := in.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, pipeline.ErrSourceExhausted) {
				in.log.Info().Msg("frame source exhausted")
				return nil
			}
			if pipeline.IsFatal(err) {
				return fmt.Errorf("frame source: %w", err)
			}
			in.update(func(s *pipeline.IngestStats) { s.SourceErrors++ })
			in.log.Warn().Err(err).Msg("frame source error")
			if !in.pause(ctx) {
				return nil
			}
			continue
		}

		in.ProcessFrame(ctx, frame)
	}
}

// ProcessFrame runs one frame through detection, evaluation and admission
func (in *Ingestor) ProcessFrame(ctx context.Context, frame *pipeline.FrameData) incident.Decision {
	in.update(func(s *pipeline.IngestStats) {
		s.FramesProcessed++
		s.LastFrameTime = frame.Timestamp.Unix()
	})

	started := in.now()
	dets, err := in.detector.Detect(ctx, frame)
	elapsed := float64(in.now().Sub(started).Microseconds()) / 1000
	if err != nil {
		in.update(func(s *pipeline.IngestStats) { s.DetectorErrors++ })
		in.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("detection failed")
		return incident.NotAdmitted
	}
	in.update(func(s *pipeline.IngestStats) {
		if s.AvgInferenceMs == 0 {
			s.AvgInferenceMs = elapsed
		} else {
			s.AvgInferenceMs = (s.AvgInferenceMs + elapsed) / 2
		}
	})

	verdict, err := violation.Evaluate(frame.Ref(), dets, in.cfg.Rules)
	if err != nil {
		var inputErr *violation.DetectionInputError
		if errors.As(err, &inputErr) {
			in.update(func(s *pipeline.IngestStats) { s.FramesDropped++ })
			in.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("frame dropped: invalid detections")
			return incident.NotAdmitted
		}
		in.log.Error().Err(err).Uint64("seq", frame.Seq).Msg("evaluation failed")
		return incident.NotAdmitted
	}
	if !verdict.IsViolation() {
		return incident.NotAdmitted
	}
	in.update(func(s *pipeline.IngestStats) { s.Violations++ })

	// Frames the gate would reject are not annotated. Admit still runs so the
	// rejection is counted.
	var annotated []byte
	if in.wouldAdmit() {
		annotated, err = report.Annotate(frame.Data, dets, verdict)
		if err != nil {
			in.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("annotation failed, keeping original only")
		}
	}

	decision, err := in.admitter.Admit(ctx, verdict, incident.Images{Original: frame.Data, Annotated: annotated})
	switch decision {
	case incident.Admitted:
		in.update(func(s *pipeline.IngestStats) { s.Admitted++ })
	case incident.RejectedCooldown:
		in.update(func(s *pipeline.IngestStats) { s.RejectedCooldown++ })
	case incident.RejectedQueueFull:
		in.update(func(s *pipeline.IngestStats) { s.RejectedQueueFull++ })
	}
	if err != nil && !errors.Is(err, incident.ErrQueueFull) {
		in.log.Error().Err(err).Msg("admission failed")
	}
	return decision
}

// Stats returns a snapshot of the loop counters
func (in *Ingestor) Stats() pipeline.IngestStats {
	in.statsMu.RLock()
	defer in.statsMu.RUnlock()
	return in.stats
}

func (in *Ingestor) wouldAdmit() bool {
	if c, ok := in.admitter.(admissionChecker); ok {
		return c.WouldAdmit()
	}
	return true
}

func (in *Ingestor) update(fn func(*pipeline.IngestStats)) {
	in.statsMu.Lock()
	fn(&in.stats)
	in.statsMu.Unlock()
}

func (in *Ingestor) pause(ctx context.Context) bool {
	t := time.NewTimer(in.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
