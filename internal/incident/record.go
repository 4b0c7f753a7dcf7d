package incident

import (
	"time"

	"ppewatch/internal/store"
)

// Record converts the job into its persisted form
func (j *Job) Record(now time.Time) *store.Record {
	rec := &store.Record{
		ReportID:          j.ID,
		CameraID:          j.Verdict.Frame.CameraID,
		FrameSeq:          j.Verdict.Frame.Seq,
		Timestamp:         j.CreatedAt,
		PersonCount:       j.Verdict.PersonCount,
		ViolationCount:    j.Verdict.ViolationCount,
		Severity:          string(j.Verdict.Severity),
		Status:            string(j.Status),
		MissingPPE:        j.Verdict.Missing,
		Warnings:          j.Warnings,
		OriginalImageURL:  j.Images.OriginalLocator,
		AnnotatedImageURL: j.Images.AnnotatedLocator,
		UpdatedAt:         now,
	}
	if j.Status == StatusFailed {
		rec.ErrorMessage = j.Error
	}
	if r := j.Result; r != nil {
		rec.Caption = r.Caption
		rec.NLPAnalysis = r.Analysis
		rec.CaptionValidation = r.Validation
		rec.Backend = r.Backend
		rec.ReportURL = r.ReportLocator
	}
	return rec
}

// AdmissionRecord builds the pending record from the fields that never change
// after admission. It is the first row written for a job.
func (j *Job) AdmissionRecord(now time.Time) *store.Record {
	return &store.Record{
		ReportID:       j.ID,
		CameraID:       j.Verdict.Frame.CameraID,
		FrameSeq:       j.Verdict.Frame.Seq,
		Timestamp:      j.CreatedAt,
		PersonCount:    j.Verdict.PersonCount,
		ViolationCount: j.Verdict.ViolationCount,
		Severity:       string(j.Verdict.Severity),
		Status:         string(StatusPending),
		MissingPPE:     j.Verdict.Missing,
		UpdatedAt:      now,
	}
}
