package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/analysis"
	"ppewatch/internal/validator"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "incidents.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, ts time.Time) *Record {
	return &Record{
		ReportID:       id,
		CameraID:       "cam-1",
		FrameSeq:       42,
		Timestamp:      ts,
		PersonCount:    2,
		ViolationCount: 1,
		Severity:       "HIGH",
		Status:         "pending",
		MissingPPE:     []string{"hardhat"},
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	rec := testRecord("r1", ts)
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec.Status = "completed"
	rec.Caption = "a worker without a helmet"
	rec.NLPAnalysis = &analysis.Analysis{Summary: "s", Hazards: []analysis.Hazard{}, Actions: []string{"a"}, Source: "template"}
	rec.CaptionValidation = &validator.Result{IsValid: true, Confidence: 1}
	rec.Warnings = []string{"caption: timed out"}
	rec.ReportURL = "2026/10/15/r1/report.html"
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	recent, err := s.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected one record after repeated upsert, got %d", len(recent))
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "completed" || got.Caption != rec.Caption || got.ReportURL != rec.ReportURL {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp %v, got %v", ts, got.Timestamp)
	}
	if got.FrameSeq != 42 || got.CameraID != "cam-1" {
		t.Fatalf("unexpected frame ref %s/%d", got.CameraID, got.FrameSeq)
	}
	if got.NLPAnalysis == nil || got.NLPAnalysis.Source != "template" {
		t.Fatalf("expected analysis round trip, got %+v", got.NLPAnalysis)
	}
	if got.CaptionValidation == nil || !got.CaptionValidation.IsValid {
		t.Fatalf("expected validation round trip, got %+v", got.CaptionValidation)
	}
	if len(got.MissingPPE) != 1 || got.MissingPPE[0] != "hardhat" || len(got.Warnings) != 1 {
		t.Fatalf("unexpected lists %v %v", got.MissingPPE, got.Warnings)
	}
}

func TestSetStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, testRecord("r1", time.Now())); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetStatus(ctx, "r1", "failed", "blob storage unavailable"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "failed" || got.ErrorMessage != "blob storage unavailable" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.NLPAnalysis != nil || got.CaptionValidation != nil {
		t.Fatalf("expected empty payload columns to stay nil")
	}

	if err := s.SetStatus(ctx, "missing", "failed", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetRecentOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		if err := s.Upsert(ctx, testRecord(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	recent, err := s.GetRecent(ctx, 3)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recent))
	}
	for i, want := range []string{"d", "c", "b"} {
		if recent[i].ReportID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, recent[i].ReportID)
		}
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["pending"] != 4 {
		t.Fatalf("unexpected counts %v", counts)
	}

	n, err := s.DeleteBefore(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	recent, _ = s.GetRecent(ctx, 0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(recent))
	}
}

func TestInsertKeepsExistingRecord(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	for name, s := range map[string]Store{"sqlite": openTestStore(t), "memory": NewMemory()} {
		t.Run(name, func(t *testing.T) {
			rec := testRecord("r1", ts)
			rec.Status = "generating"
			if err := s.Upsert(ctx, rec); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			if err := s.Insert(ctx, testRecord("r1", ts)); err != nil {
				t.Fatalf("insert: %v", err)
			}
			got, err := s.Get(ctx, "r1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != "generating" {
				t.Fatalf("insert overwrote existing record: status %s", got.Status)
			}

			if err := s.Insert(ctx, testRecord("r2", ts)); err != nil {
				t.Fatalf("insert new: %v", err)
			}
			if _, err := s.Get(ctx, "r2"); err != nil {
				t.Fatalf("expected inserted record: %v", err)
			}
		})
	}
}
