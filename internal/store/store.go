// Package store persists incident records. The report worker writes through
// the Store interface; the API and presentation adapters read from it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ppewatch/internal/analysis"
	"ppewatch/internal/validator"
)

var ErrNotFound = errors.New("incident not found")

// Record is the persisted form of an incident job
type Record struct {
	ReportID          string             `json:"report_id"`
	CameraID          string             `json:"camera_id,omitempty"`
	FrameSeq          uint64             `json:"frame_seq,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	PersonCount       int                `json:"person_count"`
	ViolationCount    int                `json:"violation_count"`
	Severity          string             `json:"severity"`
	Status            string             `json:"status"`
	MissingPPE        []string           `json:"missing_ppe"`
	Caption           string             `json:"caption"`
	NLPAnalysis       *analysis.Analysis `json:"nlp_analysis"`
	CaptionValidation *validator.Result  `json:"caption_validation"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	Backend           string             `json:"backend,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`

	// Blob locators in storage. The API swaps them for signed URLs.
	OriginalImageURL  string `json:"original_image_url,omitempty"`
	AnnotatedImageURL string `json:"annotated_image_url,omitempty"`
	ReportURL         string `json:"report_url,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the status store contract
type Store interface {
	// Upsert inserts or replaces the record with the same report id
	Upsert(ctx context.Context, rec *Record) error

	// Insert adds rec unless a record with the same report id already exists
	Insert(ctx context.Context, rec *Record) error

	// SetStatus updates status and error message of an existing record
	SetStatus(ctx context.Context, reportID, status, errMsg string) error

	// GetRecent returns up to limit records, newest first
	GetRecent(ctx context.Context, limit int) ([]*Record, error)

	// Get returns one record or ErrNotFound
	Get(ctx context.Context, reportID string) (*Record, error)

	// CountByStatus returns the number of records per status
	CountByStatus(ctx context.Context) (map[string]int, error)

	// DeleteBefore removes records created before t and returns how many
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	Close() error
}

// payload holds the variable-shape columns, stored as JSON
type payload struct {
	MissingPPE        []string
	NLPAnalysis       *analysis.Analysis
	CaptionValidation *validator.Result
	Warnings          []string
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode column: %w", err)
	}
	return data, nil
}

func (p *payload) encode() (missing, nlp, validation, warnings []byte, err error) {
	if missing, err = encodeJSON(p.MissingPPE); err != nil {
		return
	}
	if p.NLPAnalysis != nil {
		if nlp, err = encodeJSON(p.NLPAnalysis); err != nil {
			return
		}
	}
	if p.CaptionValidation != nil {
		if validation, err = encodeJSON(p.CaptionValidation); err != nil {
			return
		}
	}
	warnings, err = encodeJSON(p.Warnings)
	return
}

func (p *payload) decode(missing, nlp, validation, warnings []byte) error {
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &p.MissingPPE); err != nil {
			return fmt.Errorf("decode missing_ppe: %w", err)
		}
	}
	if len(nlp) > 0 && string(nlp) != "null" {
		p.NLPAnalysis = &analysis.Analysis{}
		if err := json.Unmarshal(nlp, p.NLPAnalysis); err != nil {
			return fmt.Errorf("decode nlp_analysis: %w", err)
		}
	}
	if len(validation) > 0 && string(validation) != "null" {
		p.CaptionValidation = &validator.Result{}
		if err := json.Unmarshal(validation, p.CaptionValidation); err != nil {
			return fmt.Errorf("decode caption_validation: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &p.Warnings); err != nil {
			return fmt.Errorf("decode warnings: %w", err)
		}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
