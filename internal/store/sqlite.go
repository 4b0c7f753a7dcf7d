package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default Status Store, backed by a single SQLite file
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (or creates) the database file and runs migrations
func OpenSQLite(path string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; WAL lets readers proceed alongside it
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, log: log.With().Str("component", "store").Str("driver", "sqlite").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			report_id TEXT PRIMARY KEY,
			camera_id TEXT,
			frame_seq INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL,
			person_count INTEGER NOT NULL,
			violation_count INTEGER NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			missing_ppe TEXT,
			caption TEXT DEFAULT '',
			nlp_analysis TEXT,
			caption_validation TEXT,
			error_message TEXT DEFAULT '',
			backend TEXT DEFAULT '',
			warnings TEXT,
			original_image TEXT DEFAULT '',
			annotated_image TEXT DEFAULT '',
			report TEXT DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Debug().Msg("database migrations completed")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	return s.write(ctx, rec, `ON CONFLICT(report_id) DO UPDATE SET
			camera_id = excluded.camera_id,
			frame_seq = excluded.frame_seq,
			person_count = excluded.person_count,
			violation_count = excluded.violation_count,
			severity = excluded.severity,
			status = excluded.status,
			missing_ppe = excluded.missing_ppe,
			caption = excluded.caption,
			nlp_analysis = excluded.nlp_analysis,
			caption_validation = excluded.caption_validation,
			error_message = excluded.error_message,
			backend = excluded.backend,
			warnings = excluded.warnings,
			original_image = excluded.original_image,
			annotated_image = excluded.annotated_image,
			report = excluded.report,
			updated_at = excluded.updated_at`)
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	return s.write(ctx, rec, `ON CONFLICT(report_id) DO NOTHING`)
}

func (s *SQLiteStore) write(ctx context.Context, rec *Record, onConflict string) error {
	p := payload{
		MissingPPE:        rec.MissingPPE,
		NLPAnalysis:       rec.NLPAnalysis,
		CaptionValidation: rec.CaptionValidation,
		Warnings:          rec.Warnings,
	}
	missing, nlp, validation, warnings, err := p.encode()
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	query := `INSERT INTO incidents (report_id, camera_id, frame_seq, created_at, person_count, violation_count,
			severity, status, missing_ppe, caption, nlp_analysis, caption_validation, error_message, backend,
			warnings, original_image, annotated_image, report, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		` + onConflict

	_, err = s.db.ExecContext(ctx, query,
		rec.ReportID, rec.CameraID, int64(rec.FrameSeq), rec.Timestamp.UnixMilli(), rec.PersonCount, rec.ViolationCount,
		rec.Severity, rec.Status, nullable(missing), rec.Caption, nullable(nlp), nullable(validation), rec.ErrorMessage,
		rec.Backend, nullable(warnings), rec.OriginalImageURL, rec.AnnotatedImageURL, rec.ReportURL, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write incident: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, reportID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE incidents SET status = ?, error_message = ?, updated_at = ? WHERE report_id = ?",
		status, errMsg, time.Now().UnixMilli(), reportID)
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	return nil
}

const selectColumns = `SELECT report_id, camera_id, frame_seq, created_at, person_count, violation_count, severity,
	status, missing_ppe, caption, nlp_analysis, caption_validation, error_message, backend, warnings,
	original_image, annotated_image, report, updated_at FROM incidents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                                Record
		cameraID                           sql.NullString
		frameSeq, createdAt, updatedAt     int64
		missing, nlp, validation, warnings []byte
	)
	err := row.Scan(&rec.ReportID, &cameraID, &frameSeq, &createdAt, &rec.PersonCount, &rec.ViolationCount,
		&rec.Severity, &rec.Status, &missing, &rec.Caption, &nlp, &validation, &rec.ErrorMessage, &rec.Backend,
		&warnings, &rec.OriginalImageURL, &rec.AnnotatedImageURL, &rec.ReportURL, &updatedAt)
	if err != nil {
		return nil, err
	}

	var p payload
	if err := p.decode(missing, nlp, validation, warnings); err != nil {
		return nil, err
	}
	rec.CameraID = cameraID.String
	rec.FrameSeq = uint64(frameSeq)
	rec.Timestamp = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.MissingPPE = p.MissingPPE
	rec.NLPAnalysis = p.NLPAnalysis
	rec.CaptionValidation = p.CaptionValidation
	rec.Warnings = p.Warnings
	return &rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, reportID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE report_id = ?", reportID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetRecent(ctx context.Context, limit int) ([]*Record, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY created_at DESC, report_id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM incidents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM incidents WHERE created_at < ?", t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old incidents: %w", err)
	}
	return res.RowsAffected()
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

var _ Store = (*SQLiteStore)(nil)
