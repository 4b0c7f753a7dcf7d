package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		report_id          UUID PRIMARY KEY,
		camera_id          TEXT NOT NULL DEFAULT '',
		frame_seq          BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL,
		person_count       INT NOT NULL,
		violation_count    INT NOT NULL,
		severity           TEXT NOT NULL,
		status             TEXT NOT NULL,
		missing_ppe        JSONB,
		caption            TEXT NOT NULL DEFAULT '',
		nlp_analysis       JSONB,
		caption_validation JSONB,
		error_message      TEXT NOT NULL DEFAULT '',
		backend            TEXT NOT NULL DEFAULT '',
		warnings           JSONB,
		original_image     TEXT NOT NULL DEFAULT '',
		annotated_image    TEXT NOT NULL DEFAULT '',
		report             TEXT NOT NULL DEFAULT '',
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);`,
}

// incidentRow is the gorm model of the incidents table
type incidentRow struct {
	ReportID          string `gorm:"primaryKey;type:uuid"`
	CameraID          string
	FrameSeq          int64
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
	PersonCount       int
	ViolationCount    int
	Severity          string
	Status            string
	MissingPPE        datatypes.JSON `gorm:"column:missing_ppe"`
	Caption           string
	NLPAnalysis       datatypes.JSON `gorm:"column:nlp_analysis"`
	CaptionValidation datatypes.JSON `gorm:"column:caption_validation"`
	ErrorMessage      string
	Backend           string
	Warnings          datatypes.JSON
	OriginalImage     string
	AnnotatedImage    string
	Report            string
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (incidentRow) TableName() string {
	return "incidents"
}

// PostgresStore keeps incidents in PostgreSQL through gorm
type PostgresStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

// OpenPostgres connects to dsn and runs migrations
func OpenPostgres(dsn string, log zerolog.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{db: db, log: log.With().Str("component", "store").Str("driver", "postgres").Logger()}
	for _, stmt := range postgresMigrations {
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Debug().Msg("database migrations completed")
	return s, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *Record) (*incidentRow, error) {
	p := payload{
		MissingPPE:        rec.MissingPPE,
		NLPAnalysis:       rec.NLPAnalysis,
		CaptionValidation: rec.CaptionValidation,
		Warnings:          rec.Warnings,
	}
	missing, nlp, validation, warnings, err := p.encode()
	if err != nil {
		return nil, err
	}
	return &incidentRow{
		ReportID:          rec.ReportID,
		CameraID:          rec.CameraID,
		FrameSeq:          int64(rec.FrameSeq),
		CreatedAt:         rec.Timestamp,
		PersonCount:       rec.PersonCount,
		ViolationCount:    rec.ViolationCount,
		Severity:          rec.Severity,
		Status:            rec.Status,
		MissingPPE:        datatypes.JSON(missing),
		Caption:           rec.Caption,
		NLPAnalysis:       datatypes.JSON(nlp),
		CaptionValidation: datatypes.JSON(validation),
		ErrorMessage:      rec.ErrorMessage,
		Backend:           rec.Backend,
		Warnings:          datatypes.JSON(warnings),
		OriginalImage:     rec.OriginalImageURL,
		AnnotatedImage:    rec.AnnotatedImageURL,
		Report:            rec.ReportURL,
		UpdatedAt:         rec.UpdatedAt,
	}, nil
}

func (r *incidentRow) toRecord() (*Record, error) {
	var p payload
	if err := p.decode(r.MissingPPE, r.NLPAnalysis, r.CaptionValidation, r.Warnings); err != nil {
		return nil, err
	}
	return &Record{
		ReportID:          r.ReportID,
		CameraID:          r.CameraID,
		FrameSeq:          uint64(r.FrameSeq),
		Timestamp:         r.CreatedAt.UTC(),
		PersonCount:       r.PersonCount,
		ViolationCount:    r.ViolationCount,
		Severity:          r.Severity,
		Status:            r.Status,
		MissingPPE:        p.MissingPPE,
		Caption:           r.Caption,
		NLPAnalysis:       p.NLPAnalysis,
		CaptionValidation: p.CaptionValidation,
		ErrorMessage:      r.ErrorMessage,
		Backend:           r.Backend,
		Warnings:          p.Warnings,
		OriginalImageURL:  r.OriginalImage,
		AnnotatedImageURL: r.AnnotatedImage,
		ReportURL:         r.Report,
		UpdatedAt:         r.UpdatedAt.UTC(),
	}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "report_id"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "report_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, reportID, status, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&incidentRow{}).
		Where("report_id = ?", reportID).
		Updates(map[string]any{
			"status":        status,
			"error_message": errMsg,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update incident status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, reportID string) (*Record, error) {
	var row incidentRow
	err := s.db.WithContext(ctx).Where("report_id = ?", reportID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return row.toRecord()
}

func (s *PostgresStore) GetRecent(ctx context.Context, limit int) ([]*Record, error) {
	var rows []incidentRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("report_id DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	records := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&incidentRow{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", t).Delete(&incidentRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old incidents: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ Store = (*PostgresStore)(nil)
