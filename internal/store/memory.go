package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Records are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory store
func NewMemory() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *rec
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.records[rec.ReportID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *rec
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ReportID]; !exists {
		m.records[rec.ReportID] = cp
	}
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, reportID, status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[reportID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	rec.Status = status
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = time.Now()
	m.records[reportID] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, reportID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[reportID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	return &rec, nil
}

func (m *MemoryStore) GetRecent(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	all := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := rec
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].ReportID > all[j].ReportID
	})
	if limit = clampLimit(limit); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rec := range m.records {
		if rec.Timestamp.Before(t) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
