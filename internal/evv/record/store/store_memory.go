package store

import (
	"context"
	"sync"

	"caretrack/internal/evv/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/sentinel"
)

// InMemoryRecordStore keeps EVV records in memory with the same optimistic
// versioning semantics as the postgres store.
type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records map[id.RecordID]*models.EVVRecord
	byVisit map[id.VisitID]id.RecordID
}

func NewInMemory() *InMemoryRecordStore {
	return &InMemoryRecordStore{
		records: make(map[id.RecordID]*models.EVVRecord),
		byVisit: make(map[id.VisitID]id.RecordID),
	}
}

func (s *InMemoryRecordStore) Get(_ context.Context, recordID id.RecordID) (*models.EVVRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryRecordStore) GetByVisit(_ context.Context, visitID id.VisitID) (*models.EVVRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recordID, ok := s.byVisit[visitID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(s.records[recordID]), nil
}

func (s *InMemoryRecordStore) Create(_ context.Context, record *models.EVVRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return sentinel.ErrConflict
	}
	// One EVV record per visit.
	if _, exists := s.byVisit[record.VisitID]; exists {
		return sentinel.ErrConflict
	}
	record.Version = 1
	s.records[record.ID] = cloneRecord(record)
	s.byVisit[record.VisitID] = record.ID
	return nil
}

func (s *InMemoryRecordStore) Update(_ context.Context, record *models.EVVRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != expectedVersion {
		return sentinel.ErrConflict
	}
	record.Version = expectedVersion + 1
	s.records[record.ID] = cloneRecord(record)
	return nil
}

func cloneRecord(r *models.EVVRecord) *models.EVVRecord {
	cp := *r
	if r.ClockInAt != nil {
		t := *r.ClockInAt
		cp.ClockInAt = &t
	}
	if r.ClockOutAt != nil {
		t := *r.ClockOutAt
		cp.ClockOutAt = &t
	}
	if r.ClockInVerification != nil {
		v := *r.ClockInVerification
		cp.ClockInVerification = &v
	}
	if r.ClockOutVerification != nil {
		v := *r.ClockOutVerification
		cp.ClockOutVerification = &v
	}
	return &cp
}
