// Package entity adapts the concrete domain stores behind the uniform
// entityType+entityID surface queued mutations replay into. Visits and EVV
// records route to their own stores; everything else (visit notes and the
// like) lands in the generic document store.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	evvmodels "caretrack/internal/evv/models"
	evvports "caretrack/internal/evv/ports"
	syncmodels "caretrack/internal/sync/models"
	"caretrack/internal/sync/ports"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/sentinel"
)

// GenericStore persists versioned JSON documents for entity types that have
// no dedicated domain store.
type GenericStore interface {
	Get(ctx context.Context, entityType, entityID string) (*ports.EntityState, error)
	Create(ctx context.Context, entityType, entityID string, payload json.RawMessage) error
	Update(ctx context.Context, entityType, entityID string, payload json.RawMessage, expectedVersion int64) error
	Delete(ctx context.Context, entityType, entityID string, expectedVersion int64) error
}

// Store implements ports.EntityStore over the domain stores.
type Store struct {
	visits  evvports.VisitStore
	records evvports.RecordStore
	generic GenericStore
}

func NewStore(visits evvports.VisitStore, records evvports.RecordStore, generic GenericStore) *Store {
	return &Store{visits: visits, records: records, generic: generic}
}

func (s *Store) Get(ctx context.Context, entityType, entityID string) (*ports.EntityState, error) {
	switch entityType {
	case syncmodels.EntityVisit:
		visitID, err := id.ParseVisitID(entityID)
		if err != nil {
			return nil, err
		}
		visit, err := s.visits.Get(ctx, visitID)
		if err != nil {
			return nil, err
		}
		return marshalState(visit, visit.Version, visit.UpdatedAt)
	case syncmodels.EntityEVVRecord:
		recordID, err := id.ParseRecordID(entityID)
		if err != nil {
			return nil, err
		}
		record, err := s.records.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		return marshalState(record, record.Version, record.UpdatedAt)
	default:
		return s.generic.Get(ctx, entityType, entityID)
	}
}

func (s *Store) Create(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	switch entityType {
	case syncmodels.EntityVisit:
		var visit evvmodels.Visit
		if err := json.Unmarshal(payload, &visit); err != nil {
			return fmt.Errorf("unmarshal visit payload: %w", err)
		}
		return s.visits.Create(ctx, &visit)
	case syncmodels.EntityEVVRecord:
		var record evvmodels.EVVRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return fmt.Errorf("unmarshal record payload: %w", err)
		}
		return s.records.Create(ctx, &record)
	default:
		return s.generic.Create(ctx, entityType, entityID, payload)
	}
}

func (s *Store) Update(ctx context.Context, entityType, entityID string, payload json.RawMessage, expectedVersion int64) error {
	switch entityType {
	case syncmodels.EntityVisit:
		var visit evvmodels.Visit
		if err := json.Unmarshal(payload, &visit); err != nil {
			return fmt.Errorf("unmarshal visit payload: %w", err)
		}
		return s.visits.Update(ctx, &visit, expectedVersion)
	case syncmodels.EntityEVVRecord:
		var record evvmodels.EVVRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return fmt.Errorf("unmarshal record payload: %w", err)
		}
		return s.records.Update(ctx, &record, expectedVersion)
	default:
		return s.generic.Update(ctx, entityType, entityID, payload, expectedVersion)
	}
}

func (s *Store) Delete(ctx context.Context, entityType, entityID string, expectedVersion int64) error {
	switch entityType {
	case syncmodels.EntityVisit, syncmodels.EntityEVVRecord:
		// Compliance artifacts are never deleted through sync replay.
		return dErrors.Newf(dErrors.CodeValidationFailed, "%s entities cannot be deleted", entityType)
	default:
		return s.generic.Delete(ctx, entityType, entityID, expectedVersion)
	}
}

func marshalState(v any, version int64, updatedAt time.Time) (*ports.EntityState, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	return &ports.EntityState{Payload: payload, Version: version, UpdatedAt: updatedAt}, nil
}

// InMemoryGenericStore backs generic documents for tests and local
// development.
type InMemoryGenericStore struct {
	mu   sync.RWMutex
	docs map[string]*ports.EntityState
	now  func() time.Time
}

func NewInMemoryGeneric() *InMemoryGenericStore {
	return &InMemoryGenericStore{docs: make(map[string]*ports.EntityState), now: time.Now}
}

// WithClock overrides the time source stamped onto documents. Tests only.
func (s *InMemoryGenericStore) WithClock(now func() time.Time) *InMemoryGenericStore {
	s.now = now
	return s
}

func docKey(entityType, entityID string) string { return entityType + "/" + entityID }

func (s *InMemoryGenericStore) Get(_ context.Context, entityType, entityID string) (*ports.EntityState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey(entityType, entityID)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *doc
	clone.Payload = append([]byte(nil), doc.Payload...)
	return &clone, nil
}

func (s *InMemoryGenericStore) Create(_ context.Context, entityType, entityID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(entityType, entityID)
	if _, exists := s.docs[key]; exists {
		return sentinel.ErrConflict
	}
	s.docs[key] = &ports.EntityState{
		Payload:   append([]byte(nil), payload...),
		Version:   1,
		UpdatedAt: s.now().UTC(),
	}
	return nil
}

func (s *InMemoryGenericStore) Update(_ context.Context, entityType, entityID string, payload json.RawMessage, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docKey(entityType, entityID)]
	if !ok {
		return sentinel.ErrNotFound
	}
	if doc.Version != expectedVersion {
		return sentinel.ErrConflict
	}
	doc.Payload = append([]byte(nil), payload...)
	doc.Version = expectedVersion + 1
	doc.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemoryGenericStore) Delete(_ context.Context, entityType, entityID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(entityType, entityID)
	doc, ok := s.docs[key]
	if !ok {
		return sentinel.ErrNotFound
	}
	if doc.Version != expectedVersion {
		return sentinel.ErrConflict
	}
	delete(s.docs, key)
	return nil
}
