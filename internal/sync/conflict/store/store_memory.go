package store

import (
	"context"
	"sort"
	"sync"

	"caretrack/internal/sync/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/sentinel"
)

// InMemoryConflictStore backs conflict persistence for tests and local
// development.
type InMemoryConflictStore struct {
	mu        sync.RWMutex
	conflicts map[id.ConflictID]*models.SyncConflict
}

func NewInMemory() *InMemoryConflictStore {
	return &InMemoryConflictStore{conflicts: make(map[id.ConflictID]*models.SyncConflict)}
}

func (s *InMemoryConflictStore) Get(_ context.Context, conflictID id.ConflictID) (*models.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneConflict(conflict), nil
}

func (s *InMemoryConflictStore) Create(_ context.Context, conflict *models.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conflicts[conflict.ID]; exists {
		return sentinel.ErrConflict
	}
	s.conflicts[conflict.ID] = cloneConflict(conflict)
	return nil
}

func (s *InMemoryConflictStore) Update(_ context.Context, conflict *models.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[conflict.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.conflicts[conflict.ID] = cloneConflict(conflict)
	return nil
}

func (s *InMemoryConflictStore) ListOpen(_ context.Context) ([]*models.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SyncConflict
	for _, conflict := range s.conflicts {
		if conflict.Status.IsOpen() {
			out = append(out, cloneConflict(conflict))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

func cloneConflict(c *models.SyncConflict) *models.SyncConflict {
	clone := *c
	if c.LocalPayload != nil {
		clone.LocalPayload = append([]byte(nil), c.LocalPayload...)
	}
	if c.RemotePayload != nil {
		clone.RemotePayload = append([]byte(nil), c.RemotePayload...)
	}
	if c.ResolvedPayload != nil {
		clone.ResolvedPayload = append([]byte(nil), c.ResolvedPayload...)
	}
	if c.DivergentFields != nil {
		clone.DivergentFields = append([]string(nil), c.DivergentFields...)
	}
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		clone.ResolvedAt = &at
	}
	return &clone
}
