package store

import (
	"context"
	"sort"
	"sync"

	"caretrack/internal/evv/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/sentinel"
)

// InMemoryVisitStore keeps visits in memory with the same optimistic
// versioning semantics as the postgres store. Used by tests and dev mode.
type InMemoryVisitStore struct {
	mu     sync.RWMutex
	visits map[id.VisitID]*models.Visit
}

func NewInMemory() *InMemoryVisitStore {
	return &InMemoryVisitStore{visits: make(map[id.VisitID]*models.Visit)}
}

func (s *InMemoryVisitStore) Get(_ context.Context, visitID id.VisitID) (*models.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visit, ok := s.visits[visitID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneVisit(visit), nil
}

func (s *InMemoryVisitStore) Create(_ context.Context, visit *models.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.visits[visit.ID]; exists {
		return sentinel.ErrConflict
	}
	visit.Version = 1
	s.visits[visit.ID] = cloneVisit(visit)
	return nil
}

func (s *InMemoryVisitStore) Update(_ context.Context, visit *models.Visit, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.visits[visit.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != expectedVersion {
		return sentinel.ErrConflict
	}
	visit.Version = expectedVersion + 1
	s.visits[visit.ID] = cloneVisit(visit)
	return nil
}

func (s *InMemoryVisitStore) ListByCaregiver(_ context.Context, caregiverID id.CaregiverID) ([]*models.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Visit
	for _, v := range s.visits {
		if v.CaregiverID == caregiverID {
			out = append(out, cloneVisit(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	return out, nil
}

// cloneVisit deep-copies so callers cannot alias store state. The history
// slice matters: it is append-only and must not be shared.
func cloneVisit(v *models.Visit) *models.Visit {
	cp := *v
	cp.StatusHistory = append([]models.StatusChange(nil), v.StatusHistory...)
	if v.ActualStart != nil {
		t := *v.ActualStart
		cp.ActualStart = &t
	}
	if v.ActualEnd != nil {
		t := *v.ActualEnd
		cp.ActualEnd = &t
	}
	return &cp
}
