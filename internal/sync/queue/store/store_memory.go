package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"caretrack/internal/sync/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/sentinel"
)

// InMemoryQueueStore backs the sync queue for tests and local development.
type InMemoryQueueStore struct {
	mu        sync.RWMutex
	entries   map[id.EntryID]*models.SyncQueueEntry
	sequences map[id.DeviceID]int64
}

func NewInMemory() *InMemoryQueueStore {
	return &InMemoryQueueStore{
		entries:   make(map[id.EntryID]*models.SyncQueueEntry),
		sequences: make(map[id.DeviceID]int64),
	}
}

func (s *InMemoryQueueStore) Get(_ context.Context, entryID id.EntryID) (*models.SyncQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *InMemoryQueueStore) Create(_ context.Context, entry *models.SyncQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return sentinel.ErrConflict
	}
	entry.Version = 1
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *InMemoryQueueStore) Update(_ context.Context, entry *models.SyncQueueEntry, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.entries[entry.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return sentinel.ErrConflict
	}
	entry.Version = expectedVersion + 1
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *InMemoryQueueStore) NextSequence(_ context.Context, deviceID id.DeviceID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[deviceID]++
	return s.sequences[deviceID], nil
}

func (s *InMemoryQueueStore) ListOpenByDevice(_ context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SyncQueueEntry
	for _, entry := range s.entries {
		if entry.DeviceID == deviceID && !entry.Status.IsTerminal() {
			out = append(out, cloneEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *InMemoryQueueStore) ListNeedsReconciliation(_ context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SyncQueueEntry
	for _, entry := range s.entries {
		if entry.DeviceID == deviceID && entry.Status == models.EntryNeedsReconciliation {
			out = append(out, cloneEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *InMemoryQueueStore) PendingDevices(_ context.Context) ([]id.DeviceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	critical := make(map[id.DeviceID]bool)
	oldest := make(map[id.DeviceID]time.Time)
	for _, entry := range s.entries {
		if entry.Status.IsTerminal() {
			continue
		}
		if entry.Priority == models.PriorityCritical {
			critical[entry.DeviceID] = true
		}
		if first, ok := oldest[entry.DeviceID]; !ok || entry.CreatedAt.Before(first) {
			oldest[entry.DeviceID] = entry.CreatedAt
		}
	}
	devices := make([]id.DeviceID, 0, len(oldest))
	for device := range oldest {
		devices = append(devices, device)
	}
	// Devices holding CRITICAL work drain first; ties break on oldest entry.
	sort.Slice(devices, func(i, j int) bool {
		if critical[devices[i]] != critical[devices[j]] {
			return critical[devices[i]]
		}
		return oldest[devices[i]].Before(oldest[devices[j]])
	})
	return devices, nil
}

func cloneEntry(e *models.SyncQueueEntry) *models.SyncQueueEntry {
	clone := *e
	if e.Payload != nil {
		clone.Payload = append([]byte(nil), e.Payload...)
	}
	if e.DependsOn != nil {
		clone.DependsOn = append([]id.EntryID(nil), e.DependsOn...)
	}
	return &clone
}
