package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]models.CallRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]models.CallRecord)}
}

func (m *MemoryStore) RecordStarted(_ context.Context, rec models.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[rec.ID] = rec
	return nil
}

func (m *MemoryStore) RecordParticipants(_ context.Context, callID string, events []models.ParticipantEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	rec.ParticipantEvents = events
	m.calls[callID] = rec
	return nil
}

func (m *MemoryStore) RecordEnded(_ context.Context, callID string, endedAt time.Time, events []models.ParticipantEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	rec.EndedAt = &endedAt
	rec.ParticipantEvents = events
	m.calls[callID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (models.CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.calls[callID]
	if !ok {
		return models.CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ByRoom(_ context.Context, roomID string, limit int) ([]models.CallRecord, error) {
	return m.filter(limit, func(rec models.CallRecord) bool { return rec.RoomID == roomID }), nil
}

func (m *MemoryStore) ByUser(_ context.Context, userID string, limit int) ([]models.CallRecord, error) {
	return m.filter(limit, func(rec models.CallRecord) bool {
		if rec.StartedByID == userID {
			return true
		}
		for _, u := range rec.Participants() {
			if u == userID {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryStore) filter(limit int, keep func(models.CallRecord) bool) []models.CallRecord {
	m.mu.RLock()
	out := make([]models.CallRecord, 0)
	for _, rec := range m.calls {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out
}
