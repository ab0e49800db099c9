package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/videre-progress/internal/store"
	"github.com/google/uuid"
)

// HistoryStore is an in-memory store.GenerationRepository.
type HistoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]store.GenerationRecord
}

var _ store.GenerationRepository = (*HistoryStore)(nil)

// NewHistoryStore constructs an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{records: make(map[uuid.UUID]store.GenerationRecord)}
}

// UpsertStart inserts a running record, or refreshes the topic of an
// existing one without touching its terminal fields.
func (s *HistoryStore) UpsertStart(_ context.Context, id uuid.UUID, topic string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if ok {
		rec.Topic = topic
		s.records[id] = rec
		return nil
	}
	s.records[id] = store.GenerationRecord{
		ID:        id,
		Topic:     topic,
		Status:    store.RunRunning,
		StartedAt: startedAt,
	}
	return nil
}

// Complete marks the run finished.
func (s *HistoryStore) Complete(_ context.Context, id uuid.UUID, c store.Completion) error {
	if !c.Status.Valid() || c.Status == store.RunRunning {
		return errors.New("completion status must be terminal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	finished := c.FinishedAt
	rec.FinishedAt = &finished
	rec.Status = c.Status
	rec.Result = copyString(c.Result)
	rec.Reason = copyString(c.Reason)
	s.records[id] = rec
	return nil
}

// SetTranscript records the archive URI.
func (s *HistoryStore) SetTranscript(_ context.Context, id uuid.UUID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Transcript = &uri
	s.records[id] = rec
	return nil
}

// Get fetches a record by id.
func (s *HistoryStore) Get(_ context.Context, id uuid.UUID) (store.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return store.GenerationRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// List returns records newest first.
func (s *HistoryStore) List(
	_ context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.GenerationRecord, error) {
	s.mu.RLock()
	out := make([]store.GenerationRecord, 0, len(s.records))
	for _, rec := range s.records {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.GenerationRecord) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return slices.Compare(b.ID[:], a.ID[:])
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[max(offset, 0):]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
