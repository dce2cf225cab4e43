package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scalarorg/fact-relayer/pkg/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in process. Used by tests and by the memory driver for local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*types.TransferRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*types.TransferRecord)}
}

func (s *MemoryStore) Insert(ctx context.Context, records ...*types.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if _, ok := s.records[record.ID]; ok {
			return fmt.Errorf("transfer %s already exists", record.ID)
		}
	}
	now := time.Now().UTC()
	for _, record := range records {
		stored := record.Clone()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = stored.CreatedAt
		s.records[stored.ID] = stored
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(record *types.TransferRecord) types.TransferStatus { return status }, update)
}

func (s *MemoryStore) AppendEvents(ctx context.Context, id string, events ...types.ChainEvent) (*types.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(record *types.TransferRecord) types.TransferStatus { return record.Status },
		types.TransferUpdate{AppendEvents: events})
}

func (s *MemoryStore) update(id string, target func(*types.TransferRecord) types.TransferStatus, update types.TransferUpdate) (*types.TransferRecord, error) {
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	status := target(record)
	if err := types.CheckUpdate(record, status, update); err != nil {
		return nil, err
	}
	updated := record.Clone()
	update.Apply(updated)
	updated.Status = status
	updated.UpdatedAt = time.Now().UTC()
	s.records[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Find(ctx context.Context, filter Filter) ([]*types.TransferRecord, error) {
	s.mu.RLock()
	matched := make([]*types.TransferRecord, 0)
	for _, record := range s.records {
		if filter.Matches(record) {
			matched = append(matched, record.Clone())
		}
	}
	s.mu.RUnlock()
	return filter.Page(matched), nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
