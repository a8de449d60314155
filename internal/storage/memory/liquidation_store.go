package memory

import (
	"context"
	"sort"
	"sync"

	"liquidation-watch/internal/domain"
	"liquidation-watch/internal/storage"
)

// LiquidationStore is an in-memory implementation of storage.LiquidationStore.
type LiquidationStore struct {
	mu   sync.RWMutex
	data []*domain.LiquidationRecord // insertion order
}

// NewLiquidationStore creates a new in-memory liquidation store.
func NewLiquidationStore() *LiquidationStore {
	return &LiquidationStore{}
}

// Compile-time interface check.
var _ storage.LiquidationStore = (*LiquidationStore)(nil)

// InsertBulk appends records. Fails entire batch if any record is incomplete.
func (s *LiquidationStore) InsertBulk(_ context.Context, records []*domain.LiquidationRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.ValidateRecords(records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		recordCopy := *r
		s.data = append(s.data, &recordCopy)
	}
	return nil
}

// GetByTimeRange retrieves records within [start, end] (inclusive), ordered by time ASC.
func (s *LiquidationStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.LiquidationRecord, error) {
	return s.filter(func(r *domain.LiquidationRecord) bool {
		ts := int64(r.TimeNanos)
		return ts >= start && ts <= end
	}), nil
}

// GetBySigner retrieves all records for a signer, ordered by time ASC.
func (s *LiquidationStore) GetBySigner(_ context.Context, signer string) ([]*domain.LiquidationRecord, error) {
	return s.filter(func(r *domain.LiquidationRecord) bool {
		return r.Signer == signer
	}), nil
}

// All returns a copy of every stored record in insertion order.
func (s *LiquidationStore) All() []*domain.LiquidationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.LiquidationRecord, 0, len(s.data))
	for _, r := range s.data {
		recordCopy := *r
		result = append(result, &recordCopy)
	}
	return result
}

// Len returns the number of stored records.
func (s *LiquidationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *LiquidationStore) filter(match func(*domain.LiquidationRecord) bool) []*domain.LiquidationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.LiquidationRecord
	for _, r := range s.data {
		if match(r) {
			recordCopy := *r
			result = append(result, &recordCopy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].TimeNanos < result[j].TimeNanos
	})
	return result
}
