package journal

import (
	"context"
	"sync"

	"github.com/bachducanh/E-Library/lending"
)

// MemorySpool keeps parked entries in process memory, in arrival order.
// Entries are lost on restart; use sqlitespool for a durable spool.
type MemorySpool struct {
	mu      sync.Mutex
	order   []string
	entries map[string]lending.Transaction
}

func NewMemorySpool() *MemorySpool {
	return &MemorySpool{entries: make(map[string]lending.Transaction)}
}

func (s *MemorySpool) Park(_ context.Context, tx lending.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[tx.ID]; !exists {
		s.order = append(s.order, tx.ID)
	}

	s.entries[tx.ID] = tx

	return nil
}

func (s *MemorySpool) Pending(_ context.Context, limit int) ([]lending.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]lending.Transaction, 0, min(limit, len(s.order)))
	for _, id := range s.order {
		if len(pending) == limit {
			break
		}

		pending = append(pending, s.entries[id])
	}

	return pending, nil
}

func (s *MemorySpool) Remove(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[transactionID]; !exists {
		return nil
	}

	delete(s.entries, transactionID)

	for i, id := range s.order {
		if id == transactionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	return nil
}

// Len returns the number of parked entries.
func (s *MemorySpool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.order)
}
