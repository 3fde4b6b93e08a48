package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pavelanni/mathgrader/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]model.LedgerEntry
}

// NewMemoryStore creates an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]model.LedgerEntry)}
}

func (m *MemoryStore) AppendLedgerEntry(_ context.Context, e model.LedgerEntry) (model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.entries[e.UserID]
	var prev int64
	if n := len(list); n > 0 {
		prev = list[n-1].BalanceAfter
	}
	if prev != e.BalanceAfter-e.Amount {
		return model.LedgerEntry{}, ErrConflict
	}
	if e.Operation == model.OpRefund && e.ReferenceID != "" {
		for _, x := range list {
			if x.Operation == model.OpRefund && x.ReferenceID == e.ReferenceID {
				return model.LedgerEntry{}, ErrDuplicateReference
			}
		}
	}
	e.Seq = int64(len(list)) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.entries[e.UserID] = append(list, e)
	return e, nil
}

func (m *MemoryStore) LedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LedgerEntry(nil), m.entries[userID]...), nil
}

func (m *MemoryStore) LedgerBalance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[userID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].BalanceAfter, nil
}
