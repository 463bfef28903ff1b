package treasury

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory treasury store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   uint64
	balances map[string]int64
	log      []*Transaction
	locked   bool
}

// NewMemoryStore creates a new in-memory treasury store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]int64)}
}

func (m *MemoryStore) GetBalance(ctx context.Context, token string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[token], nil
}

func (m *MemoryStore) AdjustBalance(ctx context.Context, token string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[token]+delta < 0 {
		return ErrInsufficientFunds
	}
	m.balances[token] += delta
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	tx.ID = m.nextID
	cp := *tx
	m.log = append(m.log, &cp)
	return nil
}

// History returns committed transactions, newest first. limit <= 0 means all.
func (m *MemoryStore) History(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.log) - 1; i >= 0; i-- {
		cp := *m.log[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Filter(ctx context.Context, txType TxType, token string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.log) - 1; i >= 0; i-- {
		tx := m.log[i]
		if tx.Type != txType {
			continue
		}
		if token != "" && tx.TokenID != token {
			continue
		}
		cp := *tx
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) IsLocked(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locked, nil
}

func (m *MemoryStore) SetLocked(ctx context.Context, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = locked
	return nil
}
