package splitpay

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory split payment store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   uint64
	payments map[uint64]*SplitPayment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[uint64]*SplitPayment)}
}

func (s *MemoryStore) Create(ctx context.Context, payment *SplitPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	payment.ID = s.nextID
	s.payments[payment.ID] = copyPayment(payment)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uint64) (*SplitPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (s *MemoryStore) Update(ctx context.Context, payment *SplitPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[payment.ID]; !ok {
		return ErrPaymentNotFound
	}
	s.payments[payment.ID] = copyPayment(payment)
	return nil
}

func (s *MemoryStore) ListAll(ctx context.Context, limit int) ([]*SplitPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SplitPayment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, copyPayment(p))
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*SplitPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SplitPayment
	for _, p := range s.payments {
		if p.Status == status {
			out = append(out, copyPayment(p))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(payments []*SplitPayment) {
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID > payments[j].ID })
}

func copyPayment(p *SplitPayment) *SplitPayment {
	cp := *p
	cp.Recipients = append([]string(nil), p.Recipients...)
	cp.Shares = append([]int64(nil), p.Shares...)
	return &cp
}
