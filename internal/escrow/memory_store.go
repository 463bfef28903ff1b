package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// It maintains the same three indexes as the durable store: by ID, by party,
// and by hour-granularity expiry bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  uint64
	escrows map[uint64]*Escrow
	byParty map[string][]uint64
	byBucket map[int64][]uint64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[uint64]*Escrow),
		byParty:  make(map[string][]uint64),
		byBucket: make(map[int64][]uint64),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	escrow.ID = m.nextID

	cp := *escrow
	m.escrows[cp.ID] = &cp
	m.byParty[cp.Payer] = append(m.byParty[cp.Payer], cp.ID)
	m.byParty[cp.Payee] = append(m.byParty[cp.Payee], cp.ID)
	if cp.ExpiresAt != nil {
		b := BucketOf(*cp.ExpiresAt)
		m.byBucket[b] = append(m.byBucket[b], cp.ID)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *escrow
	m.escrows[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, identity string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, id := range m.byParty[identity] {
		if e, ok := m.escrows[id]; ok {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAll(ctx context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.escrows))
	for id := range m.escrows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var result []*Escrow
	for _, id := range ids {
		cp := *m.escrows[id]
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Scan every bucket at or before now's bucket so a missed sweep cannot
	// strand records in a past hour.
	nowBucket := BucketOf(now)
	var buckets []int64
	for b := range m.byBucket {
		if b <= nowBucket {
			buckets = append(buckets, b)
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	var result []*Escrow
	for _, b := range buckets {
		for _, id := range m.byBucket[b] {
			e, ok := m.escrows[id]
			if !ok || e.Status != StatusCreated {
				continue
			}
			if e.ExpiresAt == nil || e.ExpiresAt.After(now) {
				continue
			}
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				return result, nil
			}
		}
	}
	return result, nil
}
