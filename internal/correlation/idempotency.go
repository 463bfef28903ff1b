package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meridianpay/settlecore/internal/metrics"
)

// ErrKeyRequired is returned when an idempotency key is empty.
var ErrKeyRequired = errors.New("idempotency key is required")

// Record is one cached operation result keyed by an idempotency key.
type Record struct {
	Key       string    `json:"key"`
	Operation string    `json:"operation"`
	Principal string    `json:"principal"`
	Result    []byte    `json:"result"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// OutcomeKind classifies an idempotency lookup.
type OutcomeKind string

const (
	// OutcomeNew means the key has never been seen; the caller should run
	// the operation and store its result.
	OutcomeNew OutcomeKind = "new"
	// OutcomeExisting means a live cached result exists and must be replayed.
	OutcomeExisting OutcomeKind = "existing"
	// OutcomeExpired means a stale entry was found and purged; the caller
	// runs the operation fresh.
	OutcomeExpired OutcomeKind = "expired"
)

// Outcome is the result of CheckIdempotency. Record is set only for
// OutcomeExisting.
type Outcome struct {
	Kind   OutcomeKind
	Record *Record
}

// IdempotencyStore persists idempotency records. Get returns (nil, nil) when
// the key is absent.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, record *Record) error
	Delete(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Idempotency wraps a store with the check/store protocol.
type Idempotency struct {
	store  IdempotencyStore
	logger *slog.Logger
}

// NewIdempotency creates an idempotency layer over the given store.
func NewIdempotency(store IdempotencyStore, logger *slog.Logger) *Idempotency {
	return &Idempotency{store: store, logger: logger}
}

// Check looks up key and classifies the result. Expired entries are purged
// during the lookup.
func (i *Idempotency) Check(ctx context.Context, key string) (Outcome, error) {
	if key == "" {
		return Outcome{}, ErrKeyRequired
	}

	record, err := i.store.Get(ctx, key)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	if record == nil {
		metrics.IdempotencyHitsTotal.WithLabelValues(string(OutcomeNew)).Inc()
		return Outcome{Kind: OutcomeNew}, nil
	}
	if record.Expired(time.Now()) {
		if err := i.store.Delete(ctx, key); err != nil {
			i.logger.Warn("failed to purge expired idempotency record", "key", key, "error", err)
		}
		metrics.IdempotencyHitsTotal.WithLabelValues(string(OutcomeExpired)).Inc()
		return Outcome{Kind: OutcomeExpired}, nil
	}

	metrics.IdempotencyHitsTotal.WithLabelValues(string(OutcomeExisting)).Inc()
	return Outcome{Kind: OutcomeExisting, Record: record}, nil
}

// StoreResult caches an operation result under key for ttl.
func (i *Idempotency) StoreResult(ctx context.Context, key, operation, principal string, result []byte, ttl time.Duration) error {
	if key == "" {
		return ErrKeyRequired
	}

	now := time.Now()
	return i.store.Put(ctx, &Record{
		Key:       key,
		Operation: operation,
		Principal: principal,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

// Cleanup purges expired records and returns the number removed.
func (i *Idempotency) Cleanup(ctx context.Context) (int, error) {
	return i.store.PurgeExpired(ctx, time.Now())
}

// MemoryIdempotencyStore is a map-backed store for single-instance
// deployments and tests.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryIdempotencyStore creates an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]*Record)}
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *record
	cp.Result = append([]byte(nil), record.Result...)
	return &cp, nil
}

func (s *MemoryIdempotencyStore) Put(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	cp.Result = append([]byte(nil), record.Result...)
	s.records[record.Key] = &cp
	return nil
}

func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, record := range s.records {
		if record.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// Keys returns the live keys, sorted, for diagnostics.
func (s *MemoryIdempotencyStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
