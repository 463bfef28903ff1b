// Package escrow holds funds conditionally between a payer and a payee.
//
// Flow:
//  1. Payer's balance is verified and debited → record stored as created
//  2. Release → payee credited, record released
//  3. Cancel → payer refunded, record canceled
//  4. Expiry → sweeper refunds payer, record timed_out
//
// The funding debit happens exactly once, at creation, before the record is
// stored; the matching credit happens exactly once, when the record leaves
// created. Records are never deleted.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianpay/settlecore/internal/events"
	"github.com/meridianpay/settlecore/internal/metrics"
	"github.com/meridianpay/settlecore/internal/wallet"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrAlreadyFinalized    = errors.New("escrow already finalized")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrSameParty           = errors.New("payer and payee cannot be the same identity")
	ErrInsufficientBalance = errors.New("payer balance insufficient")
	ErrTimelockActive      = errors.New("release condition not met: timelock still active")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated  Status = "created"   // Funds debited from payer, held
	StatusReleased Status = "released"  // Funds credited to payee
	StatusCanceled Status = "canceled"  // Funds refunded to payer
	StatusTimedOut Status = "timed_out" // Expired, funds refunded to payer
)

// ConditionType determines how an escrow may be released.
type ConditionType string

const (
	ConditionManual         ConditionType = "manual"
	ConditionTimelock       ConditionType = "timelock"
	ConditionLinkedTransfer ConditionType = "linked_transfer"
)

// Condition is the release condition attached to an escrow.
type Condition struct {
	Type      ConditionType `json:"type"`
	NotBefore *time.Time    `json:"notBefore,omitempty"` // timelock: earliest release time
	AssetRef  string        `json:"assetRef,omitempty"`  // linked_transfer: asset transfer reference
}

// BucketSeconds is the expiry index granularity. Escrows expiring within the
// same hour land in the same bucket, so a timeout sweep only touches escrows
// due this hour instead of scanning the whole table.
const BucketSeconds = 3600

// BucketOf returns the expiry bucket for a timestamp.
func BucketOf(t time.Time) int64 {
	return t.Unix() / BucketSeconds
}

// Escrow is a conditional hold of funds between a payer and a payee.
type Escrow struct {
	ID         uint64     `json:"id"`
	Payer      string     `json:"payer"`
	Payee      string     `json:"payee"`
	Amount     int64      `json:"amount"`
	Token      string     `json:"token,omitempty"` // "" = native unit
	Condition  Condition  `json:"condition"`
	Status     Status     `json:"status"`
	ClientRef  string     `json:"clientRef,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

// Store persists escrow data. Create allocates the record's monotonic ID.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByParty(ctx context.Context, identity string, limit int) ([]*Escrow, error)
	ListAll(ctx context.Context, limit int) ([]*Escrow, error)
	// ListDue returns created escrows whose expiry bucket is at or before
	// now's bucket and whose ExpiresAt <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Payer     string     `json:"payer" binding:"required"`
	Payee     string     `json:"payee" binding:"required"`
	Amount    int64      `json:"amount" binding:"required"`
	Token     string     `json:"token"`
	Condition Condition  `json:"condition"`
	ExpiresAt *time.Time `json:"expiresAt"`
	ClientRef string     `json:"clientRef"`
}

// Service implements escrow business logic.
type Service struct {
	store  Store
	wallet wallet.Service
	bus    events.Bus
	logger *slog.Logger
	locks  sync.Map // per-escrow ID locks so transitions cannot race
}

// NewService creates a new escrow service.
func NewService(store Store, w wallet.Service, bus events.Bus, logger *slog.Logger) *Service {
	return &Service{store: store, wallet: w, bus: bus, logger: logger}
}

// escrowLock returns a mutex for the given escrow ID.
// Wallet calls are suspension points: state read before a call may be stale
// after it returns, so transitions re-read under this lock and re-check status.
func (s *Service) escrowLock(id uint64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create verifies and debits the payer, then stores a created escrow.
// On debit failure no record exists; on store failure the debit is refunded
// best-effort.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Payer == req.Payee {
		return nil, ErrSameParty
	}
	if req.Condition.Type == "" {
		req.Condition.Type = ConditionManual
	}

	bal, err := s.wallet.GetBalance(ctx, req.Payer, req.Token)
	if err != nil {
		return nil, fmt.Errorf("verify payer balance: %w", err)
	}
	if bal < req.Amount {
		return nil, ErrInsufficientBalance
	}

	if err := s.wallet.Debit(ctx, req.Payer, req.Amount, req.Token); err != nil {
		return nil, fmt.Errorf("debit payer: %w", err)
	}

	esc := &Escrow{
		Payer:     req.Payer,
		Payee:     req.Payee,
		Amount:    req.Amount,
		Token:     req.Token,
		Condition: req.Condition,
		Status:    StatusCreated,
		ClientRef: req.ClientRef,
		CreatedAt: time.Now(),
		ExpiresAt: req.ExpiresAt,
	}

	if err := s.store.Create(ctx, esc); err != nil {
		// Best-effort refund if store fails
		_ = s.wallet.Credit(ctx, req.Payer, req.Amount, req.Token)
		return nil, fmt.Errorf("store escrow record: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCreated)).Inc()
	s.bus.Publish(ctx, events.New(events.EscrowCreated, map[string]any{
		"escrowId": esc.ID,
		"payer":    esc.Payer,
		"payee":    esc.Payee,
		"amount":   esc.Amount,
		"token":    esc.Token,
	}))

	return esc, nil
}

// Release credits the escrowed amount to the payee and finalizes the record.
// If the credit call fails the record stays created: the held funds are never
// lost, but the release must be retried (stuck-but-safe).
func (s *Service) Release(ctx context.Context, id uint64) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.IsTerminal() {
		return nil, ErrAlreadyFinalized
	}
	if esc.Condition.Type == ConditionTimelock &&
		esc.Condition.NotBefore != nil && time.Now().Before(*esc.Condition.NotBefore) {
		return nil, ErrTimelockActive
	}

	if err := s.wallet.Credit(ctx, esc.Payee, esc.Amount, esc.Token); err != nil {
		return nil, fmt.Errorf("credit payee: %w", err)
	}

	now := time.Now()
	esc.Status = StatusReleased
	esc.ResolvedAt = &now

	if err := s.storeFinalized(ctx, esc, "released to payee"); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusReleased)).Inc()
	s.bus.Publish(ctx, events.New(events.EscrowReleased, map[string]any{
		"escrowId": esc.ID,
		"payer":    esc.Payer,
		"payee":    esc.Payee,
		"amount":   esc.Amount,
		"token":    esc.Token,
	}))

	return esc, nil
}

// Cancel refunds the escrowed amount to the payer and finalizes the record.
func (s *Service) Cancel(ctx context.Context, id uint64) (*Escrow, error) {
	esc, err := s.refund(ctx, id, StatusCanceled)
	if err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCanceled)).Inc()
	s.bus.Publish(ctx, events.New(events.EscrowCanceled, map[string]any{
		"escrowId": esc.ID,
		"payer":    esc.Payer,
		"payee":    esc.Payee,
		"amount":   esc.Amount,
		"token":    esc.Token,
	}))

	return esc, nil
}

// ProcessTimeouts refunds every created escrow whose expiry is due and marks
// it timed_out. Returns the number of escrows swept. Invoked periodically by
// the sweeper; the expiry bucket index bounds the scan to escrows due now.
func (s *Service) ProcessTimeouts(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDue(ctx, now, 1000)
	if err != nil {
		return 0, fmt.Errorf("list due escrows: %w", err)
	}

	count := 0
	for _, esc := range due {
		if _, err := s.refund(ctx, esc.ID, StatusTimedOut); err != nil {
			// Another transition may have won the race; skip and continue.
			if !errors.Is(err, ErrAlreadyFinalized) {
				s.logger.Warn("escrow timeout refund failed",
					"escrowId", esc.ID, "error", err)
			}
			continue
		}
		metrics.EscrowsTotal.WithLabelValues(string(StatusTimedOut)).Inc()
		metrics.EscrowTimeoutsSwept.Inc()
		count++
	}

	if count > 0 {
		s.bus.Publish(ctx, events.New(events.EscrowTimeoutProcessed, map[string]any{
			"count": count,
			"asOf":  now,
		}))
	}
	return count, nil
}

// refund credits the payer back and moves the escrow to the given terminal
// status. Shared by Cancel and ProcessTimeouts.
func (s *Service) refund(ctx context.Context, id uint64, terminal Status) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.IsTerminal() {
		return nil, ErrAlreadyFinalized
	}

	if err := s.wallet.Credit(ctx, esc.Payer, esc.Amount, esc.Token); err != nil {
		return nil, fmt.Errorf("refund payer: %w", err)
	}

	now := time.Now()
	esc.Status = terminal
	esc.ResolvedAt = &now

	if err := s.storeFinalized(ctx, esc, "refunded to payer"); err != nil {
		return nil, err
	}
	return esc, nil
}

// storeFinalized persists a terminal transition after funds have moved.
// Funds already moved, so the update is retried once and a failure after that
// is logged for manual resolution rather than reversed.
func (s *Service) storeFinalized(ctx context.Context, esc *Escrow, what string) error {
	if err := s.store.Update(ctx, esc); err != nil {
		if retryErr := s.store.Update(ctx, esc); retryErr != nil {
			s.logger.Error("CRITICAL: escrow funds moved but status update failed",
				"escrowId", esc.ID, "status", esc.Status, "detail", what, "error", retryErr)
			return fmt.Errorf("update escrow after funds %s (requires manual resolution): %w", what, err)
		}
	}
	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows where the identity is payer or payee.
func (s *Service) ListByParty(ctx context.Context, identity string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, identity, limit)
}

// ListAll returns all escrow records, newest first.
func (s *Service) ListAll(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListAll(ctx, limit)
}
