// Package splitpay divides one payment across percentage-weighted recipients.
//
// Funds move only during Execute: initiation just validates and records the
// split. Per-recipient amounts use integer floor division, so a rounding
// remainder can remain undistributed; CalculateDistributedAmount exposes it.
package splitpay

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
	ErrPaymentNotFound = errors.New("split payment not found")
	ErrInvalidStatus   = errors.New("invalid split payment status for this operation")
	ErrLengthMismatch  = errors.New("recipients and shares must have the same length")
	ErrEmptyRecipients = errors.New("recipient list is empty")
	ErrSharesNotWhole  = errors.New("shares must sum to 100")
	ErrInvalidAmount   = errors.New("invalid total amount")
)

// Status represents the state of a split payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// SplitPayment is one payment divided proportionally among recipients.
// Recipients and Shares are parallel arrays; shares are percentage points.
type SplitPayment struct {
	ID          uint64    `json:"id"`
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	Shares      []int64   `json:"shares"`
	TotalAmount int64     `json:"totalAmount"`
	Token       string    `json:"token,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ShareAmount returns the floor amount for one recipient index.
func (p *SplitPayment) ShareAmount(i int) int64 {
	return p.TotalAmount * p.Shares[i] / 100
}

// Store persists split payments. Create allocates the record's ID.
type Store interface {
	Create(ctx context.Context, payment *SplitPayment) error
	Get(ctx context.Context, id uint64) (*SplitPayment, error)
	Update(ctx context.Context, payment *SplitPayment) error
	ListAll(ctx context.Context, limit int) ([]*SplitPayment, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*SplitPayment, error)
}

// InitiateRequest contains the parameters for initiating a split payment.
type InitiateRequest struct {
	Sender      string   `json:"sender" binding:"required"`
	Recipients  []string `json:"recipients" binding:"required"`
	Shares      []int64  `json:"shares" binding:"required"`
	TotalAmount int64    `json:"totalAmount" binding:"required"`
	Token       string   `json:"token"`
	Description string   `json:"description"`
}

// Service implements split payment business logic.
type Service struct {
	store  Store
	wallet wallet.Service
	bus    events.Bus
	logger *slog.Logger
	locks  sync.Map // per-payment ID locks
}

// NewService creates a new split payment service.
func NewService(store Store, w wallet.Service, bus events.Bus, logger *slog.Logger) *Service {
	return &Service{store: store, wallet: w, bus: bus, logger: logger}
}

func (s *Service) paymentLock(id uint64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func validateShares(recipients []string, shares []int64) error {
	if len(recipients) != len(shares) {
		return ErrLengthMismatch
	}
	if len(recipients) == 0 {
		return ErrEmptyRecipients
	}
	var sum int64
	for _, sh := range shares {
		if sh <= 0 {
			return ErrSharesNotWhole
		}
		sum += sh
	}
	if sum != 100 {
		return ErrSharesNotWhole
	}
	return nil
}

// Initiate validates and records a pending split payment. No funds move.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*SplitPayment, error) {
	if err := validateShares(req.Recipients, req.Shares); err != nil {
		return nil, err
	}
	if req.TotalAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	payment := &SplitPayment{
		Sender:      req.Sender,
		Recipients:  req.Recipients,
		Shares:      req.Shares,
		TotalAmount: req.TotalAmount,
		Token:       req.Token,
		Description: req.Description,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("store split payment: %w", err)
	}

	s.bus.Publish(ctx, events.New(events.SplitPaymentInitiated, map[string]any{
		"paymentId":  payment.ID,
		"sender":     payment.Sender,
		"recipients": len(payment.Recipients),
		"amount":     payment.TotalAmount,
		"token":      payment.Token,
	}))
	return payment, nil
}

// Execute credits each recipient its floor share, in order. On the first
// credit failure the payment is marked failed and the error returned;
// recipients already credited keep their funds.
func (s *Service) Execute(ctx context.Context, id uint64) (*SplitPayment, error) {
	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	payment, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, payment.Status)
	}

	for i, recipient := range payment.Recipients {
		amount := payment.ShareAmount(i)
		if err := s.wallet.Credit(ctx, recipient, amount, payment.Token); err != nil {
			payment.Status = StatusFailed
			if updateErr := s.store.Update(ctx, payment); updateErr != nil {
				s.logger.Error("failed to persist failed split payment",
					"paymentId", payment.ID, "error", updateErr)
			}
			metrics.SplitPaymentsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("credit recipient %s (%d of %d): %w",
				recipient, i+1, len(payment.Recipients), err)
		}
	}

	payment.Status = StatusCompleted
	if err := s.store.Update(ctx, payment); err != nil {
		// Credits already issued; persist must win. Retry once, then log.
		if retryErr := s.store.Update(ctx, payment); retryErr != nil {
			s.logger.Error("CRITICAL: split payment paid out but status update failed",
				"paymentId", payment.ID, "error", retryErr)
			return nil, fmt.Errorf("update split payment after payout (requires manual resolution): %w", err)
		}
	}

	metrics.SplitPaymentsTotal.WithLabelValues("completed").Inc()
	s.bus.Publish(ctx, events.New(events.SplitPaymentExecuted, map[string]any{
		"paymentId":   payment.ID,
		"sender":      payment.Sender,
		"amount":      payment.TotalAmount,
		"distributed": s.distributedAmount(payment),
		"token":       payment.Token,
	}))
	return payment, nil
}

// Retry resets a failed payment to pending and re-runs Execute.
//
// Execute re-credits every recipient, including any already paid during the
// failed attempt: retrying a partially paid-out split duplicates those
// payments. Preserved as-is pending a product decision; callers that need
// exactly-once legs must track paid recipients out of band.
func (s *Service) Retry(ctx context.Context, id uint64) (*SplitPayment, error) {
	mu := s.paymentLock(id)
	mu.Lock()

	payment, err := s.store.Get(ctx, id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if payment.Status != StatusFailed {
		mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, payment.Status)
	}

	payment.Status = StatusPending
	if err := s.store.Update(ctx, payment); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("reset split payment: %w", err)
	}
	mu.Unlock()

	return s.Execute(ctx, id)
}

// Cancel flips a pending payment to cancelled. No funds were moved at
// initiation, so there is nothing to refund.
func (s *Service) Cancel(ctx context.Context, id uint64) (*SplitPayment, error) {
	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	payment, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, payment.Status)
	}

	payment.Status = StatusCancelled
	if err := s.store.Update(ctx, payment); err != nil {
		return nil, err
	}

	metrics.SplitPaymentsTotal.WithLabelValues("cancelled").Inc()
	s.bus.Publish(ctx, events.New(events.SplitPaymentCancelled, map[string]any{
		"paymentId": payment.ID,
		"sender":    payment.Sender,
		"amount":    payment.TotalAmount,
	}))
	return payment, nil
}

// CalculateDistributedAmount returns the sum of per-recipient floor amounts.
// It can be less than TotalAmount; the remainder is never distributed.
func (s *Service) CalculateDistributedAmount(ctx context.Context, id uint64) (int64, error) {
	payment, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.distributedAmount(payment), nil
}

func (s *Service) distributedAmount(p *SplitPayment) int64 {
	var sum int64
	for i := range p.Recipients {
		sum += p.ShareAmount(i)
	}
	return sum
}

// ValidateIntegrity re-checks the stored record's share invariants.
func (s *Service) ValidateIntegrity(ctx context.Context, id uint64) error {
	payment, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return validateShares(payment.Recipients, payment.Shares)
}

// Get returns a split payment by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*SplitPayment, error) {
	return s.store.Get(ctx, id)
}

// ListAll returns all split payments, newest first.
func (s *Service) ListAll(ctx context.Context, limit int) ([]*SplitPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListAll(ctx, limit)
}

// ListByStatus returns split payments with the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*SplitPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, status, limit)
}
