// Package treasury maintains the system-owned balance pool and its ledger.
//
// One balance counter per token ("" = native unit), an append-only
// transaction log, and a global lock flag. Every mutation calls the external
// wallet service first and only commits the internal balance change after
// that call succeeds, so the internal counter never claims funds the wallet
// has not actually moved.
package treasury

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
	ErrZeroAmount        = errors.New("treasury: amount must be positive")
	ErrInsufficientFunds = errors.New("treasury: insufficient balance")
	ErrLocked            = errors.New("treasury: treasury is locked")
	ErrAlreadyLocked     = errors.New("treasury: already locked")
	ErrNotLocked         = errors.New("treasury: not locked")
	ErrNoRecipients      = errors.New("treasury: recipient list is empty")
)

// TxType classifies a treasury transaction.
type TxType string

const (
	TxDeposit      TxType = "deposit"
	TxWithdrawal   TxType = "withdrawal"
	TxDistribution TxType = "distribution"
)

// SystemSender marks transactions initiated by the treasury itself.
const SystemSender = "system"

// Transaction is one committed ledger entry. The log is append-only.
type Transaction struct {
	ID          uint64    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver,omitempty"`
	Amount      int64     `json:"amount"`
	TokenID     string    `json:"tokenId,omitempty"`
	Description string    `json:"description,omitempty"`
	Type        TxType    `json:"type"`
}

// Recipient is one target of a reward distribution.
type Recipient struct {
	Identity string `json:"identity" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
}

// AuditReport aggregates committed transaction totals by type.
type AuditReport struct {
	TotalDeposited   map[string]int64 `json:"totalDeposited"`   // by token
	TotalWithdrawn   map[string]int64 `json:"totalWithdrawn"`   // by token
	TotalDistributed map[string]int64 `json:"totalDistributed"` // by token
	TransactionCount int              `json:"transactionCount"`
	GeneratedAt      time.Time        `json:"generatedAt"`
}

// Store persists treasury state.
type Store interface {
	GetBalance(ctx context.Context, token string) (int64, error)
	// AdjustBalance applies delta to the token's balance; it must reject a
	// result below zero.
	AdjustBalance(ctx context.Context, token string, delta int64) error
	Append(ctx context.Context, tx *Transaction) error
	History(ctx context.Context, limit int) ([]*Transaction, error)
	Filter(ctx context.Context, txType TxType, token string, limit int) ([]*Transaction, error)
	IsLocked(ctx context.Context) (bool, error)
	SetLocked(ctx context.Context, locked bool) error
}

// Service implements treasury business logic.
type Service struct {
	store  Store
	wallet wallet.Service
	bus    events.Bus
	logger *slog.Logger

	// mu serializes mutations: every operation spans a balance check, an
	// external wallet call, and a commit, and the state read before the
	// wallet call must still hold when the commit lands.
	mu sync.Mutex
}

// NewService creates a new treasury service.
func NewService(store Store, w wallet.Service, bus events.Bus, logger *slog.Logger) *Service {
	return &Service{store: store, wallet: w, bus: bus, logger: logger}
}

// Deposit moves funds from the identity's wallet into the treasury.
// The lock flag deliberately does not apply to deposits.
func (s *Service) Deposit(ctx context.Context, identity string, amount int64, token, description string) error {
	if amount <= 0 {
		return ErrZeroAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wallet.Debit(ctx, identity, amount, token); err != nil {
		return fmt.Errorf("debit depositor: %w", err)
	}

	if err := s.commit(ctx, &Transaction{
		Sender:      identity,
		Amount:      amount,
		TokenID:     token,
		Description: description,
		Type:        TxDeposit,
	}, amount); err != nil {
		return err
	}

	s.bus.Publish(ctx, events.New(events.FundsDeposited, map[string]any{
		"identity": identity,
		"amount":   amount,
		"token":    token,
	}))
	return nil
}

// Withdraw moves funds from the treasury to the identity's wallet.
func (s *Service) Withdraw(ctx context.Context, identity string, amount int64, token, description string) error {
	if amount <= 0 {
		return ErrZeroAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guardUnlocked(ctx); err != nil {
		return err
	}
	if err := s.guardBalance(ctx, token, amount); err != nil {
		return err
	}

	if err := s.wallet.Credit(ctx, identity, amount, token); err != nil {
		return fmt.Errorf("credit withdrawer: %w", err)
	}

	if err := s.commit(ctx, &Transaction{
		Sender:      SystemSender,
		Receiver:    identity,
		Amount:      amount,
		TokenID:     token,
		Description: description,
		Type:        TxWithdrawal,
	}, -amount); err != nil {
		return err
	}

	s.bus.Publish(ctx, events.New(events.FundsWithdrawn, map[string]any{
		"identity": identity,
		"amount":   amount,
		"token":    token,
	}))
	return nil
}

// DistributeRewards credits each recipient from the treasury pool.
//
// The total is validated and decremented up front, then recipients are
// credited in sequence. A mid-loop credit failure returns the error without
// rolling back the decrement or earlier credits: already-issued credits stand
// and the undelivered remainder stays decremented, visible in the audit gap.
func (s *Service) DistributeRewards(ctx context.Context, recipients []Recipient, token, description string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	var total int64
	for _, r := range recipients {
		if r.Amount <= 0 {
			return ErrZeroAmount
		}
		total += r.Amount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guardUnlocked(ctx); err != nil {
		return err
	}
	if err := s.guardBalance(ctx, token, total); err != nil {
		return err
	}

	if err := s.store.AdjustBalance(ctx, token, -total); err != nil {
		return fmt.Errorf("reserve distribution total: %w", err)
	}

	for i, r := range recipients {
		if err := s.wallet.Credit(ctx, r.Identity, r.Amount, token); err != nil {
			s.logger.Error("reward distribution failed mid-loop",
				"recipient", r.Identity, "index", i, "of", len(recipients), "error", err)
			return fmt.Errorf("credit recipient %s (%d of %d): %w", r.Identity, i+1, len(recipients), err)
		}
		tx := &Transaction{
			Sender:      SystemSender,
			Receiver:    r.Identity,
			Amount:      r.Amount,
			TokenID:     token,
			Description: description,
			Type:        TxDistribution,
		}
		tx.Timestamp = time.Now()
		if err := s.store.Append(ctx, tx); err != nil {
			return fmt.Errorf("append distribution transaction: %w", err)
		}
		metrics.TreasuryTransactionsTotal.WithLabelValues(string(TxDistribution)).Inc()
	}

	s.bus.Publish(ctx, events.New(events.RewardsDistributed, map[string]any{
		"recipients": len(recipients),
		"total":      total,
		"token":      token,
	}))
	return nil
}

// Lock blocks withdrawals and distributions. Fails if already locked.
func (s *Service) Lock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.store.IsLocked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return ErrAlreadyLocked
	}
	return s.store.SetLocked(ctx, true)
}

// Unlock re-enables withdrawals and distributions. Fails if not locked.
func (s *Service) Unlock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.store.IsLocked(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return ErrNotLocked
	}
	return s.store.SetLocked(ctx, false)
}

// IsLocked reports the lock flag.
func (s *Service) IsLocked(ctx context.Context) (bool, error) {
	return s.store.IsLocked(ctx)
}

// Balance returns the current balance for a token ("" = native unit).
func (s *Service) Balance(ctx context.Context, token string) (int64, error) {
	return s.store.GetBalance(ctx, token)
}

// TransactionHistory returns committed transactions, newest first.
func (s *Service) TransactionHistory(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.History(ctx, limit)
}

// FilterTransactions returns committed transactions of one type, optionally
// narrowed to one token.
func (s *Service) FilterTransactions(ctx context.Context, txType TxType, token string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.Filter(ctx, txType, token, limit)
}

// Audit aggregates committed totals by transaction type and token.
func (s *Service) Audit(ctx context.Context) (*AuditReport, error) {
	history, err := s.store.History(ctx, 0)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		TotalDeposited:   make(map[string]int64),
		TotalWithdrawn:   make(map[string]int64),
		TotalDistributed: make(map[string]int64),
		TransactionCount: len(history),
		GeneratedAt:      time.Now(),
	}
	for _, tx := range history {
		switch tx.Type {
		case TxDeposit:
			report.TotalDeposited[tx.TokenID] += tx.Amount
		case TxWithdrawal:
			report.TotalWithdrawn[tx.TokenID] += tx.Amount
		case TxDistribution:
			report.TotalDistributed[tx.TokenID] += tx.Amount
		}
	}
	return report, nil
}

func (s *Service) guardUnlocked(ctx context.Context) error {
	locked, err := s.store.IsLocked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return ErrLocked
	}
	return nil
}

func (s *Service) guardBalance(ctx context.Context, token string, amount int64) error {
	bal, err := s.store.GetBalance(ctx, token)
	if err != nil {
		return err
	}
	if amount > bal {
		return ErrInsufficientFunds
	}
	return nil
}

// commit applies the balance delta and appends the transaction.
func (s *Service) commit(ctx context.Context, tx *Transaction, delta int64) error {
	if err := s.store.AdjustBalance(ctx, tx.TokenID, delta); err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	tx.Timestamp = time.Now()
	if err := s.store.Append(ctx, tx); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	metrics.TreasuryTransactionsTotal.WithLabelValues(string(tx.Type)).Inc()
	return nil
}
