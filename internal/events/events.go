// Package events defines the domain events the settlement core emits.
//
// Delivery is fire-and-forget: publish errors are logged and counted but
// never propagated back into money-moving paths. Consumers must tolerate
// at-least-once delivery.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridianpay/settlecore/internal/idgen"
	"github.com/meridianpay/settlecore/internal/metrics"
)

// Type identifies a domain event.
type Type string

const (
	EscrowCreated          Type = "escrow.created"
	EscrowReleased         Type = "escrow.released"
	EscrowCanceled         Type = "escrow.canceled"
	EscrowTimeoutProcessed Type = "escrow.timeout_processed"
	FundsDeposited         Type = "treasury.funds_deposited"
	FundsWithdrawn         Type = "treasury.funds_withdrawn"
	RewardsDistributed     Type = "treasury.rewards_distributed"
	SplitPaymentInitiated  Type = "splitpay.initiated"
	SplitPaymentExecuted   Type = "splitpay.executed"
	SplitPaymentCancelled  Type = "splitpay.cancelled"
)

// Event is a single domain event. Data carries enough identifying detail
// (entity id, parties, amount, token) to be independently auditable.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New builds an event with a fresh ID and current timestamp.
func New(typ Type, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Bus publishes domain events to an external consumer.
type Bus interface {
	Publish(ctx context.Context, event Event)
}

// LogBus writes events to the structured log. Always safe to use.
type LogBus struct {
	Logger *slog.Logger
}

func (b *LogBus) Publish(ctx context.Context, event Event) {
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "log").Inc()
	b.Logger.Info("domain event",
		"event_id", event.ID,
		"event_type", event.Type,
		"data", event.Data,
	)
}

// MultiBus fans an event out to every underlying bus.
type MultiBus []Bus

func (m MultiBus) Publish(ctx context.Context, event Event) {
	for _, b := range m {
		b.Publish(ctx, event)
	}
}

// NopBus discards events. Used in tests.
type NopBus struct{}

func (NopBus) Publish(ctx context.Context, event Event) {}
