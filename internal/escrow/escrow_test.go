package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/meridianpay/settlecore/internal/events"
)

// mockWallet records debits/credits for verification.
type mockWallet struct {
	mu       sync.Mutex
	balances map[string]int64
	debits   map[string]int64 // identity -> total debited
	credits  map[string]int64 // identity -> total credited
}

func newMockWallet() *mockWallet {
	return &mockWallet{
		balances: make(map[string]int64),
		debits:   make(map[string]int64),
		credits:  make(map[string]int64),
	}
}

func (m *mockWallet) GetBalance(ctx context.Context, identity, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[identity], nil
}

func (m *mockWallet) Debit(ctx context.Context, identity string, amount int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[identity] -= amount
	m.debits[identity] += amount
	return nil
}

func (m *mockWallet) Credit(ctx context.Context, identity string, amount int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[identity] += amount
	m.credits[identity] += amount
	return nil
}

func (m *mockWallet) debited(identity string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debits[identity]
}

func (m *mockWallet) credited(identity string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[identity]
}

// failingWallet returns errors on specific operations.
type failingWallet struct {
	mockWallet
	debitErr  error
	creditErr error
}

func (f *failingWallet) Debit(ctx context.Context, identity string, amount int64, token string) error {
	if f.debitErr != nil {
		return f.debitErr
	}
	return f.mockWallet.Debit(ctx, identity, amount, token)
}

func (f *failingWallet) Credit(ctx context.Context, identity string, amount int64, token string) error {
	if f.creditErr != nil {
		return f.creditErr
	}
	return f.mockWallet.Credit(ctx, identity, amount, token)
}

// captureBus records published events.
type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBus) Publish(ctx context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureBus) byType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(w *mockWallet) (*Service, *captureBus) {
	bus := &captureBus{}
	svc := NewService(NewMemoryStore(), w, bus, slog.Default())
	return svc, bus
}

func TestEscrow_HappyPath(t *testing.T) {
	w := newMockWallet()
	w.balances["payer"] = 500
	svc, bus := newTestService(w)
	ctx := context.Background()

	esc, err := svc.Create(ctx, CreateRequest{
		Payer: "payer", Payee: "payee", Amount: 100,
		Condition: Condition{Type: ConditionManual},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if esc.ID == 0 {
		t.Error("expected allocated ID")
	}
	if esc.Status != StatusCreated {
		t.Errorf("status = %s, want created", esc.Status)
	}
	if got := w.debited("payer"); got != 100 {
		t.Errorf("payer debited %d, want 100", got)
	}

	released, err := svc.Release(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("status = %s, want released", released.Status)
	}
	if got := w.credited("payee"); got != 100 {
		t.Errorf("payee credited %d, want 100", got)
	}

	// Second release must error without side effects.
	if _, err := svc.Release(ctx, esc.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second release: got %v, want ErrAlreadyFinalized", err)
	}
	if got := w.credited("payee"); got != 100 {
		t.Errorf("payee credited %d after double release, want 100", got)
	}

	if got := len(bus.byType(events.EscrowCreated)); got != 1 {
		t.Errorf("EscrowCreated events = %d, want 1", got)
	}
	if got := len(bus.byType(events.EscrowReleased)); got != 1 {
		t.Errorf("EscrowReleased events = %d, want 1", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	w := newMockWallet()
	svc, _ := newTestService(w)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Payer: "a", Payee: "b", Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Payer: "a", Payee: "a", Amount: 10}); !errors.Is(err, ErrSameParty) {
		t.Errorf("same party: got %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Payer: "a", Payee: "b", Amount: 10}); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("insufficient balance: got %v", err)
	}
	if got := w.debited("a"); got != 0 {
		t.Errorf("rejected creates must not debit, debited %d", got)
	}
}

func TestCreate_DebitFailureLeavesNoRecord(t *testing.T) {
	w := &failingWallet{debitErr: errors.New("wallet down")}
	w.balances = map[string]int64{"payer": 500}
	w.debits = map[string]int64{}
	w.credits = map[string]int64{}
	bus := &captureBus{}
	store := NewMemoryStore()
	svc := NewService(store, w, bus, slog.Default())

	_, err := svc.Create(context.Background(), CreateRequest{
		Payer: "payer", Payee: "payee", Amount: 100,
	})
	if err == nil {
		t.Fatal("expected error from failing debit")
	}

	all, _ := store.ListAll(context.Background(), 10)
	if len(all) != 0 {
		t.Errorf("expected no records after debit failure, got %d", len(all))
	}
	if got := len(bus.events); got != 0 {
		t.Errorf("expected no events, got %d", got)
	}
}

func TestRelease_CreditFailureLeavesCreated(t *testing.T) {
	w := &failingWallet{}
	w.balances = map[string]int64{"payer": 500}
	w.debits = map[string]int64{}
	w.credits = map[string]int64{}
	svc := NewService(NewMemoryStore(), w, events.NopBus{}, slog.Default())
	ctx := context.Background()

	esc, err := svc.Create(ctx, CreateRequest{Payer: "payer", Payee: "payee", Amount: 100})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w.creditErr = errors.New("wallet down")
	if _, err := svc.Release(ctx, esc.ID); err == nil {
		t.Fatal("expected release to fail")
	}

	// Stuck-but-safe: the record stays created and a retry succeeds.
	got, _ := svc.Get(ctx, esc.ID)
	if got.Status != StatusCreated {
		t.Errorf("status = %s after failed release, want created", got.Status)
	}

	w.creditErr = nil
	if _, err := svc.Release(ctx, esc.ID); err != nil {
		t.Fatalf("retry release failed: %v", err)
	}
	if got := w.credited("payee"); got != 100 {
		t.Errorf("payee credited %d, want exactly 100", got)
	}
}

func TestCancel_RefundsPayer(t *testing.T) {
	w := newMockWallet()
	w.balances["payer"] = 500
	svc, bus := newTestService(w)
	ctx := context.Background()

	esc, _ := svc.Create(ctx, CreateRequest{Payer: "payer", Payee: "payee", Amount: 100})

	canceled, err := svc.Cancel(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", canceled.Status)
	}
	if got := w.credited("payer"); got != 100 {
		t.Errorf("payer refunded %d, want 100", got)
	}
	if got := len(bus.byType(events.EscrowCanceled)); got != 1 {
		t.Errorf("EscrowCanceled events = %d, want 1", got)
	}

	if _, err := svc.Cancel(ctx, esc.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second cancel: got %v, want ErrAlreadyFinalized", err)
	}
}

func TestRelease_TimelockBlocksEarly(t *testing.T) {
	w := newMockWallet()
	w.balances["payer"] = 500
	svc, _ := newTestService(w)
	ctx := context.Background()

	notBefore := time.Now().Add(time.Hour)
	esc, _ := svc.Create(ctx, CreateRequest{
		Payer: "payer", Payee: "payee", Amount: 100,
		Condition: Condition{Type: ConditionTimelock, NotBefore: &notBefore},
	})

	if _, err := svc.Release(ctx, esc.ID); !errors.Is(err, ErrTimelockActive) {
		t.Errorf("early release: got %v, want ErrTimelockActive", err)
	}
	if got := w.credited("payee"); got != 0 {
		t.Errorf("payee credited %d while timelocked, want 0", got)
	}

	past := time.Now().Add(-time.Minute)
	esc2, _ := svc.Create(ctx, CreateRequest{
		Payer: "payer", Payee: "payee", Amount: 50,
		Condition: Condition{Type: ConditionTimelock, NotBefore: &past},
	})
	if _, err := svc.Release(ctx, esc2.ID); err != nil {
		t.Errorf("release after timelock failed: %v", err)
	}
}

func TestProcessTimeouts(t *testing.T) {
	w := newMockWallet()
	w.balances["payer"] = 500
	svc, bus := newTestService(w)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	esc, err := svc.Create(ctx, CreateRequest{
		Payer: "payer", Payee: "payee", Amount: 100, ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Before expiry: nothing to sweep.
	count, err := svc.ProcessTimeouts(ctx, time.Now())
	if err != nil {
		t.Fatalf("ProcessTimeouts failed: %v", err)
	}
	if count != 0 {
		t.Errorf("swept %d before expiry, want 0", count)
	}

	// Two hours later the escrow is due.
	count, err = svc.ProcessTimeouts(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ProcessTimeouts failed: %v", err)
	}
	if count != 1 {
		t.Errorf("swept %d, want 1", count)
	}

	got, _ := svc.Get(ctx, esc.ID)
	if got.Status != StatusTimedOut {
		t.Errorf("status = %s, want timed_out", got.Status)
	}
	if refunded := w.credited("payer"); refunded != 100 {
		t.Errorf("payer refunded %d, want 100", refunded)
	}

	evs := bus.byType(events.EscrowTimeoutProcessed)
	if len(evs) != 1 {
		t.Fatalf("EscrowTimeoutProcessed events = %d, want 1", len(evs))
	}
	if evs[0].Data["count"] != 1 {
		t.Errorf("event count = %v, want 1", evs[0].Data["count"])
	}

	// Sweep again: terminal records are not re-swept.
	count, _ = svc.ProcessTimeouts(ctx, time.Now().Add(3*time.Hour))
	if count != 0 {
		t.Errorf("second sweep refunded %d, want 0", count)
	}
	if refunded := w.credited("payer"); refunded != 100 {
		t.Errorf("payer refunded %d after double sweep, want 100", refunded)
	}
}

func TestProcessTimeouts_SkipsReleased(t *testing.T) {
	w := newMockWallet()
	w.balances["payer"] = 500
	svc, _ := newTestService(w)
	ctx := context.Background()

	expires := time.Now().Add(-time.Minute)
	esc, _ := svc.Create(ctx, CreateRequest{
		Payer: "payer", Payee: "payee", Amount: 100, ExpiresAt: &expires,
	})
	if _, err := svc.Release(ctx, esc.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	count, _ := svc.ProcessTimeouts(ctx, time.Now())
	if count != 0 {
		t.Errorf("swept a released escrow: count = %d", count)
	}
	if got := w.credited("payer"); got != 0 {
		t.Errorf("payer refunded %d for released escrow, want 0", got)
	}
}

func TestListByParty(t *testing.T) {
	w := newMockWallet()
	w.balances["alice"] = 1000
	svc, _ := newTestService(w)
	ctx := context.Background()

	svc.Create(ctx, CreateRequest{Payer: "alice", Payee: "bob", Amount: 10})
	svc.Create(ctx, CreateRequest{Payer: "alice", Payee: "carol", Amount: 20})

	forBob, err := svc.ListByParty(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(forBob) != 1 {
		t.Errorf("bob escrows = %d, want 1", len(forBob))
	}

	forAlice, _ := svc.ListByParty(ctx, "alice", 0)
	if len(forAlice) != 2 {
		t.Errorf("alice escrows = %d, want 2", len(forAlice))
	}
}

func TestConcurrentRelease_OnlyOneWins(t *testing.T) {
	w := newMockWallet()
	w.balances["payer"] = 500
	svc, _ := newTestService(w)
	ctx := context.Background()

	esc, _ := svc.Create(ctx, CreateRequest{Payer: "payer", Payee: "payee", Amount: 100})

	var wg sync.WaitGroup
	successes := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Release(ctx, esc.ID); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	wins := 0
	for range successes {
		wins++
	}
	if wins != 1 {
		t.Errorf("concurrent releases succeeded %d times, want exactly 1", wins)
	}
	if got := w.credited("payee"); got != 100 {
		t.Errorf("payee credited %d under concurrency, want exactly 100", got)
	}
}
