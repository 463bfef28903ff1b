// Package correlation tracks cross-module operation lineage and idempotency.
//
// Correlation contexts link every internal step of a settlement flow back to
// the request that started it. They are advisory: the history is in-memory,
// best-effort, and capped, and losing it never affects fund movements.
// Idempotency records, in contrast, are load-bearing and live in a Store
// (in-memory or Redis).
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/meridianpay/settlecore/internal/traces"
)

// Context identifies one operation within a settlement flow.
// RootID points at the first context in the chain, ParentID at the immediate
// originator. A freshly created context has both empty.
type Context struct {
	ID            string    `json:"id"`
	ParentID      string    `json:"parentId,omitempty"`
	RootID        string    `json:"rootId,omitempty"`
	Flow          string    `json:"flow"`
	InitiatedBy   string    `json:"initiatedBy"`
	SystemName    string    `json:"systemName"`
	OperationType string    `json:"operationType"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Root returns the ID of the first context in this chain.
func (c *Context) Root() string {
	if c.RootID != "" {
		return c.RootID
	}
	return c.ID
}

// StepStatus is the lifecycle state of a tracked step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step records one unit of work inside a correlated flow.
type Step struct {
	CorrelationID string     `json:"correlationId"`
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Detail        string     `json:"detail,omitempty"`

	span trace.Span
}

// maxHistory bounds the in-memory correlation history. Oldest entries are
// dropped first; the history is diagnostic, not authoritative.
const maxHistory = 10000

// Tracker creates correlation contexts and records their steps.
type Tracker struct {
	seq    atomic.Uint64
	logger *slog.Logger

	mu      sync.Mutex
	history []*Context
	steps   map[string][]*Step // correlation ID -> steps, in track order
}

// NewTracker creates an empty correlation tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		steps:  make(map[string][]*Step),
	}
}

// New creates a root correlation context.
func (t *Tracker) New(flow, initiatedBy, systemName, operationType string) *Context {
	cc := &Context{
		ID:            t.nextID(),
		Flow:          flow,
		InitiatedBy:   initiatedBy,
		SystemName:    systemName,
		OperationType: operationType,
		CreatedAt:     time.Now(),
	}
	t.append(cc)
	return cc
}

// DeriveChild creates a context linked to parent. Flow and InitiatedBy are
// inherited; RootID always points at the chain's first context.
func (t *Tracker) DeriveChild(parent *Context, systemName, operationType string) *Context {
	cc := &Context{
		ID:            t.nextID(),
		ParentID:      parent.ID,
		RootID:        parent.Root(),
		Flow:          parent.Flow,
		InitiatedBy:   parent.InitiatedBy,
		SystemName:    systemName,
		OperationType: operationType,
		CreatedAt:     time.Now(),
	}
	t.append(cc)
	return cc
}

func (t *Tracker) nextID() string {
	return fmt.Sprintf("corr-%d-%d", time.Now().UnixNano(), t.seq.Add(1))
}

func (t *Tracker) append(cc *Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, cc)
	if len(t.history) > maxHistory {
		drop := t.history[0]
		t.history = t.history[1:]
		delete(t.steps, drop.ID)
	}
}

// TrackStep records the start of a named step under cc and opens a span for
// it. The returned context carries the span; pass it to CompleteStep.
func (t *Tracker) TrackStep(ctx context.Context, cc *Context, name string) (context.Context, *Step) {
	ctx, span := traces.StartSpan(ctx, "step."+name,
		traces.CorrelationID(cc.ID), traces.Flow(cc.Flow), traces.Step(name))

	step := &Step{
		CorrelationID: cc.ID,
		Name:          name,
		Status:        StepStarted,
		StartedAt:     time.Now(),
		span:          span,
	}

	t.mu.Lock()
	t.steps[cc.ID] = append(t.steps[cc.ID], step)
	t.mu.Unlock()

	t.logger.Debug("step started", "correlation_id", cc.ID, "step", name)
	return ctx, step
}

// CompleteStep closes a tracked step. A nil err marks it completed, otherwise
// failed with the error recorded as detail. The step's span ends either way.
func (t *Tracker) CompleteStep(step *Step, err error) {
	now := time.Now()

	t.mu.Lock()
	step.FinishedAt = &now
	if err != nil {
		step.Status = StepFailed
		step.Detail = err.Error()
	} else {
		step.Status = StepCompleted
	}
	t.mu.Unlock()

	if step.span != nil {
		if err != nil {
			step.span.RecordError(err)
		}
		step.span.End()
	}

	if err != nil {
		t.logger.Warn("step failed",
			"correlation_id", step.CorrelationID, "step", step.Name, "error", err)
		return
	}
	t.logger.Debug("step completed", "correlation_id", step.CorrelationID, "step", step.Name)
}

// Get returns a correlation context by ID, or nil when unknown (history is
// best-effort and may have evicted it).
func (t *Tracker) Get(id string) *Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].ID == id {
			cc := *t.history[i]
			return &cc
		}
	}
	return nil
}

// Steps returns the recorded steps for a correlation ID, in track order.
func (t *Tracker) Steps(id string) []*Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.steps[id]
	out := make([]*Step, len(src))
	for i, s := range src {
		cp := *s
		cp.span = nil
		out[i] = &cp
	}
	return out
}

// Chain returns the ancestry of a context, root first.
func (t *Tracker) Chain(id string) []*Context {
	var chain []*Context
	for cc := t.Get(id); cc != nil; cc = t.Get(cc.ParentID) {
		chain = append([]*Context{cc}, chain...)
		if cc.ParentID == "" {
			break
		}
	}
	return chain
}

// Cleanup drops correlation history older than maxAge and returns the number
// of contexts removed.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.history[:0]
	removed := 0
	for _, cc := range t.history {
		if cc.CreatedAt.Before(cutoff) {
			delete(t.steps, cc.ID)
			removed++
			continue
		}
		kept = append(kept, cc)
	}
	t.history = kept
	return removed
}
