// Package budget provides escrow accounting between parent and child agents.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/arbor-ai/arbor/pkg/types"
)

var (
	// ErrInsufficientBudget means the requested amount exceeds the parent's
	// available budget. Nothing is clamped; the spawn is rejected outright.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrBudgetRequired means a budgeted parent tried to spawn a child
	// without requesting an amount.
	ErrBudgetRequired = errors.New("budget required")
)

// CostSource reports live spent totals. It must be queried at check time,
// never cached: sibling spawns change it concurrently.
type CostSource interface {
	LiveSpent(agentID string) (decimal.Decimal, error)
}

// Account is a live agent's budget state as seen by the ledger.
type Account interface {
	AgentID() string
	Budget() types.BudgetData
	SetCommitted(committed decimal.Decimal)
}

// Ledger performs atomic escrow lock and release operations. Committed is
// the only field mutated by more than one logical caller, so every mutation
// happens under a per-parent mutex.
type Ledger struct {
	costs CostSource

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a Ledger over the given cost source.
func NewLedger(costs CostSource) *Ledger {
	return &Ledger{
		costs: costs,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one parent's committed field.
func (l *Ledger) lockFor(agentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[agentID] = lock
	}
	return lock
}

// CheckAndLock reserves requested funds against the parent's budget.
// A nil requested means the caller asked for no budget at all: budgeted
// parents reject that with ErrBudgetRequired, unbudgeted parents accept.
// A zero request is valid and leaves the ledger unchanged.
func (l *Ledger) CheckAndLock(parent Account, requested *decimal.Decimal) error {
	if !parent.Budget().Mode.Budgeted() {
		// Unbudgeted parents never reject spawns on budget grounds.
		return nil
	}

	if requested == nil {
		return ErrBudgetRequired
	}
	if requested.IsNegative() {
		return fmt.Errorf("requested amount must not be negative: %s", requested)
	}
	if requested.IsZero() {
		return nil
	}

	lock := l.lockFor(parent.AgentID())
	lock.Lock()
	defer lock.Unlock()

	// Re-read both committed and live spent under the lock. Two concurrent
	// locks must not both observe the pre-increment committed value.
	b := parent.Budget()
	spent, err := l.costs.LiveSpent(parent.AgentID())
	if err != nil {
		return fmt.Errorf("failed to query live spent for %s: %w", parent.AgentID(), err)
	}

	if requested.GreaterThan(b.Available(spent)) {
		return ErrInsufficientBudget
	}

	parent.SetCommitted(b.Committed.Add(*requested))
	return nil
}

// Release returns a dismissed child's unspent remainder to the parent:
// committed decreases by child.allocated minus the child's live spent.
func (l *Ledger) Release(parent Account, child Account) error {
	if !parent.Budget().Mode.Budgeted() {
		return nil
	}
	cb := child.Budget()
	if !cb.Mode.Budgeted() {
		// The child never drew from the parent's escrow.
		return nil
	}

	spent, err := l.costs.LiveSpent(child.AgentID())
	if err != nil {
		return fmt.Errorf("failed to query live spent for %s: %w", child.AgentID(), err)
	}

	unspent := cb.Allocated.Sub(spent)
	if unspent.IsNegative() {
		unspent = decimal.Zero
	}

	l.ReleaseAmount(parent, unspent)
	return nil
}

// ReleaseAmount decrements the parent's committed by exactly the given
// amount. Used directly as the compensating release when a worker-start
// fails after its escrow lock: the child never ran, so the full locked
// amount comes back.
func (l *Ledger) ReleaseAmount(parent Account, amount decimal.Decimal) {
	if !parent.Budget().Mode.Budgeted() || !amount.IsPositive() {
		return
	}

	lock := l.lockFor(parent.AgentID())
	lock.Lock()
	defer lock.Unlock()

	committed := parent.Budget().Committed.Sub(amount)
	if committed.IsNegative() {
		committed = decimal.Zero
	}
	parent.SetCommitted(committed)
}

// Snapshot reports an agent's budget with live spent and derived available.
func (l *Ledger) Snapshot(acct Account) (types.BudgetSnapshot, error) {
	b := acct.Budget()

	spent, err := l.costs.LiveSpent(acct.AgentID())
	if err != nil {
		return types.BudgetSnapshot{}, fmt.Errorf("failed to query live spent for %s: %w", acct.AgentID(), err)
	}

	return types.BudgetSnapshot{
		AgentID:   acct.AgentID(),
		Mode:      b.Mode,
		Allocated: b.Allocated,
		Committed: b.Committed,
		Spent:     spent,
		Available: b.Available(spent),
	}, nil
}
