package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CostStore is the cost ledger: an append-only record of money spent per
// agent. Spent totals are always summed from here at the moment of a check.
type CostStore struct {
	store *Store
}

// NewCostStore creates a new CostStore.
func NewCostStore(store *Store) *CostStore {
	return &CostStore{store: store}
}

// RecordCost appends a cost entry for an agent.
func (cs *CostStore) RecordCost(agentID string, amount decimal.Decimal, description string) error {
	cs.store.mu.Lock()
	defer cs.store.mu.Unlock()

	if amount.IsNegative() {
		return fmt.Errorf("cost amount must not be negative: %s", amount)
	}

	_, err := cs.store.db.Exec(`
		INSERT INTO costs (agent_id, amount, description, recorded_at)
		VALUES (?, ?, ?, ?)
	`,
		agentID,
		amount.String(),
		description,
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}

	return nil
}

// LiveSpent returns the sum of all recorded costs for an agent to date.
// Amounts are stored as decimal strings and summed exactly; they are never
// coerced through float.
func (cs *CostStore) LiveSpent(agentID string) (decimal.Decimal, error) {
	cs.store.mu.RLock()
	defer cs.store.mu.RUnlock()

	rows, err := cs.store.db.Query(`SELECT amount FROM costs WHERE agent_id = ?`, agentID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query costs: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("malformed cost amount %q for %s: %w", raw, agentID, err)
		}
		total = total.Add(amount)
	}

	return total, rows.Err()
}
