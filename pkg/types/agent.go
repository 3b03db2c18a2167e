package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgentStatus represents the persisted state of an agent.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentPaused  AgentStatus = "paused"
	AgentStopped AgentStatus = "stopped"
)

// BudgetMode describes how an agent participates in budget accounting.
type BudgetMode string

const (
	// BudgetRoot is the top of a budget tree; its allocation was set by the caller.
	BudgetRoot BudgetMode = "root"
	// BudgetChild received its allocation from a parent's escrow lock.
	BudgetChild BudgetMode = "child"
	// BudgetNone opts out of budget accounting entirely.
	BudgetNone BudgetMode = "none"
)

// Budgeted reports whether the mode participates in budget accounting.
func (m BudgetMode) Budgeted() bool {
	return m == BudgetRoot || m == BudgetChild
}

// BudgetData is the budget state carried by a live agent. Spent is never
// stored here; it is recomputed from the cost ledger at check time.
type BudgetData struct {
	Mode      BudgetMode      `json:"mode"`
	Allocated decimal.Decimal `json:"allocated"`
	Committed decimal.Decimal `json:"committed"`
}

// Available returns allocated minus the given live spent minus committed.
func (b BudgetData) Available(spent decimal.Decimal) decimal.Decimal {
	return b.Allocated.Sub(spent).Sub(b.Committed)
}

// AgentConfig describes an agent to be started or restored.
type AgentConfig struct {
	AgentID      string            `json:"agent_id"`
	TaskID       string            `json:"task_id"`
	ParentID     *string           `json:"parent_id,omitempty"`
	AgentType    string            `json:"agent_type,omitempty"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Credentials  *EncryptedPayload `json:"credentials,omitempty"` // age-encrypted
}

// ChildBudget records a child spawn in the parent's bookkeeping.
type ChildBudget struct {
	AgentID   string          `json:"agent_id"`
	SpawnedAt time.Time       `json:"spawned_at"`
	Allocated decimal.Decimal `json:"allocated"`
}

// AgentState is the opaque state snapshot an agent persists alongside its
// config: its own budget plus accumulated child-budget bookkeeping.
type AgentState struct {
	Budget   BudgetData    `json:"budget"`
	Children []ChildBudget `json:"children,omitempty"`
}

// PersistedAgent is the survivable snapshot of a live agent. Written by the
// agent itself on graceful termination, read back during task restore.
type PersistedAgent struct {
	AgentID    string      `json:"agent_id"`
	TaskID     string      `json:"task_id"`
	ParentID   *string     `json:"parent_id,omitempty"`
	Status     AgentStatus `json:"status"`
	Config     AgentConfig `json:"config"`
	State      AgentState  `json:"state"`
	InsertedAt time.Time   `json:"inserted_at"`
}

// AgentInfo is the live-registry view of an agent, used by API listings.
type AgentInfo struct {
	AgentID      string    `json:"agent_id"`
	TaskID       string    `json:"task_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// BudgetSnapshot is the API view of an agent's budget at a point in time.
type BudgetSnapshot struct {
	AgentID   string          `json:"agent_id"`
	Mode      BudgetMode      `json:"mode"`
	Allocated decimal.Decimal `json:"allocated"`
	Committed decimal.Decimal `json:"committed"`
	Spent     decimal.Decimal `json:"spent"`
	Available decimal.Decimal `json:"available"`
}
