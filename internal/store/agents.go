package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arbor-ai/arbor/pkg/types"
)

// ErrAgentNotFound is returned when an update targets a record that does
// not exist.
var ErrAgentNotFound = errors.New("agent not found")

// AgentStore handles persisted agent records.
type AgentStore struct {
	store *Store
}

// NewAgentStore creates a new AgentStore.
func NewAgentStore(store *Store) *AgentStore {
	return &AgentStore{store: store}
}

// SaveAgent inserts or replaces a persisted agent record.
func (as *AgentStore) SaveAgent(record *types.PersistedAgent) error {
	as.store.mu.Lock()
	defer as.store.mu.Unlock()

	if record.InsertedAt.IsZero() {
		record.InsertedAt = time.Now()
	}
	if record.Status == "" {
		record.Status = types.AgentRunning
	}

	configJSON, err := json.Marshal(record.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	stateJSON, err := json.Marshal(record.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	var parentID interface{}
	if record.ParentID != nil {
		parentID = *record.ParentID
	}

	_, err = as.store.db.Exec(`
		INSERT OR REPLACE INTO agents (
			agent_id, task_id, parent_id, status, config, state, inserted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		record.AgentID,
		record.TaskID,
		parentID,
		string(record.Status),
		string(configJSON),
		string(stateJSON),
		record.InsertedAt.Format(time.RFC3339Nano),
	)

	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}

	return nil
}

// GetAgent retrieves a persisted agent record by ID. Returns nil if the
// record does not exist.
func (as *AgentStore) GetAgent(agentID string) (*types.PersistedAgent, error) {
	as.store.mu.RLock()
	defer as.store.mu.RUnlock()

	row := as.store.db.QueryRow(`
		SELECT agent_id, task_id, parent_id, status, config, state, inserted_at
		FROM agents WHERE agent_id = ?
	`, agentID)

	record, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return record, err
}

// GetAgentsForTask returns all persisted agents of a task, optionally
// filtered to the given statuses.
func (as *AgentStore) GetAgentsForTask(taskID string, statuses ...types.AgentStatus) ([]*types.PersistedAgent, error) {
	as.store.mu.RLock()
	defer as.store.mu.RUnlock()

	query := `
		SELECT agent_id, task_id, parent_id, status, config, state, inserted_at
		FROM agents WHERE task_id = ?`
	args := []interface{}{taskID}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY inserted_at"

	rows, err := as.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var records []*types.PersistedAgent
	for rows.Next() {
		record, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// UpdateAgentStatus sets the status of a persisted agent record.
func (as *AgentStore) UpdateAgentStatus(agentID string, status types.AgentStatus) error {
	as.store.mu.Lock()
	defer as.store.mu.Unlock()

	result, err := as.store.db.Exec(
		`UPDATE agents SET status = ? WHERE agent_id = ?`,
		string(status), agentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	return nil
}

// DeleteAgent removes a persisted agent record.
func (as *AgentStore) DeleteAgent(agentID string) error {
	as.store.mu.Lock()
	defer as.store.mu.Unlock()

	_, err := as.store.db.Exec(`DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*types.PersistedAgent, error) {
	var (
		record     types.PersistedAgent
		parentID   sql.NullString
		status     string
		configJSON string
		stateJSON  string
		insertedAt string
	)

	err := row.Scan(
		&record.AgentID,
		&record.TaskID,
		&parentID,
		&status,
		&configJSON,
		&stateJSON,
		&insertedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		record.ParentID = &parentID.String
	}
	record.Status = types.AgentStatus(status)

	if err := json.Unmarshal([]byte(configJSON), &record.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config for %s: %w", record.AgentID, err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &record.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state for %s: %w", record.AgentID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, insertedAt); err == nil {
		record.InsertedAt = t
	}

	return &record, nil
}
