package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/arbor-ai/arbor/pkg/types"
)

// TaskStore handles task records.
type TaskStore struct {
	store *Store
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(store *Store) *TaskStore {
	return &TaskStore{store: store}
}

// CreateTask inserts a new task.
func (ts *TaskStore) CreateTask(task *types.Task) error {
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskPending
	}

	_, err := ts.store.db.Exec(`
		INSERT INTO tasks (id, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Title,
		task.Description,
		string(task.Status),
		task.CreatedAt.Format(time.RFC3339Nano),
		task.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID. Returns nil if not found.
func (ts *TaskStore) GetTask(id string) (*types.Task, error) {
	ts.store.mu.RLock()
	defer ts.store.mu.RUnlock()

	row := ts.store.db.QueryRow(`
		SELECT id, title, description, status, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// ListTasks returns all tasks, newest first.
func (ts *TaskStore) ListTasks() ([]*types.Task, error) {
	ts.store.mu.RLock()
	defer ts.store.mu.RUnlock()

	rows, err := ts.store.db.Query(`
		SELECT id, title, description, status, created_at, updated_at
		FROM tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// UpdateTaskStatus sets the status of a task.
func (ts *TaskStore) UpdateTaskStatus(id string, status types.TaskStatus) error {
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()

	result, err := ts.store.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("task not found: %s", id)
	}

	return nil
}

// DeleteTask removes a task row.
func (ts *TaskStore) DeleteTask(id string) error {
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()

	if _, err := ts.store.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func scanTask(row scanner) (*types.Task, error) {
	var (
		task      types.Task
		status    string
		createdAt string
		updatedAt string
	)

	err := row.Scan(&task.ID, &task.Title, &task.Description, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = types.TaskStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}

	return &task, nil
}
