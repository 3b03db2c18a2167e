// Package types provides shared type definitions for the Arbor system.
package types

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending" // Created, no agent tree yet
	TaskRunning TaskStatus = "running" // Agent tree is live
	TaskPausing TaskStatus = "pausing" // Pause accepted, terminations dispatched
	TaskPaused  TaskStatus = "paused"  // All agents signalled, tree persisted
	TaskStopped TaskStatus = "stopped" // Hard-deleted, never coming back
)

// Task is the unit of work owning an agent tree. Exactly one agent in the
// tree has no parent.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
