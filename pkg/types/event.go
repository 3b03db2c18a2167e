package types

import "time"

// AgentEventType categorizes lifecycle events.
type AgentEventType string

const (
	EventStarted       AgentEventType = "started"
	EventRestored      AgentEventType = "restored"
	EventStopRequested AgentEventType = "stop_requested"
	EventStopped       AgentEventType = "stopped"
	EventOrphanStopped AgentEventType = "orphan_stopped"
)

// AgentEvent is emitted by the lifecycle manager on worker state changes.
type AgentEvent struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	EventType AgentEventType `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
}

// WebSocketMessage represents a message sent over WebSocket for real-time updates.
type WebSocketMessage struct {
	Type    string      `json:"type"`    // "agent_event", "task_agents"
	Payload interface{} `json:"payload"` // The actual data
}
