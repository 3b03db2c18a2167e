// Package api provides the REST API for Arbor.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/arbor-ai/arbor/internal/api/handlers"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/orchestrator"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
	"github.com/arbor-ai/arbor/pkg/types"
)

// Router holds all API dependencies and routes.
type Router struct {
	engine   *gin.Engine
	manager  *lifecycle.Manager
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	tasks    *store.TaskStore
	agents   *store.AgentStore
	costs    *store.CostStore

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// WebSocket clients
	wsClientsMu sync.RWMutex
	wsClients   map[*websocket.Conn]bool
}

// NewRouter creates a new API router.
func NewRouter(
	manager *lifecycle.Manager,
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	tasks *store.TaskStore,
	agents *store.AgentStore,
	costs *store.CostStore,
) *Router {
	r := &Router{
		engine:   gin.Default(),
		manager:  manager,
		orch:     orch,
		registry: reg,
		tasks:    tasks,
		agents:   agents,
		costs:    costs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		wsClients: make(map[*websocket.Conn]bool),
	}

	r.setupRoutes()

	if manager != nil {
		go r.broadcastAgentEvents()
	}

	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 group
	v1 := r.engine.Group("/api/v1")
	{
		// Tasks
		tasks := v1.Group("/tasks")
		{
			tasks.GET("", r.listTasks)
			tasks.POST("", r.createTask)
			tasks.GET("/:id", r.getTask)
			tasks.DELETE("/:id", r.deleteTask)
			tasks.POST("/:id/pause", r.pauseTask)
			tasks.POST("/:id/restore", r.restoreTask)
			tasks.GET("/:id/agents", r.listTaskAgents)
			tasks.GET("/:id/agents/persisted", r.listPersistedAgents)
		}

		// Agents
		agents := v1.Group("/agents")
		{
			agents.GET("", r.listAgents)
			agents.POST("", r.startAgent)
			agents.GET("/:id", r.getAgent)
			agents.POST("/:id/spawn", r.spawnChild)
			agents.POST("/:id/dismiss", r.dismissAgent)
			agents.DELETE("/:id", r.stopAgent)
			agents.GET("/:id/budget", r.getAgentBudget)
			agents.GET("/:id/costs", r.getAgentCosts)
			agents.POST("/:id/costs", r.recordAgentCost)
		}
	}

	// WebSocket for real-time updates
	r.engine.GET("/ws", r.handleWebSocket)
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Task handlers

func (r *Router) taskHandler() *handlers.TaskHandler {
	return handlers.NewTaskHandler(r.tasks, r.agents, r.manager, r.orch, r.registry)
}

func (r *Router) listTasks(c *gin.Context)           { r.taskHandler().List(c) }
func (r *Router) createTask(c *gin.Context)          { r.taskHandler().Create(c) }
func (r *Router) getTask(c *gin.Context)             { r.taskHandler().Get(c) }
func (r *Router) deleteTask(c *gin.Context)          { r.taskHandler().Delete(c) }
func (r *Router) pauseTask(c *gin.Context)           { r.taskHandler().Pause(c) }
func (r *Router) restoreTask(c *gin.Context)         { r.taskHandler().Restore(c) }
func (r *Router) listTaskAgents(c *gin.Context)      { r.taskHandler().ListAgents(c) }
func (r *Router) listPersistedAgents(c *gin.Context) { r.taskHandler().ListPersistedAgents(c) }

// Agent handlers

func (r *Router) agentHandler() *handlers.AgentHandler {
	return handlers.NewAgentHandler(r.manager, r.registry, r.agents, r.costs)
}

func (r *Router) listAgents(c *gin.Context)      { r.agentHandler().List(c) }
func (r *Router) startAgent(c *gin.Context)      { r.agentHandler().Start(c) }
func (r *Router) getAgent(c *gin.Context)        { r.agentHandler().Get(c) }
func (r *Router) spawnChild(c *gin.Context)      { r.agentHandler().Spawn(c) }
func (r *Router) dismissAgent(c *gin.Context)    { r.agentHandler().Dismiss(c) }
func (r *Router) stopAgent(c *gin.Context)       { r.agentHandler().Stop(c) }
func (r *Router) getAgentBudget(c *gin.Context)  { r.agentHandler().GetBudget(c) }
func (r *Router) getAgentCosts(c *gin.Context)   { r.agentHandler().GetCosts(c) }
func (r *Router) recordAgentCost(c *gin.Context) { r.agentHandler().RecordCost(c) }

// WebSocket handler

func (r *Router) handleWebSocket(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// Register client
	r.wsClientsMu.Lock()
	r.wsClients[conn] = true
	r.wsClientsMu.Unlock()

	defer func() {
		r.wsClientsMu.Lock()
		delete(r.wsClients, conn)
		r.wsClientsMu.Unlock()
		conn.Close()
	}()

	// Handle incoming messages (e.g., subscribe to a task's live agents)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var req struct {
			Action string `json:"action"`
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		switch req.Action {
		case "subscribe_task":
			// Send the task's current live agents
			msg := types.WebSocketMessage{
				Type:    "task_agents",
				Payload: r.registry.Info(req.TaskID),
			}
			data, _ := json.Marshal(msg)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

// broadcastAgentEvents broadcasts lifecycle events to all WebSocket clients.
func (r *Router) broadcastAgentEvents() {
	eventCh := r.manager.Subscribe("api_broadcaster")
	defer r.manager.Unsubscribe("api_broadcaster")

	for event := range eventCh {
		msg := types.WebSocketMessage{
			Type:    "agent_event",
			Payload: event,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		// Broadcast to all clients
		r.wsClientsMu.RLock()
		for conn := range r.wsClients {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Client will be removed when read fails
				continue
			}
		}
		r.wsClientsMu.RUnlock()
	}
}

// BroadcastMessage sends a message to all WebSocket clients.
func (r *Router) BroadcastMessage(msgType string, payload interface{}) {
	msg := types.WebSocketMessage{
		Type:    msgType,
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	r.wsClientsMu.RLock()
	defer r.wsClientsMu.RUnlock()

	for conn := range r.wsClients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		conn.WriteMessage(websocket.TextMessage, data)
	}
}
