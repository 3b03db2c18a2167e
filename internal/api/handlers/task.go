// Package handlers provides HTTP request handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/orchestrator"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
	"github.com/arbor-ai/arbor/pkg/types"
)

// TaskHandler handles task-related requests.
type TaskHandler struct {
	tasks    *store.TaskStore
	agents   *store.AgentStore
	manager  *lifecycle.Manager
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks *store.TaskStore, agents *store.AgentStore, manager *lifecycle.Manager, orch *orchestrator.Orchestrator, reg *registry.Registry) *TaskHandler {
	return &TaskHandler{
		tasks:    tasks,
		agents:   agents,
		manager:  manager,
		orch:     orch,
		registry: reg,
	}
}

// List returns all tasks.
func (h *TaskHandler) List(c *gin.Context) {
	tasks, err := h.tasks.ListTasks()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, tasks)
}

// Create creates a new task.
func (h *TaskHandler) Create(c *gin.Context) {
	var taskObj types.Task
	if err := c.ShouldBindJSON(&taskObj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if taskObj.ID == "" {
		taskObj.ID = uuid.New().String()
	}
	taskObj.Status = types.TaskPending
	taskObj.CreatedAt = time.Now()
	taskObj.UpdatedAt = taskObj.CreatedAt

	if err := h.tasks.CreateTask(&taskObj); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, taskObj)
}

// Get retrieves a task by ID.
func (h *TaskHandler) Get(c *gin.Context) {
	id := c.Param("id")

	taskObj, err := h.tasks.GetTask(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if taskObj == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, taskObj)
}

// Delete stops the task's live agents, removes their records, and deletes
// the task itself.
func (h *TaskHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	for _, entry := range h.registry.ListForTask(id) {
		if w, ok := h.manager.Get(entry.Worker.AgentID()); ok {
			w.Stop(true)
		}
	}

	records, err := h.agents.GetAgentsForTask(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, rec := range records {
		if err := h.agents.DeleteAgent(rec.AgentID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.tasks.DeleteTask(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Pause signals all live agents of the task to stop, without waiting for
// them to terminate.
func (h *TaskHandler) Pause(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Force bool `json:"force"`
	}
	// Body is optional; an empty body means a graceful pause.
	_ = c.ShouldBindJSON(&req)
	if c.Query("force") == "true" {
		req.Force = true
	}

	if err := h.orch.Pause(id, h.registry, orchestrator.PauseOptions{Force: req.Force}); err != nil {
		if errors.Is(err, orchestrator.ErrSupervisorNotFound) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "pausing"})
}

// Restore reconstructs the task's persisted agent tree.
func (h *TaskHandler) Restore(c *gin.Context) {
	id := c.Param("id")

	root, err := h.orch.Restore(id, h.registry)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrSupervisorNotFound):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrNothingToRestore):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrAllAgentsFailed):
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	resp := gin.H{"status": "running"}
	if root != nil {
		resp["root_agent_id"] = root.AgentID()
	}
	c.JSON(http.StatusOK, resp)
}

// ListAgents returns the live agents registered under the task.
func (h *TaskHandler) ListAgents(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, h.registry.Info(id))
}

// ListPersistedAgents returns the persisted agent records of the task.
func (h *TaskHandler) ListPersistedAgents(c *gin.Context) {
	id := c.Param("id")

	records, err := h.agents.GetAgentsForTask(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, records)
}
