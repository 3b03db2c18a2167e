package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/arbor-ai/arbor/internal/budget"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
	"github.com/arbor-ai/arbor/pkg/types"
)

// AgentHandler handles agent-related requests.
type AgentHandler struct {
	manager  *lifecycle.Manager
	registry *registry.Registry
	agents   *store.AgentStore
	costs    *store.CostStore
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(manager *lifecycle.Manager, reg *registry.Registry, agents *store.AgentStore, costs *store.CostStore) *AgentHandler {
	return &AgentHandler{
		manager:  manager,
		registry: reg,
		agents:   agents,
		costs:    costs,
	}
}

// startRequest is the body for starting a root agent.
type startRequest struct {
	Config    types.AgentConfig `json:"config"`
	Allocated *decimal.Decimal  `json:"budget_allocated,omitempty"`
}

// spawnRequest is the body for spawning a child under a live parent.
type spawnRequest struct {
	Config    types.AgentConfig `json:"config"`
	Allocated *decimal.Decimal  `json:"budget_allocated,omitempty"`
}

// costRequest is the body for recording spend against an agent.
type costRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// List returns all live agents.
func (h *AgentHandler) List(c *gin.Context) {
	workers := h.manager.List()
	infos := make([]types.AgentInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, types.AgentInfo{
			AgentID:      w.AgentID(),
			TaskID:       w.TaskID(),
			ParentID:     w.ParentID(),
			RegisteredAt: w.StartedAt(),
		})
	}
	c.JSON(http.StatusOK, infos)
}

// Start launches a new root agent for a task.
func (h *AgentHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	budgetData := &types.BudgetData{Mode: types.BudgetNone}
	if req.Allocated != nil {
		budgetData = &types.BudgetData{
			Mode:      types.BudgetRoot,
			Allocated: *req.Allocated,
		}
	}

	w, err := h.manager.Start(req.Config, lifecycle.StartOptions{
		Registry: h.registry,
		Budget:   budgetData,
	})
	if err != nil {
		h.renderStartError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent_id": w.AgentID(),
		"task_id":  w.TaskID(),
	})
}

// Spawn launches a child agent under a live parent, escrowing the requested
// budget against the parent first.
func (h *AgentHandler) Spawn(c *gin.Context) {
	parentID := c.Param("id")

	parent, ok := h.manager.Get(parentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	child, err := h.manager.SpawnChild(parent, req.Config, req.Allocated, h.registry)
	if err != nil {
		switch {
		case errors.Is(err, budget.ErrInsufficientBudget):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
		case errors.Is(err, budget.ErrBudgetRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.renderStartError(c, err)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent_id":  child.AgentID(),
		"parent_id": parentID,
	})
}

// Dismiss gracefully retires an agent. If its parent is live, the unspent
// escrow is released back to the parent first.
func (h *AgentHandler) Dismiss(c *gin.Context) {
	id := c.Param("id")

	w, ok := h.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	if parent, ok := h.manager.Get(w.ParentID()); ok {
		if err := h.manager.Dismiss(parent, w); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else {
		h.manager.DismissOrphan(w)
	}

	if err := h.agents.UpdateAgentStatus(id, types.AgentStopped); err != nil && !errors.Is(err, store.ErrAgentNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "dismissed"})
}

// Stop terminates an agent. With ?force=true queued work is abandoned and
// nothing is persisted.
func (h *AgentHandler) Stop(c *gin.Context) {
	id := c.Param("id")
	force := c.Query("force") == "true"

	w, ok := h.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	w.Stop(force)
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// Get returns the live view of an agent, falling back to its persisted
// record when it is not running.
func (h *AgentHandler) Get(c *gin.Context) {
	id := c.Param("id")

	if w, ok := h.manager.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{
			"agent_id":   w.AgentID(),
			"task_id":    w.TaskID(),
			"parent_id":  w.ParentID(),
			"status":     types.AgentRunning,
			"started_at": w.StartedAt(),
			"budget":     w.Budget(),
			"children":   w.Children(),
		})
		return
	}

	record, err := h.agents.GetAgent(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// GetBudget returns the agent's budget snapshot with live spend.
func (h *AgentHandler) GetBudget(c *gin.Context) {
	id := c.Param("id")

	w, ok := h.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	snapshot, err := h.manager.Ledger().Snapshot(w)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// RecordCost appends spend to the agent's cost ledger.
func (h *AgentHandler) RecordCost(c *gin.Context) {
	id := c.Param("id")

	var req costRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.costs.RecordCost(id, req.Amount, req.Description); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

// GetCosts returns the agent's total live spend.
func (h *AgentHandler) GetCosts(c *gin.Context) {
	id := c.Param("id")

	total, err := h.costs.LiveSpent(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent_id": id, "spent": total})
}

// renderStartError maps lifecycle start errors to status codes.
func (h *AgentHandler) renderStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrDuplicateAgentID):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrMalformedConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
