package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arbor-ai/arbor/internal/budget"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/orchestrator"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *lifecycle.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := store.NewStore(":memory:")
	if err := db.Initialize(); err != nil {
		t.Fatalf("store Initialize failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	agents := store.NewAgentStore(db)
	tasks := store.NewTaskStore(db)
	costs := store.NewCostStore(db)
	manager := lifecycle.NewManager(agents, budget.NewLedger(costs), nil, 16)
	orch := orchestrator.New(manager, agents, tasks, lifecycle.RetryConfig{
		Attempts: 2,
		Backoff:  time.Millisecond,
	})
	reg := registry.NewRegistry()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	return NewRouter(manager, orch, reg, tasks, agents, costs), manager
}

func doJSON(t *testing.T, router *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTaskLifecycleEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]string{
		"id":    "t1",
		"title": "index the corpus",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get task: status = %d", rec.Code)
	}
	var task map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task["status"] != "pending" {
		t.Errorf("task status = %v, want pending", task["status"])
	}

	// Pausing a task with no live agents goes straight to paused.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/pause", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pause: status = %d, body %s", rec.Code, rec.Body)
	}

	// Restoring with nothing persisted is a 404.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/restore", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("restore: status = %d, want 404", rec.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents", map[string]any{
		"config":           map[string]string{"agent_id": "a1", "task_id": "t1"},
		"budget_allocated": "100",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start agent: status = %d, body %s", rec.Code, rec.Body)
	}

	// Duplicate start conflicts.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents", map[string]any{
		"config": map[string]string{"agent_id": "a1", "task_id": "t1"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate start: status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/a1/costs", map[string]any{
		"amount":      "12.50",
		"description": "llm call",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record cost: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/agents/a1/budget", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get budget: status = %d", rec.Code)
	}
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap["spent"] != "12.5" {
		t.Errorf("spent = %v, want 12.5", snap["spent"])
	}
	if snap["available"] != "87.5" {
		t.Errorf("available = %v, want 87.5", snap["available"])
	}

	// Spawning beyond the available budget is rejected.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/a1/spawn", map[string]any{
		"config":           map[string]string{"agent_id": "c1"},
		"budget_allocated": "90",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("overdraw spawn: status = %d, want 402, body %s", rec.Code, rec.Body)
	}

	// A spawn within budget succeeds.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/a1/spawn", map[string]any{
		"config":           map[string]string{"agent_id": "c1"},
		"budget_allocated": "50",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("spawn: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/t1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list task agents: status = %d", rec.Code)
	}
	var infos []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode infos: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 live agents, got %d", len(infos))
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/c1/dismiss", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dismiss: status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestDismissWithoutLiveParentStaysStopped(t *testing.T) {
	router, manager := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents", map[string]any{
		"config": map[string]string{"agent_id": "r1", "task_id": "t1"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start agent: status = %d, body %s", rec.Code, rec.Body)
	}

	w, ok := manager.Get("r1")
	if !ok {
		t.Fatal("worker not live after start")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/r1/dismiss", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dismiss: status = %d, body %s", rec.Code, rec.Body)
	}

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dismissed agent never drained")
	}

	// The worker's own graceful exit runs after the handler returns; it must
	// not flip the record back to running, or a later restore would
	// resurrect the dismissed agent.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/agents/r1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get dismissed agent: status = %d", rec.Code)
	}
	var persisted map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &persisted); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if persisted["status"] != "stopped" {
		t.Errorf("dismissed agent status = %v, want stopped", persisted["status"])
	}
}

func TestGetAgentMissing(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agents/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
