package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbor-ai/arbor/internal/budget"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
	"github.com/arbor-ai/arbor/pkg/types"
)

type testEnv struct {
	orch     *Orchestrator
	manager  *lifecycle.Manager
	registry *registry.Registry
	agents   *store.AgentStore
	tasks    *store.TaskStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := store.NewStore(":memory:")
	if err := db.Initialize(); err != nil {
		t.Fatalf("store Initialize failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	agents := store.NewAgentStore(db)
	tasks := store.NewTaskStore(db)
	costs := store.NewCostStore(db)
	manager := lifecycle.NewManager(agents, budget.NewLedger(costs), nil, 16)
	orch := New(manager, agents, tasks, lifecycle.RetryConfig{
		Attempts: 2,
		Backoff:  time.Millisecond,
	})

	return &testEnv{
		orch:     orch,
		manager:  manager,
		registry: registry.NewRegistry(),
		agents:   agents,
		tasks:    tasks,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (env *testEnv) createTask(t *testing.T, id string, status types.TaskStatus) {
	t.Helper()
	task := &types.Task{ID: id, Title: id, Status: status, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := env.tasks.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
}

func (env *testEnv) taskStatus(t *testing.T, id string) types.TaskStatus {
	t.Helper()
	task, err := env.tasks.GetTask(id)
	if err != nil || task == nil {
		t.Fatalf("GetTask(%s) failed: %v", id, err)
	}
	return task.Status
}

func (env *testEnv) waitTaskStatus(t *testing.T, id string, want types.TaskStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if env.taskStatus(t, id) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached status %s (now %s)", id, want, env.taskStatus(t, id))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func record(agentID, taskID string, parentID *string) *types.PersistedAgent {
	return &types.PersistedAgent{
		AgentID:  agentID,
		TaskID:   taskID,
		ParentID: parentID,
		Status:   types.AgentRunning,
		Config:   types.AgentConfig{AgentID: agentID, TaskID: taskID, ParentID: parentID},
	}
}

func strptr(s string) *string { return &s }

// occupant holds a registry slot without a live worker behind it, the way a
// stale registration from a crashed process does.
type occupant struct{ agentID, taskID string }

func (o *occupant) AgentID() string { return o.agentID }
func (o *occupant) TaskID() string  { return o.taskID }

func TestSortTopologicalParentsFirst(t *testing.T) {
	records := []*types.PersistedAgent{
		record("g1", "t1", strptr("c1")),
		record("c2", "t1", strptr("root")),
		record("root", "t1", nil),
		record("c1", "t1", strptr("root")),
		record("g2", "t1", strptr("c2")),
	}

	// Any input permutation must come out parent-before-child; rotating
	// covers the interesting orders without enumerating all of them.
	for shift := 0; shift < len(records); shift++ {
		rotated := append(append([]*types.PersistedAgent{}, records[shift:]...), records[:shift]...)
		ordered := SortTopological(rotated)

		if len(ordered) != len(records) {
			t.Fatalf("shift %d: lost records, got %d", shift, len(ordered))
		}

		pos := make(map[string]int, len(ordered))
		for i, rec := range ordered {
			pos[rec.AgentID] = i
		}
		for _, rec := range ordered {
			if rec.ParentID == nil {
				continue
			}
			if pos[*rec.ParentID] >= pos[rec.AgentID] {
				t.Errorf("shift %d: parent %s after child %s", shift, *rec.ParentID, rec.AgentID)
			}
		}
	}
}

func TestSortTopologicalDanglingParentAsRoot(t *testing.T) {
	records := []*types.PersistedAgent{
		record("a1", "t1", strptr("gone")),
		record("a2", "t1", strptr("a1")),
	}

	ordered := SortTopological(records)
	if len(ordered) != 2 {
		t.Fatalf("expected 2 records, got %d", len(ordered))
	}
	if ordered[0].AgentID != "a1" || ordered[1].AgentID != "a2" {
		t.Errorf("unexpected order: %s, %s", ordered[0].AgentID, ordered[1].AgentID)
	}
}

func TestPauseEmptyTask(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskRunning)

	if err := env.orch.Pause("t1", env.registry, PauseOptions{}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if got := env.taskStatus(t, "t1"); got != types.TaskPaused {
		t.Errorf("status = %s, want paused", got)
	}
}

func TestPauseNilManager(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskRunning)

	w, err := env.manager.Start(types.AgentConfig{AgentID: "a1", TaskID: "t1"}, lifecycle.StartOptions{Registry: env.registry})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	bare := New(nil, env.agents, env.tasks, lifecycle.RetryConfig{})
	err = bare.Pause("t1", env.registry, PauseOptions{})
	if !errors.Is(err, ErrSupervisorNotFound) {
		t.Fatalf("expected ErrSupervisorNotFound, got %v", err)
	}

	// Nothing may be mutated on this failure.
	if got := env.taskStatus(t, "t1"); got != types.TaskRunning {
		t.Errorf("task status = %s, want running untouched", got)
	}

	w.Stop(true)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker never exited")
	}

	rest, err := bare.Restore("t1", env.registry)
	if rest != nil || !errors.Is(err, ErrSupervisorNotFound) {
		t.Fatalf("restore with nil manager: expected ErrSupervisorNotFound, got %v", err)
	}
}

func TestPauseDoesNotAwaitTermination(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskRunning)

	w, err := env.manager.Start(types.AgentConfig{AgentID: "a1", TaskID: "t1"}, lifecycle.StartOptions{Registry: env.registry})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The worker is stuck on this gate; Pause must return anyway.
	gate := make(chan struct{})
	w.Enqueue(func(ctx context.Context) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- env.orch.Pause("t1", env.registry, PauseOptions{})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Pause failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pause blocked on a busy worker")
	}

	if got := env.taskStatus(t, "t1"); got != types.TaskPausing {
		t.Errorf("status = %s, want pausing while worker drains", got)
	}

	close(gate)
	env.waitTaskStatus(t, "t1", types.TaskPaused)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker never drained")
	}

	// The graceful stop persisted the worker for a later restore.
	rec, err := env.agents.GetAgent("a1")
	if err != nil || rec == nil {
		t.Fatalf("no persisted record after pause: %v", err)
	}
	if rec.Status != types.AgentRunning {
		t.Errorf("persisted status = %s, want running", rec.Status)
	}
}

func TestPauseForce(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskRunning)

	w, err := env.manager.Start(types.AgentConfig{AgentID: "a1", TaskID: "t1"}, lifecycle.StartOptions{Registry: env.registry})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	gate := make(chan struct{})
	defer close(gate)
	w.Enqueue(func(ctx context.Context) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	})

	if err := env.orch.Pause("t1", env.registry, PauseOptions{Force: true}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forced pause did not interrupt the worker")
	}
	env.waitTaskStatus(t, "t1", types.TaskPaused)
}

func TestPauseIgnoresWorkersStartedAfterSweep(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskRunning)

	w, err := env.manager.Start(types.AgentConfig{AgentID: "a1", TaskID: "t1"}, lifecycle.StartOptions{Registry: env.registry})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	gate := make(chan struct{})
	w.Enqueue(func(ctx context.Context) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	})

	if err := env.orch.Pause("t1", env.registry, PauseOptions{}); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	// A worker registered after the stop sweep was never signalled; the
	// drain watcher must not wait for it.
	late, err := env.manager.Start(types.AgentConfig{AgentID: "a2", TaskID: "t1"}, lifecycle.StartOptions{Registry: env.registry})
	if err != nil {
		t.Fatalf("Start late worker failed: %v", err)
	}

	close(gate)
	env.waitTaskStatus(t, "t1", types.TaskPaused)

	if _, ok := env.manager.Get("a2"); !ok {
		t.Error("unsignalled late worker was stopped")
	}

	late.Stop(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.manager.Shutdown(ctx)
}

func TestRestoreFullTree(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskPaused)

	root := record("root", "t1", nil)
	root.State.Budget = types.BudgetData{Mode: types.BudgetRoot, Allocated: dec("100"), Committed: dec("40")}
	root.State.Children = []types.ChildBudget{{AgentID: "c1", Allocated: dec("40")}}
	c1 := record("c1", "t1", strptr("root"))
	c1.State.Budget = types.BudgetData{Mode: types.BudgetChild, Allocated: dec("40")}
	g1 := record("g1", "t1", strptr("c1"))

	for _, rec := range []*types.PersistedAgent{root, c1, g1} {
		if err := env.agents.SaveAgent(rec); err != nil {
			t.Fatalf("SaveAgent failed: %v", err)
		}
	}

	rootWorker, err := env.orch.Restore("t1", env.registry)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if rootWorker == nil || rootWorker.AgentID() != "root" {
		t.Fatalf("unexpected root worker: %v", rootWorker)
	}

	for _, id := range []string{"root", "c1", "g1"} {
		w, ok := env.manager.Get(id)
		if !ok {
			t.Fatalf("agent %s not live after restore", id)
		}
		if w.Restoring() {
			t.Errorf("agent %s still flagged restoring", id)
		}
	}

	b := rootWorker.Budget()
	if !b.Allocated.Equal(dec("100")) || !b.Committed.Equal(dec("40")) {
		t.Errorf("unexpected root budget after restore: %+v", b)
	}

	if got := env.taskStatus(t, "t1"); got != types.TaskRunning {
		t.Errorf("task status = %s, want running", got)
	}

	// The restored parent is told about its restored child.
	deadline := time.After(2 * time.Second)
	for {
		c1Worker, _ := env.manager.Get("c1")
		if children := c1Worker.Children(); len(children) == 1 && children[0].AgentID == "g1" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("parent never notified of restored child")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.manager.Shutdown(ctx)
}

func TestRestoreSkipsFailedSubtree(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskPaused)

	for _, rec := range []*types.PersistedAgent{
		record("root", "t1", nil),
		record("c1", "t1", strptr("root")),
		record("g1", "t1", strptr("c1")),
		record("c2", "t1", strptr("root")),
	} {
		if err := env.agents.SaveAgent(rec); err != nil {
			t.Fatalf("SaveAgent failed: %v", err)
		}
	}

	// Occupy c1's identifier so its restore conflicts until retries run out.
	if err := env.registry.Register(&occupant{agentID: "c1", taskID: "other"}, nil); err != nil {
		t.Fatalf("Register occupant failed: %v", err)
	}

	rootWorker, err := env.orch.Restore("t1", env.registry)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if rootWorker == nil {
		t.Fatal("no root returned from partial restore")
	}

	if _, ok := env.manager.Get("root"); !ok {
		t.Error("root not restored")
	}
	if _, ok := env.manager.Get("c2"); !ok {
		t.Error("sibling of failed subtree not restored")
	}
	if _, ok := env.registry.Lookup("g1"); ok {
		t.Error("descendant of failed agent was restored")
	}

	// The skipped records stay persisted for a later attempt.
	rec, err := env.agents.GetAgent("g1")
	if err != nil || rec == nil {
		t.Fatalf("skipped record missing: %v", err)
	}
	if rec.Status != types.AgentRunning {
		t.Errorf("skipped record status = %s, want running", rec.Status)
	}

	if got := env.taskStatus(t, "t1"); got != types.TaskRunning {
		t.Errorf("task status = %s, want running after partial restore", got)
	}

	env.registry.Unregister("c1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.manager.Shutdown(ctx)
}

func TestRestoreAllFailed(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskPaused)

	if err := env.agents.SaveAgent(record("a1", "t1", nil)); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	if err := env.registry.Register(&occupant{agentID: "a1", taskID: "other"}, nil); err != nil {
		t.Fatalf("Register occupant failed: %v", err)
	}

	_, err := env.orch.Restore("t1", env.registry)
	if !errors.Is(err, ErrAllAgentsFailed) {
		t.Fatalf("expected ErrAllAgentsFailed, got %v", err)
	}

	// A failed restore must not flip the task to running.
	if got := env.taskStatus(t, "t1"); got != types.TaskPaused {
		t.Errorf("task status = %s, want paused", got)
	}

	// The persisted record survives the failed attempt untouched.
	rec, err := env.agents.GetAgent("a1")
	if err != nil || rec == nil {
		t.Fatalf("record lost after failed restore: %v", err)
	}
	if rec.TaskID != "t1" || rec.Status != types.AgentRunning {
		t.Errorf("record = task %s status %s, want t1 running", rec.TaskID, rec.Status)
	}
}

func TestRestoreNothingToRestore(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskPaused)

	_, err := env.orch.Restore("t1", env.registry)
	if !errors.Is(err, ErrNothingToRestore) {
		t.Fatalf("expected ErrNothingToRestore, got %v", err)
	}
}

func TestRestoreStopsOrphans(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t1", types.TaskPaused)

	if err := env.agents.SaveAgent(record("a1", "t1", nil)); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	// A live worker of the same task with no persisted running record.
	orphan, err := env.manager.Start(types.AgentConfig{AgentID: "stray", TaskID: "t1"}, lifecycle.StartOptions{Registry: env.registry})
	if err != nil {
		t.Fatalf("Start orphan failed: %v", err)
	}
	// Drop its record so the restore set does not include it.
	if err := env.agents.DeleteAgent("stray"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}

	if _, err := env.orch.Restore("t1", env.registry); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	select {
	case <-orphan.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("orphan was not stopped")
	}

	if _, ok := env.manager.Get("a1"); !ok {
		t.Error("persisted agent not restored")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.manager.Shutdown(ctx)
}
