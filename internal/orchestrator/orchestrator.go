// Package orchestrator coordinates task-wide pause and restore of agent
// trees: it signals live workers to stop in reverse registration order and
// rebuilds persisted hierarchies parent-before-child.
package orchestrator

import (
	"errors"
	"fmt"
	"log"

	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
	"github.com/arbor-ai/arbor/pkg/types"
)

var (
	// ErrSupervisorNotFound means no lifecycle manager is wired in. Nothing
	// has been mutated when this is returned.
	ErrSupervisorNotFound = errors.New("supervisor not available")

	// ErrAllAgentsFailed means a restore reconstructed zero agents out of a
	// non-empty persisted set.
	ErrAllAgentsFailed = errors.New("all agents failed to restore")

	// ErrNothingToRestore means the task has no persisted running agents.
	ErrNothingToRestore = errors.New("no agents to restore")
)

// Orchestrator drives task-level lifecycle transitions.
type Orchestrator struct {
	manager *lifecycle.Manager
	agents  *store.AgentStore
	tasks   *store.TaskStore
	retry   lifecycle.RetryConfig
}

// New creates an Orchestrator.
func New(manager *lifecycle.Manager, agents *store.AgentStore, tasks *store.TaskStore, retry lifecycle.RetryConfig) *Orchestrator {
	return &Orchestrator{
		manager: manager,
		agents:  agents,
		tasks:   tasks,
		retry:   retry,
	}
}

// PauseOptions modify a pause request.
type PauseOptions struct {
	// Force interrupts workers immediately instead of letting queued work
	// drain. Forced workers do not persist their final state.
	Force bool
}

// Pause signals every live agent of a task to stop and returns without
// waiting for any of them to terminate. Workers are signalled newest-first
// so children receive their stop before the parent that spawned them.
//
// The task is marked "pausing" before the first signal goes out; workers
// transition it to "paused" themselves as the last one drains, so a caller
// observing "pausing" knows shutdown is still in flight.
func (o *Orchestrator) Pause(taskID string, reg *registry.Registry, opts PauseOptions) error {
	entries := reg.ListForTask(taskID)
	if len(entries) == 0 {
		if err := o.tasks.UpdateTaskStatus(taskID, types.TaskPaused); err != nil {
			return fmt.Errorf("failed to mark task %s paused: %w", taskID, err)
		}
		return nil
	}

	if o.manager == nil {
		return ErrSupervisorNotFound
	}

	if err := o.tasks.UpdateTaskStatus(taskID, types.TaskPausing); err != nil {
		return fmt.Errorf("failed to mark task %s pausing: %w", taskID, err)
	}

	maxSeq := o.signalStop(taskID, entries, opts.Force, 0)

	// Agents registered while the signals above were going out were missed
	// by the snapshot. One sweep catches them; anything racing in after the
	// sweep belongs to a spawn that already observed the pausing state.
	if late := reg.ListForTask(taskID); len(late) > 0 {
		maxSeq = o.signalStop(taskID, late, opts.Force, maxSeq)
	}

	go o.awaitDrain(taskID, reg, maxSeq)

	return nil
}

// signalStop stops the given entries newest-registration-first, skipping any
// with Seq <= after. It returns the highest Seq signalled.
func (o *Orchestrator) signalStop(taskID string, entries []*registry.Entry, force bool, after uint64) uint64 {
	// ListForTask returns entries in ascending Seq order; walk backwards.
	maxSeq := after
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Seq <= after {
			continue
		}
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
		w, ok := o.manager.Get(entry.Worker.AgentID())
		if !ok {
			// Already exited between the snapshot and now.
			continue
		}
		w.Stop(force)
	}
	return maxSeq
}

// awaitDrain waits for every signalled worker of a task to exit, then marks
// the task paused. It runs detached from the Pause call. Entries registered
// after the final sweep were never signalled and are not waited on; they
// belong to spawns that already observed the pausing state.
func (o *Orchestrator) awaitDrain(taskID string, reg *registry.Registry, maxSeq uint64) {
	for _, entry := range reg.ListForTask(taskID) {
		if entry.Seq > maxSeq {
			continue
		}
		if w, ok := o.manager.Get(entry.Worker.AgentID()); ok {
			<-w.Done()
		}
	}
	if err := o.tasks.UpdateTaskStatus(taskID, types.TaskPaused); err != nil {
		log.Printf("task %s: failed to mark paused after drain: %v", taskID, err)
	}
}

// Restore reconstructs a task's persisted agent tree. Parents are restored
// before their children, sequentially, so every child can be registered
// under a live parent handle. A child whose own restore fails takes its
// whole subtree with it; the rest of the tree still comes up.
//
// Restore returns the restored root worker. Partial success is success:
// only a total failure over a non-empty record set is an error.
func (o *Orchestrator) Restore(taskID string, reg *registry.Registry) (*lifecycle.Worker, error) {
	if o.manager == nil {
		return nil, ErrSupervisorNotFound
	}

	records, err := o.agents.GetAgentsForTask(taskID, types.AgentRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents for task %s: %w", taskID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNothingToRestore)
	}

	ordered := SortTopological(records)

	restored := make(map[string]*lifecycle.Worker, len(ordered))
	skipped := make(map[string]bool)
	var root *lifecycle.Worker

	for _, rec := range ordered {
		var parent *lifecycle.Worker
		if rec.ParentID != nil {
			if skipped[*rec.ParentID] {
				// The ancestor never came up; this record stays persisted
				// for a later retry instead of starting detached.
				skipped[rec.AgentID] = true
				log.Printf("task %s: skipping agent %s, parent %s not restored", taskID, rec.AgentID, *rec.ParentID)
				continue
			}
			parent = restored[*rec.ParentID]
			if parent == nil {
				log.Printf("task %s: agent %s references unknown parent %s, restoring as root", taskID, rec.AgentID, *rec.ParentID)
			}
		}

		w, err := o.manager.RestoreWithRetry(rec, lifecycle.StartOptions{
			Registry:       reg,
			ParentOverride: parent,
		}, o.retry)
		if err != nil {
			skipped[rec.AgentID] = true
			log.Printf("task %s: failed to restore agent %s: %v", taskID, rec.AgentID, err)
			continue
		}

		restored[rec.AgentID] = w
		if parent != nil {
			o.notifyParent(parent, rec)
		}
		if rec.ParentID == nil && root == nil {
			root = w
		}
	}

	if len(restored) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrAllAgentsFailed)
	}

	for _, w := range restored {
		w.FinishRestore()
	}

	o.reconcileOrphans(taskID, reg, restored)

	if err := o.tasks.UpdateTaskStatus(taskID, types.TaskRunning); err != nil {
		log.Printf("task %s: failed to mark running after restore: %v", taskID, err)
	}

	return root, nil
}

// notifyParent tells a restored parent about its reconstructed child so the
// parent's in-memory bookkeeping matches what was persisted.
func (o *Orchestrator) notifyParent(parent *lifecycle.Worker, rec *types.PersistedAgent) {
	child := types.ChildBudget{
		AgentID:   rec.AgentID,
		SpawnedAt: rec.InsertedAt,
		Allocated: rec.State.Budget.Allocated,
	}
	if err := parent.NotifyChildRestored(child); err != nil {
		log.Printf("agent %s: failed to notify parent %s of restored child: %v", rec.AgentID, parent.AgentID(), err)
	}
}

// reconcileOrphans force-stops live workers of the task that have no
// persisted running record backing them, and marks their records stopped.
// Failures are logged, never fatal: a leftover orphan is a smaller problem
// than aborting an otherwise successful restore.
func (o *Orchestrator) reconcileOrphans(taskID string, reg *registry.Registry, restored map[string]*lifecycle.Worker) {
	for _, entry := range reg.ListForTask(taskID) {
		agentID := entry.Worker.AgentID()
		if _, ok := restored[agentID]; ok {
			continue
		}

		log.Printf("task %s: stopping orphan agent %s", taskID, agentID)
		if w, ok := o.manager.Get(agentID); ok {
			w.Stop(true)
			o.manager.ReportOrphanStopped(w)
		}
		if err := o.agents.UpdateAgentStatus(agentID, types.AgentStopped); err != nil && !errors.Is(err, store.ErrAgentNotFound) {
			log.Printf("task %s: failed to mark orphan %s stopped: %v", taskID, agentID, err)
		}
	}
}

// SortTopological orders persisted agent records parent-before-child via a
// breadth-first walk from the roots. Records whose parent is absent from
// the set are treated as roots. Siblings keep their persisted insertion
// order.
func SortTopological(records []*types.PersistedAgent) []*types.PersistedAgent {
	byID := make(map[string]*types.PersistedAgent, len(records))
	for _, rec := range records {
		byID[rec.AgentID] = rec
	}

	children := make(map[string][]*types.PersistedAgent)
	var frontier []*types.PersistedAgent
	for _, rec := range records {
		if rec.ParentID != nil {
			if _, ok := byID[*rec.ParentID]; ok {
				children[*rec.ParentID] = append(children[*rec.ParentID], rec)
				continue
			}
		}
		frontier = append(frontier, rec)
	}

	ordered := make([]*types.PersistedAgent, 0, len(records))
	for len(frontier) > 0 {
		rec := frontier[0]
		frontier = frontier[1:]
		ordered = append(ordered, rec)
		frontier = append(frontier, children[rec.AgentID]...)
	}

	// A parent cycle keeps its members off the frontier entirely; append
	// them so no record is silently dropped.
	if len(ordered) < len(records) {
		seen := make(map[string]bool, len(ordered))
		for _, rec := range ordered {
			seen[rec.AgentID] = true
		}
		for _, rec := range records {
			if !seen[rec.AgentID] {
				log.Printf("agent %s: parent cycle detected, restoring out of order", rec.AgentID)
				ordered = append(ordered, rec)
			}
		}
	}

	return ordered
}
