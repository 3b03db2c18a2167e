// Package registry provides the live directory of agent workers.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/arbor-ai/arbor/pkg/types"
)

// ErrAlreadyRegistered is returned when an agent ID is already held by a
// live entry. The conflict is signalled, never resolved by overwrite; the
// prior registration may belong to a process that is still draining.
var ErrAlreadyRegistered = errors.New("agent id already registered")

// Worker is the live handle a registry entry points at. The registry holds
// no ownership of the worker's execution; it is identity plumbing only.
type Worker interface {
	AgentID() string
	TaskID() string
}

// Entry is the registry's view of one live agent.
type Entry struct {
	Worker       Worker
	Parent       Worker // nil for root agents
	RegisteredAt time.Time
	Seq          uint64 // strictly increasing registration order
}

// Registry maps live agent identifiers to worker handles.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	nextSeq uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register adds a live worker under its agent ID. A second registration for
// an ID that is still live returns ErrAlreadyRegistered.
func (r *Registry) Register(worker Worker, parent Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := worker.AgentID()
	if _, exists := r.entries[id]; exists {
		return ErrAlreadyRegistered
	}

	r.nextSeq++
	r.entries[id] = &Entry{
		Worker:       worker,
		Parent:       parent,
		RegisteredAt: time.Now(),
		Seq:          r.nextSeq,
	}

	return nil
}

// Unregister removes the entry for an agent ID, if present.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, agentID)
}

// Lookup returns the entry for an agent ID.
func (r *Registry) Lookup(agentID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[agentID]
	return entry, ok
}

// ListForTask returns the entries of all live agents belonging to a task,
// in registration order (ascending Seq).
func (r *Registry) ListForTask(taskID string) []*Entry {
	r.mu.RLock()
	var entries []*Entry
	for _, entry := range r.entries {
		if entry.Worker.TaskID() == taskID {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
	return entries
}

// ResolveParentID returns the agent ID of the given worker's parent, or ""
// if the worker is unregistered or a root. Used to stamp inter-agent
// messages with a sender identity the sender does not need to know.
func (r *Registry) ResolveParentID(worker Worker) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[worker.AgentID()]
	if !ok || entry.Worker != worker || entry.Parent == nil {
		return ""
	}
	return entry.Parent.AgentID()
}

// Info returns API listing views for all live agents of a task.
func (r *Registry) Info(taskID string) []types.AgentInfo {
	entries := r.ListForTask(taskID)

	infos := make([]types.AgentInfo, 0, len(entries))
	for _, entry := range entries {
		info := types.AgentInfo{
			AgentID:      entry.Worker.AgentID(),
			TaskID:       entry.Worker.TaskID(),
			RegisteredAt: entry.RegisteredAt,
		}
		if entry.Parent != nil {
			info.ParentID = entry.Parent.AgentID()
		}
		infos = append(infos, info)
	}
	return infos
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
