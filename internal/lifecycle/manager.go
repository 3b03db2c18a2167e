// Package lifecycle starts, stops, and restores agent worker processes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbor-ai/arbor/internal/budget"
	"github.com/arbor-ai/arbor/internal/crypto"
	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/internal/store"
	"github.com/arbor-ai/arbor/pkg/types"
)

var (
	// ErrDuplicateAgentID means the registry already holds a live entry for
	// this agent ID: a stale registration from a still-running or
	// crashed-but-not-yet-cleaned process.
	ErrDuplicateAgentID = errors.New("duplicate agent id")

	// ErrMalformedConfig means the agent configuration cannot produce a
	// runnable worker.
	ErrMalformedConfig = errors.New("malformed agent config")

	// ErrWorkerNotFound means no live worker exists for the given agent ID.
	ErrWorkerNotFound = errors.New("worker not found")
)

const defaultQueueSize = 64

// StartOptions configure a single worker start or restore.
type StartOptions struct {
	// Registry receives the worker registration. Required.
	Registry *registry.Registry

	// RestorationMode suppresses the worker's persistence writes while the
	// rest of its tree is still being reconstructed.
	RestorationMode bool

	// ParentOverride is the live handle of a parent that was already
	// reconstructed earlier in a restore sequence.
	ParentOverride *Worker

	// Budget is the initial budget state. Nil means unbudgeted.
	Budget *types.BudgetData

	// Children preloads the worker's child bookkeeping (restore path).
	Children []types.ChildBudget

	// StartedAt overrides the worker's start timestamp so a restored agent
	// keeps its original spawn time. Zero means now.
	StartedAt time.Time
}

// Manager exclusively owns the execution of agent workers.
type Manager struct {
	agents    *store.AgentStore
	ledger    *budget.Ledger
	payloads  *crypto.PayloadService // may be nil; credentials stay encrypted
	queueSize int

	mu      sync.RWMutex
	workers map[string]*Worker

	subscribersMu sync.RWMutex
	subscribers   map[string]chan *types.AgentEvent
}

// NewManager creates a lifecycle Manager.
func NewManager(agents *store.AgentStore, ledger *budget.Ledger, payloads *crypto.PayloadService, queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Manager{
		agents:      agents,
		ledger:      ledger,
		payloads:    payloads,
		queueSize:   queueSize,
		workers:     make(map[string]*Worker),
		subscribers: make(map[string]chan *types.AgentEvent),
	}
}

// Ledger returns the budget ledger the manager escrows through.
func (m *Manager) Ledger() *budget.Ledger {
	return m.ledger
}

// Start creates a new supervised worker and registers it. The worker is
// registered before Start returns; a registry conflict aborts the start.
func (m *Manager) Start(cfg types.AgentConfig, opts StartOptions) (*Worker, error) {
	if cfg.AgentID == "" || cfg.TaskID == "" {
		return nil, fmt.Errorf("%w: agent_id and task_id are required", ErrMalformedConfig)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: no registry", ErrMalformedConfig)
	}

	creds, err := m.resolveCredentials(cfg)
	if err != nil {
		return nil, err
	}

	// Registry uniqueness only guards live workers. A fresh start whose ID
	// matches another task's persisted agent would clobber that snapshot on
	// the initial persist, so it is refused up front. Restores skip this:
	// their record is the one being read.
	if !opts.RestorationMode {
		existing, err := m.agents.GetAgent(cfg.AgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to check agent %s: %w", cfg.AgentID, err)
		}
		if existing != nil && existing.TaskID != cfg.TaskID {
			return nil, fmt.Errorf("%w: %s is persisted under task %s", ErrDuplicateAgentID, cfg.AgentID, existing.TaskID)
		}
	}

	budgetData := types.BudgetData{Mode: types.BudgetNone}
	if opts.Budget != nil {
		budgetData = *opts.Budget
		if budgetData.Mode == "" {
			budgetData.Mode = types.BudgetNone
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		config:      cfg,
		credentials: creds,
		manager:     m,
		reg:         opts.Registry,
		queue:       make(chan command, m.queueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		budget:      budgetData,
		restoring:   opts.RestorationMode,
		startedAt:   opts.StartedAt,
	}
	if w.startedAt.IsZero() {
		w.startedAt = time.Now()
	}
	if len(opts.Children) > 0 {
		w.children = append(w.children, opts.Children...)
	}

	parent := m.resolveParent(cfg, opts)

	// The worker enters the manager map before the registry so a concurrent
	// pause that sees the registration can always resolve the live handle.
	m.mu.Lock()
	if _, exists := m.workers[cfg.AgentID]; exists {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAgentID, cfg.AgentID)
	}
	m.workers[cfg.AgentID] = w
	m.mu.Unlock()

	if err := opts.Registry.Register(w, parent); err != nil {
		m.dropWorker(w)
		cancel()
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgentID, cfg.AgentID)
		}
		return nil, err
	}

	// Fresh starts persist their record right away so the agent survives a
	// crash before its first graceful stop. Restored workers skip this: the
	// record being read is still the source of truth for their siblings.
	if !opts.RestorationMode {
		if err := m.agents.SaveAgent(w.buildRecord()); err != nil {
			opts.Registry.Unregister(cfg.AgentID)
			m.dropWorker(w)
			cancel()
			return nil, fmt.Errorf("failed to persist agent %s: %w", cfg.AgentID, err)
		}
	}

	go w.run()

	if opts.RestorationMode {
		m.emit(w, types.EventRestored)
	} else {
		m.emit(w, types.EventStarted)
	}

	return w, nil
}

// Restore rehydrates one worker from a persisted agent record. It delegates
// to Start in restoration mode so the worker does not immediately re-persist
// itself while siblings are still being reconstructed.
func (m *Manager) Restore(record *types.PersistedAgent, opts StartOptions) (*Worker, error) {
	opts.RestorationMode = true
	opts.Budget = &record.State.Budget
	opts.Children = record.State.Children
	opts.StartedAt = record.InsertedAt
	return m.Start(record.Config, opts)
}

// SpawnChild escrows the requested budget against the parent, then starts
// the child. The escrow lock happens before the worker-start attempt; if the
// start fails, the locked amount is released so no committed funds leak.
func (m *Manager) SpawnChild(parent *Worker, cfg types.AgentConfig, requested *decimal.Decimal, reg *registry.Registry) (*Worker, error) {
	if cfg.TaskID == "" {
		cfg.TaskID = parent.TaskID()
	}
	parentID := parent.AgentID()
	cfg.ParentID = &parentID

	if err := m.ledger.CheckAndLock(parent, requested); err != nil {
		return nil, err
	}

	childBudget := types.BudgetData{Mode: types.BudgetNone}
	if requested != nil && requested.IsPositive() {
		childBudget = types.BudgetData{
			Mode:      types.BudgetChild,
			Allocated: *requested,
		}
	}

	child, err := m.Start(cfg, StartOptions{
		Registry:       reg,
		ParentOverride: parent,
		Budget:         &childBudget,
	})
	if err != nil {
		// Compensating release: the child never existed, so the full locked
		// amount comes back. A leaked committed amount with no child would
		// otherwise be unrecoverable.
		if requested != nil {
			m.ledger.ReleaseAmount(parent, *requested)
		}
		return nil, err
	}

	parent.recordChild(types.ChildBudget{
		AgentID:   child.AgentID(),
		SpawnedAt: child.StartedAt(),
		Allocated: childBudget.Allocated,
	})

	return child, nil
}

// Dismiss releases a child's unspent escrow back to the parent and stops
// the child gracefully. The child's record is marked stopped so it is never
// restored again.
func (m *Manager) Dismiss(parent *Worker, child *Worker) error {
	if err := m.ledger.Release(parent, child); err != nil {
		// The committed amount stays locked; this needs manual
		// reconciliation rather than a guessed retry.
		log.Printf("agent %s: escrow release for child %s failed: %v", parent.AgentID(), child.AgentID(), err)
	}

	child.markDismissed()
	child.Stop(false)
	return nil
}

// DismissOrphan retires a worker whose parent is no longer live. There is
// no escrow to settle, but the final persisted status is still stopped so a
// later restore never resurrects the dismissed agent.
func (m *Manager) DismissOrphan(w *Worker) {
	w.markDismissed()
	w.Stop(false)
}

// Get returns the live worker for an agent ID.
func (m *Manager) Get(agentID string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[agentID]
	return w, ok
}

// List returns all live workers.
func (m *Manager) List() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	return workers
}

// Shutdown force-stops every worker and waits for their loops to exit or
// the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, w := range m.List() {
		w.Stop(true)
	}

	for _, w := range m.List() {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// resolveCredentials decrypts the config's credentials when a payload
// service is configured.
func (m *Manager) resolveCredentials(cfg types.AgentConfig) (*types.AgentCredentials, error) {
	if cfg.Credentials == nil || m.payloads == nil {
		return nil, nil
	}

	creds, err := m.payloads.DecryptCredentials(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials: %v", ErrMalformedConfig, err)
	}
	return creds, nil
}

// resolveParent picks the parent handle: an explicit override wins,
// otherwise the configured parent is looked up in the registry.
func (m *Manager) resolveParent(cfg types.AgentConfig, opts StartOptions) registry.Worker {
	if opts.ParentOverride != nil {
		return opts.ParentOverride
	}
	if cfg.ParentID == nil {
		return nil
	}
	if entry, ok := opts.Registry.Lookup(*cfg.ParentID); ok {
		return entry.Worker
	}
	return nil
}

// dropWorker removes a worker from the manager map if it is still the one
// mapped, used to roll back a failed start.
func (m *Manager) dropWorker(w *Worker) {
	m.mu.Lock()
	if current, ok := m.workers[w.AgentID()]; ok && current == w {
		delete(m.workers, w.AgentID())
	}
	m.mu.Unlock()
}

// removeWorker drops a worker from the manager map and the registry after
// its run loop exits.
func (m *Manager) removeWorker(w *Worker) {
	m.dropWorker(w)

	if entry, ok := w.reg.Lookup(w.AgentID()); ok && entry.Worker == registry.Worker(w) {
		w.reg.Unregister(w.AgentID())
	}
}

// ReportOrphanStopped emits the orphan-stopped event for a worker that was
// force-stopped during restore reconciliation.
func (m *Manager) ReportOrphanStopped(w *Worker) {
	m.emit(w, types.EventOrphanStopped)
}

// Subscribe creates a new lifecycle event subscription.
func (m *Manager) Subscribe(id string) <-chan *types.AgentEvent {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()

	ch := make(chan *types.AgentEvent, 100)
	m.subscribers[id] = ch
	return ch
}

// Unsubscribe removes an event subscription.
func (m *Manager) Unsubscribe(id string) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()

	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// emit notifies subscribers of a worker lifecycle event.
func (m *Manager) emit(w *Worker, eventType types.AgentEventType) {
	event := &types.AgentEvent{
		ID:        uuid.New().String(),
		AgentID:   w.AgentID(),
		TaskID:    w.TaskID(),
		ParentID:  w.ParentID(),
		EventType: eventType,
		Timestamp: time.Now(),
	}

	m.subscribersMu.RLock()
	defer m.subscribersMu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}
