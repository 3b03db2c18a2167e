package lifecycle

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbor-ai/arbor/internal/registry"
	"github.com/arbor-ai/arbor/pkg/types"
)

// ErrWorkerStopping is returned when work is enqueued on a worker that has
// already been asked to stop.
var ErrWorkerStopping = errors.New("worker is stopping")

// ErrQueueFull is returned when a worker's bounded command queue is full.
var ErrQueueFull = errors.New("worker queue full")

type commandKind int

const (
	cmdWork commandKind = iota
	cmdChildRestored
	cmdStop
)

type command struct {
	kind  commandKind
	work  func(ctx context.Context)
	child types.ChildBudget
}

// Worker is a live, independently scheduled agent. It is driven by a bounded
// command queue: a graceful stop is appended behind already-queued work, so
// pending work drains before exit; a forced stop cancels the worker context.
type Worker struct {
	config      types.AgentConfig
	credentials *types.AgentCredentials

	manager *Manager
	reg     *registry.Registry
	queue   chan command
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.RWMutex
	budget      types.BudgetData
	children    []types.ChildBudget
	restoring   bool
	stopping    bool
	finalStatus types.AgentStatus
	startedAt   time.Time
}

// AgentID returns the worker's unique agent identifier.
func (w *Worker) AgentID() string {
	return w.config.AgentID
}

// TaskID returns the task this worker belongs to.
func (w *Worker) TaskID() string {
	return w.config.TaskID
}

// ParentID returns the configured parent agent ID, or "" for roots.
func (w *Worker) ParentID() string {
	if w.config.ParentID == nil {
		return ""
	}
	return *w.config.ParentID
}

// Config returns the worker's agent configuration.
func (w *Worker) Config() types.AgentConfig {
	return w.config
}

// Credentials returns the decrypted credentials, if any were configured.
func (w *Worker) Credentials() *types.AgentCredentials {
	return w.credentials
}

// StartedAt returns when the worker was started or restored.
func (w *Worker) StartedAt() time.Time {
	return w.startedAt
}

// Budget returns a snapshot of the worker's budget state.
func (w *Worker) Budget() types.BudgetData {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.budget
}

// SetCommitted replaces the committed amount. Callers serialize through the
// ledger's per-parent lock.
func (w *Worker) SetCommitted(committed decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.budget.Committed = committed
}

// Children returns the worker's child-budget bookkeeping.
func (w *Worker) Children() []types.ChildBudget {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.ChildBudget, len(w.children))
	copy(out, w.children)
	return out
}

// Restoring reports whether the worker is still part of an in-flight
// restoration sequence. While true, persistence writes are suppressed so the
// record being read back is not clobbered.
func (w *Worker) Restoring() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.restoring
}

// FinishRestore clears the restoration flag once the whole sequence is done.
func (w *Worker) FinishRestore() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restoring = false
}

// Done is closed when the worker's run loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Enqueue appends work to the worker's command queue. The send is bounded
// and non-blocking.
func (w *Worker) Enqueue(work func(ctx context.Context)) error {
	w.mu.RLock()
	stopping := w.stopping
	w.mu.RUnlock()
	if stopping {
		return ErrWorkerStopping
	}

	select {
	case w.queue <- command{kind: cmdWork, work: work}:
		return nil
	default:
		return ErrQueueFull
	}
}

// NotifyChildRestored tells the worker about a reconstructed child so its
// in-memory bookkeeping matches the restored tree. The send is asynchronous
// and bounded; the restoring caller never touches the child list directly.
func (w *Worker) NotifyChildRestored(child types.ChildBudget) error {
	select {
	case w.queue <- command{kind: cmdChildRestored, child: child}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop requests termination. A graceful stop is queued behind pending work;
// a forced stop interrupts immediately via context cancellation. Stop never
// blocks and never waits for the worker to actually exit.
func (w *Worker) Stop(force bool) {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		if force {
			w.cancel()
		}
		return
	}
	w.stopping = true
	w.mu.Unlock()

	w.manager.emit(w, types.EventStopRequested)

	if force {
		w.cancel()
		return
	}

	go func() {
		select {
		case w.queue <- command{kind: cmdStop}:
		case <-w.ctx.Done():
		}
	}()
}

// markDismissed makes the worker's final persisted status "stopped" so a
// dismissed child is never picked up by a later restore.
func (w *Worker) markDismissed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalStatus = types.AgentStopped
}

// recordChild appends a child to the worker's bookkeeping.
func (w *Worker) recordChild(child types.ChildBudget) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, existing := range w.children {
		if existing.AgentID == child.AgentID {
			w.children[i] = child
			return
		}
	}
	w.children = append(w.children, child)
}

// run is the worker's command loop.
func (w *Worker) run() {
	defer w.cleanup()

	for {
		// Check the context first so a forced stop wins over queued
		// commands when both are ready.
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		select {
		case <-w.ctx.Done():
			// Forced interrupt: queued work is abandoned, nothing persists.
			return
		case cmd := <-w.queue:
			switch cmd.kind {
			case cmdWork:
				if cmd.work != nil {
					cmd.work(w.ctx)
				}
			case cmdChildRestored:
				w.recordChild(cmd.child)
			case cmdStop:
				w.persistOnExit()
				return
			}
		}
	}
}

// persistOnExit writes the worker's survivable snapshot on graceful
// termination, unless the worker is mid-restoration.
func (w *Worker) persistOnExit() {
	if w.Restoring() {
		return
	}

	record := w.buildRecord()
	if err := w.manager.agents.SaveAgent(record); err != nil {
		log.Printf("agent %s: failed to persist on exit: %v", w.AgentID(), err)
	}
}

// buildRecord snapshots the worker into a persisted agent record.
func (w *Worker) buildRecord() *types.PersistedAgent {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := w.finalStatus
	if status == "" {
		status = types.AgentRunning
	}

	children := make([]types.ChildBudget, len(w.children))
	copy(children, w.children)

	return &types.PersistedAgent{
		AgentID:    w.config.AgentID,
		TaskID:     w.config.TaskID,
		ParentID:   w.config.ParentID,
		Status:     status,
		Config:     w.config,
		InsertedAt: w.startedAt,
		State: types.AgentState{
			Budget:   w.budget,
			Children: children,
		},
	}
}

// cleanup deregisters the worker and notifies the manager.
func (w *Worker) cleanup() {
	w.cancel()
	w.manager.removeWorker(w)
	w.manager.emit(w, types.EventStopped)
	close(w.done)
}
