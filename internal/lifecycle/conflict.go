package lifecycle

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/arbor-ai/arbor/pkg/types"
)

// RetryConfig bounds the duplicate-registration retry loop.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryConfig matches the orchestrator defaults.
var DefaultRetryConfig = RetryConfig{Attempts: 3, Backoff: 100 * time.Millisecond}

// RestoreWithRetry restores one agent, retrying duplicate-ID conflicts.
//
// A duplicate registration during restore usually means a previous instance
// of the same agent is still draining its stop. Waiting briefly and probing
// the registry again resolves the common case; any other error is returned
// immediately since retrying cannot fix it.
func (m *Manager) RestoreWithRetry(record *types.PersistedAgent, opts StartOptions, retry RetryConfig) (*Worker, error) {
	if retry.Attempts <= 0 {
		retry.Attempts = DefaultRetryConfig.Attempts
	}
	if retry.Backoff <= 0 {
		retry.Backoff = DefaultRetryConfig.Backoff
	}

	var lastErr error
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		w, err := m.Restore(record, opts)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, ErrDuplicateAgentID) {
			return nil, err
		}
		lastErr = err

		if attempt == retry.Attempts {
			break
		}

		log.Printf("agent %s: registration conflict on restore (attempt %d/%d), retrying", record.AgentID, attempt, retry.Attempts)

		// Probe before sleeping: if the stale entry is already gone the
		// next attempt can go straight through.
		if _, held := opts.Registry.Lookup(record.AgentID); held {
			time.Sleep(retry.Backoff)
		}
	}

	return nil, fmt.Errorf("agent %s: conflict not resolved after %d attempts: %w", record.AgentID, retry.Attempts, lastErr)
}
