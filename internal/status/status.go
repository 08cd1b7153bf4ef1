// Package status derives the badge shown by the UI from a queue
// snapshot. Pure derivation, no side effects.
package status

import (
	"fmt"

	"fieldsync/internal/models"
)

// State is the badge state.
type State string

const (
	// StateIdle means the queue is empty and nothing is running; the
	// badge renders nothing.
	StateIdle State = "idle"
	// StatePending means updates are waiting for connectivity.
	StatePending State = "pending"
	// StateSyncing means a drain pass is running.
	StateSyncing State = "syncing"
	// StateError means at least one update exhausted its retries and
	// waits for a manual retry.
	StateError State = "error"
)

// Status is the renderable badge value.
type Status struct {
	State        State `json:"state"`
	PendingCount int   `json:"pending_count"`
	FailedCount  int   `json:"failed_count"`
}

// Derive computes the badge from a queue snapshot.
func Derive(q models.Queue) Status {
	s := Status{
		PendingCount: len(q.Updates),
		FailedCount:  len(q.FailedUpdates),
	}

	switch q.SyncStatus {
	case models.SyncStatusSyncing:
		s.State = StateSyncing
	case models.SyncStatusError:
		s.State = StateError
	default:
		if s.PendingCount > 0 {
			s.State = StatePending
		} else {
			s.State = StateIdle
		}
	}
	return s
}

// Badge renders the short text for the UI. Idle renders nothing.
func (s Status) Badge() string {
	switch s.State {
	case StatePending:
		return fmt.Sprintf("%d pending", s.PendingCount)
	case StateSyncing:
		return "syncing"
	case StateError:
		return fmt.Sprintf("error, %d items need retry", s.FailedCount)
	}
	return ""
}
