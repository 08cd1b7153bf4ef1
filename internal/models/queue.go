package models

import "time"

// Sync status values persisted with the queue.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

// QueuedUpdate is a single pending milestone mutation. At most one
// entry exists per (EntityID, FieldName) pair; a later enqueue for the
// same pair overwrites Value and EnqueuedAt in place.
type QueuedUpdate struct {
	ID         string `json:"id"`
	EntityID   string `json:"entityId"`
	FieldName  string `json:"fieldName"`
	Value      Value  `json:"value"`
	EnqueuedAt int64  `json:"enqueuedAt"`
	RetryCount int    `json:"retryCount"`
}

// FailedUpdate is an update that exhausted its retry budget, kept so
// the user can retry it manually from the error badge.
type FailedUpdate struct {
	QueuedUpdate
	ErrorMessage string `json:"errorMessage"`
	FailedAt     int64  `json:"failedAt"`
}

// Queue is the persisted collection of pending mutations. It is stored
// as a single JSON document under one storage key.
type Queue struct {
	Updates         []QueuedUpdate `json:"updates"`
	LastSyncAttempt *int64         `json:"lastSyncAttempt"`
	SyncStatus      string         `json:"syncStatus"`
	FailedUpdates   []FailedUpdate `json:"failedUpdates"`
}

// NewQueue returns an empty idle queue.
func NewQueue() Queue {
	return Queue{
		Updates:       []QueuedUpdate{},
		SyncStatus:    SyncStatusIdle,
		FailedUpdates: []FailedUpdate{},
	}
}

// FindIndex returns the position of the update for the given
// (entityID, fieldName) pair, or -1.
func (q *Queue) FindIndex(entityID, fieldName string) int {
	for i := range q.Updates {
		if q.Updates[i].EntityID == entityID && q.Updates[i].FieldName == fieldName {
			return i
		}
	}
	return -1
}

// FindByID returns the position of the update with the given id, or -1.
func (q *Queue) FindByID(id string) int {
	for i := range q.Updates {
		if q.Updates[i].ID == id {
			return i
		}
	}
	return -1
}

// OldestIndex returns the position of the update with the smallest
// EnqueuedAt (earliest entry wins ties), or -1 when the queue is empty.
func (q *Queue) OldestIndex() int {
	oldest := -1
	for i := range q.Updates {
		if oldest == -1 || q.Updates[i].EnqueuedAt < q.Updates[oldest].EnqueuedAt {
			oldest = i
		}
	}
	return oldest
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (q Queue) Clone() Queue {
	out := q
	out.Updates = append([]QueuedUpdate{}, q.Updates...)
	out.FailedUpdates = append([]FailedUpdate{}, q.FailedUpdates...)
	if q.LastSyncAttempt != nil {
		ts := *q.LastSyncAttempt
		out.LastSyncAttempt = &ts
	}
	return out
}

// NowMillis is the timestamp format used throughout the queue.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
