// Package queue implements the durable, bounded, deduplicating store
// for pending milestone mutations. It exclusively owns the persisted
// representation: every mutation is a locked read-modify-write that
// persists synchronously before the in-memory state is advanced.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull rejects an enqueue for a new (entity, field) pair
	// when the queue already holds the maximum number of entries.
	ErrQueueFull = errors.New("queue: capacity exceeded")
	// ErrStorageQuota reports a persist rejected by the storage driver.
	// The in-memory queue is rolled back to the last durable state.
	ErrStorageQuota = errors.New("queue: storage rejected write")
)

// Limits bounds the queue. Zero fields take the defaults from the
// original tracker: 50 pending updates, 10 failed, 3 retries.
type Limits struct {
	Capacity       int
	FailedCapacity int
	MaxRetries     int
}

func (l Limits) withDefaults() Limits {
	if l.Capacity <= 0 {
		l.Capacity = 50
	}
	if l.FailedCapacity <= 0 {
		l.FailedCapacity = 10
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = 3
	}
	return l
}

// NewUpdate is the enqueue request produced by the milestone forms.
type NewUpdate struct {
	EntityID  string       `json:"entity_id"`
	FieldName string       `json:"field_name"`
	Value     models.Value `json:"value"`
}

func (u NewUpdate) validate() error {
	if u.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if u.FieldName == "" {
		return errors.New("field_name is required")
	}
	return u.Value.Validate()
}

// Store guards all access to the persisted queue.
type Store struct {
	mu       sync.Mutex
	backend  storage.Store
	queue    models.Queue
	limits   Limits
	logger   *zerolog.Logger
	onChange func(models.Queue)
}

// NewStore loads the queue from the backend. Missing or corrupt
// persisted state is never an error: the store starts empty. A queue
// that was persisted mid-sync by a crashed session is reset to idle.
func NewStore(ctx context.Context, backend storage.Store, limits Limits, logger *zerolog.Logger) (*Store, error) {
	s := &Store{
		backend: backend,
		limits:  limits.withDefaults(),
		logger:  logger,
	}

	data, err := backend.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.queue = models.NewQueue()
	case err != nil:
		logger.Warn().Err(err).Msg("queue load failed, starting empty")
		s.queue = models.NewQueue()
	default:
		var q models.Queue
		if jerr := json.Unmarshal(data, &q); jerr != nil {
			logger.Warn().Err(jerr).Msg("persisted queue is corrupt, starting empty")
			s.queue = models.NewQueue()
		} else {
			s.queue = sanitize(q)
		}
	}

	metrics.SetQueueDepth(len(s.queue.Updates))
	metrics.SetFailedDepth(len(s.queue.FailedUpdates))
	return s, nil
}

func sanitize(q models.Queue) models.Queue {
	if q.Updates == nil {
		q.Updates = []models.QueuedUpdate{}
	}
	if q.FailedUpdates == nil {
		q.FailedUpdates = []models.FailedUpdate{}
	}
	// A pass never survives a restart.
	if q.SyncStatus != models.SyncStatusError {
		q.SyncStatus = models.SyncStatusIdle
	}
	return q
}

// OnChange registers a callback invoked with a snapshot after every
// successful persist. The callback runs under the store lock and must
// not call back into the store.
func (s *Store) OnChange(fn func(models.Queue)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Enqueue adds a pending update or, for a duplicate (entity, field)
// pair, overwrites the existing entry's value and timestamp in place.
// Rejects with ErrQueueFull when a genuinely new pair would exceed
// capacity; the queue is left untouched in that case.
func (s *Store) Enqueue(ctx context.Context, upd NewUpdate) (models.QueuedUpdate, error) {
	if err := upd.validate(); err != nil {
		return models.QueuedUpdate{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.queue.Clone()

	var stored models.QueuedUpdate
	if i := s.queue.FindIndex(upd.EntityID, upd.FieldName); i >= 0 {
		// The refreshed stamp must differ from the old one even within
		// the same millisecond: Dequeue uses it to tell an applied
		// entry from one overwritten while its old value was in flight.
		now := models.NowMillis()
		if now <= s.queue.Updates[i].EnqueuedAt {
			now = s.queue.Updates[i].EnqueuedAt + 1
		}
		s.queue.Updates[i].Value = upd.Value
		s.queue.Updates[i].EnqueuedAt = now
		stored = s.queue.Updates[i]
	} else {
		if len(s.queue.Updates) >= s.limits.Capacity {
			return models.QueuedUpdate{}, fmt.Errorf("%w: %d entries", ErrQueueFull, len(s.queue.Updates))
		}
		stored = models.QueuedUpdate{
			ID:         uuid.NewString(),
			EntityID:   upd.EntityID,
			FieldName:  upd.FieldName,
			Value:      upd.Value,
			EnqueuedAt: models.NowMillis(),
		}
		s.queue.Updates = append(s.queue.Updates, stored)
	}

	if err := s.persistLocked(ctx, prev); err != nil {
		return models.QueuedUpdate{}, err
	}

	metrics.IncEnqueued()
	s.logger.Debug().
		Str("entity_id", stored.EntityID).
		Str("field_name", stored.FieldName).
		Str("value", stored.Value.String()).
		Int("depth", len(s.queue.Updates)).
		Msg("update enqueued")
	return stored, nil
}

// Dequeue removes the update with the given id, provided it still
// carries the enqueuedAt stamp the caller observed. An id that is no
// longer present is a no-op, and an entry that was overwritten since
// the caller read it stays queued so the newer value is not destroyed
// by the removal of the one that was applied.
func (s *Store) Dequeue(ctx context.Context, id string, enqueuedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.queue.FindByID(id)
	if i < 0 {
		return nil
	}
	if s.queue.Updates[i].EnqueuedAt != enqueuedAt {
		s.logger.Debug().
			Str("id", id).
			Msg("entry overwritten while in flight, kept queued")
		return nil
	}

	prev := s.queue.Clone()
	s.queue.Updates = append(s.queue.Updates[:i], s.queue.Updates[i+1:]...)
	return s.persistLocked(ctx, prev)
}

// IncrementRetry bumps the retry count for the update with the given
// id. When the count would exceed the retry budget the entry moves to
// FailedUpdates with the error message and failure timestamp, evicting
// the oldest failed entry past capacity. Returns whether it moved.
func (s *Store) IncrementRetry(ctx context.Context, id, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.queue.FindByID(id)
	if i < 0 {
		return false, nil
	}

	prev := s.queue.Clone()

	moved := false
	if s.queue.Updates[i].RetryCount+1 > s.limits.MaxRetries {
		failed := models.FailedUpdate{
			QueuedUpdate: s.queue.Updates[i],
			ErrorMessage: errMsg,
			FailedAt:     models.NowMillis(),
		}
		s.queue.Updates = append(s.queue.Updates[:i], s.queue.Updates[i+1:]...)
		s.queue.FailedUpdates = append(s.queue.FailedUpdates, failed)
		if len(s.queue.FailedUpdates) > s.limits.FailedCapacity {
			s.queue.FailedUpdates = s.queue.FailedUpdates[1:]
		}
		moved = true
	} else {
		s.queue.Updates[i].RetryCount++
	}

	if err := s.persistLocked(ctx, prev); err != nil {
		return false, err
	}

	if moved {
		metrics.IncExhausted()
		s.logger.Warn().
			Str("id", id).
			Str("error", errMsg).
			Msg("update exhausted retries, moved to failed")
	} else {
		metrics.IncRetry()
	}
	return moved, nil
}

// MarkSyncStarted stamps the sync attempt and flips the status to
// syncing in a single persist.
func (s *Store) MarkSyncStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.queue.Clone()
	now := models.NowMillis()
	s.queue.LastSyncAttempt = &now
	s.queue.SyncStatus = models.SyncStatusSyncing
	return s.persistLocked(ctx, prev)
}

// SetSyncStatus persists a new orchestrator state.
func (s *Store) SetSyncStatus(ctx context.Context, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.SyncStatus == status {
		return nil
	}
	prev := s.queue.Clone()
	s.queue.SyncStatus = status
	return s.persistLocked(ctx, prev)
}

// Snapshot returns a deep copy of the current queue.
func (s *Store) Snapshot() models.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Clone()
}

// Oldest returns the pending update with the earliest EnqueuedAt.
func (s *Store) Oldest() (models.QueuedUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.queue.OldestIndex()
	if i < 0 {
		return models.QueuedUpdate{}, false
	}
	return s.queue.Updates[i], true
}

// Len returns the number of pending updates.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue.Updates)
}

// persistLocked serializes and writes the queue. On failure the
// in-memory queue is rolled back to prev so memory never runs ahead of
// what was durably saved.
func (s *Store) persistLocked(ctx context.Context, prev models.Queue) error {
	data, err := json.Marshal(s.queue)
	if err != nil {
		s.queue = prev
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := s.backend.Save(ctx, data); err != nil {
		s.queue = prev
		return fmt.Errorf("%w: %v", ErrStorageQuota, err)
	}

	metrics.SetQueueDepth(len(s.queue.Updates))
	metrics.SetFailedDepth(len(s.queue.FailedUpdates))
	if s.onChange != nil {
		s.onChange(s.queue.Clone())
	}
	return nil
}
