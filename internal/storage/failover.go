package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FailoverStore reads and writes through a primary driver and falls
// back to a second one when the primary errors, re-probing the primary
// after a cooldown. Used to pair a redis primary with a local file so
// the queue survives the cache being unreachable.
type FailoverStore struct {
	primary   Store
	fallback  Store
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	cooldown  time.Duration
}

func NewFailoverStore(primary, fallback Store, cooldown time.Duration, logger *zerolog.Logger) *FailoverStore {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		cooldown: cooldown,
		logger:   logger,
	}
}

func (s *FailoverStore) Load(ctx context.Context) ([]byte, error) {
	if s.primaryAvailable() {
		data, err := s.primary.Load(ctx)
		if err == nil || errors.Is(err, ErrNotFound) {
			return data, err
		}
		s.markDown(err, "load")
	}
	return s.fallback.Load(ctx)
}

func (s *FailoverStore) Save(ctx context.Context, data []byte) error {
	if s.primaryAvailable() {
		err := s.primary.Save(ctx, data)
		if err == nil {
			// Keep the fallback warm so a later failover reads
			// current state. A failed shadow write is tolerable.
			if ferr := s.fallback.Save(ctx, data); ferr != nil {
				s.logger.Warn().Err(ferr).Msg("fallback shadow write failed")
			}
			return nil
		}
		s.markDown(err, "save")
	}
	return s.fallback.Save(ctx, data)
}

func (s *FailoverStore) Close() error {
	perr := s.primary.Close()
	ferr := s.fallback.Close()
	if perr != nil {
		return perr
	}
	return ferr
}

func (s *FailoverStore) primaryAvailable() bool {
	if !s.isDown.Load() {
		return true
	}
	last := time.UnixMilli(s.lastCheck.Load())
	if time.Since(last) > s.cooldown {
		s.isDown.Store(false)
		return true
	}
	return false
}

func (s *FailoverStore) markDown(err error, op string) {
	s.logger.Error().Err(err).Str("op", op).Msg("primary storage failed, falling back")
	s.isDown.Store(true)
	s.lastCheck.Store(time.Now().UnixMilli())
}
