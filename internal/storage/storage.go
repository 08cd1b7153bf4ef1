// Package storage provides drivers that persist the serialized offline
// queue under a single logical key. Drivers only move bytes; the queue
// package owns serialization and all queue semantics.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Load when nothing has been persisted yet.
	ErrNotFound = errors.New("storage: no persisted queue")
	// ErrQuotaExceeded marks a write rejected by the underlying medium.
	ErrQuotaExceeded = errors.New("storage: write rejected, quota exceeded")
)

// Store persists the serialized queue document.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
}
