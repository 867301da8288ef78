// Package lock serializes access to the print renderer.
//
// The renderer holds one global selection and output target, so two batches
// running against it at the same time would send sheets to the wrong files.
// A batch holds the [RendererKey] lock for its whole run.
//
// Three implementations are provided:
//   - [NullLocker]: no locking, for tests and single-user setups
//   - [FileLocker]: lock files with an expiry in a shared directory
//   - [RedisLocker]: SET NX PX with a compare-and-delete release, for
//     renderers shared across machines
//
// Lock retries until the lock is acquired or ctx is done. When ctx ends first,
// the error matches both [ErrHeld] and the context error.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RendererKey is the lock key held by a running batch.
const RendererKey = "renderer"

// DefaultRetryInterval is the pause between acquisition attempts.
const DefaultRetryInterval = 100 * time.Millisecond

// ErrHeld is returned when another holder kept the lock until ctx ended.
var ErrHeld = errors.New("lock is held by another process")

// UnlockFunc releases a lock. It only releases the lock it acquired: if the
// lock expired and was taken by someone else, the new holder keeps it.
type UnlockFunc func(ctx context.Context) error

// Locker acquires named locks with a time to live.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// NullLocker always succeeds immediately.
type NullLocker struct{}

func (NullLocker) Lock(context.Context, string, time.Duration) (UnlockFunc, error) {
	return func(context.Context) error { return nil }, nil
}

// acquire calls try until it succeeds, fails, or ctx is done.
func acquire(ctx context.Context, interval time.Duration, try func() (bool, error)) error {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrHeld, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Ensure implementations satisfy Locker.
var (
	_ Locker = NullLocker{}
	_ Locker = (*FileLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
