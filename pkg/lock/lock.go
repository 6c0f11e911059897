// Package lock serializes work on a key, such as invocations of one pipeline.
//
// The in-process KeyedMutex covers a single control-plane replica. Several
// replicas sharing one container engine use the Redis implementation in
// lock/redis instead.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotObtained is returned when a lock could not be acquired before the
// caller gave up.
var ErrNotObtained = errors.New("lock: not obtained")

// Lock is a held lock.
type Lock interface {
	// Unlock releases the lock. Releasing twice is a no-op.
	Unlock(ctx context.Context) error
}

// Locker hands out exclusive locks per key.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Lock, error)
}

// PipelineKey returns the lock key guarding one pipeline.
func PipelineKey(pipelineID int64) string {
	return "pipeline:" + strconv.FormatInt(pipelineID, 10)
}

// Noop never blocks. It gives no mutual exclusion and exists for
// single-request deployments and tests.
type Noop struct{}

var _ Locker = Noop{}

func (Noop) Acquire(context.Context, string) (Lock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Unlock(context.Context) error { return nil }

func notObtained(key string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNotObtained, key, err)
}
