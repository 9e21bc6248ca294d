package locks

import "context"

// Lock represents an acquired distributed lock.
type Lock interface {
	Refresh(ctx context.Context, ttlSeconds int) error
	Release(ctx context.Context) error
}

// Manager can acquire locks identified by a key. The engine uses it to make
// sure only one replica runs recovery at a time.
type Manager interface {
	Acquire(ctx context.Context, key string, ttlSeconds int) (Lock, bool, error)
}
