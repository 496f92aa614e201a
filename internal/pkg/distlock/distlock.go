// Package distlock serializes work across worker processes. The fan-out
// holds one lock per (tenant, campaign) launch so concurrent deliveries of
// the same launch job never interleave their rotation state.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-worker/internal/pkg/logger"
)

// ErrNotAcquired is returned by WithLock when another holder owns the lock.
var ErrNotAcquired = errors.New("lock held by another worker")

// DistLock is the interface for distributed locking.
// A lock instance is owned by one goroutine at a time.
type DistLock interface {
	// Acquire tries to acquire the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// ErrLockLost is the cancel cause seen by a WithLock callback whose lock
// expired or was taken over while it ran.
var ErrLockLost = errors.New("lock lost while held")

// Extender is implemented by locks that expire unless renewed. WithLock
// renews them every TTL/3 while the callback runs.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
	TTL() time.Duration
}

// Factory builds a lock for a key. Used to inject locking into processors.
type Factory func(key string) DistLock

// NewFactory returns a Factory backed by Redis when a client is given,
// otherwise by PostgreSQL advisory locks.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	return func(key string) DistLock {
		if redisClient != nil {
			return NewRedisLock(redisClient, key, ttl)
		}
		return NewPGAdvisoryLock(db, key)
	}
}

// LaunchKey names the lock guarding one campaign launch.
func LaunchKey(tenantID, campaignID string) string {
	return fmt.Sprintf("launch:%s:%s", tenantID, campaignID)
}

// WithLock runs fn while holding lock. It returns ErrNotAcquired without
// calling fn when the lock is taken. An expiring lock is renewed for as long
// as fn runs; if a renewal finds the lock gone, fn's context is cancelled
// with ErrLockLost. Release uses a fresh context so a cancelled caller still
// frees the lock.
func WithLock(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) error {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = lock.Release(rctx)
	}()

	ext, ok := lock.(Extender)
	if !ok || ext.TTL() <= 0 {
		return fn(ctx)
	}

	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(fctx, ext, cancel)
	}()

	err = fn(fctx)
	cancel(nil)
	<-stopped
	if err != nil && errors.Is(context.Cause(fctx), ErrLockLost) {
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	}
	return err
}

func keepAlive(ctx context.Context, ext Extender, cancel context.CancelCauseFunc) {
	ttl := ext.TTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := ext.Extend(ctx, ttl)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotAcquired):
			cancel(ErrLockLost)
			return
		case ctx.Err() == nil:
			logger.Warn("lock renewal failed", "error", err)
		}
	}
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Advisory locks are session-scoped, so the lock pins one pooled connection
// from Acquire until Release. The lock is freed if that connection drops.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries pg_try_advisory_lock on a dedicated connection.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return closeErr
}
