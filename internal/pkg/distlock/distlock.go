// Package distlock provides a best-effort cross-process mutex so only one
// outbox relay claims work per tick.
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
)

// ErrNotHeld is returned by Release when the caller does not own the lock.
var ErrNotHeld = errors.New("distlock: lock not held")

// Locker is a non-blocking distributed lock. A single Locker must not be
// used from several goroutines at once.
type Locker interface {
	// TryAcquire returns true when the lock was taken.
	TryAcquire(ctx context.Context) (bool, error)
	// Release frees the lock if this Locker still owns it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire on their own. Extend may be
// called from a goroutine other than the one holding the lock.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// New picks Redis when a client is configured and falls back to a
// Postgres advisory lock otherwise. With neither it returns a process-local
// lock, which is enough for a single instance on the in-memory store.
func New(rdb redis.UniversalClient, db *sql.DB, key string, ttl time.Duration) Locker {
	switch {
	case rdb != nil:
		return NewRedisLock(rdb, key, ttl)
	case db != nil:
		return NewPGAdvisoryLock(db, key)
	default:
		return &localLock{}
	}
}

// PGAdvisoryLock uses pg_try_advisory_lock. Advisory locks belong to a
// session, so the connection that acquired the lock is pinned until
// Release and closing it frees the lock if the process dies.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("distlock: get connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("distlock: try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("distlock: advisory unlock: %w", err)
	}
	return nil
}

type localLock struct {
	mu   sync.Mutex
	held bool
}

func (l *localLock) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *localLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	return nil
}
