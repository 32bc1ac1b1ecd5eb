// Package pglock provides a cross-process mutex backed by Postgres
// session-scoped advisory locks.
//
// Each acquired lock pins a dedicated database connection for as long as
// the lock is held; Postgres releases the lock server-side if that
// connection dies, so a crashed holder cannot wedge a key forever.
//
// Keys are arbitrary strings hashed to a 32-bit value. Collisions are
// acceptable: two colliding keys simply contend for the same lock. Both
// operations are best-effort: TryLock reports false on any I/O failure
// and Unlock never fails, so a cleanup path cannot be aborted by a lost
// connection.
package pglock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
)

const (
	queryTryLock = "SELECT pg_try_advisory_lock($1)"
	queryUnlock  = "SELECT pg_advisory_unlock($1)"
)

// Locker acquires and releases advisory locks on a shared database.
type Locker struct {
	db  *sql.DB
	log zerolog.Logger

	mu   sync.Mutex
	held map[string]*sql.Conn
}

// New creates a Locker on the given database handle.
func New(db *sql.DB, log zerolog.Logger) *Locker {
	return &Locker{
		db:   db,
		log:  log,
		held: make(map[string]*sql.Conn),
	}
}

// TryLock attempts to acquire the advisory lock for key without blocking.
// It returns false when the lock is held elsewhere (another process, or
// this Locker itself) and on any database error.
func (l *Locker) TryLock(ctx context.Context, key string) bool {
	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	// Advisory locks are session-scoped: the lock lives and dies with
	// one dedicated connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("lock: dedicated connection failed")
		return false
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, queryTryLock, LockKey(key)).Scan(&acquired); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("lock: advisory lock query failed")
		conn.Close()
		return false
	}
	if !acquired {
		conn.Close()
		return false
	}

	// Only one session can hold the lock, so no concurrent TryLock for
	// this key can have been granted between the check above and here.
	l.mu.Lock()
	l.held[key] = conn
	l.mu.Unlock()
	return true
}

// Unlock releases the advisory lock for key. It never fails: release
// errors are logged and the pinned connection is closed regardless,
// which lets the server reclaim the lock. Unlocking a key that is not
// held is a no-op.
func (l *Locker) Unlock(ctx context.Context, key string) {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return
	}

	var released bool
	if err := conn.QueryRowContext(ctx, queryUnlock, LockKey(key)).Scan(&released); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("lock: advisory unlock failed")
	} else if !released {
		l.log.Warn().Str("key", key).Msg("lock: advisory unlock reported not held")
	}
	conn.Close()
}

// LockKey maps a string key onto the signed 32-bit space Postgres
// advisory locks use. FNV-1a keeps the mapping stable across processes.
func LockKey(key string) int64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int64(int32(h.Sum32()))
}
