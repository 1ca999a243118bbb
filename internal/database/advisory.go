package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Advisory lock keys. Each background job that must run on a single
// instance at a time has its own key.
const (
	LockPurgeWorker          int64 = 0x6d646d6401 // "mdmd" + job id
	LockReconciler           int64 = 0x6d646d6402
	LockPartitionMaintenance int64 = 0x6d646d6403
)

// AdvisoryLock is a session-level Postgres advisory lock. It pins a
// dedicated connection for its lifetime because the lock belongs to the
// session that acquired it.
type AdvisoryLock struct {
	conn *sql.Conn
	key  int64
}

// TryAdvisoryLock attempts to take the lock without blocking. The boolean
// reports whether the lock was acquired.
func (db *DB) TryAdvisoryLock(ctx context.Context, key int64) (*AdvisoryLock, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("pg_try_advisory_lock(%d): %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	return &AdvisoryLock{conn: conn, key: key}, true, nil
}

// Unlock releases the lock and returns its connection to the pool.
func (l *AdvisoryLock) Unlock(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()

	var released bool
	if err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&released); err != nil {
		return fmt.Errorf("pg_advisory_unlock(%d): %w", l.key, err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", l.key)
	}
	return nil
}
