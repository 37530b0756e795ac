package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// leaderLockID is the advisory lock namespace shared by every resolver
// instance pointed at the same database.
const leaderLockID int64 = 0x7665726e61747273

// AdvisoryLock is a Postgres session-scoped advisory lock. The lock is
// pinned to one dedicated connection so release talks to the session that
// holds it; losing the connection loses the lock, which is the desired
// failover behavior.
type AdvisoryLock struct {
	db  *sql.DB
	log *slog.Logger

	mu   sync.Mutex
	conn *sql.Conn
}

var _ LeaderLock = (*AdvisoryLock)(nil)

// NewAdvisoryLock wraps the shared database handle.
func NewAdvisoryLock(db *sql.DB, logger *slog.Logger) *AdvisoryLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLock{db: db, log: logger.With("component", "leader_lock")}
}

// TryAcquire grabs the advisory lock without blocking. Holding it already
// reports success after verifying the session is still alive.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		// The lock lives exactly as long as this session: a failed ping
		// means Postgres has already freed it for someone else.
		if err := l.conn.PingContext(ctx); err != nil {
			l.log.Warn("leader lock session lost", "error", err)
			_ = l.conn.Close()
			l.conn = nil
			return false, nil
		}
		return true, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("state: leader lock connection: %w", err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, leaderLockID).Scan(&got); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("state: try advisory lock: %w", err)
	}
	if !got {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	l.log.Info("leadership acquired")
	return true, nil
}

// Release lets the lock go and returns the connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, leaderLockID)
	_ = l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("state: release advisory lock: %w", err)
	}
	l.log.Info("leadership released")
	return nil
}

// StaticLeader grants or denies leadership unconditionally: true for the
// single-process lite deployment, false for read-only instances.
type StaticLeader bool

var _ LeaderLock = StaticLeader(false)

func (s StaticLeader) TryAcquire(context.Context) (bool, error) { return bool(s), nil }

func (s StaticLeader) Release(context.Context) error { return nil }
