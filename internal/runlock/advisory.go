package runlock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log"
	"sync"
	"time"
)

// AdvisoryLocker holds a Postgres session-scoped advisory lock per code,
// keyed by (namespace, hashtext(code)). Advisory locks belong to a session,
// so each held lock pins one dedicated connection until release. If that
// connection dies, Postgres releases the lock server-side.
type AdvisoryLocker struct {
	db             *sql.DB
	namespace      int32
	releaseTimeout time.Duration
}

func NewAdvisoryLocker(db *sql.DB, namespace int32) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:             db,
		namespace:      namespace,
		releaseTimeout: 5 * time.Second,
	}
}

func (a *AdvisoryLocker) TryLock(ctx context.Context, code string) (func(), error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("runlock: dedicated connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, hashtext($2))", a.namespace, code).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("runlock: advisory lock query: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; unlock on a fresh one.
			releaseCtx, cancel := context.WithTimeout(context.Background(), a.releaseTimeout)
			defer cancel()
			if _, err := conn.ExecContext(releaseCtx, "SELECT pg_advisory_unlock($1, hashtext($2))", a.namespace, code); err != nil {
				// Closing a pooled session keeps the lock; drop the session instead.
				log.Printf("runlock: code=%s unlock failed, discarding session: %v", code, err)
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			conn.Close()
		})
	}, nil
}

var (
	_ Locker = (*KeyedMutex)(nil)
	_ Locker = (*AdvisoryLocker)(nil)
)
