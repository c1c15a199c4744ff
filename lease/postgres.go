package lease

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLeaser implements leases with PostgreSQL advisory locks. The lock
// is session-scoped: a dedicated connection is pinned for the lease lifetime
// and returned to the pool on release, which also releases the lock if the
// holder dies.
type PostgresLeaser struct {
	pool *pgxpool.Pool
}

// NewPostgresLeaser creates a leaser over an existing pool.
func NewPostgresLeaser(pool *pgxpool.Pool) *PostgresLeaser {
	return &PostgresLeaser{pool: pool}
}

// Acquire implements Leaser.
func (l *PostgresLeaser) Acquire(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	id := lockID(key)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Unlock on a background context: release must work even after
			// the acquiring context was cancelled.
			conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, id)
			conn.Release()
		})
	}
	return release, nil
}

// lockID maps a lease key onto the advisory lock keyspace.
func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
