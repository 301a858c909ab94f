package runlock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLite is a Locker stored in the service database, so separate processes
// sharing one database file (serve and a cron-driven sweep) exclude each other.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	now := s.now()

	// Takes the row if it is free or its holder's TTL has lapsed.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_locks (name, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE run_locks.expires_at <= ?`,
		name, token, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if n == 0 {
		return nil, ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = s.db.ExecContext(ctx, "DELETE FROM run_locks WHERE name = ? AND token = ?", name, token)
		})
	}, nil
}
