package runlock

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hotelkey/keyservice/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExcludesOverlap(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "sweep", time.Minute)
	assert.True(t, errors.Is(err, ErrHeld))

	other, err := l.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err, "different names are independent")
	other()

	release()
	release()

	again, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocalExpires(t *testing.T) {
	l := NewLocal()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	stale()
	_, err = l.TryLock(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "stale release must not free the new holder")
	fresh()
}

func TestRedisLock(t *testing.T) {
	url := os.Getenv("HOTELKEY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HOTELKEY_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(url)
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.Ping(ctx))

	name := "test-" + time.Now().Format("150405.000000000")
	release, err := r.TryLock(ctx, name, 5*time.Second)
	require.NoError(t, err)

	_, err = r.TryLock(ctx, name, 5*time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	release()
	again, err := r.TryLock(ctx, name, 5*time.Second)
	require.NoError(t, err)
	again()
}

func TestNewRedisBadURL(t *testing.T) {
	_, err := NewRedis("not a url")
	assert.Error(t, err)
}

func TestSQLiteExcludesOtherProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.db")
	open := func() *sql.DB {
		db, err := database.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}
	serve, cron := NewSQLite(open()), NewSQLite(open())
	ctx := context.Background()

	release, err := serve.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = cron.TryLock(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "a second connection to the same file sees the lock")

	other, err := cron.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := cron.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	again()
}

func TestSQLiteExpires(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	l := NewSQLite(db)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err, "lapsed TTL frees the lock")

	stale()
	_, err = l.TryLock(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "stale release must not free the new holder")
	fresh()
}
