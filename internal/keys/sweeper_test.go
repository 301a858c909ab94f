package keys

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hotelkey/keyservice/internal/runlock"
	"github.com/hotelkey/keyservice/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRunOnce(t *testing.T) {
	h := newHarness(t)
	h.issue(t)
	after := storetest.CheckOut.Add(time.Minute)
	h.clock = &after

	s := NewSweeper(h.engine, nil, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, ran := s.RunOnce(context.Background())
	assert.True(t, ran)
	assert.Equal(t, 1, n)
}

func TestSweeperSkipsWhenLocked(t *testing.T) {
	h := newHarness(t)
	h.issue(t)
	after := storetest.CheckOut.Add(time.Minute)
	h.clock = &after

	locker := runlock.NewLocal()
	release, err := locker.TryLock(context.Background(), sweepLockName, time.Minute)
	require.NoError(t, err)
	defer release()

	s := NewSweeper(h.engine, locker, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, ran := s.RunOnce(context.Background())
	assert.False(t, ran)
	assert.Zero(t, n)
}

func TestSweeperStartStop(t *testing.T) {
	h := newHarness(t)
	s := NewSweeper(h.engine, nil, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Start(context.Background())
	s.Stop()
}
