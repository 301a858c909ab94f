package keys

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hotelkey/keyservice/internal/runlock"
)

const sweepLockName = "expiry-sweep"

// Sweeper runs the expiry sweep periodically under a run-lock so that two
// sweeps never overlap, in this process or another replica.
type Sweeper struct {
	mu       sync.RWMutex
	engine   *Engine
	locker   runlock.Locker
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSweeper(engine *Engine, locker runlock.Locker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if locker == nil {
		locker = runlock.NewLocal()
	}
	return &Sweeper{
		engine:   engine,
		locker:   locker,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunOnce performs a single sweep if the run-lock is free. It returns the
// number of keys expired and whether the sweep ran at all.
func (s *Sweeper) RunOnce(ctx context.Context) (int, bool) {
	ttl := s.interval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	release, err := s.locker.TryLock(ctx, sweepLockName, ttl)
	if errors.Is(err, runlock.ErrHeld) {
		s.logger.Debug("expiry sweep skipped, lock held")
		return 0, false
	}
	if err != nil {
		s.logger.Error("expiry sweep lock", "error", err)
		return 0, false
	}
	defer release()

	n, err := s.engine.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("expiry sweep", "error", err, "expired", n)
		return n, true
	}
	if n > 0 {
		s.logger.Info("expiry sweep", "expired", n)
	}
	return n, true
}
