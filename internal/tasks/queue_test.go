package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTasks(t *testing.T) {
	q := New(10, 2, time.Second, slog.Default())
	q.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Submit(Task{Name: "count", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	q.Stop()

	assert.Equal(t, int32(5), ran.Load())
	_, open := <-q.Errors()
	assert.False(t, open, "errors channel closed after stop")
}

func TestQueueReportsFailures(t *testing.T) {
	q := New(10, 1, time.Second, slog.Default())
	q.Start(context.Background())

	boom := errors.New("boom")
	require.NoError(t, q.Submit(Task{Name: "fail", KeyID: "k1", Run: func(context.Context) error { return boom }}))
	require.NoError(t, q.Submit(Task{Name: "panic", KeyID: "k2", Run: func(context.Context) error { panic("bad") }}))

	var failures []Failure
	done := make(chan struct{})
	go func() {
		for f := range q.Errors() {
			failures = append(failures, f)
		}
		close(done)
	}()
	q.Stop()
	<-done

	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0].Err, boom)
	assert.Equal(t, "k1", failures[0].Task.KeyID)
	assert.Contains(t, failures[1].Err.Error(), "panic")
}

func TestQueueTimeout(t *testing.T) {
	q := New(1, 1, 20*time.Millisecond, slog.Default())
	q.Start(context.Background())

	require.NoError(t, q.Submit(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	f := <-q.Errors()
	assert.ErrorIs(t, f.Err, context.DeadlineExceeded)
	q.Stop()
}

func TestSubmitFullAndClosed(t *testing.T) {
	q := New(1, 1, time.Second, slog.Default())
	block := make(chan struct{})
	started := make(chan struct{})
	q.Start(context.Background())

	require.NoError(t, q.Submit(Task{Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, q.Submit(Task{Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, q.Submit(Task{Run: func(context.Context) error { return nil }}), ErrQueueFull)

	close(block)
	q.Stop()
	assert.ErrorIs(t, q.Submit(Task{}), ErrClosed)
}
