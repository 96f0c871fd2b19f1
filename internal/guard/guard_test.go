package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amishk599/autobid/internal/model"
	"github.com/amishk599/autobid/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDo_ConcurrentCallsRunOnce(t *testing.T) {
	for n := 3; n <= 10; n++ {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			g := New(store.NewMemoryStore(), time.Minute, discardLogger())
			proceed := make(chan struct{})
			results := make(chan error, n)
			var runs atomic.Int32

			for i := 0; i < n; i++ {
				go func() {
					results <- g.Do(context.Background(), "job-1", model.ActionGenerate, func(context.Context) error {
						runs.Add(1)
						<-proceed
						return nil
					})
				}()
			}

			// The holder blocks on proceed, so the first n-1 results are skips.
			skipped := 0
			for i := 0; i < n-1; i++ {
				err := <-results
				require.ErrorIs(t, err, model.ErrLockHeld)
				skipped++
			}
			close(proceed)
			require.NoError(t, <-results)

			assert.Equal(t, int32(1), runs.Load())
			assert.Equal(t, n-1, skipped)
		})
	}
}

func TestDo_ActionsAreIndependent(t *testing.T) {
	g := New(store.NewMemoryStore(), time.Minute, discardLogger())
	ctx := context.Background()

	err := g.Do(ctx, "job-1", model.ActionGenerate, func(ctx context.Context) error {
		return g.Do(ctx, "job-1", model.ActionSubmit, func(context.Context) error { return nil })
	})
	assert.NoError(t, err)

	err = g.Do(ctx, "job-1", model.ActionGenerate, func(ctx context.Context) error {
		return g.Do(ctx, "job-1", model.ActionGenerate, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, model.ErrLockHeld, "same action on same job is exclusive")

	err = g.Do(ctx, "job-1", model.ActionGenerate, func(ctx context.Context) error {
		return g.Do(ctx, "job-2", model.ActionGenerate, func(context.Context) error { return nil })
	})
	assert.NoError(t, err, "different jobs never contend")
}

func TestDo_ReleasesOnError(t *testing.T) {
	g := New(store.NewMemoryStore(), time.Minute, discardLogger())
	ctx := context.Background()
	boom := errors.New("boom")

	err := g.Do(ctx, "job-1", model.ActionSubmit, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	ran := false
	err = g.Do(ctx, "job-1", model.ActionSubmit, func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDo_ReleasesOnPanic(t *testing.T) {
	g := New(store.NewMemoryStore(), time.Minute, discardLogger())
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = g.Do(ctx, "job-1", model.ActionSubmit, func(context.Context) error { panic("kaboom") })
	})

	ran := false
	err := g.Do(ctx, "job-1", model.ActionSubmit, func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDo_SafetyTimeoutForcesRelease(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	g := New(store.NewMemoryStore(), 50*time.Millisecond, logger)
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, "job-1", model.ActionGenerate, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return context.Cause(ctx)
		})
	}()
	<-started

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSafetyTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("fn was not cancelled by the safety timeout")
	}
	assert.Contains(t, logs.String(), "safety timeout")

	ran := false
	err := g.Do(ctx, "job-1", model.ActionGenerate, func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDo_ReclaimedLeaseIsLogged(t *testing.T) {
	var logs syncBuffer
	now := time.Now()
	locker := store.NewMemoryStoreWithClock(func() time.Time { return now })
	ctx := context.Background()

	// A crashed worker left a lease behind.
	ok, _, err := locker.TryAcquire(ctx, "job-1", model.ActionSubmit, "crashed", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	now = now.Add(2 * time.Minute)

	g := New(locker, time.Minute, slog.New(slog.NewTextHandler(&logs, nil)))
	err = g.Do(ctx, "job-1", model.ActionSubmit, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "reclaimed expired lock")
}

type failingLocker struct{}

func (failingLocker) TryAcquire(context.Context, string, model.Action, string, time.Duration) (bool, bool, error) {
	return false, false, errors.New("store down")
}

func (failingLocker) Release(context.Context, string, model.Action, string) error { return nil }

func TestDo_LockerErrorIsNotContention(t *testing.T) {
	g := New(failingLocker{}, time.Minute, discardLogger())
	err := g.Do(context.Background(), "job-1", model.ActionSubmit, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrLockHeld))
}
