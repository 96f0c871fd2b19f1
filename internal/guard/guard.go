package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amishk599/autobid/internal/model"
)

// DefaultSafetyTimeout bounds how long a lease may be held before it is
// force-released.
const DefaultSafetyTimeout = 2 * time.Minute

const releaseTimeout = 5 * time.Second

// ErrSafetyTimeout is the cancellation cause seen by fn when its lease was
// force-released.
var ErrSafetyTimeout = errors.New("lock safety timeout exceeded")

// Guard runs per-job actions at most once at a time across every trigger
// sharing the same Locker.
type Guard struct {
	locker model.Locker
	safety time.Duration
	logger *slog.Logger
}

// New returns a Guard. A non-positive safety timeout uses DefaultSafetyTimeout.
func New(locker model.Locker, safety time.Duration, logger *slog.Logger) *Guard {
	if safety <= 0 {
		safety = DefaultSafetyTimeout
	}
	return &Guard{locker: locker, safety: safety, logger: logger}
}

// Do acquires the (jobID, action) lease and runs fn. If the lease is held it
// returns model.ErrLockHeld at once without waiting. The lease is released on
// every exit path, including panics. If fn outlives the safety timeout the
// lease is released early and fn's context is cancelled with ErrSafetyTimeout.
func (g *Guard) Do(ctx context.Context, jobID string, action model.Action, fn func(ctx context.Context) error) error {
	owner := uuid.NewString()
	acquired, reclaimed, err := g.locker.TryAcquire(ctx, jobID, action, owner, g.safety)
	if err != nil {
		return fmt.Errorf("acquiring %s lock for job %s: %w", action, jobID, err)
	}
	if !acquired {
		g.logger.Debug("action already in flight, skipping", "job_id", jobID, "action", string(action))
		return fmt.Errorf("%s job %s: %w", action, jobID, model.ErrLockHeld)
	}
	if reclaimed {
		g.logger.Warn("reclaimed expired lock, previous holder never released it",
			"job_id", jobID,
			"action", string(action),
		)
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	var released atomic.Bool
	release := func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer relCancel()
		if err := g.locker.Release(relCtx, jobID, action, owner); err != nil {
			g.logger.Error("failed to release lock", "job_id", jobID, "action", string(action), "error", err)
		}
	}

	timer := time.AfterFunc(g.safety, func() {
		g.logger.Error("lock held past safety timeout, forcing release",
			"job_id", jobID,
			"action", string(action),
			"timeout", g.safety.String(),
		)
		cancel(ErrSafetyTimeout)
		release()
	})
	defer func() {
		timer.Stop()
		cancel(nil)
		release()
	}()

	return fn(fnCtx)
}
