package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/amishk599/autobid/internal/model"
)

const (
	// WindowKey is where the shared cooldown expiry lives in the KV store.
	WindowKey = "ratelimit/window"

	DefaultCooldown = 30 * time.Minute

	maxSwapAttempts = 8
)

// Coordinator is the process-wide (and, through the KV store, cross-process)
// cooldown gate. Once any marketplace call is rate limited, every
// non-essential marketplace call is refused until the window expires.
type Coordinator struct {
	kv       model.KVStore
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator with real time.
func NewCoordinator(kv model.KVStore, cooldown time.Duration, logger *slog.Logger) *Coordinator {
	return NewCoordinatorWithClock(kv, cooldown, time.Now, logger)
}

// NewCoordinatorWithClock creates a coordinator with an injectable clock.
func NewCoordinatorWithClock(kv model.KVStore, cooldown time.Duration, now func() time.Time, logger *slog.Logger) *Coordinator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Coordinator{kv: kv, cooldown: cooldown, now: now, logger: logger}
}

// MarkRateLimited sets the window expiry to now + cooldown. A window that
// already ends later is left alone, so concurrent marks only ever extend it.
func (c *Coordinator) MarkRateLimited(ctx context.Context) error {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		cur, ok, err := c.kv.Get(ctx, WindowKey)
		if err != nil {
			return fmt.Errorf("reading rate-limit window: %w", err)
		}

		until := c.now().Add(c.cooldown)
		var old []byte
		if ok {
			old = cur
			if prev, err := decodeExpiry(cur); err == nil && !prev.Before(until) {
				return nil
			}
		}

		swapped, err := c.kv.CompareAndSwap(ctx, WindowKey, old, encodeExpiry(until))
		if err != nil {
			return fmt.Errorf("writing rate-limit window: %w", err)
		}
		if swapped {
			c.logger.Warn("marketplace rate limited, pausing upstream calls",
				"until", until.Format(time.RFC3339),
				"cooldown", c.cooldown.String(),
			)
			return nil
		}
	}
	return fmt.Errorf("writing rate-limit window: gave up after %d concurrent updates", maxSwapAttempts)
}

// IsRateLimited reports whether the window is active. An expired window is
// deleted on read. If the store cannot be read the gate fails open and the
// anomaly is logged.
func (c *Coordinator) IsRateLimited(ctx context.Context) bool {
	remaining, err := c.Remaining(ctx)
	if err != nil {
		c.logger.Error("rate-limit store unreadable, proceeding as not limited", "error", err)
		return false
	}
	return remaining > 0
}

// Remaining returns how much of the window is left, zero when inactive.
func (c *Coordinator) Remaining(ctx context.Context) (time.Duration, error) {
	cur, ok, err := c.kv.Get(ctx, WindowKey)
	if err != nil {
		return 0, fmt.Errorf("reading rate-limit window: %w", err)
	}
	if !ok {
		return 0, nil
	}

	until, err := decodeExpiry(cur)
	if err != nil {
		c.logger.Warn("discarding malformed rate-limit window", "value", string(cur), "error", err)
		c.clearIfUnchanged(ctx, cur)
		return 0, nil
	}

	now := c.now()
	if now.Before(until) {
		return until.Sub(now), nil
	}
	c.clearIfUnchanged(ctx, cur)
	return 0, nil
}

// ShouldProceed gates an upstream call. Calls allowed during a limit (bid
// text generation, which spends a separate AI quota) always proceed.
func (c *Coordinator) ShouldProceed(ctx context.Context, action model.Action, allowDuringLimit bool) bool {
	if allowDuringLimit {
		return true
	}
	if c.IsRateLimited(ctx) {
		c.logger.Debug("upstream call suppressed by rate-limit window", "action", string(action))
		return false
	}
	return true
}

// Clear removes the window regardless of expiry. Operator use only.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.kv.Delete(ctx, WindowKey); err != nil {
		return fmt.Errorf("clearing rate-limit window: %w", err)
	}
	return nil
}

// clearIfUnchanged deletes the window only if no one extended it meanwhile.
func (c *Coordinator) clearIfUnchanged(ctx context.Context, cur []byte) {
	if _, err := c.kv.CompareAndSwap(ctx, WindowKey, cur, nil); err != nil {
		c.logger.Warn("failed to clear expired rate-limit window", "error", err)
	}
}

func encodeExpiry(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}

func decodeExpiry(b []byte) (time.Time, error) {
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiry %q: %w", b, err)
	}
	return time.UnixMilli(ms), nil
}
