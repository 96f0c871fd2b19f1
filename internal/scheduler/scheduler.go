package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amishk599/autobid/internal/model"
	"github.com/amishk599/autobid/internal/orchestrator"
)

const (
	DefaultTick              = time.Second
	DefaultDiscoveryInterval = time.Minute
)

// Engine is what the scheduler drives.
type Engine interface {
	Discover(ctx context.Context) (int, error)
	RunDue(ctx context.Context) (orchestrator.CycleReport, error)
}

// Scheduler owns the daemon's main loop: it discovers new jobs on one ticker
// and runs whatever is due on another. Per-job intervals live in the engine's
// schedule table; the tick only sets the resolution.
//
// Work is dispatched in the background so a slow job never holds up the
// tickers. The engine keeps overlapping due runs off the same job; at most
// one discovery runs at a time.
type Scheduler struct {
	engine    Engine
	tick      time.Duration
	discovery time.Duration
	logger    *slog.Logger

	wg          sync.WaitGroup
	discovering atomic.Bool
}

// NewScheduler creates a scheduler. Non-positive durations use the defaults.
func NewScheduler(engine Engine, tick, discovery time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if discovery <= 0 {
		discovery = DefaultDiscoveryInterval
	}
	return &Scheduler{
		engine:    engine,
		tick:      tick,
		discovery: discovery,
		logger:    logger,
	}
}

// Run starts the loop. It discovers and runs due jobs once immediately, then
// on each ticker. When ctx is cancelled it waits for dispatched work to
// return and then returns nil (graceful shutdown).
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		"tick", s.tick.String(),
		"discovery_interval", s.discovery.String(),
	)
	defer s.wg.Wait()

	s.goDiscover(ctx)
	s.goRunDue(ctx)

	tick := time.NewTicker(s.tick)
	defer tick.Stop()
	discovery := time.NewTicker(s.discovery)
	defer discovery.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down scheduler")
			return nil
		case <-discovery.C:
			s.goDiscover(ctx)
		case <-tick.C:
			s.goRunDue(ctx)
		}
	}
}

func (s *Scheduler) goDiscover(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.discovering.CompareAndSwap(false, true) {
		s.logger.Debug("discovery still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.discovering.Store(false)
		s.discover(ctx)
	}()
}

func (s *Scheduler) goRunDue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDue(ctx)
	}()
}

func (s *Scheduler) discover(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.engine.Discover(ctx); err != nil {
		if model.IsRateLimited(err) {
			s.logger.Debug("discovery paused by rate limit")
			return
		}
		s.logger.Error("discovery failed", "error", err)
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.engine.RunDue(ctx)
	if err != nil && !model.IsRateLimited(err) {
		s.logger.Error("cycle failed", "error", err)
	}
	if len(report.Decisions) == 0 {
		return
	}

	counts := make(map[model.Outcome]int)
	for _, d := range report.Decisions {
		counts[d.Outcome]++
	}
	s.logger.Info("cycle complete",
		"jobs", len(report.Decisions),
		"submitted", counts[model.OutcomeSubmitted],
		"skipped", counts[model.OutcomeSkipped],
		"failed", counts[model.OutcomeFailed],
		"aborted", report.Aborted,
	)
}
