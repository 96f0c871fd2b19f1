package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amishk599/autobid/internal/eligibility"
	"github.com/amishk599/autobid/internal/model"
	"github.com/amishk599/autobid/internal/pricing"
	"github.com/amishk599/autobid/internal/schedule"
)

// AllJobs is the RunCycle target meaning every tracked job.
const AllJobs = "all"

const (
	DefaultWorkers         = 4
	DefaultCallTimeout     = 10 * time.Second
	DefaultGenerateTimeout = 45 * time.Second
)

// RateGate is the slice of the rate-limit coordinator the orchestrator uses.
type RateGate interface {
	ShouldProceed(ctx context.Context, action model.Action, allowDuringLimit bool) bool
	MarkRateLimited(ctx context.Context) error
}

// FlightGuard runs an action for a job unless one is already in flight.
type FlightGuard interface {
	Do(ctx context.Context, jobID string, action model.Action, fn func(ctx context.Context) error) error
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Source    model.JobSource
	Writer    model.BidWriter
	Submitter model.BidSubmitter
	Ledger    model.BidLedger
	Notifier  model.Notifier
	Gate      RateGate
	Guard     FlightGuard
	Evaluator *eligibility.Evaluator
	Resolver  *pricing.Resolver
	States    *schedule.Store
}

// Config tunes a cycle.
type Config struct {
	AccountID       string
	Workers         int
	CallTimeout     time.Duration // bound on each marketplace call
	GenerateTimeout time.Duration // bound on one AI generation
	Curve           schedule.Curve
}

// CycleReport lists the decisions reached in one cycle. Aborted is set when a
// rate limit stopped the cycle before every job was processed.
type CycleReport struct {
	Decisions []model.JobDecision
	Aborted   bool
}

// Orchestrator owns the schedule table and runs the per-job pipeline:
// fetch, evaluate, generate, price, submit, reschedule.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	table  *schedule.Table
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	phases  map[string]model.Outcome
	running map[string]bool // claimed by RunDue and not yet settled
}

// New creates an Orchestrator with an empty schedule table.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	return NewWithClock(deps, cfg, time.Now, logger)
}

// NewWithClock creates an Orchestrator with an injectable clock.
func NewWithClock(deps Deps, cfg Config, now func() time.Time, logger *slog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if cfg.Curve.Min <= 0 || cfg.Curve.Max <= 0 {
		cfg.Curve = schedule.DefaultCurve
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		table:  schedule.NewTable(),
		now:    now,
		logger: logger,
		phases:  make(map[string]model.Outcome),
		running: make(map[string]bool),
	}
}

// Load restores persisted schedule entries into the table.
func (o *Orchestrator) Load(ctx context.Context) (int, error) {
	n, err := o.deps.States.LoadInto(ctx, o.table)
	if err != nil {
		return 0, fmt.Errorf("loading schedule: %w", err)
	}
	return n, nil
}

// Observe starts tracking the given jobs, due immediately. Already tracked
// jobs keep their schedule. It returns how many were new.
func (o *Orchestrator) Observe(ctx context.Context, jobIDs ...string) int {
	now := o.now()
	added := 0
	for _, id := range jobIDs {
		if id == "" || !o.table.Observe(id, now) {
			continue
		}
		added++
		e, _ := o.table.Get(id)
		if err := o.deps.States.SaveEntry(ctx, e); err != nil {
			o.logger.Warn("failed to persist schedule entry", "job_id", id, "error", err)
		}
	}
	return added
}

// Discover lists active jobs on the marketplace and observes the new ones.
func (o *Orchestrator) Discover(ctx context.Context) (int, error) {
	if !o.deps.Gate.ShouldProceed(ctx, model.ActionFetch, false) {
		return 0, fmt.Errorf("discovering jobs: %w", model.ErrRateLimited)
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	ids, err := o.deps.Source.ListActiveJobIDs(callCtx)
	if err != nil {
		if model.IsRateLimited(err) {
			o.markRateLimited(ctx)
		}
		return 0, fmt.Errorf("discovering jobs: %w", err)
	}
	added := o.Observe(ctx, ids...)
	if added > 0 {
		o.logger.Info("discovered jobs", "active", len(ids), "new", added)
	}
	return added, nil
}

// RunCycle processes one job now, or every tracked job when target is AllJobs
// (after a discovery pass). Per-job failures are reported in the decisions;
// the returned error is non-nil only when the cycle as a whole was blocked or
// aborted.
func (o *Orchestrator) RunCycle(ctx context.Context, target string) (CycleReport, error) {
	if target == "" {
		return CycleReport{}, errors.New("run cycle: empty target")
	}
	if target != AllJobs {
		o.Observe(ctx, target)
		return o.run(ctx, []string{target}, nil)
	}

	if _, err := o.Discover(ctx); err != nil {
		if model.IsRateLimited(err) {
			return CycleReport{Aborted: true}, err
		}
		o.logger.Warn("discovery failed, running tracked jobs only", "error", err)
	}
	var ids []string
	for _, e := range o.table.Snapshot() {
		ids = append(ids, e.JobID)
	}
	sort.Strings(ids)
	return o.run(ctx, ids, nil)
}

// RunDue processes every job whose next due time has passed. Jobs still
// being processed by an earlier RunDue are left to it, so overlapping calls
// never work on the same job. Each job is released as soon as it settles.
func (o *Orchestrator) RunDue(ctx context.Context) (CycleReport, error) {
	ids := o.claim(o.table.Due(o.now()))
	if len(ids) == 0 {
		return CycleReport{}, nil
	}
	return o.run(ctx, ids, o.unclaim)
}

func (o *Orchestrator) claim(ids []string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	claimed := ids[:0:0]
	for _, id := range ids {
		if o.running[id] {
			continue
		}
		o.running[id] = true
		claimed = append(claimed, id)
	}
	return claimed
}

func (o *Orchestrator) unclaim(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

// GetScheduleState reports where a job stands: its next due time and the
// last decision reached for it.
func (o *Orchestrator) GetScheduleState(ctx context.Context, jobID string) (model.ScheduleState, error) {
	st := model.ScheduleState{JobID: jobID, Phase: o.phase(jobID)}
	if e, ok := o.table.Get(jobID); ok {
		st.Scheduled = true
		st.NextDue = e.NextDue
		st.Interval = e.Interval
	}
	d, ok, err := o.deps.States.Decision(ctx, jobID)
	if err != nil {
		return st, fmt.Errorf("schedule state for %s: %w", jobID, err)
	}
	if ok {
		st.LastDecision = &d
	}
	if !st.Scheduled && !ok && st.Phase == model.OutcomeIdle {
		return st, fmt.Errorf("schedule state for %s: %w", jobID, model.ErrNotFound)
	}
	return st, nil
}

// Entries returns a copy of the schedule table.
func (o *Orchestrator) Entries() []model.ScheduleEntry {
	return o.table.Snapshot()
}

func (o *Orchestrator) run(ctx context.Context, ids []string, done func(id string)) (CycleReport, error) {
	if done == nil {
		done = func(string) {}
	}
	var report CycleReport
	if !o.deps.Gate.ShouldProceed(ctx, model.ActionFetch, false) {
		for _, id := range ids {
			report.Decisions = append(report.Decisions, o.deferJob(ctx, id))
			done(id)
		}
		report.Aborted = true
		return report, fmt.Errorf("cycle skipped: %w", model.ErrRateLimited)
	}

	var (
		mu       sync.Mutex
		deferred int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			defer done(id)
			var (
				d   model.JobDecision
				err error
			)
			switch {
			case ctx.Err() != nil:
				return nil
			case gctx.Err() != nil:
				// An earlier job hit a rate limit; record why this one waits.
				d = o.deferJob(ctx, id)
				mu.Lock()
				deferred++
				mu.Unlock()
			default:
				d, err = o.processJob(gctx, ctx, id)
			}
			mu.Lock()
			report.Decisions = append(report.Decisions, d)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	if err != nil {
		report.Aborted = true
		o.logger.Warn("cycle aborted by rate limit",
			"processed", len(report.Decisions)-deferred,
			"deferred", deferred,
			"total", len(ids),
		)
	}
	sort.Slice(report.Decisions, func(i, j int) bool {
		return report.Decisions[i].JobID < report.Decisions[j].JobID
	})
	return report, err
}

// deferJob records a rate-limit skip without touching the marketplace and
// pushes the job out by its current interval.
func (o *Orchestrator) deferJob(ctx context.Context, id string) model.JobDecision {
	res := jobResult{decision: o.decision(id, model.OutcomeSkipped, model.ReasonRateLimited, nil)}
	o.settle(ctx, id, res)
	return res.decision
}

func (o *Orchestrator) setPhase(id string, p model.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p == model.OutcomeIdle {
		delete(o.phases, id)
		return
	}
	o.phases[id] = p
}

func (o *Orchestrator) phase(id string) model.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.phases[id]; ok {
		return p
	}
	return model.OutcomeIdle
}

func (o *Orchestrator) markRateLimited(ctx context.Context) {
	if err := o.deps.Gate.MarkRateLimited(context.WithoutCancel(ctx)); err != nil {
		o.logger.Error("failed to record rate limit", "error", err)
	}
}
