package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amishk599/autobid/internal/eligibility"
	"github.com/amishk599/autobid/internal/model"
)

// jobResult is what one pass over a job produced. job is the latest snapshot
// seen, nil when it could not be fetched. abort carries a rate-limit error
// that must stop the whole cycle.
type jobResult struct {
	job      *model.Job
	decision model.JobDecision
	gone     bool // marketplace no longer knows the job
	abort    error
}

// processJob runs one job. ctx is cancelled when another job aborts the
// cycle; base outlives that abort and only ends on shutdown.
func (o *Orchestrator) processJob(ctx, base context.Context, id string) (model.JobDecision, error) {
	o.setPhase(id, model.OutcomeEvaluating)
	defer o.setPhase(id, model.OutcomeIdle)

	res := o.evaluateAndAct(ctx, base, id)
	o.settle(ctx, id, res)
	return res.decision, res.abort
}

func (o *Orchestrator) evaluateAndAct(ctx, base context.Context, id string) jobResult {
	job, err := o.fetch(ctx, id)
	if err != nil {
		return o.upstreamFailure(ctx, id, nil, model.ReasonFetchFailed, err)
	}
	if err := job.Validate(); err != nil {
		o.logger.Warn("skipping malformed job snapshot", "job_id", id, "error", err)
		return jobResult{job: &job, decision: o.decision(id, model.OutcomeSkipped, model.ReasonInvalidSnapshot, err)}
	}
	if job.Status.Terminal() {
		return jobResult{job: &job, decision: o.decision(id, model.OutcomeSkipped, model.ReasonStatusNotOpen, nil)}
	}

	hist, err := o.history(ctx, job)
	if err != nil {
		return o.upstreamFailure(ctx, id, &job, model.ReasonFetchFailed, err)
	}

	verdict := o.deps.Evaluator.Evaluate(job, hist, o.now())
	if !verdict.Qualifies {
		return jobResult{job: &job, decision: o.decision(id, model.OutcomeSkipped, verdict.Reason, nil)}
	}

	// Generation spends the AI quota, so a marketplace rate limit hit by
	// another job does not cancel it.
	o.setPhase(id, model.OutcomeGenerating)
	err = o.deps.Guard.Do(base, id, model.ActionGenerate, func(genCtx context.Context) error {
		return o.ensureDraft(genCtx, job)
	})
	if err != nil {
		if errors.Is(err, model.ErrLockHeld) {
			return jobResult{job: &job, decision: o.decision(id, model.OutcomeSkipped, model.ReasonInFlight, nil)}
		}
		if base.Err() != nil {
			return o.upstreamFailure(ctx, id, &job, model.ReasonGenerationFailed, err)
		}
		// AI provider limits are a separate quota and never open the
		// marketplace cooldown window.
		o.logger.Warn("bid text generation failed", "job_id", id, "error", err)
		return jobResult{job: &job, decision: o.decision(id, model.OutcomeFailed, model.ReasonGenerationFailed, err)}
	}

	if ctx.Err() != nil {
		// The draft is kept for the next cycle.
		return o.upstreamFailure(ctx, id, &job, model.ReasonSubmitFailed, ctx.Err())
	}

	var res jobResult
	err = o.deps.Guard.Do(ctx, id, model.ActionSubmit, func(ctx context.Context) error {
		res = o.submit(ctx, job)
		return nil
	})
	if errors.Is(err, model.ErrLockHeld) {
		return jobResult{job: &job, decision: o.decision(id, model.OutcomeSkipped, model.ReasonInFlight, nil)}
	}
	if err != nil {
		return o.upstreamFailure(ctx, id, &job, model.ReasonSubmitFailed, err)
	}
	return res
}

// history gathers local and remote bid knowledge. The remote listing is the
// authority; it is skipped when a cheaper source already rules the job out.
// Only a rate limit makes the remote failure fatal for this pass.
func (o *Orchestrator) history(ctx context.Context, job model.Job) (eligibility.History, error) {
	var h eligibility.History

	last, ok, err := o.deps.Ledger.LastAttempt(ctx, job.ID)
	if err != nil {
		o.logger.Warn("reading local bid attempts failed", "job_id", job.ID, "error", err)
	} else if ok {
		h.LastAttempt = &last
	}
	if job.AlreadyBid || h.AlreadyActed() {
		return h, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	bids, err := o.deps.Source.ListExistingBids(callCtx, job.ID, o.cfg.AccountID)
	switch {
	case err == nil:
		h.RemoteKnown = true
		h.RemoteBids = bids
	case model.IsRateLimited(err) || ctx.Err() != nil:
		return h, err
	default:
		o.logger.Warn("remote bid listing unavailable, using local state", "job_id", job.ID, "error", err)
	}
	return h, nil
}

// ensureDraft makes sure bid text exists for job. Existing text is reused.
// Generation spends the AI quota, not the marketplace's, so it is allowed
// while the marketplace is rate limited.
func (o *Orchestrator) ensureDraft(ctx context.Context, job model.Job) error {
	if _, ok, err := o.deps.Ledger.BidText(ctx, job.ID); err != nil {
		return fmt.Errorf("reading bid text: %w", err)
	} else if ok {
		return nil
	}
	if !o.deps.Gate.ShouldProceed(ctx, model.ActionGenerate, true) {
		return fmt.Errorf("generate: %w", model.ErrRateLimited)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	defer cancel()
	draft, err := o.deps.Writer.Generate(genCtx, job)
	if err != nil {
		return fmt.Errorf("generating bid text: %w", err)
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = o.now()
	}
	if err := o.deps.Ledger.SaveBidText(ctx, job.ID, draft); err != nil {
		return fmt.Errorf("saving bid text: %w", err)
	}
	o.logger.Info("generated bid text", "job_id", job.ID, "estimated_price", draft.EstimatedPrice)
	return nil
}

// submit runs with the submit lease held.
func (o *Orchestrator) submit(ctx context.Context, job model.Job) jobResult {
	id := job.ID

	draft, ok, err := o.deps.Ledger.BidText(ctx, id)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("no bid text stored")
		}
		return jobResult{job: &job, decision: o.decision(id, model.OutcomeFailed, model.ReasonGenerationFailed, err)}
	}

	// Another trigger may have submitted between evaluation and this lease.
	if last, ok, err := o.deps.Ledger.LastAttempt(ctx, id); err == nil && ok && last.Status == model.AttemptSubmitted {
		return jobResult{job: &job, decision: o.decision(id, model.OutcomeSkipped, model.ReasonAlreadyBid, nil)}
	}

	if !o.deps.Gate.ShouldProceed(ctx, model.ActionSubmit, false) {
		return jobResult{
			job:      &job,
			decision: o.decision(id, model.OutcomeSkipped, model.ReasonRateLimited, nil),
			abort:    fmt.Errorf("submit %s: %w", id, model.ErrRateLimited),
		}
	}

	// Re-check status before committing; the job may have closed mid-cycle.
	fresh, err := o.fetch(ctx, id)
	if err != nil {
		return o.upstreamFailure(ctx, id, &job, model.ReasonFetchFailed, err)
	}
	if fresh.Status != model.StatusOpen {
		o.logger.Info("job closed mid-cycle, not submitting", "job_id", id, "status", string(fresh.Status))
		return jobResult{job: &fresh, decision: o.decision(id, model.OutcomeSkipped, model.ReasonClosedMidCycle, nil)}
	}

	amount, err := o.deps.Resolver.Resolve(draft.EstimatedPrice, fresh.Budget, fresh.MarketAverageBid)
	if err != nil {
		return jobResult{job: &fresh, decision: o.decision(id, model.OutcomeFailed, model.ReasonPricingFailed, err)}
	}

	req := model.BidRequest{
		JobID:        id,
		AccountID:    o.cfg.AccountID,
		Amount:       amount.Amount,
		Currency:     amount.Currency,
		DurationDays: draft.DurationDays,
		Text:         draft.Text,
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	result, err := o.deps.Submitter.SubmitBid(callCtx, req)
	attempt := model.BidAttempt{
		JobID:       id,
		Amount:      amount.Amount,
		Currency:    amount.Currency,
		AttemptedAt: o.now(),
	}
	if err != nil {
		attempt.Status = model.AttemptFailed
		attempt.Error = err.Error()
		o.recordAttempt(ctx, attempt)
		return o.upstreamFailure(ctx, id, &fresh, model.ReasonSubmitFailed, err)
	}

	attempt.Status = model.AttemptSubmitted
	if result.SubmittedAmount > 0 {
		attempt.Amount = result.SubmittedAmount
		amount.Amount = result.SubmittedAmount
	}
	o.recordAttempt(ctx, attempt)

	fresh.Status = model.StatusBidSubmitted
	o.logger.Info("bid submitted",
		"job_id", id,
		"bid_id", result.BidID,
		"amount", amount.Amount,
		"currency", amount.Currency,
		"capped", amount.WasCapped,
	)
	if o.deps.Notifier != nil {
		sub := model.SubmittedBid{Job: fresh, Amount: amount, BidID: result.BidID, At: attempt.AttemptedAt}
		if err := o.deps.Notifier.Notify([]model.SubmittedBid{sub}); err != nil {
			o.logger.Warn("notification failed", "job_id", id, "error", err)
		}
	}

	d := o.decision(id, model.OutcomeSubmitted, model.ReasonSubmitted, nil)
	d.Amount = amount.Amount
	d.Currency = amount.Currency
	return jobResult{job: &fresh, decision: d}
}

// upstreamFailure classifies err from a marketplace call. A rate limit opens
// the cooldown window and aborts the cycle. A vanished job is dropped.
// Anything else fails this job only.
func (o *Orchestrator) upstreamFailure(ctx context.Context, id string, job *model.Job, reason string, err error) jobResult {
	switch {
	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		if model.IsRateLimited(cause) {
			return jobResult{job: job, decision: o.decision(id, model.OutcomeSkipped, model.ReasonRateLimited, cause)}
		}
		return jobResult{job: job, decision: o.decision(id, model.OutcomeFailed, reason, err)}
	case model.IsRateLimited(err):
		o.markRateLimited(ctx)
		return jobResult{
			job:      job,
			decision: o.decision(id, model.OutcomeSkipped, model.ReasonRateLimited, err),
			abort:    err,
		}
	case errors.Is(err, model.ErrNotFound):
		return jobResult{job: job, gone: true, decision: o.decision(id, model.OutcomeSkipped, model.ReasonNotFound, err)}
	}
	o.logger.Warn("job step failed", "job_id", id, "reason", reason, "transient", model.IsTransient(err), "error", err)
	return jobResult{job: job, decision: o.decision(id, model.OutcomeFailed, reason, err)}
}

// settle persists the decision and reschedules the job, or drops its entry
// once the job is terminal.
func (o *Orchestrator) settle(ctx context.Context, id string, res jobResult) {
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.States.SaveDecision(ctx, res.decision); err != nil {
		o.logger.Warn("failed to persist decision", "job_id", id, "error", err)
	}

	if res.gone || (res.job != nil && res.job.Status.Terminal()) {
		o.table.Remove(id)
		if err := o.deps.States.DeleteEntry(ctx, id); err != nil {
			o.logger.Warn("failed to delete schedule entry", "job_id", id, "error", err)
		}
		o.logger.Info("job finished",
			"job_id", id,
			"outcome", string(res.decision.Outcome),
			"reason", res.decision.Reason,
		)
		return
	}

	now := o.now()
	e := o.table.Reschedule(id, now, o.interval(id, res.job, now))
	if err := o.deps.States.SaveEntry(ctx, e); err != nil {
		o.logger.Warn("failed to persist schedule entry", "job_id", id, "error", err)
	}
	o.logger.Info("job evaluated",
		"job_id", id,
		"outcome", string(res.decision.Outcome),
		"reason", res.decision.Reason,
		"next_in", e.Interval.String(),
	)
}

// interval follows the age curve when the job's age is known, else keeps the
// job's current interval.
func (o *Orchestrator) interval(id string, job *model.Job, now time.Time) time.Duration {
	if job != nil && !job.CreatedAt.IsZero() {
		return o.cfg.Curve.Next(job.AgeDays(now))
	}
	if e, ok := o.table.Get(id); ok && e.Interval > 0 {
		return e.Interval
	}
	return o.cfg.Curve.Min
}

func (o *Orchestrator) fetch(ctx context.Context, id string) (model.Job, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	job, err := o.deps.Source.FetchJob(callCtx, id)
	if err != nil {
		return model.Job{}, fmt.Errorf("fetching job %s: %w", id, err)
	}
	return job, nil
}

func (o *Orchestrator) recordAttempt(ctx context.Context, a model.BidAttempt) {
	if err := o.deps.Ledger.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		o.logger.Error("failed to record bid attempt", "job_id", a.JobID, "status", string(a.Status), "error", err)
	}
}

func (o *Orchestrator) decision(id string, outcome model.Outcome, reason string, err error) model.JobDecision {
	d := model.JobDecision{JobID: id, Outcome: outcome, Reason: reason, DecidedAt: o.now()}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
