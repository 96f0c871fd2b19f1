package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/amishk599/autobid/internal/model"
)

var (
	_ model.JobSource    = (*GuardedMarketplace)(nil)
	_ model.BidSubmitter = (*GuardedMarketplace)(nil)
)

// GuardedMarketplace is a decorator that consults the Coordinator before every
// marketplace call, spaces calls by a minimum delay, and opens the cooldown
// window when a call comes back rate limited.
type GuardedMarketplace struct {
	source    model.JobSource
	submitter model.BidSubmitter
	coord     *Coordinator
	spacing   *rate.Limiter
}

// NewGuardedMarketplace wraps source and submitter. All calls share one
// spacing limiter because the marketplace limits the account, not the endpoint.
func NewGuardedMarketplace(source model.JobSource, submitter model.BidSubmitter, coord *Coordinator, minDelay time.Duration) *GuardedMarketplace {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &GuardedMarketplace{
		source:    source,
		submitter: submitter,
		coord:     coord,
		spacing:   rate.NewLimiter(limit, 1),
	}
}

func (g *GuardedMarketplace) FetchJob(ctx context.Context, jobID string) (model.Job, error) {
	if err := g.before(ctx, model.ActionFetch); err != nil {
		return model.Job{}, err
	}
	job, err := g.source.FetchJob(ctx, jobID)
	g.after(ctx, err)
	return job, err
}

func (g *GuardedMarketplace) ListActiveJobIDs(ctx context.Context) ([]string, error) {
	if err := g.before(ctx, model.ActionFetch); err != nil {
		return nil, err
	}
	ids, err := g.source.ListActiveJobIDs(ctx)
	g.after(ctx, err)
	return ids, err
}

func (g *GuardedMarketplace) ListExistingBids(ctx context.Context, jobID, accountID string) ([]model.BidRecord, error) {
	if err := g.before(ctx, model.ActionFetch); err != nil {
		return nil, err
	}
	bids, err := g.source.ListExistingBids(ctx, jobID, accountID)
	g.after(ctx, err)
	return bids, err
}

func (g *GuardedMarketplace) SubmitBid(ctx context.Context, req model.BidRequest) (model.SubmitResult, error) {
	if err := g.before(ctx, model.ActionSubmit); err != nil {
		return model.SubmitResult{}, err
	}
	res, err := g.submitter.SubmitBid(ctx, req)
	g.after(ctx, err)
	return res, err
}

func (g *GuardedMarketplace) before(ctx context.Context, action model.Action) error {
	if !g.coord.ShouldProceed(ctx, action, false) {
		return fmt.Errorf("%s: %w (cooldown active)", action, model.ErrRateLimited)
	}
	if err := g.spacing.Wait(ctx); err != nil {
		return fmt.Errorf("%s: waiting for call spacing: %w", action, err)
	}
	return nil
}

func (g *GuardedMarketplace) after(ctx context.Context, err error) {
	if !model.IsRateLimited(err) {
		return
	}
	if markErr := g.coord.MarkRateLimited(ctx); markErr != nil {
		g.coord.logger.Error("failed to record rate limit", "error", markErr)
	}
}
