package eligibility

import (
	"time"

	"github.com/amishk599/autobid/internal/model"
)

// DefaultMaxAge is the default recency threshold.
const DefaultMaxAge = 60 * time.Minute

// Policy holds the tunable parts of the qualification rules.
type Policy struct {
	RecencyEnabled bool
	MaxAge         time.Duration
}

// DefaultPolicy returns the recency filter enabled at 60 minutes.
func DefaultPolicy() Policy {
	return Policy{RecencyEnabled: true, MaxAge: DefaultMaxAge}
}

// History is everything known about prior bids on a job.
//
// RemoteKnown is false when the marketplace bid listing could not be read;
// the local ledger and the snapshot indicator are then the only sources.
type History struct {
	RemoteKnown bool
	RemoteBids  []model.BidRecord
	LastAttempt *model.BidAttempt
}

// AlreadyActed reports whether any source says a bid exists. A locally
// recorded failure never counts: the marketplace never saw it.
func (h History) AlreadyActed() bool {
	if h.LastAttempt != nil && h.LastAttempt.Status == model.AttemptSubmitted {
		return true
	}
	// Retracted bids count too; re-bidding after a retraction is churn.
	return h.RemoteKnown && len(h.RemoteBids) > 0
}

// Evaluator decides whether a job qualifies for automatic bidding.
type Evaluator struct {
	policy Policy
}

// NewEvaluator returns an Evaluator for the given policy. A non-positive
// MaxAge with the recency filter on falls back to DefaultMaxAge.
func NewEvaluator(p Policy) *Evaluator {
	if p.RecencyEnabled && p.MaxAge <= 0 {
		p.MaxAge = DefaultMaxAge
	}
	return &Evaluator{policy: p}
}

// Evaluate returns the decision for job given its history. It has no side
// effects; checks run cheapest and most decisive first.
func (e *Evaluator) Evaluate(job model.Job, h History, now time.Time) model.BidDecision {
	if job.Status != model.StatusOpen {
		return reject(model.ReasonStatusNotOpen)
	}
	if job.AlreadyBid || h.AlreadyActed() {
		return reject(model.ReasonAlreadyBid)
	}
	if !job.Signals.HasQuality() {
		return reject(model.ReasonNoQualitySignal)
	}
	if !job.Signals.HasUrgency() {
		return reject(model.ReasonNoUrgencySignal)
	}
	if e.policy.RecencyEnabled && job.Age(now) > e.policy.MaxAge {
		return reject(model.ReasonTooOld)
	}
	return model.BidDecision{Qualifies: true, Reason: model.ReasonQualified}
}

func reject(reason string) model.BidDecision {
	return model.BidDecision{Qualifies: false, Reason: reason}
}
