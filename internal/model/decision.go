package model

import (
	"context"
	"time"
)

// Decision reasons. They are stable strings so the status view and the
// persisted schedule state can be read without the logs.
const (
	ReasonQualified        = "qualified"
	ReasonStatusNotOpen    = "status_not_open"
	ReasonAlreadyBid       = "already_bid"
	ReasonNoQualitySignal  = "no_quality_signal"
	ReasonNoUrgencySignal  = "no_urgency_signal"
	ReasonTooOld           = "too_old"
	ReasonRateLimited      = "rate_limited"
	ReasonInvalidSnapshot  = "invalid_snapshot"
	ReasonInFlight         = "in_flight"
	ReasonClosedMidCycle   = "closed_mid_cycle"
	ReasonNotFound         = "not_found"
	ReasonFetchFailed      = "fetch_failed"
	ReasonGenerationFailed = "generation_failed"
	ReasonPricingFailed    = "pricing_failed"
	ReasonSubmitFailed     = "submit_failed"
	ReasonSubmitted        = "submitted"
)

// BidDecision is the Eligibility Evaluator's verdict for one cycle.
type BidDecision struct {
	Qualifies bool
	Reason    string
}

// Reference price used for capping.
const (
	CapNone          = ""
	CapMaxBudget     = "max_budget"
	CapMarketAverage = "market_average"
)

// BidAmount is the resolved price for a submission.
type BidAmount struct {
	Amount     float64
	Currency   string
	WasFloored bool
	WasCapped  bool
	CapReason  string // CapMaxBudget or CapMarketAverage when WasCapped
	Cap        float64
}

// Outcome is the per-job state machine position after a cycle.
type Outcome string

const (
	OutcomeIdle       Outcome = "idle"
	OutcomeEvaluating Outcome = "evaluating"
	OutcomeGenerating Outcome = "generating"
	OutcomeSubmitted  Outcome = "submitted"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// Action names the two independently locked per-job operations.
type Action string

const (
	ActionFetch    Action = "fetch"
	ActionGenerate Action = "generate"
	ActionSubmit   Action = "submit"
)

// JobDecision is the retrievable record of what happened to a job in its last cycle.
type JobDecision struct {
	JobID     string    `json:"job_id"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ScheduleEntry is the polling state for one active job.
type ScheduleEntry struct {
	JobID    string        `json:"job_id"`
	NextDue  time.Time     `json:"next_due"`
	Interval time.Duration `json:"interval"`
}

// ScheduleState is the observability view returned by GetScheduleState.
type ScheduleState struct {
	JobID        string
	Scheduled    bool    // false once the job reached a terminal status
	Phase        Outcome // OutcomeIdle unless a cycle is working on the job
	NextDue      time.Time
	Interval     time.Duration
	LastDecision *JobDecision
}

// KVStore is the durable shared store behind the rate-limit window and
// schedule entries. CompareAndSwap with old == nil requires the key to be
// absent; with next == nil it deletes the key.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Locker grants per-job, per-action leases. TryAcquire succeeds when no
// unexpired lease exists; reclaimed reports that an expired lease owned by
// someone else was taken over. Release is a no-op unless owner still holds it.
type Locker interface {
	TryAcquire(ctx context.Context, jobID string, action Action, owner string, ttl time.Duration) (acquired, reclaimed bool, err error)
	Release(ctx context.Context, jobID string, action Action, owner string) error
}
