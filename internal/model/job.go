package model

import (
	"context"
	"time"
)

// JobStatus is the marketplace lifecycle state of a job.
type JobStatus string

const (
	StatusOpen         JobStatus = "open"
	StatusBidSubmitted JobStatus = "bid_submitted"
	StatusClosed       JobStatus = "closed"
)

// Terminal reports whether the engine has nothing left to do for the status.
func (s JobStatus) Terminal() bool {
	return s == StatusBidSubmitted || s == StatusClosed
}

// Budget is the employer's declared range. Zero means "not declared".
type Budget struct {
	Min      float64
	Max      float64
	Currency string
}

// Signals are the boolean quality/urgency flags a listing carries.
// A flag the marketplace omits decodes to false.
type Signals struct {
	// quality
	PaymentVerified      bool
	ReputableEmployer    bool
	AuthenticityVerified bool
	Enterprise           bool

	// urgency
	HighPaying     bool
	Urgent         bool
	PriorityLocale bool
}

// HasQuality reports whether at least one quality flag is set.
func (s Signals) HasQuality() bool {
	return s.PaymentVerified || s.ReputableEmployer || s.AuthenticityVerified || s.Enterprise
}

// HasUrgency reports whether at least one urgency flag is set.
func (s Signals) HasUrgency() bool {
	return s.HighPaying || s.Urgent || s.PriorityLocale
}

// Job is a marketplace listing snapshot as seen by the engine.
type Job struct {
	ID               string
	Title            string
	Description      string
	URL              string
	CreatedAt        time.Time
	Budget           Budget
	MarketAverageBid float64 // zero if the marketplace reports none
	Signals          Signals
	Status           JobStatus
	AlreadyBid       bool // the snapshot's own "you have bid" indicator
	HasBidText       bool
}

// Age returns how long ago the job was posted.
func (j Job) Age(now time.Time) time.Duration {
	if j.CreatedAt.IsZero() {
		return 0
	}
	d := now.Sub(j.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// AgeDays returns Age in fractional days.
func (j Job) AgeDays(now time.Time) float64 {
	return j.Age(now).Hours() / 24
}

// Validate checks the fields the engine cannot work without.
func (j Job) Validate() error {
	switch {
	case j.ID == "":
		return &ValidationError{Field: "id", Reason: "missing"}
	case j.CreatedAt.IsZero():
		return &ValidationError{JobID: j.ID, Field: "created_at", Reason: "missing"}
	case j.Budget.Min < 0 || j.Budget.Max < 0:
		return &ValidationError{JobID: j.ID, Field: "budget", Reason: "negative bound"}
	case j.Budget.Max > 0 && j.Budget.Min > j.Budget.Max:
		return &ValidationError{JobID: j.ID, Field: "budget", Reason: "minimum exceeds maximum"}
	case j.MarketAverageBid < 0:
		return &ValidationError{JobID: j.ID, Field: "market_average_bid", Reason: "negative"}
	}
	switch j.Status {
	case StatusOpen, StatusBidSubmitted, StatusClosed:
	default:
		return &ValidationError{JobID: j.ID, Field: "status", Reason: "unknown value " + string(j.Status)}
	}
	return nil
}

// BidRecordStatus is the state of a bid as the marketplace reports it.
type BidRecordStatus string

const (
	BidActive    BidRecordStatus = "active"
	BidAwarded   BidRecordStatus = "awarded"
	BidRetracted BidRecordStatus = "retracted"
)

// BidRecord is a bid listed by the marketplace for a job.
type BidRecord struct {
	ID        string
	JobID     string
	AccountID string
	Amount    float64
	Status    BidRecordStatus
}

// AttemptStatus distinguishes what the local ledger knows about a submission.
type AttemptStatus string

const (
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptFailed    AttemptStatus = "failed"
)

// BidAttempt is a locally recorded submission attempt. Failed attempts are
// invisible to the marketplace and must not block a retry.
type BidAttempt struct {
	JobID       string
	Status      AttemptStatus
	Amount      float64
	Currency    string
	Error       string
	AttemptedAt time.Time
}

// BidDraft is the generated proposal for a job.
type BidDraft struct {
	Text           string
	EstimatedPrice float64
	DurationDays   int
	CreatedAt      time.Time
}

// BidRequest is what gets posted to the marketplace.
type BidRequest struct {
	JobID        string
	AccountID    string
	Amount       float64
	Currency     string
	DurationDays int
	Text         string
}

// SubmitResult is the marketplace's answer to a successful submission.
type SubmitResult struct {
	BidID           string
	SubmittedAmount float64
}

// SubmittedBid is handed to notifiers after a successful submission.
type SubmittedBid struct {
	Job    Job
	Amount BidAmount
	BidID  string
	At     time.Time
}

// JobSource reads job snapshots and bid listings from the marketplace.
type JobSource interface {
	FetchJob(ctx context.Context, jobID string) (Job, error)
	ListActiveJobIDs(ctx context.Context) ([]string, error)
	ListExistingBids(ctx context.Context, jobID, accountID string) ([]BidRecord, error)
}

// BidWriter produces proposal text and a price suggestion for a job.
type BidWriter interface {
	Generate(ctx context.Context, job Job) (BidDraft, error)
}

// BidSubmitter posts a bid to the marketplace.
type BidSubmitter interface {
	SubmitBid(ctx context.Context, req BidRequest) (SubmitResult, error)
}

// BidLedger is the local record of drafts and attempts per job.
type BidLedger interface {
	BidText(ctx context.Context, jobID string) (BidDraft, bool, error)
	SaveBidText(ctx context.Context, jobID string, draft BidDraft) error
	RecordAttempt(ctx context.Context, attempt BidAttempt) error
	LastAttempt(ctx context.Context, jobID string) (BidAttempt, bool, error)
}

// Notifier announces submitted bids.
type Notifier interface {
	Notify(bids []SubmittedBid) error
}
