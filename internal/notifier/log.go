package notifier

import (
	"log/slog"

	"github.com/amishk599/autobid/internal/model"
)

// Ensure LogNotifier implements model.Notifier.
var _ model.Notifier = (*LogNotifier)(nil)

// LogNotifier writes submitted bids to the given logger as structured messages.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs each bid via slog.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs each bid with job, amount, currency, bid ID and URL.
// Returns nil (stdout logging does not fail).
func (n *LogNotifier) Notify(bids []model.SubmittedBid) error {
	for _, b := range bids {
		args := []any{
			"job_id", b.Job.ID,
			"title", b.Job.Title,
			"amount", b.Amount.Amount,
			"currency", b.Amount.Currency,
			"bid_id", b.BidID,
			"url", b.Job.URL,
		}
		if b.Amount.WasFloored {
			args = append(args, "floored", true)
		}
		if b.Amount.WasCapped {
			args = append(args, "capped_by", b.Amount.CapReason)
		}
		n.logger.Info("bid submitted", args...)
	}
	return nil
}
