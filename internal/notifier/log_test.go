package notifier

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/amishk599/autobid/internal/model"
)

func TestLogNotifier_Notify_zeroBids(t *testing.T) {
	n := NewLogNotifier(discardLogger())
	if err := n.Notify(nil); err != nil {
		t.Errorf("Notify(nil) = %v, want nil", err)
	}
	if err := n.Notify([]model.SubmittedBid{}); err != nil {
		t.Errorf("Notify([]) = %v, want nil", err)
	}
}

func TestLogNotifier_Notify_writesFields(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))
	bids := []model.SubmittedBid{
		sampleBid("Scraper", 72),
		{
			Job:    model.Job{ID: "2", Title: "Logo"},
			Amount: model.BidAmount{Amount: 100, Currency: "USD", WasCapped: true, CapReason: model.CapMaxBudget},
			BidID:  "b2",
			At:     time.Now(),
		},
	}
	if err := n.Notify(bids); err != nil {
		t.Fatalf("Notify(bids) = %v, want nil", err)
	}

	out := buf.String()
	if strings.Count(out, "bid submitted") != 2 {
		t.Errorf("expected 2 log lines, got:\n%s", out)
	}
	for _, want := range []string{"job_id=7", "amount=72", "bid_id=b1", "capped_by=max_budget"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
