package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/amishk599/autobid/internal/model"
)

// Ensure SlackNotifier implements model.Notifier.
var _ model.Notifier = (*SlackNotifier)(nil)

// maxSlackRetryAfter bounds the wait on a Slack 429. Notify runs inside a
// submit worker and must not hold it for long.
const maxSlackRetryAfter = 5 * time.Second

// SlackNotifier sends bid alerts to a Slack channel via Incoming Webhooks.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
	spacing    time.Duration
}

// NewSlackNotifier returns a notifier that posts each bid to Slack via webhook.
func NewSlackNotifier(webhookURL string, httpClient *http.Client, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: httpClient,
		logger:     logger,
		spacing:    500 * time.Millisecond,
	}
}

// Notify sends each bid as a separate Slack message using Block Kit.
// Returns an error only if ALL messages fail. Individual failures are logged.
func (s *SlackNotifier) Notify(bids []model.SubmittedBid) error {
	if len(bids) == 0 {
		return nil
	}

	failures := 0
	for i, b := range bids {
		if i > 0 {
			time.Sleep(s.spacing)
		}

		if err := s.sendMessage(b); err != nil {
			s.logger.Error("slack notification failed", "job_id", b.Job.ID, "title", b.Job.Title, "error", err)
			failures++
		}
	}

	sent := len(bids) - failures
	if failures == len(bids) {
		return fmt.Errorf("all %d slack notifications failed", failures)
	}
	s.logger.Debug("slack notifications complete", "sent", sent, "failed", failures)
	return nil
}

func (s *SlackNotifier) sendMessage(b model.SubmittedBid) error {
	body, err := json.Marshal(buildPayload(b))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	resp, err := s.httpClient.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := time.Second
		if secs, _ := strconv.Atoi(resp.Header.Get("Retry-After")); secs > 0 {
			wait = min(time.Duration(secs)*time.Second, maxSlackRetryAfter)
		}
		s.logger.Warn("slack rate limited, retrying", "retry_after", wait)
		time.Sleep(wait)

		resp2, err := s.httpClient.Post(s.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("post to slack (retry): %w", err)
		}
		defer resp2.Body.Close()

		if resp2.StatusCode != http.StatusOK {
			return fmt.Errorf("slack returned %d on retry", resp2.StatusCode)
		}
		s.logger.Info("slack message sent", "job_id", b.Job.ID, "retried", true)
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	s.logger.Info("slack message sent", "job_id", b.Job.ID)
	return nil
}

// Block Kit payload types.

type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Fields   []slackText    `json:"fields,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackElement struct {
	Type  string    `json:"type"`
	Text  slackText `json:"text"`
	URL   string    `json:"url"`
	Style string    `json:"style"`
}

// SendTestMessage sends a dummy bid notification to verify the integration works.
func SendTestMessage(n model.Notifier) error {
	now := time.Now()
	bid := model.SubmittedBid{
		Job: model.Job{
			ID:        "test-001",
			Title:     "Test Notification: Integration Verified",
			URL:       "https://example.com/jobs/test-001",
			CreatedAt: now.Add(-5 * time.Minute),
			Status:    model.StatusBidSubmitted,
		},
		Amount: model.BidAmount{Amount: 100, Currency: "USD"},
		BidID:  "test",
		At:     now,
	}
	return n.Notify([]model.SubmittedBid{bid})
}

func priceNote(a model.BidAmount) string {
	switch {
	case a.WasCapped:
		return fmt.Sprintf("capped at %.2f (%s)", a.Cap, a.CapReason)
	case a.WasFloored:
		return "raised to the budget floor"
	default:
		return "estimate"
	}
}

func buildPayload(b model.SubmittedBid) slackPayload {
	at := b.At
	if at.IsZero() {
		at = time.Now()
	}

	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: "💸 Bid placed: " + b.Job.Title},
		},
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Amount:*\n%.2f %s", b.Amount.Amount, b.Amount.Currency)},
				{Type: "mrkdwn", Text: "*Pricing:*\n" + priceNote(b.Amount)},
			},
		},
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: "*Submitted:*\n" + at.UTC().Format(time.RFC1123)},
				{Type: "mrkdwn", Text: "*Bid ID:*\n" + b.BidID},
			},
		},
	}

	if b.Job.URL != "" {
		blocks = append(blocks, slackBlock{
			Type: "actions",
			Elements: []slackElement{
				{
					Type:  "button",
					Text:  slackText{Type: "plain_text", Text: "Open Job"},
					URL:   b.Job.URL,
					Style: "primary",
				},
			},
		})
	}
	blocks = append(blocks, slackBlock{Type: "divider"})

	return slackPayload{Blocks: blocks}
}
