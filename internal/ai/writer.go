package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/amishk599/autobid/internal/model"
)

// DefaultDurationDays is used when the model returns a non-positive estimate.
const DefaultDurationDays = 7

// maxDescriptionChars bounds how much of a description goes into the prompt.
const maxDescriptionChars = 6000

// rawProposal is the JSON shape returned by the LLM.
type rawProposal struct {
	Text                  string  `json:"text"`
	EstimatedPrice        float64 `json:"estimated_price"`
	EstimatedDurationDays int     `json:"estimated_duration_days"`
}

// promptData holds the template variables for bid_proposal.md.
type promptData struct {
	Title         string
	Description   string
	Currency      string
	MinBudget     float64
	MaxBudget     float64
	MarketAverage float64
}

// LLMBidWriter implements model.BidWriter using an LLMProvider.
type LLMBidWriter struct {
	provider LLMProvider
	logger   *slog.Logger
}

// NewLLMBidWriter creates a writer backed by provider.
func NewLLMBidWriter(provider LLMProvider, logger *slog.Logger) *LLMBidWriter {
	return &LLMBidWriter{provider: provider, logger: logger}
}

// Generate renders the prompt for job, asks the provider for a proposal and
// validates the answer. An empty proposal text is an error.
func (w *LLMBidWriter) Generate(ctx context.Context, job model.Job) (model.BidDraft, error) {
	prompt, err := renderPrompt(job)
	if err != nil {
		return model.BidDraft{}, err
	}

	raw, err := w.provider.Complete(ctx, prompt)
	if err != nil {
		return model.BidDraft{}, fmt.Errorf("llm complete: %w", err)
	}

	var p rawProposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.BidDraft{}, fmt.Errorf("parse proposal: %w", err)
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return model.BidDraft{}, fmt.Errorf("llm returned an empty proposal for job %s", job.ID)
	}
	if p.EstimatedPrice < 0 {
		w.logger.Warn("negative price estimate, ignoring", "job_id", job.ID, "estimated_price", p.EstimatedPrice)
		p.EstimatedPrice = 0
	}
	if p.EstimatedDurationDays <= 0 {
		p.EstimatedDurationDays = DefaultDurationDays
	}

	w.logger.Debug("bid proposal generated", "job_id", job.ID, "chars", len(text))
	return model.BidDraft{
		Text:           text,
		EstimatedPrice: p.EstimatedPrice,
		DurationDays:   p.EstimatedDurationDays,
	}, nil
}

func renderPrompt(job model.Job) (string, error) {
	cur := job.Budget.Currency
	if cur == "" {
		cur = "USD"
	}
	desc := job.Description
	if len(desc) > maxDescriptionChars {
		desc = desc[:maxDescriptionChars]
	}

	var buf bytes.Buffer
	err := BidProposalTemplate.Execute(&buf, promptData{
		Title:         job.Title,
		Description:   desc,
		Currency:      cur,
		MinBudget:     job.Budget.Min,
		MaxBudget:     job.Budget.Max,
		MarketAverage: job.MarketAverageBid,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
