package ai

import (
	"context"
	"strings"

	"github.com/amishk599/autobid/internal/model"
)

// StaticBidWriter is used when ai.enabled is false. It fills a fixed
// proposal with the job title and makes no LLM calls. The estimate is zero,
// so pricing falls back to the budget bounds.
type StaticBidWriter struct {
	template string
}

// DefaultStaticProposal is the proposal used when no template is configured.
// Every {title} is replaced with the job title.
const DefaultStaticProposal = "Hi, I read your post about {title} and can start right away. " +
	"I have delivered similar work before and will keep you updated daily. " +
	"Could we have a short call to go over the details?"

// NewStaticBidWriter returns a StaticBidWriter. An empty template selects
// DefaultStaticProposal.
func NewStaticBidWriter(template string) *StaticBidWriter {
	if template == "" {
		template = DefaultStaticProposal
	}
	return &StaticBidWriter{template: template}
}

// Generate returns the filled template.
func (s *StaticBidWriter) Generate(_ context.Context, job model.Job) (model.BidDraft, error) {
	title := job.Title
	if title == "" {
		title = "this project"
	}
	return model.BidDraft{
		Text:         strings.ReplaceAll(s.template, "{title}", title),
		DurationDays: DefaultDurationDays,
	}, nil
}
