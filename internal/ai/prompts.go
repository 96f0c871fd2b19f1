package ai

import (
	_ "embed"
	"text/template"
)

//go:embed prompts/bid_proposal.md
var bidProposalPromptRaw string

// BidProposalTemplate is the parsed prompt template for bid proposals.
// Parsed once at package init; reused on every Generate call.
var BidProposalTemplate = template.Must(template.New("bid_proposal").Parse(bidProposalPromptRaw))
