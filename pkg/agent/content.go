package agent

import (
	"context"
	"strings"

	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/sanitize"
)

const contentMaxOutTokens = 3000

// ContentAgent generates the deliverable itself: the markdown document that
// becomes the product.
type ContentAgent struct {
	gateway ModelCaller
	prompts *PromptLibrary
}

func NewContentAgent(gateway ModelCaller, prompts *PromptLibrary) *ContentAgent {
	return &ContentAgent{gateway: gateway, prompts: prompts}
}

// Generate produces product content for the spec. The output is sanitized for
// listing context since it eventually ships to the storefront verbatim.
func (a *ContentAgent) Generate(ctx context.Context, postID string, spec *models.ProductSpec) (string, error) {
	system, err := a.prompts.Render(PromptContent, map[string]string{
		"TYPE":           spec.Type,
		"TITLE":          spec.Title,
		"BUYER":          spec.Buyer,
		"JOB":            spec.JobToBeDone,
		"DELIVERABLES":   strings.Join(spec.Deliverables, ", "),
		"FAILURE_REASON": spec.FailureReason,
	})
	if err != nil {
		return "", err
	}

	text, err := a.gateway.CallText(ctx, postID, llm.Request{
		SystemPrompt: system,
		MaxOutTokens: contentMaxOutTokens,
	})
	if err != nil {
		return "", err
	}
	return sanitize.Listing(text), nil
}
