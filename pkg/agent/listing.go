package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/models"
)

const (
	listingMaxOutTokens = 1500
	contentPreviewRunes = 500
)

// ListingAgent writes the storefront sales copy for a verified product.
type ListingAgent struct {
	gateway ModelCaller
	prompts *PromptLibrary
}

func NewListingAgent(gateway ModelCaller, prompts *PromptLibrary) *ListingAgent {
	return &ListingAgent{gateway: gateway, prompts: prompts}
}

// Generate produces listing text. The uploader later extracts the "Title:"
// and "Description:" fields from it.
func (a *ListingAgent) Generate(ctx context.Context, postID string, spec *models.ProductSpec, content string) (string, error) {
	summary := fmt.Sprintf(
		"Product: %s\nType: %s\nTarget Buyer: %s\nJob to be Done: %s\nWhy Existing Products Fail: %s\nDeliverables: %s\nContent Preview: %s\n",
		spec.Title, spec.Type, spec.Buyer, spec.JobToBeDone, spec.FailureReason,
		strings.Join(spec.Deliverables, ", "), previewOf(content))

	system, err := a.prompts.Render(PromptListing, map[string]string{"PRODUCT_SUMMARY": summary})
	if err != nil {
		return "", err
	}

	return a.gateway.CallText(ctx, postID, llm.Request{
		SystemPrompt: system,
		MaxOutTokens: listingMaxOutTokens,
	})
}

func previewOf(content string) string {
	runes := []rune(content)
	if len(runes) <= contentPreviewRunes {
		return content
	}
	return string(runes[:contentPreviewRunes])
}
