package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
	"github.com/prodpilot/prodpilot/pkg/sanitize"
)

const (
	maxProductNameLen = 100
	minTitleLen       = 3
	minDescriptionLen = 10
)

// descriptionEndMarkers delimit the description section inside listing text.
var descriptionEndMarkers = []string{"What You Get:", "Who This Is NOT For:", "FAQ"}

// Uploader publishes a finished product to the storefront.
type Uploader struct {
	storefront StorefrontClient
	retry      *retrypolicy.Policy
}

func NewUploader(storefront StorefrontClient, retry *retrypolicy.Policy) *Uploader {
	return &Uploader{storefront: storefront, retry: retry}
}

// Upload parses the listing text, sanitizes what goes to the storefront, and
// creates the product. The create call happens logically once; only transient
// transport failures are retried.
func (u *Uploader) Upload(ctx context.Context, postID string, spec *models.ProductSpec, listingText string) (*models.UploadResult, error) {
	title := extractField(listingText, "Title:", spec.Title)
	description := extractDescription(listingText)

	title = sanitize.Listing(title)
	description = sanitize.Listing(description)

	if len(strings.TrimSpace(title)) < minTitleLen {
		return nil, fmt.Errorf("listing produced unusable title %q", title)
	}
	if len(strings.TrimSpace(description)) < minDescriptionLen {
		return nil, fmt.Errorf("listing produced unusable description (%d chars)", len(description))
	}

	name := title
	if len(name) > maxProductNameLen {
		name = name[:maxProductNameLen]
	}
	priceCents := int(spec.Price * 100)

	var result *models.UploadResult
	err := u.retry.Execute(ctx, retrypolicy.RemoteStorefront, func() error {
		var callErr error
		result, callErr = u.storefront.CreateProduct(ctx, name, description, priceCents)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// extractField finds a single-line "Marker: value" field, falling back to a
// default when the marker is absent.
func extractField(text, marker, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(strings.TrimPrefix(line, marker))
		}
	}
	return fallback
}

// extractDescription returns the section between "Description:" and the first
// end marker, or the whole text when no marker is present.
func extractDescription(text string) string {
	start := strings.Index(text, "Description:")
	if start < 0 {
		return strings.TrimSpace(text)
	}

	end := len(text)
	for _, marker := range descriptionEndMarkers {
		if pos := strings.Index(text[start:], marker); pos >= 0 && start+pos < end {
			end = start + pos
		}
	}

	desc := strings.TrimSpace(strings.TrimPrefix(text[start:end], "Description:"))
	if desc == "" {
		return strings.TrimSpace(text)
	}
	return desc
}
