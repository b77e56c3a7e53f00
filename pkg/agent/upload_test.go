package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/remotes"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
)

type fakeStorefront struct {
	result *models.UploadResult
	err    error

	calls       int
	name        string
	description string
	priceCents  int
}

func (f *fakeStorefront) CreateProduct(_ context.Context, name, description string, priceCents int) (*models.UploadResult, error) {
	f.calls++
	f.name = name
	f.description = description
	f.priceCents = priceCents
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

const sampleListing = `Title: The Env Var Handbook
Subtitle: ignored

Description: A practical guide to never losing configuration again.
Covers every common footgun.

What You Get:
- 40 pages
FAQ
Q: refunds?`

func TestExtractField(t *testing.T) {
	assert.Equal(t, "The Env Var Handbook", extractField(sampleListing, "Title:", "fallback"))
	assert.Equal(t, "fallback", extractField("no markers here", "Title:", "fallback"))
}

func TestExtractDescription_StopsAtEndMarker(t *testing.T) {
	desc := extractDescription(sampleListing)
	assert.Contains(t, desc, "A practical guide")
	assert.Contains(t, desc, "footgun.")
	assert.NotContains(t, desc, "What You Get")
	assert.NotContains(t, desc, "FAQ")
}

func TestExtractDescription_NoMarkerUsesWholeText(t *testing.T) {
	text := "Just a paragraph of sales copy with no structure."
	assert.Equal(t, text, extractDescription(text))
}

func TestUpload_HappyPath(t *testing.T) {
	sf := &fakeStorefront{result: &models.UploadResult{ProductID: "prod_1", URL: "https://shop.example/prod_1"}}
	u := NewUploader(sf, retrypolicy.New())

	spec := &models.ProductSpec{Title: "Fallback Title", Price: 12.5}
	result, err := u.Upload(context.Background(), "p1", spec, sampleListing)
	require.NoError(t, err)

	assert.Equal(t, 1, sf.calls)
	assert.Equal(t, "The Env Var Handbook", sf.name)
	assert.Equal(t, 1250, sf.priceCents)
	assert.Equal(t, "prod_1", result.ProductID)
}

func TestUpload_TruncatesLongName(t *testing.T) {
	sf := &fakeStorefront{result: &models.UploadResult{ProductID: "prod_1"}}
	u := NewUploader(sf, retrypolicy.New())

	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	listing := "Title: " + string(long) + "\nDescription: A sufficiently long description."

	_, err := u.Upload(context.Background(), "p1", &models.ProductSpec{Price: 10}, listing)
	require.NoError(t, err)
	assert.Len(t, sf.name, 100)
}

func TestUpload_SanitizesDescription(t *testing.T) {
	sf := &fakeStorefront{result: &models.UploadResult{ProductID: "prod_1"}}
	u := NewUploader(sf, retrypolicy.New())

	listing := "Title: Safe Product\nDescription: Buy now <script>alert(1)</script> and profit handsomely."
	_, err := u.Upload(context.Background(), "p1", &models.ProductSpec{Price: 10}, listing)
	require.NoError(t, err)
	assert.NotContains(t, sf.description, "<script>")
}

func TestUpload_RejectsUnusableTitle(t *testing.T) {
	sf := &fakeStorefront{result: &models.UploadResult{}}
	u := NewUploader(sf, retrypolicy.New())

	listing := "Title: x\nDescription: A sufficiently long description."
	_, err := u.Upload(context.Background(), "p1", &models.ProductSpec{Title: ""}, listing)
	require.Error(t, err)
	assert.Zero(t, sf.calls)
}

func TestUpload_RejectsUnusableDescription(t *testing.T) {
	sf := &fakeStorefront{result: &models.UploadResult{}}
	u := NewUploader(sf, retrypolicy.New())

	listing := "Title: Fine Product\nDescription: nope"
	_, err := u.Upload(context.Background(), "p1", &models.ProductSpec{}, listing)
	require.Error(t, err)
	assert.Zero(t, sf.calls)
}

func TestUpload_TerminalRemoteFailureNotRetried(t *testing.T) {
	sf := &fakeStorefront{err: &retrypolicy.StatusError{Code: 422}}
	u := NewUploader(sf, retrypolicy.New())

	_, err := u.Upload(context.Background(), "p1", &models.ProductSpec{Price: 10}, sampleListing)
	require.Error(t, err)
	assert.Equal(t, 1, sf.calls)
}

func TestUpload_LogicalRejectionCallsStorefrontOnce(t *testing.T) {
	// HTTP 200 with success=false: the storefront refused the product. The
	// create call must not be re-attempted.
	rejection := &remotes.RejectionError{Message: "name already taken"}
	sf := &fakeStorefront{err: rejection}
	u := NewUploader(sf, retrypolicy.New())

	_, err := u.Upload(context.Background(), "p1", &models.ProductSpec{Price: 10}, sampleListing)
	require.ErrorIs(t, err, rejection)
	assert.Equal(t, 1, sf.calls)
}
