package remotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
)

// Storefront creates products through the storefront's form-encoded v2 API.
type Storefront struct {
	base   string
	token  string
	client *http.Client
}

// NewStorefront creates a storefront client against baseURL, for example
// "https://api.gumroad.com/v2".
func NewStorefront(baseURL, accessToken string, timeout time.Duration) (*Storefront, error) {
	if accessToken == "" {
		return nil, errors.New("storefront access token is required")
	}
	return &Storefront{
		base:   strings.TrimRight(baseURL, "/"),
		token:  accessToken,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// RejectionError is a logical storefront refusal: the API answered 200 but
// did not create the product. The create call happens once; a rejection is
// never retried.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("storefront rejected product: %s", e.Message)
}

// Terminal marks the rejection as never retriable.
func (e *RejectionError) Terminal() bool {
	return true
}

type storefrontResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Product struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		ShortURL string `json:"short_url"`
		Price    int    `json:"price"`
	} `json:"product"`
}

// CreateProduct posts one product. The remote prices in cents. Non-2xx
// responses come back as *retrypolicy.StatusError; a 200 with success=false
// is a *RejectionError.
func (s *Storefront) CreateProduct(ctx context.Context, name, description string, priceCents int) (*models.UploadResult, error) {
	form := url.Values{
		"access_token": {s.token},
		"name":         {name},
		"description":  {description},
		"price":        {strconv.Itoa(priceCents)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/products", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build storefront request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storefront request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read storefront response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retrypolicy.StatusError{Code: resp.StatusCode, Message: truncateBody(body)}
	}

	var decoded storefrontResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode storefront response: %w", err)
	}
	if !decoded.Success {
		return nil, &RejectionError{Message: decoded.Message}
	}

	return &models.UploadResult{
		ProductID: decoded.Product.ID,
		URL:       decoded.Product.ShortURL,
		Title:     decoded.Product.Name,
		PriceCent: decoded.Product.Price,
	}, nil
}
