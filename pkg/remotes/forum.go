// Package remotes holds the HTTP implementations of the pipeline's external
// collaborators: the forum listing API, the model provider, and the storefront
// product API. The core packages only see the interfaces; everything here is
// wiring for the binaries.
package remotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
)

const forumUserAgent = "prodpilot/1.0"

// ForumAPI fetches hot listings from a reddit-style public JSON endpoint.
// An origin maps to a community name under /r/.
type ForumAPI struct {
	base   string
	client *http.Client
}

// NewForumAPI creates a forum client against baseURL, for example
// "https://www.reddit.com".
func NewForumAPI(baseURL string, timeout time.Duration) *ForumAPI {
	return &ForumAPI{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// forumListing mirrors the listing endpoint's envelope. Each child's data
// block is kept raw so the post row can preserve the origin payload.
type forumListing struct {
	Data struct {
		Children []struct {
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type forumPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	SelfText   string  `json:"selftext"`
	Author     string  `json:"author"`
	Score      int     `json:"score"`
	URL        string  `json:"url"`
	CreatedUTC float64 `json:"created_utc"`
}

// FetchPosts returns up to limit posts from the origin's hot listing, newest
// scoring first as the remote orders them. Non-2xx responses come back as
// *retrypolicy.StatusError so the retry layer can classify them.
func (f *ForumAPI) FetchPosts(ctx context.Context, origin string, limit int) ([]models.Post, error) {
	endpoint := fmt.Sprintf("%s/r/%s/hot.json?limit=%d", f.base, url.PathEscape(origin), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build forum request: %w", err)
	}
	req.Header.Set("User-Agent", forumUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forum request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read forum response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retrypolicy.StatusError{Code: resp.StatusCode, Message: truncateBody(body)}
	}

	var listing forumListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode forum listing: %w", err)
	}

	posts := make([]models.Post, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		var fp forumPost
		if err := json.Unmarshal(child.Data, &fp); err != nil {
			return nil, fmt.Errorf("failed to decode forum post: %w", err)
		}
		if fp.ID == "" {
			continue
		}
		posts = append(posts, models.Post{
			ID:         fp.ID,
			Title:      fp.Title,
			Body:       fp.SelfText,
			Origin:     origin,
			Author:     fp.Author,
			Score:      fp.Score,
			URL:        fp.URL,
			OriginalTS: int64(fp.CreatedUTC),
			RawPayload: child.Data,
		})
	}
	return posts, nil
}

func truncateBody(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
