package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
	"github.com/prodpilot/prodpilot/pkg/sanitize"
)

// Ingestor pulls candidate posts from the configured forum origins. It is the
// one agent that never touches the model gateway.
type Ingestor struct {
	forum    ForumClient
	retry    *retrypolicy.Policy
	origins  []string
	minScore int
	limit    int
	logger   *slog.Logger
}

// NewIngestor creates an Ingestor over the forum client.
func NewIngestor(forum ForumClient, retry *retrypolicy.Policy, origins []string, minScore, limit int, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		forum:    forum,
		retry:    retry,
		origins:  origins,
		minScore: minScore,
		limit:    limit,
		logger:   logger,
	}
}

// FetchCandidates fetches from every origin, drops posts below the score
// threshold, and sanitizes all externally-sourced text. A failing origin is
// logged and skipped so one dead forum cannot starve the others; the call
// fails only when every origin fails.
func (i *Ingestor) FetchCandidates(ctx context.Context) ([]models.Post, error) {
	var all []models.Post
	failures := 0

	for _, origin := range i.origins {
		var fetched []models.Post
		err := i.retry.Execute(ctx, retrypolicy.RemoteForum, func() error {
			var fetchErr error
			fetched, fetchErr = i.forum.FetchPosts(ctx, origin, i.limit)
			return fetchErr
		})
		if err != nil {
			failures++
			i.logger.Error("origin fetch failed", "origin", origin, "error", err)
			continue
		}

		for _, post := range fetched {
			if post.Score < i.minScore {
				continue
			}
			clean, err := cleansePost(post)
			if err != nil {
				i.logger.Warn("dropping post with invalid text", "post_id", post.ID, "error", err)
				continue
			}
			all = append(all, clean)
		}
	}

	if failures == len(i.origins) && len(i.origins) > 0 {
		return nil, fmt.Errorf("all %d origins failed", failures)
	}
	return all, nil
}

// cleansePost applies ingress sanitization to all prompt-bound fields and the
// store gate to everything persisted.
func cleansePost(p models.Post) (models.Post, error) {
	p.Title = sanitize.Ingress(p.Title)
	p.Body = sanitize.Ingress(p.Body)
	p.Author = sanitize.Ingress(p.Author)

	for _, field := range []*string{&p.ID, &p.Title, &p.Body, &p.Origin, &p.Author, &p.URL} {
		clean, err := sanitize.Store(*field)
		if err != nil {
			return models.Post{}, err
		}
		*field = clean
	}
	return p, nil
}
