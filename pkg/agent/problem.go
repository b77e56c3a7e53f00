package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/models"
)

// maxPostBodyRunes bounds how much forum text reaches the model. Truncation
// happens at a paragraph or sentence boundary so the model never sees a
// half-finished thought.
const maxPostBodyRunes = 2000

const problemMaxOutTokens = 1500

// ProblemAgent decides whether a post describes a problem worth building for.
type ProblemAgent struct {
	gateway ModelCaller
	prompts *PromptLibrary
}

func NewProblemAgent(gateway ModelCaller, prompts *PromptLibrary) *ProblemAgent {
	return &ProblemAgent{gateway: gateway, prompts: prompts}
}

// Extract runs problem extraction for one post.
func (a *ProblemAgent) Extract(ctx context.Context, post *models.Post) (*models.Problem, error) {
	postText := fmt.Sprintf("Title: %s\nOrigin: %s\nAuthor: %s\nScore: %d\nContent: %s\n",
		post.Title, post.Origin, post.Author, post.Score, truncateAtBoundary(post.Body, maxPostBodyRunes))

	system, err := a.prompts.Render(PromptProblem, map[string]string{"FORUM_POST": postText})
	if err != nil {
		return nil, err
	}

	var problem models.Problem
	err = a.gateway.CallStructured(ctx, post.ID, llm.Request{
		SystemPrompt: system,
		MaxOutTokens: problemMaxOutTokens,
	}, &problem)
	if err != nil {
		return nil, err
	}
	return &problem, nil
}

// truncateAtBoundary shortens text to at most limit runes, preferring to cut
// at a paragraph break, then at a sentence end, then hard.
func truncateAtBoundary(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	window := string(runes[:limit])

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return strings.TrimRight(window[:i], "\n")
	}
	best := -1
	for _, end := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(window, end); i > best {
			best = i
		}
	}
	if best > 0 {
		return window[:best+1]
	}
	return window
}
