package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/prodpilot/prodpilot/pkg/cost"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
)

// validatable is implemented by structured stage outputs that carry
// constraints beyond JSON shape.
type validatable interface {
	Validate() error
}

// Gateway is the single entry point for model calls.
type Gateway struct {
	client   Client
	governor *cost.Governor
	retry    *retrypolicy.Policy
	logger   *slog.Logger
}

// NewGateway wires the provider client to the governor and retry policy.
func NewGateway(client Client, governor *cost.Governor, retry *retrypolicy.Policy, logger *slog.Logger) *Gateway {
	return &Gateway{client: client, governor: governor, retry: retry, logger: logger}
}

// CallText performs a free-form completion. The governor's pre-call check runs
// before any network traffic; usage is recorded exactly once on success.
func (g *Gateway) CallText(ctx context.Context, postID string, req Request) (string, error) {
	comp, err := g.call(ctx, postID, req)
	if err != nil {
		return "", err
	}
	return comp.Text, nil
}

// CallStructured performs a completion that must decode into target. A
// non-decodable or constraint-violating response returns a *SchemaError; the
// call's usage is still recorded, since the tokens were spent.
func (g *Gateway) CallStructured(ctx context.Context, postID string, req Request, target any) error {
	comp, err := g.call(ctx, postID, req)
	if err != nil {
		return err
	}

	payload := extractJSON(comp.Text)
	if err := json.Unmarshal([]byte(payload), target); err != nil {
		return &SchemaError{Detail: err.Error(), Raw: comp.Text}
	}
	if v, ok := target.(validatable); ok {
		if err := v.Validate(); err != nil {
			return &SchemaError{Detail: err.Error(), Raw: comp.Text}
		}
	}
	return nil
}

func (g *Gateway) call(ctx context.Context, postID string, req Request) (*Completion, error) {
	estIn := cost.EstimateTokens(req.SystemPrompt) + cost.EstimateTokens(req.UserText)
	estOut := req.MaxOutTokens

	if err := g.governor.CheckBeforeCall(ctx, postID, estIn, estOut); err != nil {
		return nil, err
	}

	var comp *Completion
	err := g.retry.Execute(ctx, retrypolicy.RemoteLLM, func() error {
		var callErr error
		comp, callErr = g.client.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	// Providers that report no usage get charged the conservative estimate.
	actualIn, actualOut := comp.TokensIn, comp.TokensOut
	if actualIn == 0 && actualOut == 0 {
		actualIn, actualOut = estIn, estOut
		g.logger.Debug("provider reported no usage, recording estimate",
			"post_id", postID, "tokens_in", actualIn, "tokens_out", actualOut)
	}
	if err := g.governor.RecordUsage(ctx, actualIn, actualOut); err != nil {
		return nil, err
	}
	return comp, nil
}

// extractJSON tolerates models that wrap their JSON in markdown code fences
// or prose. It returns the span from the first opening brace or bracket to
// the matching end of the payload.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if fenced, ok := stripFence(s); ok {
		s = fenced
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var closer byte = '}'
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s
	}
	return s[start : end+1]
}

func stripFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	body := s[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}
