package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/models"
)

const specMaxOutTokens = 1500

// SpecAgent turns an accepted problem into a product specification.
type SpecAgent struct {
	gateway ModelCaller
	prompts *PromptLibrary
}

func NewSpecAgent(gateway ModelCaller, prompts *PromptLibrary) *SpecAgent {
	return &SpecAgent{gateway: gateway, prompts: prompts}
}

// Generate proposes a product spec for the extracted problem. The caller
// applies the acceptance gates; this agent only produces the value.
func (a *SpecAgent) Generate(ctx context.Context, postID string, problem *models.Problem) (*models.ProductSpec, error) {
	problemJSON, err := json.Marshal(problem)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal problem: %w", err)
	}

	system, err := a.prompts.Render(PromptSpec, map[string]string{"PROBLEM_JSON": string(problemJSON)})
	if err != nil {
		return nil, err
	}

	var spec models.ProductSpec
	err = a.gateway.CallStructured(ctx, postID, llm.Request{
		SystemPrompt: system,
		MaxOutTokens: specMaxOutTokens,
	}, &spec)
	if err != nil {
		return nil, err
	}
	return &spec, nil
}
