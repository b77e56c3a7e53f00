package agent

import (
	"context"

	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/models"
)

const verifyMaxOutTokens = 1000

// VerifyAgent grades generated content against the quality bar.
type VerifyAgent struct {
	gateway ModelCaller
	prompts *PromptLibrary
}

func NewVerifyAgent(gateway ModelCaller, prompts *PromptLibrary) *VerifyAgent {
	return &VerifyAgent{gateway: gateway, prompts: prompts}
}

// Verify returns a hardened verdict: a nominal pass is downgraded when the
// quality signals contradict it, so the model cannot talk itself into
// shipping weak content.
func (a *VerifyAgent) Verify(ctx context.Context, postID, content string) (*models.Verdict, error) {
	system, err := a.prompts.Render(PromptVerify, map[string]string{"FULL_PRODUCT_CONTENT": content})
	if err != nil {
		return nil, err
	}

	var verdict models.Verdict
	err = a.gateway.CallStructured(ctx, postID, llm.Request{
		SystemPrompt: system,
		MaxOutTokens: verifyMaxOutTokens,
	}, &verdict)
	if err != nil {
		return nil, err
	}
	verdict.Harden()
	return &verdict, nil
}
