// Package llm fronts the language-model remote. The Gateway wraps every call
// with the cost governor's pre-call gate, retry execution, and post-call
// accounting; callers never talk to the provider client directly.
package llm

import (
	"context"
	"fmt"
)

// Request is one completion call to the provider.
type Request struct {
	SystemPrompt string
	UserText     string
	MaxOutTokens int64
}

// Completion is the provider's response. TokensIn/TokensOut are zero when the
// provider reports no usage; the Gateway then falls back to its own estimate.
type Completion struct {
	Text      string
	TokensIn  int64
	TokensOut int64
}

// Client is the provider interface. Implementations handle authentication and
// transport; they must return *retrypolicy.StatusError for HTTP failures so
// classification works.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// SchemaError reports model output that does not conform to the expected
// structure. It is terminal for the attempt: re-sending the same prompt
// through the retry loop is not expected to fix it.
type SchemaError struct {
	Detail string
	Raw    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("model output failed schema validation: %s", e.Detail)
}

// Terminal marks the error as not retriable at the transport level.
func (e *SchemaError) Terminal() bool {
	return true
}
