package agent

import (
	"context"

	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/models"
)

// ForumClient fetches candidate posts from one content origin. Implementations
// return *retrypolicy.StatusError for HTTP failures.
type ForumClient interface {
	FetchPosts(ctx context.Context, origin string, limit int) ([]models.Post, error)
}

// StorefrontClient creates product listings on the e-commerce remote.
type StorefrontClient interface {
	CreateProduct(ctx context.Context, name, description string, priceCents int) (*models.UploadResult, error)
}

// ModelCaller is the slice of the model gateway the agents use.
type ModelCaller interface {
	CallText(ctx context.Context, postID string, req llm.Request) (string, error)
	CallStructured(ctx context.Context, postID string, req llm.Request, target any) error
}
