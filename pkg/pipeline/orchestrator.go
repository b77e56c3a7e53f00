// Package pipeline drives the per-post stage machine: problem extraction,
// specification, content generation, verification, listing, and upload. Posts
// run strictly sequentially; a cost refusal halts the whole run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prodpilot/prodpilot/pkg/artifacts"
	"github.com/prodpilot/prodpilot/pkg/cost"
	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/store"
)

// Stage agent interfaces, satisfied by the concrete agents in pkg/agent.
type (
	CandidateFetcher interface {
		FetchCandidates(ctx context.Context) ([]models.Post, error)
	}
	ProblemExtractor interface {
		Extract(ctx context.Context, post *models.Post) (*models.Problem, error)
	}
	SpecGenerator interface {
		Generate(ctx context.Context, postID string, problem *models.Problem) (*models.ProductSpec, error)
	}
	ContentGenerator interface {
		Generate(ctx context.Context, postID string, spec *models.ProductSpec) (string, error)
	}
	Verifier interface {
		Verify(ctx context.Context, postID, content string) (*models.Verdict, error)
	}
	ListingWriter interface {
		Generate(ctx context.Context, postID string, spec *models.ProductSpec, content string) (string, error)
	}
	ProductUploader interface {
		Upload(ctx context.Context, postID string, spec *models.ProductSpec, listingText string) (*models.UploadResult, error)
	}
)

// Deps wires the orchestrator to everything it drives.
type Deps struct {
	Store     *store.Store
	Artifacts *artifacts.Writer
	Governor  *cost.Governor

	Ingestor CandidateFetcher
	Problem  ProblemExtractor
	Spec     SpecGenerator
	Content  ContentGenerator
	Verify   Verifier
	Listing  ListingWriter
	Uploader ProductUploader

	// KillSwitch is re-read between posts so an operator can stop a run in
	// flight without killing the process.
	KillSwitch       func() bool
	MaxRegenerations int
	Logger           *slog.Logger
}

// Summary reports what a run did, for logging and exit-code mapping.
type Summary struct {
	RunID         string
	Ingested      int
	Processed     int
	Uploaded      int
	Failed        int
	CostExhausted bool
	KillSwitched  bool
}

// Orchestrator executes one run. Construct a fresh one per invocation; the
// governor inside carries per-run state.
type Orchestrator struct {
	d Deps
}

// New validates the dependency set and returns an Orchestrator.
func New(d Deps) (*Orchestrator, error) {
	if d.Store == nil || d.Artifacts == nil || d.Governor == nil {
		return nil, errors.New("orchestrator requires store, artifacts, and governor")
	}
	if d.KillSwitch == nil {
		d.KillSwitch = func() bool { return false }
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{d: d}, nil
}

// terminalPost is returned by stage handlers when the post reached a terminal
// outcome and no further stages should run.
var terminalPost = errors.New("post reached terminal state")

// Run executes the full pipeline once: ingest, then drive every unprocessed
// post through the stage machine in order.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{RunID: o.d.Governor.RunID()}

	if o.d.KillSwitch() {
		o.d.Logger.Info("kill switch set at startup, exiting", "run_id", sum.RunID)
		sum.KillSwitched = true
		return sum, nil
	}

	if err := o.ingest(ctx, sum); err != nil {
		// A dead forum should not stop work on the backlog.
		o.d.Logger.Error("ingestion failed, continuing with stored posts", "error", err)
		if auditErr := o.d.Store.AppendAudit(ctx, models.ActionErrorOccurred, "", sum.RunID,
			map[string]any{"stage": "ingest", "error": err.Error()}, true, false); auditErr != nil {
			return sum, auditErr
		}
	}

	posts, err := o.d.Store.ListUnprocessedPosts(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to list unprocessed posts: %w", err)
	}

	for i := range posts {
		if o.d.KillSwitch() {
			o.d.Logger.Info("kill switch set, stopping run", "run_id", sum.RunID)
			sum.KillSwitched = true
			break
		}

		post := &posts[i]
		err := o.processPost(ctx, sum, post)
		sum.Processed++

		var limitErr *cost.LimitExceededError
		if errors.As(err, &limitErr) {
			if abortErr := o.writeAbort(limitErr, sum); abortErr != nil {
				o.d.Logger.Error("failed to write abort artifact", "error", abortErr)
			}
			sum.CostExhausted = true
			break
		}
		if err != nil && !errors.Is(err, terminalPost) {
			return sum, err
		}
	}

	stats := o.d.Governor.Stats()
	o.d.Logger.Info("run finished",
		"run_id", sum.RunID, "processed", sum.Processed, "uploaded", sum.Uploaded,
		"tokens_sent", stats.TokensSent, "tokens_received", stats.TokensReceived,
		"run_cost_usd", stats.RunCostUSD, "cost_exhausted", sum.CostExhausted)
	return sum, nil
}

// ingest pulls candidates and persists the new ones, auditing each first
// appearance.
func (o *Orchestrator) ingest(ctx context.Context, sum *Summary) error {
	if o.d.Ingestor == nil {
		return nil
	}
	candidates, err := o.d.Ingestor.FetchCandidates(ctx)
	if err != nil {
		return err
	}
	for i := range candidates {
		post := &candidates[i]
		err := o.d.Store.SavePost(ctx, post)
		if errors.Is(err, store.ErrAlreadyPresent) {
			continue
		}
		if err != nil {
			return err
		}
		sum.Ingested++
		if err := o.d.Store.AppendAudit(ctx, models.ActionPostIngested, post.ID, sum.RunID,
			map[string]any{"origin": post.Origin, "score": post.Score}, false, false); err != nil {
			return err
		}
	}
	o.d.Logger.Info("ingestion complete", "run_id", sum.RunID, "new_posts", sum.Ingested)
	return nil
}

// processPost drives one post through the stage machine. It returns
// terminalPost for ordinary off-ramps, a *cost.LimitExceededError (possibly
// wrapped) when the run must halt, and nil on full success.
func (o *Orchestrator) processPost(ctx context.Context, sum *Summary, post *models.Post) error {
	problem, err := o.problemStage(ctx, sum, post)
	if err != nil {
		return err
	}
	spec, err := o.specStage(ctx, sum, post, problem)
	if err != nil {
		return err
	}
	content, err := o.contentStages(ctx, sum, post, spec)
	if err != nil {
		return err
	}
	listingText, err := o.listingStage(ctx, sum, post, spec, content)
	if err != nil {
		return err
	}
	if err := o.uploadStage(ctx, sum, post, spec, listingText); err != nil {
		return err
	}
	sum.Uploaded++
	return nil
}

func (o *Orchestrator) problemStage(ctx context.Context, sum *Summary, post *models.Post) (*models.Problem, error) {
	problem, err := o.d.Problem.Extract(ctx, post)
	if err != nil {
		return nil, o.stageFailed(ctx, sum, post.ID, models.StageProblem, err)
	}

	path, err := o.d.Artifacts.WriteJSON(post.ID, models.StageProblem, problem)
	if err != nil {
		return nil, err
	}

	if problem.Discard {
		if err := o.recordStage(ctx, sum, store.StageOutcome{
			PostID: post.ID, Stage: models.StageProblem, Status: models.StatusDiscarded,
			ArtifactPath: &path, Action: models.ActionProblemExtracted,
			Details: map[string]any{"discard": true},
		}); err != nil {
			return nil, err
		}
		if err := o.d.Store.AppendAudit(ctx, models.ActionPostDiscarded, post.ID, sum.RunID, nil, false, false); err != nil {
			return nil, err
		}
		return nil, terminalPost
	}

	if err := o.recordStage(ctx, sum, store.StageOutcome{
		PostID: post.ID, Stage: models.StageProblem, Status: models.StatusCompleted,
		ArtifactPath: &path, Action: models.ActionProblemExtracted,
		Details: map[string]any{"urgency": problem.Urgency},
	}); err != nil {
		return nil, err
	}
	return problem, nil
}

func (o *Orchestrator) specStage(ctx context.Context, sum *Summary, post *models.Post, problem *models.Problem) (*models.ProductSpec, error) {
	spec, err := o.d.Spec.Generate(ctx, post.ID, problem)
	if err != nil {
		return nil, o.stageFailed(ctx, sum, post.ID, models.StageSpec, err)
	}

	path, err := o.d.Artifacts.WriteJSON(post.ID, models.StageSpec, spec)
	if err != nil {
		return nil, err
	}

	if !spec.Accepted() {
		if err := o.recordStage(ctx, sum, store.StageOutcome{
			PostID: post.ID, Stage: models.StageSpec, Status: models.StatusRejected,
			ArtifactPath: &path, Action: models.ActionSpecGenerated,
			Details: map[string]any{"build": spec.Build, "confidence": spec.Confidence, "deliverables": len(spec.Deliverables)},
		}); err != nil {
			return nil, err
		}
		if err := o.d.Store.AppendAudit(ctx, models.ActionPostDiscarded, post.ID, sum.RunID, nil, false, false); err != nil {
			return nil, err
		}
		return nil, terminalPost
	}

	if err := o.recordStage(ctx, sum, store.StageOutcome{
		PostID: post.ID, Stage: models.StageSpec, Status: models.StatusCompleted,
		ArtifactPath: &path, Action: models.ActionSpecGenerated,
		Details: map[string]any{"type": spec.Type, "confidence": spec.Confidence},
	}); err != nil {
		return nil, err
	}
	return spec, nil
}

// contentStages runs the generate/verify loop, bounded by the regeneration
// budget: 1 + MaxRegenerations total content attempts.
func (o *Orchestrator) contentStages(ctx context.Context, sum *Summary, post *models.Post, spec *models.ProductSpec) (string, error) {
	attempts := 1 + o.d.MaxRegenerations

	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := o.d.Content.Generate(ctx, post.ID, spec)
		if err != nil {
			return "", o.stageFailed(ctx, sum, post.ID, models.StageContent, err)
		}
		contentPath, err := o.d.Artifacts.WriteMarkdown(post.ID, models.StageContent, content)
		if err != nil {
			return "", err
		}
		if err := o.recordStage(ctx, sum, store.StageOutcome{
			PostID: post.ID, Stage: models.StageContent, Status: models.StatusCompleted,
			ArtifactPath: &contentPath, Action: models.ActionContentGenerated,
			Details: map[string]any{"attempt": attempt},
		}); err != nil {
			return "", err
		}

		verdict, err := o.d.Verify.Verify(ctx, post.ID, content)
		if err != nil {
			return "", o.stageFailed(ctx, sum, post.ID, models.StageVerify, err)
		}
		verifyPath, err := o.d.Artifacts.WriteVerifyAttempt(post.ID, attempt, verdict)
		if err != nil {
			return "", err
		}

		if verdict.Pass {
			if err := o.recordStage(ctx, sum, store.StageOutcome{
				PostID: post.ID, Stage: models.StageVerify, Status: models.StatusCompleted,
				ArtifactPath: &verifyPath, Action: models.ActionContentVerified,
				Details: map[string]any{"attempt": attempt, "example_score": verdict.ExampleScore},
			}); err != nil {
				return "", err
			}
			return content, nil
		}

		if err := o.recordStage(ctx, sum, store.StageOutcome{
			PostID: post.ID, Stage: models.StageVerify, Status: models.StatusRejected,
			ArtifactPath: &verifyPath, Action: models.ActionContentRejected,
			Details: map[string]any{"attempt": attempt, "reasons": verdict.Reasons, "missing": verdict.Missing},
		}); err != nil {
			return "", err
		}
		o.d.Logger.Info("content verification failed",
			"post_id", post.ID, "attempt", attempt, "remaining", attempts-attempt)
	}

	// Regeneration budget exhausted: the post is done for good.
	if err := o.recordStage(ctx, sum, store.StageOutcome{
		PostID: post.ID, Stage: models.StageVerify, Status: models.StatusHardDiscard,
		Action: models.ActionPostDiscarded,
		Details: map[string]any{"attempts": attempts},
	}); err != nil {
		return "", err
	}
	return "", terminalPost
}

func (o *Orchestrator) listingStage(ctx context.Context, sum *Summary, post *models.Post, spec *models.ProductSpec, content string) (string, error) {
	listingText, err := o.d.Listing.Generate(ctx, post.ID, spec, content)
	if err != nil {
		return "", o.stageFailed(ctx, sum, post.ID, models.StageListing, err)
	}
	path, err := o.d.Artifacts.WriteText(post.ID, models.StageListing, listingText)
	if err != nil {
		return "", err
	}
	if err := o.recordStage(ctx, sum, store.StageOutcome{
		PostID: post.ID, Stage: models.StageListing, Status: models.StatusCompleted,
		ArtifactPath: &path, Action: models.ActionListingGenerated,
	}); err != nil {
		return "", err
	}
	return listingText, nil
}

func (o *Orchestrator) uploadStage(ctx context.Context, sum *Summary, post *models.Post, spec *models.ProductSpec, listingText string) error {
	result, err := o.d.Uploader.Upload(ctx, post.ID, spec, listingText)
	if err != nil {
		var limitErr *cost.LimitExceededError
		if errors.As(err, &limitErr) {
			return o.stageFailed(ctx, sum, post.ID, models.StageUpload, err)
		}
		msg := err.Error()
		if artErr := o.writeErrorArtifact(post.ID, models.StageUpload, sum.RunID, err); artErr != nil {
			o.d.Logger.Error("failed to write error artifact", "error", artErr)
		}
		if recErr := o.recordStage(ctx, sum, store.StageOutcome{
			PostID: post.ID, Stage: models.StageUpload, Status: models.StatusFailed,
			ErrorMessage: &msg, Action: models.ActionUploadFailed,
			Details: map[string]any{"error": msg}, ErrorFlag: true,
		}); recErr != nil {
			return recErr
		}
		sum.Failed++
		return terminalPost
	}

	path, err := o.d.Artifacts.WriteJSON(post.ID, models.StageUpload, result)
	if err != nil {
		return err
	}
	return o.recordStage(ctx, sum, store.StageOutcome{
		PostID: post.ID, Stage: models.StageUpload, Status: models.StatusCompleted,
		ArtifactPath: &path, Action: models.ActionUploadSucceeded,
		Details: map[string]any{"product_id": result.ProductID, "url": result.URL},
	})
}

// stageFailed handles an agent error: cost refusals record the stage as
// cost_exhausted and propagate; everything else writes an error artifact,
// records the stage as failed, and off-ramps the post.
func (o *Orchestrator) stageFailed(ctx context.Context, sum *Summary, postID string, stage models.Stage, err error) error {
	var limitErr *cost.LimitExceededError
	if errors.As(err, &limitErr) {
		// The governor already appended the refusal entry and audit event.
		if recErr := o.d.Store.RecordStage(ctx, postID, stage, models.StatusCostExhausted, nil, nil); recErr != nil {
			return recErr
		}
		o.logStage(postID, stage, models.StatusCostExhausted)
		return err
	}

	msg := err.Error()
	if artErr := o.writeErrorArtifact(postID, stage, sum.RunID, err); artErr != nil {
		o.d.Logger.Error("failed to write error artifact", "error", artErr)
	}
	if recErr := o.recordStage(ctx, sum, store.StageOutcome{
		PostID: postID, Stage: stage, Status: models.StatusFailed,
		ErrorMessage: &msg, Action: models.ActionErrorOccurred,
		Details: map[string]any{"error": msg}, ErrorFlag: true,
	}); recErr != nil {
		return recErr
	}
	sum.Failed++
	return terminalPost
}

func (o *Orchestrator) recordStage(ctx context.Context, sum *Summary, outcome store.StageOutcome) error {
	outcome.RunID = sum.RunID
	if err := o.d.Store.RecordStageOutcome(ctx, outcome); err != nil {
		return err
	}
	o.logStage(outcome.PostID, outcome.Stage, outcome.Status)
	return nil
}

// logStage is the one-line-per-transition operator log.
func (o *Orchestrator) logStage(postID string, stage models.Stage, status models.RunStatus) {
	o.d.Logger.Info("stage transition", "stage", stage, "status", status, "post_id", postID)
}

func (o *Orchestrator) writeErrorArtifact(postID string, stage models.Stage, runID string, err error) error {
	_, artErr := o.d.Artifacts.WriteError(postID, stage, artifacts.ErrorRecord{
		RunID: runID,
		Error: err.Error(),
	})
	return artErr
}

func (o *Orchestrator) writeAbort(limitErr *cost.LimitExceededError, sum *Summary) error {
	stats := o.d.Governor.Stats()
	_, err := o.d.Artifacts.WriteAbort(artifacts.AbortRecord{
		RunID:          sum.RunID,
		Reason:         limitErr.Which,
		TokensSent:     stats.TokensSent,
		TokensReceived: stats.TokensReceived,
		RunCost:        stats.RunCostUSD,
	})
	return err
}
