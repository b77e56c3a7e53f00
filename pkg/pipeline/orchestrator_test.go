package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpilot/prodpilot/pkg/artifacts"
	"github.com/prodpilot/prodpilot/pkg/cost"
	"github.com/prodpilot/prodpilot/pkg/database"
	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/store"
)

// Stage agent stubs scripted per test.

type fetcherStub struct {
	posts []models.Post
	err   error
}

func (f *fetcherStub) FetchCandidates(context.Context) ([]models.Post, error) {
	return f.posts, f.err
}

type problemStub struct {
	fn    func(post *models.Post) (*models.Problem, error)
	order []string
}

func (s *problemStub) Extract(_ context.Context, post *models.Post) (*models.Problem, error) {
	s.order = append(s.order, post.ID)
	return s.fn(post)
}

type specStub struct {
	fn func(problem *models.Problem) (*models.ProductSpec, error)
}

func (s *specStub) Generate(_ context.Context, _ string, problem *models.Problem) (*models.ProductSpec, error) {
	return s.fn(problem)
}

type contentStub struct {
	fn    func(postID string) (string, error)
	calls int
}

func (s *contentStub) Generate(_ context.Context, postID string, _ *models.ProductSpec) (string, error) {
	s.calls++
	return s.fn(postID)
}

type verifyStub struct {
	fn    func(content string) (*models.Verdict, error)
	calls int
}

func (s *verifyStub) Verify(_ context.Context, _, content string) (*models.Verdict, error) {
	s.calls++
	return s.fn(content)
}

type listingStub struct {
	fn func() (string, error)
}

func (s *listingStub) Generate(context.Context, string, *models.ProductSpec, string) (string, error) {
	return s.fn()
}

type uploadStub struct {
	fn    func() (*models.UploadResult, error)
	calls int
}

func (s *uploadStub) Upload(context.Context, string, *models.ProductSpec, string) (*models.UploadResult, error) {
	s.calls++
	return s.fn()
}

// env bundles the real store, artifact tree, and governor each test drives
// the orchestrator against.
type env struct {
	store     *store.Store
	artifacts *artifacts.Writer
	governor  *cost.Governor

	fetcher *fetcherStub
	problem *problemStub
	spec    *specStub
	content *contentStub
	verify  *verifyStub
	listing *listingStub
	upload  *uploadStub

	killSwitch func() bool
	maxRegen   int
}

func goodProblem(*models.Post) (*models.Problem, error) {
	return &models.Problem{Discard: false, Summary: "real problem", Urgency: 80}, nil
}

func goodSpec(*models.Problem) (*models.ProductSpec, error) {
	return &models.ProductSpec{
		Build: true, Type: models.ProductTypeGuide, Title: "The Guide",
		Deliverables: []string{"a", "b", "c", "d", "e"}, Confidence: 87, Price: 15,
	}, nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	client, err := database.Open(context.Background(), filepath.Join(root, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := store.New(client)
	w, err := artifacts.NewWriter(filepath.Join(root, "artifacts"))
	require.NoError(t, err)

	g, err := cost.NewGovernor(context.Background(), s, cost.Limits{
		MaxTokensPerRun:  1_000_000_000,
		MaxUSDPerRun:     5.0,
		MaxUSDLifetime:   100.0,
		PriceInPerToken:  0.03 / 1000,
		PriceOutPerToken: 0.06 / 1000,
	}, "gpt-4")
	require.NoError(t, err)

	return &env{
		store:     s,
		artifacts: w,
		governor:  g,
		fetcher:   &fetcherStub{},
		problem:   &problemStub{fn: goodProblem},
		spec:      &specStub{fn: goodSpec},
		content:   &contentStub{fn: func(string) (string, error) { return "# Product\n\nGreat content.", nil }},
		verify: &verifyStub{fn: func(string) (*models.Verdict, error) {
			return &models.Verdict{Pass: true, ExampleScore: 9}, nil
		}},
		listing: &listingStub{fn: func() (string, error) {
			return "Title: The Guide\nDescription: A very complete guide.", nil
		}},
		upload: &uploadStub{fn: func() (*models.UploadResult, error) {
			return &models.UploadResult{ProductID: "prod_1", URL: "https://shop.example/prod_1"}, nil
		}},
		maxRegen: 1,
	}
}

func (e *env) run(t *testing.T, ctx context.Context) *Summary {
	t.Helper()
	o, err := New(Deps{
		Store:            e.store,
		Artifacts:        e.artifacts,
		Governor:         e.governor,
		Ingestor:         e.fetcher,
		Problem:          e.problem,
		Spec:             e.spec,
		Content:          e.content,
		Verify:           e.verify,
		Listing:          e.listing,
		Uploader:         e.upload,
		KillSwitch:       e.killSwitch,
		MaxRegenerations: e.maxRegen,
		Logger:           slog.Default(),
	})
	require.NoError(t, err)
	sum, err := o.Run(ctx)
	require.NoError(t, err)
	return sum
}

func (e *env) seedPost(t *testing.T, id string, ts int64) {
	t.Helper()
	require.NoError(t, e.store.SavePost(context.Background(), &models.Post{
		ID: id, Title: "t " + id, Body: "b", Origin: "SideProject", Score: 50, OriginalTS: ts,
	}))
}

func stageStatuses(t *testing.T, s *store.Store, postID string) []string {
	t.Helper()
	runs, err := s.StageRunsForPost(context.Background(), postID)
	require.NoError(t, err)
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, string(r.Stage)+"/"+string(r.Status))
	}
	return out
}

func auditActions(t *testing.T, s *store.Store, postID string) []models.AuditAction {
	t.Helper()
	events, err := s.AuditTrailForPost(context.Background(), postID)
	require.NoError(t, err)
	out := make([]models.AuditAction, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestRun_HappyPath(t *testing.T) {
	e := newEnv(t)
	e.fetcher.posts = []models.Post{{ID: "p1", Title: "t", Body: "b", Origin: "SideProject", Score: 50, OriginalTS: 100}}

	sum := e.run(t, context.Background())
	assert.Equal(t, 1, sum.Ingested)
	assert.Equal(t, 1, sum.Uploaded)
	assert.False(t, sum.CostExhausted)

	assert.Equal(t, []string{
		"problem/completed",
		"spec/completed",
		"content/completed",
		"verify/completed",
		"listing/completed",
		"upload/completed",
	}, stageStatuses(t, e.store, "p1"))

	assert.Equal(t, []models.AuditAction{
		models.ActionPostIngested,
		models.ActionProblemExtracted,
		models.ActionSpecGenerated,
		models.ActionContentGenerated,
		models.ActionContentVerified,
		models.ActionListingGenerated,
		models.ActionUploadSucceeded,
	}, auditActions(t, e.store, "p1"))

	// Every completed stage run points at a file on disk.
	runs, err := e.store.StageRunsForPost(context.Background(), "p1")
	require.NoError(t, err)
	for _, r := range runs {
		require.NotNil(t, r.ArtifactPath, "stage %s has no artifact", r.Stage)
		assert.FileExists(t, *r.ArtifactPath)
	}
}

func TestRun_EarlyDiscard(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "p2", 100)
	e.problem.fn = func(*models.Post) (*models.Problem, error) {
		return &models.Problem{Discard: true}, nil
	}

	sum := e.run(t, context.Background())
	assert.Zero(t, sum.Uploaded)

	assert.Equal(t, []string{"problem/discarded"}, stageStatuses(t, e.store, "p2"))

	actions := auditActions(t, e.store, "p2")
	require.NotEmpty(t, actions)
	assert.Equal(t, models.ActionPostDiscarded, actions[len(actions)-1])
	assert.Zero(t, e.upload.calls)
	assert.Zero(t, e.content.calls)
}

func TestRun_SpecRejectionByConfidence(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "p3", 100)
	e.spec.fn = func(*models.Problem) (*models.ProductSpec, error) {
		return &models.ProductSpec{
			Build: true, Type: models.ProductTypeGuide,
			Deliverables: []string{"a", "b", "c", "d"}, Confidence: 65,
		}, nil
	}

	e.run(t, context.Background())

	assert.Equal(t, []string{"problem/completed", "spec/rejected"}, stageStatuses(t, e.store, "p3"))
	assert.NotContains(t, auditActions(t, e.store, "p3"), models.ActionContentRejected)
	assert.Zero(t, e.upload.calls)
}

func TestRun_RegenerationSuccess(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "p4", 100)
	verdicts := []*models.Verdict{
		{Pass: false, NeedsRegeneration: true, ExampleScore: 4, Reasons: []string{"thin examples"}},
		{Pass: true, ExampleScore: 9},
	}
	i := 0
	e.verify.fn = func(string) (*models.Verdict, error) {
		v := verdicts[i]
		i++
		return v, nil
	}

	sum := e.run(t, context.Background())
	assert.Equal(t, 1, sum.Uploaded)

	assert.Equal(t, []string{
		"problem/completed",
		"spec/completed",
		"content/completed",
		"verify/rejected",
		"content/completed",
		"verify/completed",
		"listing/completed",
		"upload/completed",
	}, stageStatuses(t, e.store, "p4"))
	assert.Equal(t, 2, e.content.calls)

	// Both verify artifacts exist under their attempt names.
	dir := filepath.Join(e.artifacts.Root(), "p4")
	assert.FileExists(t, filepath.Join(dir, "verify_attempt_1.json"))
	assert.FileExists(t, filepath.Join(dir, "verify_attempt_2.json"))
}

func TestRun_RegenerationExhaustion(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "p4", 100)
	e.verify.fn = func(string) (*models.Verdict, error) {
		return &models.Verdict{Pass: false, NeedsRegeneration: true, ExampleScore: 3}, nil
	}

	sum := e.run(t, context.Background())
	assert.Zero(t, sum.Uploaded)

	assert.Equal(t, []string{
		"problem/completed",
		"spec/completed",
		"content/completed",
		"verify/rejected",
		"content/completed",
		"verify/rejected",
		"verify/hard_discard",
	}, stageStatuses(t, e.store, "p4"))
	assert.Zero(t, e.upload.calls)

	actions := auditActions(t, e.store, "p4")
	assert.Equal(t, models.ActionPostDiscarded, actions[len(actions)-1])
}

func TestRun_CostExhaustionMidRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedPost(t, "p5", 200)
	e.seedPost(t, "p6", 100)

	// p5's content generation goes through the governor and projects a run
	// cost far over the $5 budget; p6's stages must never start.
	e.content.fn = func(postID string) (string, error) {
		if err := e.governor.CheckBeforeCall(ctx, postID, 1_000_000, 1000); err != nil {
			return "", err
		}
		return "content", nil
	}

	sum := e.run(t, ctx)
	assert.True(t, sum.CostExhausted)
	assert.Zero(t, sum.Uploaded)

	statuses := stageStatuses(t, e.store, "p5")
	assert.Contains(t, statuses, "content/cost_exhausted")

	assert.Empty(t, stageStatuses(t, e.store, "p6"))

	// The refusal entry names the breached budget.
	events, err := e.store.RecentActivity(ctx, 50)
	require.NoError(t, err)
	var sawExhausted bool
	for _, ev := range events {
		if ev.Action == models.ActionCostExhausted {
			sawExhausted = true
			assert.True(t, ev.CostExhaustedFlag)
			assert.Contains(t, ev.Details, cost.LimitPerRunUSD)
		}
	}
	assert.True(t, sawExhausted)

	assert.FileExists(t, filepath.Join(e.artifacts.Root(), "abort_"+sum.RunID+".json"))
}

func TestRun_KillSwitchAtStartup(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "p1", 100)
	e.killSwitch = func() bool { return true }

	sum := e.run(t, context.Background())
	assert.True(t, sum.KillSwitched)
	assert.Zero(t, sum.Processed)
	assert.Empty(t, stageStatuses(t, e.store, "p1"))
}

func TestRun_KillSwitchBetweenPosts(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "first", 200)
	e.seedPost(t, "second", 100)

	checks := 0
	e.killSwitch = func() bool {
		checks++
		// Startup check passes, the check before the second post trips.
		return checks > 2
	}

	sum := e.run(t, context.Background())
	assert.True(t, sum.KillSwitched)
	assert.Equal(t, 1, sum.Processed)
	assert.NotEmpty(t, stageStatuses(t, e.store, "first"))
	assert.Empty(t, stageStatuses(t, e.store, "second"))
}

func TestRun_StageFailureContinuesWithNextPost(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "broken", 200)
	e.seedPost(t, "fine", 100)

	e.problem.fn = func(post *models.Post) (*models.Problem, error) {
		if post.ID == "broken" {
			return nil, errors.New("model returned garbage")
		}
		return goodProblem(post)
	}

	sum := e.run(t, context.Background())
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Uploaded)
	assert.Equal(t, 1, sum.Failed)

	assert.Equal(t, []string{"problem/failed"}, stageStatuses(t, e.store, "broken"))
	assert.Contains(t, auditActions(t, e.store, "broken"), models.ActionErrorOccurred)

	// The error artifact landed in the post's error_logs directory.
	entries, err := os.ReadDir(filepath.Join(e.artifacts.Root(), "broken", "error_logs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRun_ProcessesNewestFirst(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "oldest", 100)
	e.seedPost(t, "middle", 200)
	e.seedPost(t, "newest", 300)

	e.run(t, context.Background())
	assert.Equal(t, []string{"newest", "middle", "oldest"}, e.problem.order)
}

func TestRun_IngestFailureStillProcessesBacklog(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "backlog", 100)
	e.fetcher.err = errors.New("all origins down")

	sum := e.run(t, context.Background())
	assert.Equal(t, 1, sum.Uploaded)
	assert.Zero(t, sum.Ingested)
}

func TestRun_DuplicateIngestNotReaudited(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "p1", 100)
	e.fetcher.posts = []models.Post{{ID: "p1", Title: "t", Body: "b", Origin: "SideProject", Score: 50, OriginalTS: 100}}

	sum := e.run(t, context.Background())
	assert.Zero(t, sum.Ingested)

	actions := auditActions(t, e.store, "p1")
	var ingested int
	for _, a := range actions {
		if a == models.ActionPostIngested {
			ingested++
		}
	}
	assert.Zero(t, ingested)
}

func TestRun_UploadFailureIsTerminalForPost(t *testing.T) {
	e := newEnv(t)
	e.seedPost(t, "p1", 200)
	e.seedPost(t, "p2", 100)
	e.upload.fn = func() (*models.UploadResult, error) {
		return nil, errors.New("storefront rejected the product")
	}

	sum := e.run(t, context.Background())
	assert.Zero(t, sum.Uploaded)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 2, sum.Failed)

	statuses := stageStatuses(t, e.store, "p1")
	assert.Equal(t, "upload/failed", statuses[len(statuses)-1])
	assert.Contains(t, auditActions(t, e.store, "p1"), models.ActionUploadFailed)
}
