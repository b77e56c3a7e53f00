package agent

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpilot/prodpilot/pkg/models"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
)

type fakeForum struct {
	byOrigin map[string][]models.Post
	failing  map[string]error
	calls    []string
}

func (f *fakeForum) FetchPosts(_ context.Context, origin string, _ int) ([]models.Post, error) {
	f.calls = append(f.calls, origin)
	if err, ok := f.failing[origin]; ok {
		return nil, err
	}
	return f.byOrigin[origin], nil
}

func newIngestor(forum ForumClient, origins []string, minScore int) *Ingestor {
	return NewIngestor(forum, retrypolicy.New(), origins, minScore, 25, slog.Default())
}

func TestFetchCandidates_FiltersByScore(t *testing.T) {
	forum := &fakeForum{byOrigin: map[string][]models.Post{
		"SideProject": {
			{ID: "hot", Score: 50, Title: "t", Body: "b"},
			{ID: "cold", Score: 3, Title: "t", Body: "b"},
		},
	}}
	i := newIngestor(forum, []string{"SideProject"}, 10)

	posts, err := i.FetchCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "hot", posts[0].ID)
}

func TestFetchCandidates_SanitizesText(t *testing.T) {
	forum := &fakeForum{byOrigin: map[string][]models.Post{
		"SideProject": {
			{ID: "p1", Score: 50, Title: "Hi\x00there", Body: "a &amp; b\x07"},
		},
	}}
	i := newIngestor(forum, []string{"SideProject"}, 10)

	posts, err := i.FetchCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "Hithere", posts[0].Title)
	assert.Equal(t, "a & b", posts[0].Body)
}

func TestFetchCandidates_SkipsFailedOrigin(t *testing.T) {
	forum := &fakeForum{
		byOrigin: map[string][]models.Post{
			"Healthy": {{ID: "p1", Score: 50, Title: "t", Body: "b"}},
		},
		failing: map[string]error{
			"Broken": &retrypolicy.StatusError{Code: 404},
		},
	}
	i := newIngestor(forum, []string{"Broken", "Healthy"}, 10)

	posts, err := i.FetchCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "p1", posts[0].ID)
}

func TestFetchCandidates_AllOriginsFailing(t *testing.T) {
	forum := &fakeForum{failing: map[string]error{
		"A": &retrypolicy.StatusError{Code: 401},
		"B": &retrypolicy.StatusError{Code: 403},
	}}
	i := newIngestor(forum, []string{"A", "B"}, 10)

	_, err := i.FetchCandidates(context.Background())
	require.Error(t, err)
}

func TestFetchCandidates_DropsInvalidUTF8(t *testing.T) {
	forum := &fakeForum{byOrigin: map[string][]models.Post{
		"SideProject": {
			{ID: "bad", Score: 50, Title: string([]byte{0xff, 0xfe}), Body: "b"},
			{ID: "good", Score: 50, Title: "fine", Body: "b"},
		},
	}}
	i := newIngestor(forum, []string{"SideProject"}, 10)

	posts, err := i.FetchCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "good", posts[0].ID)
}

func TestFetchCandidates_EmptyOriginList(t *testing.T) {
	i := newIngestor(&fakeForum{}, nil, 10)
	posts, err := i.FetchCandidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, posts)
}
