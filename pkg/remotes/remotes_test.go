package remotes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpilot/prodpilot/pkg/llm"
	"github.com/prodpilot/prodpilot/pkg/retrypolicy"
)

const testTimeout = 5 * time.Second

func TestForumAPI_FetchPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/SideProject/hot.json", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		_, _ = w.Write([]byte(`{"data":{"children":[
			{"data":{"id":"abc","title":"Tracking invoices is a mess","selftext":"I spend hours","author":"maker1","score":120,"url":"https://forum.example/abc","created_utc":1700000000.0}},
			{"data":{"id":"","title":"promoted placeholder"}}
		]}}`))
	}))
	defer srv.Close()

	f := NewForumAPI(srv.URL, testTimeout)
	posts, err := f.FetchPosts(context.Background(), "SideProject", 25)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	p := posts[0]
	assert.Equal(t, "abc", p.ID)
	assert.Equal(t, "Tracking invoices is a mess", p.Title)
	assert.Equal(t, "I spend hours", p.Body)
	assert.Equal(t, "SideProject", p.Origin)
	assert.Equal(t, "maker1", p.Author)
	assert.Equal(t, 120, p.Score)
	assert.Equal(t, int64(1700000000), p.OriginalTS)
	assert.True(t, json.Valid(p.RawPayload))
}

func TestForumAPI_NonOKBecomesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewForumAPI(srv.URL, testTimeout)
	_, err := f.FetchPosts(context.Background(), "SideProject", 10)

	var statusErr *retrypolicy.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	assert.Contains(t, statusErr.Message, "rate limited")
}

func TestOpenAI_Complete(t *testing.T) {
	var captured struct {
		Model       string `json:"model"`
		Temperature float64
		MaxTokens   int64 `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"{\"discard\":false}"}}],
			"usage":{"prompt_tokens":420,"completion_tokens":37}
		}`))
	}))
	defer srv.Close()

	client, err := NewOpenAI(srv.URL, "sk-test", "gpt-4", testTimeout)
	require.NoError(t, err)

	got, err := client.Complete(context.Background(), llm.Request{
		SystemPrompt: "You extract problems.",
		UserText:     "Title: something",
		MaxOutTokens: 1500,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"discard":false}`, got.Text)
	assert.Equal(t, int64(420), got.TokensIn)
	assert.Equal(t, int64(37), got.TokensOut)

	assert.Equal(t, "gpt-4", captured.Model)
	assert.Equal(t, int64(1500), captured.MaxTokens)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "You extract problems.", captured.Messages[0].Content)
	assert.Equal(t, "user", captured.Messages[1].Role)
}

func TestOpenAI_AuthFailureBecomesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewOpenAI(srv.URL, "sk-bad", "gpt-4", testTimeout)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{MaxOutTokens: 100})
	var statusErr *retrypolicy.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
}

func TestOpenAI_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI("", "", "gpt-4", testTimeout)
	require.Error(t, err)
}

func TestOpenAI_EmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":0}}`))
	}))
	defer srv.Close()

	client, err := NewOpenAI(srv.URL, "sk-test", "gpt-4", testTimeout)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{MaxOutTokens: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestStorefront_CreateProduct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tok-1", r.PostForm.Get("access_token"))
		assert.Equal(t, "Invoice Rescue Guide", r.PostForm.Get("name"))
		assert.Equal(t, "A practical guide.", r.PostForm.Get("description"))
		assert.Equal(t, "1250", r.PostForm.Get("price"))

		_, _ = w.Write([]byte(`{"success":true,"product":{"id":"prod_9","name":"Invoice Rescue Guide","short_url":"https://store.example/l/abc","price":1250}}`))
	}))
	defer srv.Close()

	sf, err := NewStorefront(srv.URL, "tok-1", testTimeout)
	require.NoError(t, err)

	res, err := sf.CreateProduct(context.Background(), "Invoice Rescue Guide", "A practical guide.", 1250)
	require.NoError(t, err)
	assert.Equal(t, "prod_9", res.ProductID)
	assert.Equal(t, "https://store.example/l/abc", res.URL)
	assert.Equal(t, 1250, res.PriceCent)
}

func TestStorefront_RejectionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"name already taken"}`))
	}))
	defer srv.Close()

	sf, err := NewStorefront(srv.URL, "tok-1", testTimeout)
	require.NoError(t, err)

	_, err = sf.CreateProduct(context.Background(), "Dup", "desc desc desc", 900)
	var rejErr *RejectionError
	require.ErrorAs(t, err, &rejErr)
	assert.Contains(t, err.Error(), "name already taken")

	// A rejection must never re-enter the retry loop.
	assert.True(t, retrypolicy.IsTerminal(err))
}

func TestStorefront_ValidationFailureBecomesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sf, err := NewStorefront(srv.URL, "tok-1", testTimeout)
	require.NoError(t, err)

	_, err = sf.CreateProduct(context.Background(), "X", "desc desc desc", 100)
	var statusErr *retrypolicy.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.Code)
}

func TestStorefront_RequiresToken(t *testing.T) {
	_, err := NewStorefront("https://api.example", "", testTimeout)
	require.Error(t, err)
}
