package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/followlytics/followlytics/internal/followlytics"
)

func TestChatAnalyzerUsesBaseURLAndModel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer xai-key", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "grok-2-latest", req.Model)
		require.Len(t, req.Messages, 2)
		require.Contains(t, req.Messages[1].Content, "Account: @jack")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"# Report"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a, err := NewChatAnalyzer(LLMConfig{APIKey: "xai-key", BaseURL: srv.URL + "/v1/", Model: "grok-2-latest"})
	require.NoError(t, err)

	out, err := a.Analyze(context.Background(), Input{Target: "jack"})
	require.NoError(t, err)
	require.Equal(t, "# Report", out)
}

type emptyChat struct{}

func (emptyChat) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, nil
}

func TestChatAnalyzerEmptyResponse(t *testing.T) {
	t.Parallel()

	a := &ChatAnalyzer{client: emptyChat{}, model: "m"}
	_, err := a.Analyze(context.Background(), Input{Target: "jack"})
	require.ErrorContains(t, err, "no content")
}

func TestNewChatAnalyzerRequiresKeyAndModel(t *testing.T) {
	t.Parallel()

	_, err := NewChatAnalyzer(LLMConfig{Model: "m"})
	require.Error(t, err)
	_, err = NewChatAnalyzer(LLMConfig{APIKey: "k"})
	require.Error(t, err)
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	followers := []followlytics.Follower{
		{Username: "big", FollowersCount: 1000, Verified: true, Description: "founder"},
		{Username: "small", FollowersCount: 2},
	}
	gained := make([]string, 25)
	for i := range gained {
		gained[i] = "g"
	}
	prompt := BuildPrompt(Input{
		Target: "jack",
		Sample: followers,
		Diff:   &followlytics.Diff{Gained: gained, Lost: []string{"gone"}},
		Stats:  ComputeStats(followers),
	})
	require.Contains(t, prompt, "Followers analyzed: 2 (verified: 1)")
	require.Contains(t, prompt, "+25 gained, -1 lost")
	require.Contains(t, prompt, "and 5 more")
	require.Contains(t, prompt, "Recently lost: @gone")
	require.Contains(t, prompt, "- @big (1000 followers) [verified]")
	require.Contains(t, prompt, "- @big: founder")
	require.NotContains(t, prompt, "- @small:")
}
