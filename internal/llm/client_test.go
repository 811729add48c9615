package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/backend/internal/synthesis"
	"github.com/groupchat/backend/pkg/config"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(config.LLMConfig{
		APIKey:         "test",
		BaseURL:        server.URL + "/v1",
		Model:          "gpt-test",
		EmbeddingModel: "embed-test",
		Temperature:    0.2,
		MaxTokens:      256,
		TimeoutSec:     5,
	})
}

func TestGenerateSendsStrictPromptAndReturnsDraft(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		Temperature float32 `json:"temperature"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Fog lifts by 10am [@alex]."},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":8,"total_tokens":20}}`))
	})

	draft, err := client.Generate(context.Background(), synthesis.GenerationRequest{
		QueryID:  "q1",
		Question: "Fog tomorrow?",
		Sources:  []synthesis.Source{{Handle: "alex", ContactName: "Alex", Text: "Fog until 10.", Confidence: 0.9}},
		Strict:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Fog lifts by 10am [@alex].", draft)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[0].Content, "Sentences without a tag will be discarded")
	assert.Contains(t, got.Messages[1].Content, "[@alex]")
	assert.InDelta(t, 0.05, got.Temperature, 1e-6)
}

func TestEmbedReturnsVector(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"embed-test","usage":{"prompt_tokens":3,"total_tokens":3}}`))
	})

	v, err := client.Embed(context.Background(), "surf")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
	assert.Equal(t, "embed-test", client.Model())
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[],"usage":{}}`))
	})

	_, err := client.Complete(context.Background(), CompletionRequest{SystemPrompt: "s", UserPrompt: "u"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
