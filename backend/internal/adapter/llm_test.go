package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kgraph/backend/pkg/errors"
)

// fakeLLM serves the chat completions and embeddings endpoints. Each call
// pops the next status; 200 answers with the configured body.
type fakeLLM struct {
	statuses []int
	content  string
	toolName string
	toolArgs string
	vector   []float32
	calls    int32

	mu      sync.Mutex
	lastReq map[string]interface{}
}

func (f *fakeLLM) request() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeLLM) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&f.calls, 1)) - 1
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastReq = body
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		status := http.StatusOK
		if n < len(f.statuses) {
			status = f.statuses[n]
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}

		switch r.URL.Path {
		case "/v1/chat/completions":
			msg := map[string]interface{}{"role": "assistant", "content": f.content}
			if f.toolName != "" {
				msg["tool_calls"] = []map[string]interface{}{{
					"id":       "call_1",
					"type":     "function",
					"function": map[string]interface{}{"name": f.toolName, "arguments": f.toolArgs},
				}}
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id":      "chatcmpl-1",
				"object":  "chat.completion",
				"created": 1,
				"model":   "test-model",
				"choices": []map[string]interface{}{{"index": 0, "message": msg, "finish_reason": "stop"}},
			})
		case "/v1/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"object": "list",
				"model":  "test-embed",
				"data":   []map[string]interface{}{{"object": "embedding", "index": 0, "embedding": f.vector}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(t *testing.T, f *fakeLLM) *LLMAdapter {
	a := NewLLMAdapter(f.server(t).URL, "", "test-model")
	a.SetRetries(2, time.Millisecond)
	return a
}

func TestLLMAdapter_Generate(t *testing.T) {
	f := &fakeLLM{content: "hello"}
	a := newTestAdapter(t, f)

	resp, err := a.Generate(context.Background(), "system", "Say hello.", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, "test-model", f.request()["model"])
}

func TestLLMAdapter_SetModel(t *testing.T) {
	f := &fakeLLM{content: "ok"}
	a := newTestAdapter(t, f)

	a.SetModel("")
	assert.Equal(t, "test-model", a.GetModel())
	a.SetModel("other")
	_, err := a.Generate(context.Background(), "s", "u", nil)
	require.NoError(t, err)
	assert.Equal(t, "other", f.request()["model"])
}

func TestLLMAdapter_RetriesServerErrors(t *testing.T) {
	f := &fakeLLM{statuses: []int{500, 503}, content: "ok"}
	a := newTestAdapter(t, f)

	resp, err := a.Generate(context.Background(), "s", "u", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.calls))
}

func TestLLMAdapter_ClientErrorNotRetried(t *testing.T) {
	f := &fakeLLM{statuses: []int{400}}
	a := newTestAdapter(t, f)

	_, err := a.Generate(context.Background(), "s", "u", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeExternal))
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.calls))
}

func TestLLMAdapter_GenerateInto(t *testing.T) {
	t.Run("tool call arguments", func(t *testing.T) {
		f := &fakeLLM{toolName: "record_mentions", toolArgs: `{"mentions":[{"name":"Sarah","kind":"Person"}]}`}
		a := newTestAdapter(t, f)

		var out struct {
			Mentions []extractedMention `json:"mentions"`
		}
		require.NoError(t, a.GenerateInto(context.Background(), "s", "u", mentionsTool, &out))
		require.Len(t, out.Mentions, 1)
		assert.Equal(t, "Sarah", out.Mentions[0].Name)
		assert.NotEmpty(t, f.request()["tools"])
	})

	t.Run("fenced content fallback", func(t *testing.T) {
		f := &fakeLLM{content: "```json\n{\"mentions\":[{\"name\":\"Go\",\"kind\":\"Concept\"}]}\n```"}
		a := newTestAdapter(t, f)

		var out struct {
			Mentions []extractedMention `json:"mentions"`
		}
		require.NoError(t, a.GenerateInto(context.Background(), "s", "u", mentionsTool, &out))
		require.Len(t, out.Mentions, 1)
		assert.Equal(t, "Go", out.Mentions[0].Name)
	})

	t.Run("unparseable answer", func(t *testing.T) {
		f := &fakeLLM{content: "I could not find anything."}
		a := newTestAdapter(t, f)

		var out map[string]interface{}
		err := a.GenerateInto(context.Background(), "s", "u", mentionsTool, &out)
		require.Error(t, err)
		assert.True(t, apperrors.IsRetryable(err))
	})
}

func TestEmbedder(t *testing.T) {
	f := &fakeLLM{vector: []float32{0.25, 0.5, 1}}
	e := NewEmbedder(f.server(t).URL, "", "test-embed")

	vec, err := e.Embed(context.Background(), "Sarah. my sister")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5, 1}, vec)
	assert.Equal(t, "test-embed", f.request()["model"])

	_, err = e.Embed(context.Background(), "  ")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestEmbedder_ProviderFailure(t *testing.T) {
	f := &fakeLLM{statuses: []int{502}}
	e := NewEmbedder(f.server(t).URL, "", "test-embed")

	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}
