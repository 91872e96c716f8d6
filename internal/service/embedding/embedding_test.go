package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perculacms/pagecontext/internal/model"
)

func TestIsZero(t *testing.T) {
	assert.True(t, IsZero(nil))
	assert.True(t, IsZero(make([]float32, 8)))
	assert.False(t, IsZero([]float32{0, 0, 0.1}))
}

func TestClip(t *testing.T) {
	short := "shipping policy"
	assert.Equal(t, short, clip(short))

	long := strings.Repeat("é", maxInputRunes+10)
	clipped := clip(long)
	assert.Equal(t, maxInputRunes, utf8.RuneCountInString(clipped))
	assert.True(t, utf8.ValidString(clipped))
}

// ollamaServer answers /api/embed with one vector of dims per input whose
// first element is the input's length.
func ollamaServer(t *testing.T, dims int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/version" {
			_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
			return
		}
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		if calls != nil {
			calls.Add(1)
		}

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.True(t, req.Truncate)

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i, in := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(len(in))
			resp.Embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaProvider(t *testing.T) {
	srv := ollamaServer(t, 16, nil)
	p := NewOllamaProvider(srv.URL, "test-model", 16, nil)
	assert.Equal(t, 16, p.Dimensions())
	assert.True(t, p.Reachable(context.Background()))

	t.Run("embed single", func(t *testing.T) {
		vec, err := p.Embed(context.Background(), "test text")
		require.NoError(t, err)
		require.Len(t, vec, 16)
		assert.InDelta(t, 9, vec[0], 1e-6)
	})

	t.Run("embed batch keeps order", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
		require.NoError(t, err)
		require.Len(t, vecs, 3)
		for i, v := range vecs {
			assert.Len(t, v, 16)
			assert.InDelta(t, float32(i+1), v[0], 1e-6)
		}
	})

	t.Run("embed batch empty", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, vecs)
	})
}

func TestOllamaProviderChunksLargeBatches(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaServer(t, 4, &calls)
	p := NewOllamaProvider(srv.URL, "test-model", 4, nil)

	texts := make([]string, ollamaMaxInputs*2+1)
	for i := range texts {
		texts[i] = strings.Repeat("x", i%7+1)
	}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	assert.EqualValues(t, 3, calls.Load())
	for i, v := range vecs {
		assert.InDelta(t, float32(i%7+1), v[0], 1e-6, "input %d", i)
	}
}

func TestOllamaProviderErrors(t *testing.T) {
	t.Run("server error is a backend failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := NewOllamaProvider(srv.URL, "m", 4, nil).Embed(context.Background(), "x")
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrBackendUnavailable))
	})

	t.Run("missing embeddings", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}))
		defer srv.Close()

		_, err := NewOllamaProvider(srv.URL, "m", 4, nil).Embed(context.Background(), "x")
		require.Error(t, err)
	})

	t.Run("wrong dimensions", func(t *testing.T) {
		srv := ollamaServer(t, 8, nil)
		_, err := NewOllamaProvider(srv.URL, "test-model", 4, nil).Embed(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expects 4")
	})

	t.Run("invalid json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()

		_, err := NewOllamaProvider(srv.URL, "m", 4, nil).Embed(context.Background(), "x")
		require.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		p := NewOllamaProvider("http://127.0.0.1:1", "m", 4, nil)
		assert.False(t, p.Reachable(context.Background()))
	})
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Dimensions)
		assert.Equal(t, []string{"first", "second"}, req.Input)

		// Reverse order to prove results are placed by index.
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1,0]},
			{"index":0,"embedding":[1,0,0]}
		]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 3, srv.Client()).WithBaseURL(srv.URL)
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
}

func TestOpenAIProviderChunksLargeBatches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Input), openAIMaxInputs)

		var resp openAIResponse
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{1, 0}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	texts := make([]string, openAIMaxInputs+5)
	for i := range texts {
		texts[i] = "page"
	}
	vecs, err := NewOpenAIProvider("k", "m", 2, nil).WithBaseURL(srv.URL).EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vecs, len(texts))
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAIProviderClipsLongInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)
		assert.Equal(t, maxInputRunes, utf8.RuneCountInString(req.Input[0]))
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,0.5]}]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider("k", "m", 2, nil).WithBaseURL(srv.URL).
		Embed(context.Background(), strings.Repeat("a", maxInputRunes*2))
	require.NoError(t, err)
}

func TestOpenAIProviderErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		backend bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, true},
		{"error body", http.StatusOK, `{"error":{"message":"bad model","type":"invalid_request_error"}}`, false},
		{"missing vector", http.StatusOK, `{"data":[]}`, false},
		{"index out of range", http.StatusOK, `{"data":[{"index":5,"embedding":[1,0,0]}]}`, false},
		{"wrong dimensions", http.StatusOK, `{"data":[{"index":0,"embedding":[1,0]}]}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIProvider("k", "m", 3, nil).WithBaseURL(srv.URL).Embed(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tc.backend, errors.Is(err, model.ErrBackendUnavailable))
		})
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(5)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	for _, v := range vecs {
		assert.Len(t, v, 5)
		assert.True(t, IsZero(v))
	}
}

func TestSelect(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	assert.IsType(t, &NoopProvider{}, Select(ctx, Options{Provider: "noop", Dimensions: 4}, logger))
	assert.IsType(t, &OpenAIProvider{}, Select(ctx, Options{Provider: "openai", Dimensions: 4}, logger))
	assert.IsType(t, &OllamaProvider{}, Select(ctx, Options{Provider: "ollama", Dimensions: 4}, logger))

	// auto with an unreachable ollama and no key falls back to noop.
	p := Select(ctx, Options{Provider: "auto", OllamaURL: "http://127.0.0.1:1", Dimensions: 4}, logger)
	assert.IsType(t, &NoopProvider{}, p)
	assert.Equal(t, 4, p.Dimensions())

	// auto with a key and no ollama picks openai.
	p = Select(ctx, Options{Provider: "auto", OllamaURL: "http://127.0.0.1:1", OpenAIAPIKey: "k", Dimensions: 4}, logger)
	assert.IsType(t, &OpenAIProvider{}, p)

	srv := ollamaServer(t, 4, nil)
	p = Select(ctx, Options{Provider: "auto", OllamaURL: srv.URL, OllamaModel: "test-model", Dimensions: 4}, logger)
	assert.IsType(t, &OllamaProvider{}, p)
}
