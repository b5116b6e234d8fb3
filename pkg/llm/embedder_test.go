package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/pkg/llm"
)

// hashEmbedder is a deterministic bag-of-words embedder.
type hashEmbedder struct {
	dim     int
	batches []int
}

func (h *hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	h.batches = append(h.batches, len(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, h.dim)
		f := fnv.New32a()
		f.Write([]byte(t))
		v[f.Sum32()%uint32(h.dim)] += 3
		v[len(t)%h.dim] += 1
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := h.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func newTestEmbedder(t *testing.T, key string, backend embeddings.Embedder, loads *int32) *llm.Embedder {
	t.Helper()
	emb, err := llm.NewEmbedderWithConfig(key, llm.EmbedderConfig{BatchSize: 2},
		llm.WithBackendLoader(func(context.Context) (embeddings.Embedder, error) {
			if loads != nil {
				atomic.AddInt32(loads, 1)
			}
			return backend, nil
		}))
	require.NoError(t, err)
	return emb
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestNewEmbedderWithConfig(t *testing.T) {
	emb, err := llm.NewEmbedderWithConfig("nomic-embed-text", llm.EmbedderConfig{})
	require.NoError(t, err)
	assert.Equal(t, 768, emb.Dimension())
	assert.Contains(t, emb.ModelInfo(), "nomic-ai/nomic-embed-text-v1.5")

	_, err = llm.NewEmbedder("not-a-model")
	assert.ErrorIs(t, err, models.ErrUnknownModel)
}

func TestEmbedMany(t *testing.T) {
	backend := &hashEmbedder{dim: 384}
	var loads int32
	emb := newTestEmbedder(t, "all-MiniLM-L6-v2", backend, &loads)
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}

	var progress [][2]int
	vectors, err := emb.EmbedManyWithProgress(ctx, texts, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	assert.Equal(t, []int{2, 2, 1}, backend.batches)
	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, progress)

	for _, v := range vectors {
		assert.Len(t, v, 384)
		assert.InDelta(t, 1.0, norm(v), 1e-5)
	}

	for i, text := range texts {
		one, err := emb.EmbedOne(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, vectors[i], one)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestEmbedManyEmpty(t *testing.T) {
	var loads int32
	emb := newTestEmbedder(t, "all-MiniLM-L6-v2", &hashEmbedder{dim: 384}, &loads)

	vectors, err := emb.EmbedMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, atomic.LoadInt32(&loads))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	emb := newTestEmbedder(t, "all-mpnet-base-v2", &hashEmbedder{dim: 384}, nil)

	_, err := emb.EmbedOne(context.Background(), "text")
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
}

func TestBackendLoadRetried(t *testing.T) {
	var calls int32
	emb, err := llm.NewEmbedderWithConfig("all-MiniLM-L6-v2", llm.EmbedderConfig{},
		llm.WithBackendLoader(func(context.Context) (embeddings.Embedder, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, errors.New("connection refused")
			}
			return &hashEmbedder{dim: 384}, nil
		}))
	require.NoError(t, err)

	_, err = emb.EmbedOne(context.Background(), "first")
	assert.ErrorContains(t, err, "connection refused")

	_, err = emb.EmbedOne(context.Background(), "second")
	require.NoError(t, err)
	_, err = emb.EmbedOne(context.Background(), "third")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOpenAIBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "text-embedding-3-small", req.Model)

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		// reply in reverse order
		for i := range req.Input {
			v := make([]float32, 1536)
			v[i] = 2
			data[len(req.Input)-1-i] = item{Object: "embedding", Embedding: v, Index: i}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	defer server.Close()

	emb, err := llm.NewEmbedderWithConfig("text-embedding-3-small", llm.EmbedderConfig{
		OpenAIBaseURL: server.URL + "/v1",
		OpenAIAPIKey:  "test-key",
	})
	require.NoError(t, err)

	vectors, err := emb.EmbedMany(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Len(t, v, 1536)
		assert.InDelta(t, 1.0, v[i], 1e-6)
	}
}

func TestOpenAIBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	emb, err := llm.NewEmbedderWithConfig("text-embedding-3-small", llm.EmbedderConfig{
		OpenAIBaseURL: server.URL + "/v1",
		OpenAIAPIKey:  "bad-key",
	})
	require.NoError(t, err)

	_, err = emb.EmbedOne(context.Background(), "hello")
	assert.ErrorIs(t, err, models.ErrEmbeddingProvider)
}

func TestOpenAIMissingKey(t *testing.T) {
	emb, err := llm.NewEmbedderWithConfig("text-embedding-3-small", llm.EmbedderConfig{})
	require.NoError(t, err)

	_, err = emb.EmbedOne(context.Background(), "hello")
	assert.ErrorIs(t, err, models.ErrEmbeddingProvider)
}
