package llm

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/huggingface"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/metrics"
	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/pkg/config"
)

type EmbedderConfig struct {
	OllamaURL     string // Ollama server URL
	OpenAIBaseURL string
	OpenAIAPIKey  string
	BatchSize     int
	RateLimit     float64 // batch requests per second, 0 means unlimited
	Logger        *zap.Logger
}

// BackendLoader creates the client that produces raw vectors.
type BackendLoader func(ctx context.Context) (embeddings.Embedder, error)

type Option func(*Embedder)

// WithBackendLoader replaces the provider client, mainly for tests.
func WithBackendLoader(load BackendLoader) Option {
	return func(e *Embedder) { e.load = load }
}

// Embedder produces unit-length vectors with one catalog model. The
// provider client is created on first use and then reused.
type Embedder struct {
	cfg     EmbedderConfig
	model   config.Model
	load    BackendLoader
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	backend embeddings.Embedder
}

// NewEmbedderWithConfig resolves modelKey against the catalog. It performs
// no I/O; an unknown key fails with models.ErrUnknownModel.
func NewEmbedderWithConfig(modelKey string, cfg EmbedderConfig, opts ...Option) (*Embedder, error) {
	model, err := config.LookupModel(modelKey)
	if err != nil {
		return nil, err
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = "http://localhost:11434" // Default Ollama URL
	}

	e := &Embedder{
		cfg:    cfg,
		model:  model,
		logger: logger.OrNop(cfg.Logger).With(zap.String("model", model.Key)),
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	e.load = e.loadBackend

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func NewEmbedder(modelKey string) (*Embedder, error) {
	return NewEmbedderWithConfig(modelKey, EmbedderConfig{})
}

func (e *Embedder) loadBackend(_ context.Context) (embeddings.Embedder, error) {
	switch e.model.Provider {
	case config.ProviderOllama:
		client, err := ollama.New(
			ollama.WithModel(e.model.ProviderModel),
			ollama.WithServerURL(e.cfg.OllamaURL),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
		}
		return embeddings.NewEmbedder(client, embeddings.WithBatchSize(e.cfg.BatchSize))

	case config.ProviderHuggingFace:
		emb, err := huggingface.NewHuggingface(huggingface.WithModel(e.model.ProviderModel))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize huggingface client: %w", err)
		}
		return emb, nil

	case config.ProviderOpenAI:
		if e.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai api key is not set: %w", models.ErrEmbeddingProvider)
		}
		client := newOpenAIClient(e.cfg.OpenAIAPIKey, e.cfg.OpenAIBaseURL, e.model.ProviderModel)
		return embeddings.NewEmbedder(client, embeddings.WithBatchSize(e.cfg.BatchSize))
	}

	return nil, fmt.Errorf("%w: no provider for %q", models.ErrUnknownModel, e.model.Key)
}

func (e *Embedder) client(ctx context.Context) (embeddings.Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend != nil {
		return e.backend, nil
	}

	start := time.Now()
	backend, err := e.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding model %s: %w", e.model.Key, err)
	}
	e.backend = backend
	e.logger.Info("embedding model loaded",
		zap.String("provider", string(e.model.Provider)),
		zap.Duration("took", time.Since(start)),
	)
	return backend, nil
}

// EmbedMany returns one vector per text, in input order.
func (e *Embedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedManyWithProgress(ctx, texts, nil)
}

// EmbedManyWithProgress embeds texts in batches. progressFn, if set, is
// called with (completed, total) after each batch.
func (e *Embedder) EmbedManyWithProgress(ctx context.Context, texts []string, progressFn func(done, total int)) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	backend, err := e.client(ctx)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		batch := texts[start:end]

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		began := time.Now()
		out, err := backend.EmbedDocuments(ctx, batch)
		if err == nil && len(out) != len(batch) {
			err = fmt.Errorf("expected %d vectors, got %d: %w", len(batch), len(out), models.ErrEmbeddingProvider)
		}
		metrics.ObserveEmbedding(string(e.model.Provider), e.model.Key, began, err)
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d-%d: %w", start, end, err)
		}

		for _, v := range out {
			if len(v) != e.model.Dimension {
				return nil, fmt.Errorf("%w: model %s returned %d values, expected %d",
					models.ErrDimensionMismatch, e.model.Key, len(v), e.model.Dimension)
			}
			vectors = append(vectors, l2normalize(v))
		}

		if progressFn != nil {
			progressFn(end, len(texts))
		}
	}

	e.logger.Debug("embedded texts", zap.Int("count", len(texts)))
	return vectors, nil
}

// EmbedOne embeds a single query string.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) Dimension() int {
	return e.model.Dimension
}

func (e *Embedder) Model() config.Model {
	return e.model
}

func (e *Embedder) ModelInfo() string {
	return fmt.Sprintf("%s (%s, %d dims)", e.model.Key, e.model.Name, e.model.Dimension)
}

// l2normalize returns a unit-length copy of v. A zero vector is returned as is.
func l2normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)

	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}
