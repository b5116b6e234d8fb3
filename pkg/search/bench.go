package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/semsearch/pkg/config"
)

// DefaultBenchmarkQueries are run against every combination when the
// caller supplies none.
var DefaultBenchmarkQueries = []string{
	"What is machine learning?",
	"Explain neural networks",
	"What are the benefits of AI?",
}

type BenchmarkConfig struct {
	Directory  string
	Models     []string
	IndexKinds []string
	Queries    []string
	TopK       int
	Logger     *zap.Logger
	OnResult   func(BenchmarkResult) // called after each pair
}

// BenchmarkResult is the outcome of one model and index kind pair. A pair
// that fails keeps its Error and zero measurements.
type BenchmarkResult struct {
	Model         string        `json:"model"`
	IndexKind     string        `json:"index_kind"`
	BuildTime     time.Duration `json:"build_time"`
	LoadedFiles   int           `json:"loaded_files"`
	Chunks        int           `json:"chunks"`
	AvgSearchTime time.Duration `json:"avg_search_time"`
	AvgTopScore   float64       `json:"avg_top_score"`
	Error         string        `json:"error,omitempty"`
}

// RunBenchmark builds the directory once per model and index kind, each on
// a fresh Engine, and times the queries against it. opts are applied to
// every Engine.
func RunBenchmark(ctx context.Context, cfg *config.Config, bc BenchmarkConfig, opts ...Option) ([]BenchmarkResult, error) {
	if bc.Directory == "" {
		return nil, errors.New("benchmark directory is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if len(bc.Models) == 0 {
		bc.Models = []string{cfg.Embedding.Model}
	}
	if len(bc.IndexKinds) == 0 {
		bc.IndexKinds = []string{cfg.Index.Kind}
	}
	if len(bc.Queries) == 0 {
		bc.Queries = DefaultBenchmarkQueries
	}
	if bc.TopK <= 0 {
		bc.TopK = 3
	}
	if bc.Logger == nil {
		bc.Logger = zap.NewNop()
	}

	results := make([]BenchmarkResult, 0, len(bc.Models)*len(bc.IndexKinds))
	for _, model := range bc.Models {
		for _, kind := range bc.IndexKinds {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			r := benchmarkOne(ctx, cfg, bc, model, kind, opts)
			if r.Error != "" {
				bc.Logger.Warn("benchmark case failed",
					zap.String("model", model), zap.String("index", kind), zap.String("error", r.Error))
			}
			results = append(results, r)
			if bc.OnResult != nil {
				bc.OnResult(r)
			}
		}
	}
	return results, nil
}

func benchmarkOne(ctx context.Context, cfg *config.Config, bc BenchmarkConfig, model, kind string, opts []Option) BenchmarkResult {
	r := BenchmarkResult{Model: model, IndexKind: kind}

	engine := New(cfg, opts...)
	defer engine.Close()

	start := time.Now()
	built, err := engine.Build(ctx, BuildRequest{Directory: bc.Directory, Model: model, IndexKind: kind})
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.BuildTime = time.Since(start)
	r.LoadedFiles = built.Stats.LoadedFiles
	r.Chunks = built.TotalChunks

	var (
		searchTime time.Duration
		topScores  float64
	)
	for _, q := range bc.Queries {
		qStart := time.Now()
		hits, err := engine.Search(ctx, q, bc.TopK)
		if err != nil {
			r.Error = fmt.Sprintf("query %q: %v", q, err)
			return r
		}
		searchTime += time.Since(qStart)
		if len(hits) > 0 {
			topScores += hits[0].Score
		}
	}
	r.AvgSearchTime = searchTime / time.Duration(len(bc.Queries))
	r.AvgTopScore = topScores / float64(len(bc.Queries))
	return r
}
