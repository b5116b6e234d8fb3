package types

import (
	"context"

	"github.com/xhad/semsearch/internal/models"
)

// Core interfaces

// Extractor turns one file into plain text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	EmbedManyWithProgress(ctx context.Context, texts []string, progressFn func(done, total int)) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelInfo() string
}

// VectorIndex stores chunk vectors and answers nearest-neighbour queries.
// Scores are cosine similarities, best first.
type VectorIndex interface {
	Build(ctx context.Context, entries []models.IndexEntry) error
	Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error)
	Save(ctx context.Context, name string) error
	Load(ctx context.Context, name string) (bool, error)
	Len() int
	Dimension() int
	Kind() string
	Close() error
}

type Loader interface {
	Load(ctx context.Context, root string) ([]models.TextRecord, models.CorpusStats, error)
}

type Chunker interface {
	Process(records []models.TextRecord) ([]models.Chunk, error)
}
