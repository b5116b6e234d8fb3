package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/internal/types"
	"github.com/xhad/semsearch/pkg/config"
)

// Config carries the settings shared by every backend. Each backend reads
// only the fields it needs.
type Config struct {
	Dir         string // memory and bolt
	DatabaseURL string // pgvector
	TableName   string // pgvector
	BatchSize   int    // pgvector insert batch
	Logger      *zap.Logger
}

// New opens an index of the given kind.
func New(ctx context.Context, kind config.IndexKind, cfg Config) (types.VectorIndex, error) {
	switch kind {
	case config.IndexMemory:
		return NewMemoryIndex(cfg), nil
	case config.IndexBolt:
		return NewBoltIndex(cfg), nil
	case config.IndexPgvector:
		return NewPgvectorIndex(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownIndexKind, kind)
}

// validateName rejects names that cannot be used as a file or table suffix.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("index name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid index name %q", name)
	}
	return nil
}

// entriesDimension checks that every entry has the same vector length.
func entriesDimension(entries []models.IndexEntry) (int, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: no entries to build", models.ErrEmptyIndex)
	}
	dim := len(entries[0].Vector)
	if dim == 0 {
		return 0, fmt.Errorf("%w: entry 0 has an empty vector", models.ErrDimensionMismatch)
	}
	for i, e := range entries {
		if len(e.Vector) != dim {
			return 0, fmt.Errorf("%w: entry %d has %d values, expected %d",
				models.ErrDimensionMismatch, i, len(e.Vector), dim)
		}
	}
	return dim, nil
}

func checkQuery(query []float32, dim int) error {
	if len(query) != dim {
		return fmt.Errorf("%w: query has %d values, index has %d", models.ErrDimensionMismatch, len(query), dim)
	}
	return nil
}

// cosineSimilarity returns a value between -1 and 1, 1 meaning identical direction.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type scored struct {
	pos   int
	score float64
}

// topK sorts by descending score, keeping insertion order among ties.
func topK(all []scored, k int) []scored {
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].score > all[j].score
	})
	if k < len(all) {
		all = all[:k]
	}
	return all
}
