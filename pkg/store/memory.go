package store

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/metrics"
	"github.com/xhad/semsearch/internal/models"
)

const kindMemory = "memory"

// MemoryIndex is an exact cosine index held in memory. Save writes a gob
// snapshot to <dir>/<name>_memory.gob.
type MemoryIndex struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	dim     int
	entries []models.IndexEntry
}

type memorySnapshot struct {
	Dimension int
	Entries   []models.IndexEntry
}

func NewMemoryIndex(cfg Config) *MemoryIndex {
	if cfg.Dir == "" {
		cfg.Dir = "vector_store"
	}
	return &MemoryIndex{
		dir:    cfg.Dir,
		logger: logger.OrNop(cfg.Logger).With(zap.String("index", kindMemory)),
	}
}

func (m *MemoryIndex) Build(_ context.Context, entries []models.IndexEntry) error {
	dim, err := entriesDimension(entries)
	if err != nil {
		return err
	}

	owned := make([]models.IndexEntry, len(entries))
	copy(owned, entries)

	m.mu.Lock()
	m.dim = dim
	m.entries = owned
	m.mu.Unlock()

	metrics.ChunksIndexedTotal.Add(float64(len(owned)))
	m.logger.Info("index built", zap.Int("entries", len(owned)), zap.Int("dimension", dim))
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, models.ErrEmptyIndex
	}
	if err := checkQuery(query, m.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []models.SearchResult{}, nil
	}

	all := make([]scored, len(m.entries))
	for i := range m.entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		all[i] = scored{pos: i, score: cosineSimilarity(query, m.entries[i].Vector)}
	}

	best := topK(all, k)
	results := make([]models.SearchResult, len(best))
	for i, s := range best {
		results[i] = models.SearchResult{Chunk: m.entries[s.pos].Chunk, Score: s.score}
	}
	return results, nil
}

func (m *MemoryIndex) path(name string) string {
	return filepath.Join(m.dir, name+"_"+kindMemory+".gob")
}

// Save writes the snapshot atomically through a temporary file.
func (m *MemoryIndex) Save(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return models.ErrEmptyIndex
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return models.NewIndexBackendError(kindMemory, "save", err)
	}

	path := m.path(name)
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return models.NewIndexBackendError(kindMemory, "save", err)
	}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(memorySnapshot{Dimension: m.dim, Entries: m.entries}); err != nil {
		file.Close()
		os.Remove(tmp)
		return models.NewIndexBackendError(kindMemory, "save", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return models.NewIndexBackendError(kindMemory, "save", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return models.NewIndexBackendError(kindMemory, "save", err)
	}

	m.logger.Info("index saved", zap.String("path", path), zap.Int("entries", len(m.entries)))
	return nil
}

// Load returns false when no snapshot named name exists.
func (m *MemoryIndex) Load(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	file, err := os.Open(m.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, models.NewIndexBackendError(kindMemory, "load", err)
	}
	defer file.Close()

	var snap memorySnapshot
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&snap); err != nil {
		return false, models.NewIndexBackendError(kindMemory, "load", fmt.Errorf("decode %s: %w", file.Name(), err))
	}
	if len(snap.Entries) == 0 {
		return false, models.NewIndexBackendError(kindMemory, "load", fmt.Errorf("%s holds no entries", file.Name()))
	}

	m.mu.Lock()
	m.dim = snap.Dimension
	m.entries = snap.Entries
	m.mu.Unlock()

	m.logger.Info("index loaded", zap.String("name", name), zap.Int("entries", len(snap.Entries)))
	return true, nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryIndex) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dim
}

func (m *MemoryIndex) Kind() string { return kindMemory }

func (m *MemoryIndex) Close() error { return nil }
