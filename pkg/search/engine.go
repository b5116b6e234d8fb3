package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/metrics"
	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/internal/types"
	"github.com/xhad/semsearch/pkg/config"
	"github.com/xhad/semsearch/pkg/llm"
	"github.com/xhad/semsearch/pkg/loader"
	"github.com/xhad/semsearch/pkg/processor"
	"github.com/xhad/semsearch/pkg/store"
)

type State int

const (
	StateUninitialized State = iota
	StateBuilding
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EmbedderFactory creates the embedder for a catalog model key.
type EmbedderFactory func(modelKey string) (types.Embedder, error)

// IndexFactory opens a vector index of the given kind.
type IndexFactory func(ctx context.Context, kind config.IndexKind) (types.VectorIndex, error)

type Option func(*Engine)

func WithEmbedderFactory(f EmbedderFactory) Option {
	return func(e *Engine) { e.newEmbedder = f }
}

func WithIndexFactory(f IndexFactory) Option {
	return func(e *Engine) { e.newIndex = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger.OrNop(l) }
}

// BuildRequest selects what to index. Empty Model and IndexKind fall back
// to the configured defaults.
type BuildRequest struct {
	Directory string
	Model     string
	IndexKind string
	Progress  func(models.Progress)
}

// Engine runs the load, chunk, embed and index pipeline and answers
// queries against the result. It allows one build or load at a time.
type Engine struct {
	cfg         *config.Config
	logger      *zap.Logger
	newEmbedder EmbedderFactory
	newIndex    IndexFactory

	mu       sync.RWMutex
	state    State
	err      error
	result   *models.BuildResult
	embedder types.Embedder
	index    types.VectorIndex

	cacheMu   sync.Mutex
	embedders map[string]types.Embedder
	indexes   map[config.IndexKind]types.VectorIndex
}

func New(cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    zap.NewNop(),
		embedders: make(map[string]types.Embedder),
		indexes:   make(map[config.IndexKind]types.VectorIndex),
	}
	e.newEmbedder = e.defaultEmbedder
	e.newIndex = e.defaultIndex

	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) defaultEmbedder(modelKey string) (types.Embedder, error) {
	return llm.NewEmbedderWithConfig(modelKey, llm.EmbedderConfig{
		OllamaURL:     e.cfg.Embedding.OllamaURL,
		OpenAIBaseURL: e.cfg.Embedding.OpenAIBaseURL,
		OpenAIAPIKey:  e.cfg.OpenAIAPIKey(),
		BatchSize:     e.cfg.Embedding.BatchSize,
		RateLimit:     e.cfg.Embedding.RateLimit,
		Logger:        e.logger,
	})
}

func (e *Engine) defaultIndex(ctx context.Context, kind config.IndexKind) (types.VectorIndex, error) {
	return store.New(ctx, kind, store.Config{
		Dir:         e.cfg.Index.StoreDir,
		DatabaseURL: e.cfg.Index.DatabaseURL,
		TableName:   e.cfg.Index.TableName,
		BatchSize:   e.cfg.Index.BatchSize,
		Logger:      e.logger,
	})
}

// embedderFor returns the cached embedder for model, creating it on first use.
func (e *Engine) embedderFor(model config.Model) (types.Embedder, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if emb, ok := e.embedders[model.Key]; ok {
		return emb, nil
	}
	emb, err := e.newEmbedder(model.Key)
	if err != nil {
		return nil, err
	}
	e.embedders[model.Key] = emb
	return emb, nil
}

func (e *Engine) indexFor(ctx context.Context, kind config.IndexKind) (types.VectorIndex, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if idx, ok := e.indexes[kind]; ok {
		return idx, nil
	}
	idx, err := e.newIndex(ctx, kind)
	if err != nil {
		return nil, err
	}
	e.indexes[kind] = idx
	return idx, nil
}

func (e *Engine) resolve(modelKey, kind string) (config.Model, config.IndexKind, error) {
	if modelKey == "" {
		modelKey = e.cfg.Embedding.Model
	}
	model, err := config.LookupModel(modelKey)
	if err != nil {
		return config.Model{}, "", err
	}
	if kind == "" {
		kind = e.cfg.Index.Kind
	}
	k, err := config.ParseIndexKind(kind)
	if err != nil {
		return config.Model{}, "", err
	}
	return model, k, nil
}

// begin moves the engine to Building and returns the state to restore
// if the operation turns out to be a no-op.
func (e *Engine) begin() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateBuilding {
		return e.state, models.ErrBuildInProgress
	}
	prev := e.state
	e.state = StateBuilding
	return prev, nil
}

func (e *Engine) finish(result *models.BuildResult, emb types.Embedder, idx types.VectorIndex, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.state = StateFailed
		e.err = err
		return
	}
	e.state = StateReady
	e.err = nil
	e.result = result
	e.embedder = emb
	e.index = idx
}

// Build runs the whole pipeline synchronously.
func (e *Engine) Build(ctx context.Context, req BuildRequest) (*models.BuildResult, error) {
	model, kind, err := e.resolve(req.Model, req.IndexKind)
	if err != nil {
		return nil, err
	}
	if _, err := e.begin(); err != nil {
		return nil, err
	}
	return e.run(ctx, req, model, kind)
}

// BuildAsync starts a build on a new goroutine. Validation and the
// one-build-at-a-time check happen before it returns, so a returned Task
// always belongs to a build that actually started.
func (e *Engine) BuildAsync(ctx context.Context, req BuildRequest) (*Task, error) {
	model, kind, err := e.resolve(req.Model, req.IndexKind)
	if err != nil {
		return nil, err
	}
	if _, err := e.begin(); err != nil {
		return nil, err
	}

	task := newTask()
	go func() {
		task.complete(e.run(ctx, req, model, kind))
	}()
	return task, nil
}

func (e *Engine) run(ctx context.Context, req BuildRequest, model config.Model, kind config.IndexKind) (result *models.BuildResult, err error) {
	start := time.Now()
	log := logger.FromContext(ctx, e.logger).With(
		zap.String("directory", req.Directory),
		zap.String("model", model.Key),
		zap.String("index", string(kind)),
	)

	var (
		emb types.Embedder
		idx types.VectorIndex
	)
	defer func() {
		metrics.ObserveBuild(start, err)
		e.finish(result, emb, idx, err)
		if err != nil {
			log.Error("build failed", zap.Error(err))
		}
	}()

	report := func(stage string, done, total int) {
		if req.Progress != nil {
			req.Progress(models.Progress{Stage: stage, Done: done, Total: total})
		}
	}

	log.Info("starting build")

	// Load
	report(models.StageLoading, 0, 0)
	seen := 0
	ld := loader.NewWithConfig(loader.LoaderConfig{
		SupportedFormats: e.cfg.Loader.SupportedFormats,
		Logger:           log,
		OnFile: func(string) {
			seen++
			report(models.StageLoading, seen, 0)
		},
	})
	records, stats, err := ld.Load(ctx, req.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrNoDocuments, req.Directory)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Chunk
	report(models.StageChunking, 0, len(records))
	chunker := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    e.cfg.Processor.ChunkSize,
		ChunkOverlap: e.cfg.Processor.ChunkOverlap,
	})
	chunks, err := chunker.Process(records)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk documents: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no text to index in %s", models.ErrNoDocuments, req.Directory)
	}
	report(models.StageChunking, len(records), len(records))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Embed
	emb, err = e.embedderFor(model)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	report(models.StageEmbedding, 0, len(texts))
	vectors, err := emb.EmbedManyWithProgress(ctx, texts, func(done, total int) {
		report(models.StageEmbedding, done, total)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Index
	idx, err = e.indexFor(ctx, kind)
	if err != nil {
		return nil, err
	}
	entries := make([]models.IndexEntry, len(chunks))
	for i := range chunks {
		entries[i] = models.IndexEntry{Vector: vectors[i], Chunk: chunks[i]}
	}
	report(models.StageIndexing, 0, len(entries))
	if err := idx.Build(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to build index: %w", err)
	}
	report(models.StageIndexing, len(entries), len(entries))

	result = &models.BuildResult{
		Stats:       stats,
		TotalChunks: len(chunks),
		Model:       model.Key,
		IndexKind:   string(kind),
		Dimension:   emb.Dimension(),
		Duration:    time.Since(start),
	}
	log.Info("build finished",
		zap.Int("files", stats.LoadedFiles),
		zap.Int("chunks", len(chunks)),
		zap.Duration("took", result.Duration),
	)
	return result, nil
}

// Inspect scans dir the way a build would and reports the corpus stats.
// It leaves the engine state untouched.
func (e *Engine) Inspect(ctx context.Context, dir string) (models.CorpusStats, error) {
	ld := loader.NewWithConfig(loader.LoaderConfig{
		SupportedFormats: e.cfg.Loader.SupportedFormats,
		Logger:           logger.FromContext(ctx, e.logger),
	})
	_, stats, err := ld.Load(ctx, dir)
	if err != nil {
		return stats, fmt.Errorf("failed to inspect %s: %w", dir, err)
	}
	return stats, nil
}

// ClampTopK maps k into [1, MaxTopK]; k <= 0 selects DefaultTopK.
func (e *Engine) ClampTopK(k int) int {
	if k <= 0 {
		k = e.cfg.Search.DefaultTopK
	}
	if k > e.cfg.Search.MaxTopK {
		k = e.cfg.Search.MaxTopK
	}
	if k < 1 {
		k = 1
	}
	return k
}

// Search embeds query and returns up to k results, best first.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	e.mu.RLock()
	state, emb, idx := e.state, e.embedder, e.index
	e.mu.RUnlock()

	if state != StateReady {
		return nil, fmt.Errorf("%w: state is %s", models.ErrNotReady, state)
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.ErrEmptyQuery
	}

	vec, err := emb.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	start := time.Now()
	results, err := idx.Search(ctx, vec, e.ClampTopK(k))
	metrics.SearchDuration.WithLabelValues(idx.Kind()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	return results, nil
}

// Save persists the ready index under name.
func (e *Engine) Save(ctx context.Context, name string) error {
	e.mu.RLock()
	state, idx := e.state, e.index
	e.mu.RUnlock()

	if state != StateReady {
		return fmt.Errorf("%w: state is %s", models.ErrNotReady, state)
	}
	if name == "" {
		name = e.cfg.Index.Name
	}
	if err := idx.Save(ctx, name); err != nil {
		return fmt.Errorf("failed to save index %q: %w", name, err)
	}
	return nil
}

// Load restores a saved index and makes it searchable with model. It
// returns false, leaving the engine untouched, when nothing named name
// exists for that kind.
func (e *Engine) Load(ctx context.Context, name, modelKey, kind string) (bool, error) {
	model, k, err := e.resolve(modelKey, kind)
	if err != nil {
		return false, err
	}
	if name == "" {
		name = e.cfg.Index.Name
	}

	prev, err := e.begin()
	if err != nil {
		return false, err
	}

	restore := func() {
		e.mu.Lock()
		e.state = prev
		e.mu.Unlock()
	}

	emb, err := e.embedderFor(model)
	if err != nil {
		restore()
		return false, err
	}
	idx, err := e.indexFor(ctx, k)
	if err != nil {
		restore()
		return false, err
	}

	ok, err := idx.Load(ctx, name)
	if err != nil {
		e.finish(nil, nil, nil, fmt.Errorf("failed to load index %q: %w", name, err))
		return false, e.Err()
	}
	if !ok {
		restore()
		return false, nil
	}

	if idx.Dimension() != emb.Dimension() {
		err := models.NewIndexBackendError(idx.Kind(), "load", fmt.Errorf("%w: index %q has %d dimensions, model %s produces %d",
			models.ErrDimensionMismatch, name, idx.Dimension(), model.Key, emb.Dimension()))
		e.finish(nil, nil, nil, err)
		return false, err
	}

	e.finish(&models.BuildResult{
		TotalChunks: idx.Len(),
		Model:       model.Key,
		IndexKind:   string(k),
		Dimension:   idx.Dimension(),
	}, emb, idx, nil)

	e.logger.Info("index loaded", zap.String("name", name), zap.String("model", model.Key), zap.Int("entries", idx.Len()))
	return true, nil
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Result returns the outcome of the last successful build or load.
func (e *Engine) Result() *models.BuildResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result
}

// Err returns the error that moved the engine to Failed.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Status is a point-in-time view of the engine for front ends.
type Status struct {
	State  string              `json:"state"`
	Result *models.BuildResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{State: e.state.String(), Result: e.result}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

// Close releases every index the engine opened.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.state = StateUninitialized
	e.embedder = nil
	e.index = nil
	e.mu.Unlock()

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	var firstErr error
	for kind, idx := range e.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.indexes, kind)
	}
	return firstErr
}
