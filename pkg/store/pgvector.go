package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/metrics"
	"github.com/xhad/semsearch/internal/models"
)

const kindPgvector = "pgvector"

// PgvectorIndex stores entries in PostgreSQL. Build recreates the working
// table <table>, Save copies the active table to <table>_<name>.
type PgvectorIndex struct {
	table     string
	batchSize int
	pool      *pgxpool.Pool
	logger    *zap.Logger

	mu     sync.RWMutex
	active string
	dim    int
	count  int
}

func NewPgvectorIndex(ctx context.Context, cfg Config) (*PgvectorIndex, error) {
	if cfg.TableName == "" {
		cfg.TableName = "chunks"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.DatabaseURL == "" {
		return nil, models.NewIndexBackendError(kindPgvector, "connect", errors.New("database url is empty"))
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, models.NewIndexBackendError(kindPgvector, "connect", err)
	}

	vs := &PgvectorIndex{
		table:     cfg.TableName,
		batchSize: cfg.BatchSize,
		pool:      pool,
		logger:    logger.OrNop(cfg.Logger).With(zap.String("index", kindPgvector)),
	}

	// Enable pgvector extension
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, models.NewIndexBackendError(kindPgvector, "connect", fmt.Errorf("failed to create vector extension: %w", err))
	}

	return vs, nil
}

func (vs *PgvectorIndex) tableFor(name string) string {
	if name == "" {
		return vs.table
	}
	return vs.table + "_" + name
}

func ident(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

func (vs *PgvectorIndex) Build(ctx context.Context, entries []models.IndexEntry) error {
	dim, err := entriesDimension(entries)
	if err != nil {
		return err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	table := ident(vs.tableFor(""))

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return models.NewIndexBackendError(kindPgvector, "build", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	createTable := fmt.Sprintf(`
		CREATE TABLE %s (
			id INTEGER PRIMARY KEY,
			source_id TEXT NOT NULL,
			source_name TEXT NOT NULL,
			sequence_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, table, dim)

	for _, stmt := range []string{"DROP TABLE IF EXISTS " + table, createTable} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return models.NewIndexBackendError(kindPgvector, "build", fmt.Errorf("failed to create table: %w", err))
		}
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, source_name, sequence_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`, table)

	// Insert entries in batches
	for start := 0; start < len(entries); start += vs.batchSize {
		end := min(start+vs.batchSize, len(entries))

		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			e := entries[i]
			batch.Queue(insert,
				i,
				e.Chunk.SourceID,
				e.Chunk.SourceName,
				e.Chunk.SequenceIndex,
				e.Chunk.Text,
				pgvector.NewVector(e.Vector),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return models.NewIndexBackendError(kindPgvector, "build", fmt.Errorf("failed to insert entries: %w", err))
		}
	}

	// Create vector index
	createIndex := fmt.Sprintf(`CREATE INDEX ON %s USING hnsw (embedding vector_cosine_ops)`, table)
	if _, err := tx.Exec(ctx, createIndex); err != nil {
		return models.NewIndexBackendError(kindPgvector, "build", fmt.Errorf("failed to create index: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return models.NewIndexBackendError(kindPgvector, "build", fmt.Errorf("failed to commit transaction: %w", err))
	}

	vs.active = ""
	vs.dim = dim
	vs.count = len(entries)

	metrics.ChunksIndexedTotal.Add(float64(len(entries)))
	vs.logger.Info("index built", zap.Int("entries", len(entries)), zap.Int("dimension", dim))
	return nil
}

// Search orders by cosine distance and reports 1 - distance.
func (vs *PgvectorIndex) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if vs.count == 0 {
		return nil, models.ErrEmptyIndex
	}
	if err := checkQuery(query, vs.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []models.SearchResult{}, nil
	}

	sql := fmt.Sprintf(`
		SELECT source_id, source_name, sequence_index, content, embedding <=> $1 AS distance
		FROM %s
		ORDER BY distance, id
		LIMIT $2`, ident(vs.tableFor(vs.active)))

	rows, err := vs.pool.Query(ctx, sql, pgvector.NewVector(query), k)
	if err != nil {
		return nil, models.NewIndexBackendError(kindPgvector, "search", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			r        models.SearchResult
			distance float64
		)
		if err := rows.Scan(
			&r.Chunk.SourceID,
			&r.Chunk.SourceName,
			&r.Chunk.SequenceIndex,
			&r.Chunk.Text,
			&distance,
		); err != nil {
			return nil, models.NewIndexBackendError(kindPgvector, "search", fmt.Errorf("failed to scan row: %w", err))
		}
		r.Score = 1 - distance
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewIndexBackendError(kindPgvector, "search", err)
	}

	return results, nil
}

func (vs *PgvectorIndex) Save(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.count == 0 {
		return models.ErrEmptyIndex
	}
	if vs.active == name {
		return nil
	}

	src := ident(vs.tableFor(vs.active))
	dst := ident(vs.tableFor(name))

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return models.NewIndexBackendError(kindPgvector, "save", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS " + dst,
		fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", dst, src),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", dst, src),
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return models.NewIndexBackendError(kindPgvector, "save", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.NewIndexBackendError(kindPgvector, "save", err)
	}

	vs.logger.Info("index saved", zap.String("table", vs.tableFor(name)), zap.Int("entries", vs.count))
	return nil
}

// Load returns false when no table for name exists.
func (vs *PgvectorIndex) Load(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	table := ident(vs.tableFor(name))

	var regclass *string
	if err := vs.pool.QueryRow(ctx, "SELECT to_regclass($1)::text", table).Scan(&regclass); err != nil {
		return false, models.NewIndexBackendError(kindPgvector, "load", err)
	}
	if regclass == nil {
		return false, nil
	}

	var count, dim int
	stats := fmt.Sprintf("SELECT count(*), COALESCE(max(vector_dims(embedding)), 0) FROM %s", table)
	if err := vs.pool.QueryRow(ctx, stats).Scan(&count, &dim); err != nil {
		return false, models.NewIndexBackendError(kindPgvector, "load", err)
	}
	if count == 0 {
		return false, nil
	}

	vs.active = name
	vs.dim = dim
	vs.count = count

	vs.logger.Info("index loaded", zap.String("table", vs.tableFor(name)), zap.Int("entries", count))
	return true, nil
}

func (vs *PgvectorIndex) Len() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.count
}

func (vs *PgvectorIndex) Dimension() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.dim
}

func (vs *PgvectorIndex) Kind() string { return kindPgvector }

func (vs *PgvectorIndex) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}
