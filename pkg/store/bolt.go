package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/metrics"
	"github.com/xhad/semsearch/internal/models"
)

const (
	kindBolt     = "bolt"
	boltFileName = "index.bolt"
)

var (
	bucketWorking = []byte("working")
	bucketSaved   = []byte("index")
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")

	keyDimension = []byte("dimension")
	keyCount     = []byte("count")
)

// BoltIndex keeps entries in a bbolt file. Build replaces the working
// bucket, Save copies the active bucket under index/<name>, and Load makes
// a saved bucket active. Search scans raw vectors and decodes chunk
// payloads only for the winners.
type BoltIndex struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	db     *bbolt.DB
	active string // "" is the working bucket
	dim    int
	count  int
}

func NewBoltIndex(cfg Config) *BoltIndex {
	if cfg.Dir == "" {
		cfg.Dir = "vector_store"
	}
	return &BoltIndex{
		path:   filepath.Join(cfg.Dir, boltFileName),
		logger: logger.OrNop(cfg.Logger).With(zap.String("index", kindBolt)),
	}
}

// open lazily creates the database file. Callers hold b.mu for writing.
func (b *BoltIndex) open() error {
	if b.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return models.NewIndexBackendError(kindBolt, "open", err)
	}
	db, err := bbolt.Open(b.path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return models.NewIndexBackendError(kindBolt, "open", err)
	}
	b.db = db
	return nil
}

// activeBucket resolves the bucket searches read from.
func (b *BoltIndex) activeBucket(tx *bbolt.Tx) *bbolt.Bucket {
	if b.active == "" {
		return tx.Bucket(bucketWorking)
	}
	return savedBucket(tx, b.active)
}

func savedBucket(tx *bbolt.Tx, name string) *bbolt.Bucket {
	saved := tx.Bucket(bucketSaved)
	if saved == nil {
		return nil
	}
	return saved.Bucket([]byte(name))
}

func (b *BoltIndex) Build(ctx context.Context, entries []models.IndexEntry) error {
	dim, err := entriesDimension(entries)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.open(); err != nil {
		return err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketWorking) != nil {
			if err := tx.DeleteBucket(bucketWorking); err != nil {
				return err
			}
		}
		root, err := tx.CreateBucket(bucketWorking)
		if err != nil {
			return err
		}
		data, err := root.CreateBucket(bucketEntries)
		if err != nil {
			return err
		}

		for i, e := range entries {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			value, err := encodeEntry(e)
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", i, err)
			}
			if err := data.Put(itob(uint64(i)), value); err != nil {
				return err
			}
		}

		meta, err := root.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		if err := meta.Put(keyDimension, itob(uint64(dim))); err != nil {
			return err
		}
		return meta.Put(keyCount, itob(uint64(len(entries))))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return models.NewIndexBackendError(kindBolt, "build", err)
	}

	b.active = ""
	b.dim = dim
	b.count = len(entries)

	metrics.ChunksIndexedTotal.Add(float64(len(entries)))
	b.logger.Info("index built", zap.Int("entries", len(entries)), zap.Int("dimension", dim))
	return nil
}

func (b *BoltIndex) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.db == nil || b.count == 0 {
		return nil, models.ErrEmptyIndex
	}
	if err := checkQuery(query, b.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []models.SearchResult{}, nil
	}

	var results []models.SearchResult
	err := b.db.View(func(tx *bbolt.Tx) error {
		root := b.activeBucket(tx)
		if root == nil || root.Bucket(bucketEntries) == nil {
			return models.ErrEmptyIndex
		}
		data := root.Bucket(bucketEntries)

		all := make([]scored, 0, b.count)
		keys := make([][]byte, 0, b.count)
		vec := make([]float32, b.dim)

		c := data.Cursor()
		for key, value := c.First(); key != nil; key, value = c.Next() {
			if len(keys)%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if err := decodeVector(value, vec); err != nil {
				return err
			}
			all = append(all, scored{pos: len(keys), score: cosineSimilarity(query, vec)})
			keys = append(keys, key)
		}

		for _, s := range topK(all, k) {
			chunk, err := decodeChunk(data.Get(keys[s.pos]))
			if err != nil {
				return err
			}
			results = append(results, models.SearchResult{Chunk: chunk, Score: s.score})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrEmptyIndex) || errors.Is(err, ctx.Err()) {
			return nil, err
		}
		return nil, models.NewIndexBackendError(kindBolt, "search", err)
	}
	return results, nil
}

func (b *BoltIndex) Save(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil || b.count == 0 {
		return models.ErrEmptyIndex
	}
	if b.active == name {
		return nil
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		src := b.activeBucket(tx)
		if src == nil {
			return models.ErrEmptyIndex
		}
		saved, err := tx.CreateBucketIfNotExists(bucketSaved)
		if err != nil {
			return err
		}
		if saved.Bucket([]byte(name)) != nil {
			if err := saved.DeleteBucket([]byte(name)); err != nil {
				return err
			}
		}
		dst, err := saved.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		return copyBucket(dst, src)
	})
	if err != nil {
		if errors.Is(err, models.ErrEmptyIndex) {
			return err
		}
		return models.NewIndexBackendError(kindBolt, "save", err)
	}

	b.logger.Info("index saved", zap.String("name", name), zap.Int("entries", b.count))
	return nil
}

// Load returns false when the file or the named index does not exist.
func (b *BoltIndex) Load(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		if _, err := os.Stat(b.path); errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err := b.open(); err != nil {
			return false, err
		}
	}

	var dim, count int
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		root := savedBucket(tx, name)
		if root == nil {
			return nil
		}
		meta := root.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("index %q has no metadata", name)
		}
		dim = int(btoi(meta.Get(keyDimension)))
		count = int(btoi(meta.Get(keyCount)))
		found = count > 0
		return nil
	})
	if err != nil {
		return false, models.NewIndexBackendError(kindBolt, "load", err)
	}
	if !found {
		return false, nil
	}

	b.active = name
	b.dim = dim
	b.count = count

	b.logger.Info("index loaded", zap.String("name", name), zap.Int("entries", count))
	return true, nil
}

func (b *BoltIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *BoltIndex) Dimension() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dim
}

func (b *BoltIndex) Kind() string { return kindBolt }

func (b *BoltIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.count = 0
	b.dim = 0
	b.active = ""
	return models.NewIndexBackendError(kindBolt, "close", err)
}

func copyBucket(dst, src *bbolt.Bucket) error {
	return src.ForEach(func(k, v []byte) error {
		if v != nil {
			return dst.Put(k, v)
		}
		child, err := dst.CreateBucket(k)
		if err != nil {
			return err
		}
		return copyBucket(child, src.Bucket(k))
	})
}

// encodeEntry lays out an entry as
// [uint32 chunk length][chunk JSON][float32 vector, little endian].
func encodeEntry(e models.IndexEntry) ([]byte, error) {
	chunk, err := json.Marshal(e.Chunk)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+len(chunk)+4*len(e.Vector))
	binary.BigEndian.PutUint32(buf, uint32(len(chunk)))
	copy(buf[4:], chunk)

	off := 4 + len(chunk)
	for i, f := range e.Vector {
		binary.LittleEndian.PutUint32(buf[off+4*i:], math.Float32bits(f))
	}
	return buf, nil
}

func decodeVector(value []byte, vec []float32) error {
	if len(value) < 4 {
		return fmt.Errorf("entry too short: %d bytes", len(value))
	}
	off := 4 + int(binary.BigEndian.Uint32(value))
	if len(value)-off != 4*len(vec) {
		return fmt.Errorf("%w: stored vector has %d bytes, expected %d",
			models.ErrDimensionMismatch, len(value)-off, 4*len(vec))
	}
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(value[off+4*i:]))
	}
	return nil
}

func decodeChunk(value []byte) (models.Chunk, error) {
	var chunk models.Chunk
	if len(value) < 4 {
		return chunk, fmt.Errorf("entry too short: %d bytes", len(value))
	}
	n := int(binary.BigEndian.Uint32(value))
	if len(value) < 4+n {
		return chunk, fmt.Errorf("entry truncated")
	}
	err := json.Unmarshal(value[4:4+n], &chunk)
	return chunk, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
