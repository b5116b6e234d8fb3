package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/metrics"
	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/internal/types"
)

type LoaderConfig struct {
	SupportedFormats []string
	Logger           *zap.Logger
	OnFile           func(path string) // called before each supported file is extracted
}

// Loader walks a directory tree and extracts text from every supported file.
type Loader struct {
	config     LoaderConfig
	extractors map[string]types.Extractor
	logger     *zap.Logger
}

var _ types.Loader = (*Loader)(nil)

func NewWithConfig(config LoaderConfig) *Loader {
	if len(config.SupportedFormats) == 0 {
		config.SupportedFormats = []string{".txt", ".pdf", ".docx", ".md"}
	}

	l := &Loader{
		config:     config,
		extractors: make(map[string]types.Extractor),
		logger:     logger.OrNop(config.Logger),
	}

	text := TextExtractor{}
	html := HTMLExtractor{}
	for ext, e := range map[string]types.Extractor{
		".txt":  text,
		".md":   text,
		".pdf":  PDFExtractor{},
		".docx": DocxExtractor{},
		".html": html,
		".htm":  html,
	} {
		l.Register(ext, e)
	}

	return l
}

func New() *Loader {
	return NewWithConfig(LoaderConfig{})
}

// Register installs or replaces the extractor for ext.
func (l *Loader) Register(ext string, e types.Extractor) {
	l.extractors[strings.ToLower(ext)] = e
}

// Supports reports whether files with ext are both configured and extractable.
func (l *Loader) Supports(ext string) bool {
	ext = strings.ToLower(ext)
	if _, ok := l.extractors[ext]; !ok {
		return false
	}
	for _, f := range l.config.SupportedFormats {
		if strings.ToLower(f) == ext {
			return true
		}
	}
	return false
}

// ExtractFile returns the text of a single file.
func (l *Loader) ExtractFile(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !l.Supports(ext) {
		return "", fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, ext)
	}
	return l.extractors[ext].Extract(ctx, path)
}

// Load walks root recursively. Files that fail to extract, or that yield
// only whitespace, are counted as failed and skipped. Only a missing or
// unreadable root is an error.
func (l *Loader) Load(ctx context.Context, root string) ([]models.TextRecord, models.CorpusStats, error) {
	stats := models.CorpusStats{FileTypes: make(map[string]int)}

	info, err := os.Stat(root)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to read directory: %w", err)
	}
	if !info.IsDir() {
		return nil, stats, fmt.Errorf("failed to read directory: %s is not a directory", root)
	}

	var records []models.TextRecord

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			l.logger.Warn("skipping unreadable path", zap.String("path", path), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !l.Supports(ext) {
			return nil
		}

		stats.TotalFiles++
		stats.FileTypes[ext]++
		if fi, err := d.Info(); err == nil {
			stats.TotalSizeBytes += fi.Size()
		}

		if l.config.OnFile != nil {
			l.config.OnFile(path)
		}

		text, err := l.extractors[ext].Extract(ctx, path)
		if err != nil {
			stats.FailedFiles++
			metrics.DocumentsTotal.WithLabelValues("failed").Inc()
			l.logger.Warn("failed to extract file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if strings.TrimSpace(text) == "" {
			stats.FailedFiles++
			metrics.DocumentsTotal.WithLabelValues("empty").Inc()
			l.logger.Warn("file has no text", zap.String("path", path))
			return nil
		}

		stats.LoadedFiles++
		metrics.DocumentsTotal.WithLabelValues("loaded").Inc()
		records = append(records, models.TextRecord{
			Text:       text,
			SourceID:   path,
			SourceName: filepath.Base(path),
		})
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("failed to walk directory: %w", err)
	}

	l.logger.Info("loaded documents",
		zap.String("root", root),
		zap.Int("total", stats.TotalFiles),
		zap.Int("loaded", stats.LoadedFiles),
		zap.Int("failed", stats.FailedFiles),
	)

	return records, stats, nil
}
