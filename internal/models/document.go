package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TextRecord is the plain text extracted from one source file.
type TextRecord struct {
	Text       string
	SourceID   string // path of the file the text came from
	SourceName string // base name of that file
}

// Chunk is a bounded slice of a TextRecord. SequenceIndex is contiguous
// from 0 across the chunks of one record.
type Chunk struct {
	Text          string `json:"text"`
	SourceID      string `json:"source_id"`
	SourceName    string `json:"source_name"`
	SequenceIndex int    `json:"sequence_index"`
}

type IndexEntry struct {
	Vector []float32
	Chunk  Chunk
}

// SearchResult pairs a chunk with its cosine similarity to the query.
// Higher scores are better for every index backend.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

type CorpusStats struct {
	TotalFiles     int            `json:"total_files"`
	LoadedFiles    int            `json:"loaded_files"`
	FailedFiles    int            `json:"failed_files"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	FileTypes      map[string]int `json:"file_types"`
}

// FileTypeSummary lists the per-extension counts in extension order,
// e.g. ".md 1, .txt 3".
func (s CorpusStats) FileTypeSummary() string {
	if len(s.FileTypes) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(s.FileTypes))
	for _, ext := range slices.Sorted(maps.Keys(s.FileTypes)) {
		parts = append(parts, fmt.Sprintf("%s %d", ext, s.FileTypes[ext]))
	}
	return strings.Join(parts, ", ")
}

// BuildResult is returned by a successful index build.
type BuildResult struct {
	Stats       CorpusStats   `json:"stats"`
	TotalChunks int           `json:"total_chunks"`
	Model       string        `json:"model"`
	IndexKind   string        `json:"index_kind"`
	Dimension   int           `json:"dimension"`
	Duration    time.Duration `json:"duration"`
}

// Build stages reported through Progress.
const (
	StageLoading   = "loading"
	StageChunking  = "chunking"
	StageEmbedding = "embedding"
	StageIndexing  = "indexing"
)

type Progress struct {
	Stage string `json:"stage"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}
