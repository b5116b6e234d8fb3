package processor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/internal/types"
)

// DefaultSeparators are tried in order: paragraph, line, word, character.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

type ProcessorConfig struct {
	ChunkSize    int // in characters
	ChunkOverlap int // in characters, less than ChunkSize
	Separators   []string
}

type Processor struct {
	config   ProcessorConfig
	splitter textsplitter.RecursiveCharacter
}

var _ types.Chunker = (*Processor)(nil)

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}
	if len(config.Separators) == 0 {
		config.Separators = DefaultSeparators
	}

	return Processor{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(config.Separators),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}
}

func New() Processor {
	return NewWithConfig(ProcessorConfig{ChunkSize: 1000, ChunkOverlap: 200})
}

func (p *Processor) Config() ProcessorConfig { return p.config }

// Process splits every record and returns the chunks in record order.
func (p *Processor) Process(records []models.TextRecord) ([]models.Chunk, error) {
	var chunks []models.Chunk

	for _, record := range records {
		split, err := p.Split(record)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, split...)
	}

	return chunks, nil
}

// Split chunks a single record. A record that already fits in one chunk is
// returned unchanged.
func (p *Processor) Split(record models.TextRecord) ([]models.Chunk, error) {
	if p.config.ChunkOverlap >= p.config.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be less than chunk size %d", p.config.ChunkOverlap, p.config.ChunkSize)
	}

	if strings.TrimSpace(record.Text) == "" {
		return nil, nil
	}

	var texts []string
	if utf8.RuneCountInString(record.Text) <= p.config.ChunkSize {
		texts = []string{record.Text}
	} else {
		var err error
		texts, err = p.splitter.SplitText(record.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s: %w", record.SourceName, err)
		}
		texts = p.bound(texts)
	}

	chunks := make([]models.Chunk, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, models.Chunk{
			Text:          text,
			SourceID:      record.SourceID,
			SourceName:    record.SourceName,
			SequenceIndex: len(chunks),
		})
	}

	return chunks, nil
}

// bound cuts any piece longer than ChunkSize into rune windows. The splitter
// can merge one separator past the limit when whitespace runs are long.
func (p *Processor) bound(texts []string) []string {
	size, overlap := p.config.ChunkSize, p.config.ChunkOverlap

	out := texts[:0:0]
	for _, text := range texts {
		runes := []rune(text)
		if len(runes) <= size {
			out = append(out, text)
			continue
		}
		step := size - overlap
		for start := 0; ; start += step {
			end := min(start+size, len(runes))
			out = append(out, string(runes[start:end]))
			if end == len(runes) {
				break
			}
		}
	}
	return out
}
