package config

import (
	"fmt"
	"strings"

	"github.com/xhad/semsearch/internal/models"
)

// Provider names the service that serves a catalog model.
type Provider string

const (
	ProviderOllama      Provider = "ollama"
	ProviderHuggingFace Provider = "huggingface"
	ProviderOpenAI      Provider = "openai"
)

// Model is one entry of the embedding model catalog.
type Model struct {
	Key         string
	Name        string
	Dimension   int
	Description string
	Provider    Provider
	// ProviderModel is the identifier the provider expects, e.g. an Ollama tag.
	ProviderModel string
}

var catalog = []Model{
	{
		Key:           "all-MiniLM-L6-v2",
		Name:          "sentence-transformers/all-MiniLM-L6-v2",
		Dimension:     384,
		Description:   "Fast and efficient, good for general use",
		Provider:      ProviderOllama,
		ProviderModel: "all-minilm:l6-v2",
	},
	{
		Key:           "all-mpnet-base-v2",
		Name:          "sentence-transformers/all-mpnet-base-v2",
		Dimension:     768,
		Description:   "High quality, balanced speed/performance",
		Provider:      ProviderHuggingFace,
		ProviderModel: "sentence-transformers/all-mpnet-base-v2",
	},
	{
		Key:           "multi-qa-MiniLM-L6-cos-v1",
		Name:          "sentence-transformers/multi-qa-MiniLM-L6-cos-v1",
		Dimension:     384,
		Description:   "Optimized for question-answering",
		Provider:      ProviderHuggingFace,
		ProviderModel: "sentence-transformers/multi-qa-MiniLM-L6-cos-v1",
	},
	{
		Key:           "paraphrase-multilingual-MiniLM-L12-v2",
		Name:          "sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2",
		Dimension:     384,
		Description:   "Supports 50+ languages",
		Provider:      ProviderHuggingFace,
		ProviderModel: "sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2",
	},
	{
		Key:           "all-distilroberta-v1",
		Name:          "sentence-transformers/all-distilroberta-v1",
		Dimension:     768,
		Description:   "High quality RoBERTa-based model",
		Provider:      ProviderHuggingFace,
		ProviderModel: "sentence-transformers/all-distilroberta-v1",
	},
	{
		Key:           "nomic-embed-text",
		Name:          "nomic-ai/nomic-embed-text-v1.5",
		Dimension:     768,
		Description:   "Long-context local model served by Ollama",
		Provider:      ProviderOllama,
		ProviderModel: "nomic-embed-text:latest",
	},
	{
		Key:           "text-embedding-3-small",
		Name:          "openai/text-embedding-3-small",
		Dimension:     1536,
		Description:   "Hosted OpenAI-compatible embeddings",
		Provider:      ProviderOpenAI,
		ProviderModel: "text-embedding-3-small",
	},
}

// DefaultModelKey is used when no model is configured.
const DefaultModelKey = "all-MiniLM-L6-v2"

// Models returns a copy of the catalog in display order.
func Models() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

// LookupModel returns the catalog entry for key, or an error wrapping models.ErrUnknownModel.
func LookupModel(key string) (Model, error) {
	for _, m := range catalog {
		if m.Key == key {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %q", models.ErrUnknownModel, key)
}

// IndexKind selects a vector index backend.
type IndexKind string

const (
	// IndexMemory is an in-memory exact index saved as a gob file.
	IndexMemory IndexKind = "memory"
	// IndexBolt is a persistent embedded index backed by a bbolt file.
	IndexBolt IndexKind = "bolt"
	// IndexPgvector stores vectors in PostgreSQL with the pgvector extension.
	IndexPgvector IndexKind = "pgvector"
)

var indexKinds = map[IndexKind]string{
	IndexMemory:   "In-memory exact cosine search, saved as a gob file",
	IndexBolt:     "Embedded bbolt database, persisted on every build",
	IndexPgvector: "PostgreSQL with pgvector, HNSW cosine index",
}

// IndexKinds lists the supported backends in display order.
func IndexKinds() []IndexKind {
	return []IndexKind{IndexMemory, IndexBolt, IndexPgvector}
}

// Describe returns a one-line description of the backend.
func (k IndexKind) Describe() string { return indexKinds[k] }

// ParseIndexKind accepts the kind names case-insensitively. "faiss" and
// "chromadb" are accepted as aliases for memory and bolt.
func ParseIndexKind(s string) (IndexKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory", "faiss", "":
		return IndexMemory, nil
	case "bolt", "chromadb", "embedded":
		return IndexBolt, nil
	case "pgvector", "postgres":
		return IndexPgvector, nil
	}
	return "", fmt.Errorf("%w: %q", models.ErrUnknownIndexKind, s)
}
