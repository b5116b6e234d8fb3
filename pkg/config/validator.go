package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ExtractableFormats are the extensions the loader has an extractor for.
var ExtractableFormats = []string{".txt", ".md", ".pdf", ".docx", ".html", ".htm"}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Embedding config
	model, err := LookupModel(c.Embedding.Model)
	if err != nil {
		errors = append(errors, ValidationError{
			Field:   "embedding.model",
			Message: fmt.Sprintf("unknown model %q", c.Embedding.Model),
		})
	}

	if model.Provider == ProviderOllama {
		if c.Embedding.OllamaURL == "" {
			errors = append(errors, ValidationError{
				Field:   "embedding.ollama_url",
				Message: "Ollama base URL is required",
			})
		} else if u, err := url.Parse(c.Embedding.OllamaURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "embedding.ollama_url",
				Message: "invalid Ollama base URL",
			})
		}
	}

	if c.Embedding.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Embedding.RateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.rate_limit",
			Message: "rate_limit must not be negative",
		})
	}

	// Validate Index config
	kind, err := ParseIndexKind(c.Index.Kind)
	if err != nil {
		errors = append(errors, ValidationError{
			Field:   "index.kind",
			Message: fmt.Sprintf("unknown index kind %q", c.Index.Kind),
		})
	}

	if kind == IndexPgvector {
		if c.Index.DatabaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "index.database_url",
				Message: "database_url is required for the pgvector index",
			})
		} else if _, err := url.Parse(c.Index.DatabaseURL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "index.database_url",
				Message: "invalid database URL",
			})
		}
	}

	if (kind == IndexMemory || kind == IndexBolt) && c.Index.StoreDir == "" {
		errors = append(errors, ValidationError{
			Field:   "index.store_dir",
			Message: "store_dir is required",
		})
	}

	if c.Index.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "index.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate extensions format
	for _, ext := range c.Loader.SupportedFormats {
		if !strings.HasPrefix(ext, ".") {
			errors = append(errors, ValidationError{
				Field:   "loader.supported_formats",
				Message: fmt.Sprintf("invalid extension format: %s", ext),
			})
			continue
		}
		if !isExtractable(ext) {
			errors = append(errors, ValidationError{
				Field:   "loader.supported_formats",
				Message: fmt.Sprintf("no extractor for extension: %s", ext),
			})
		}
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	// Validate Search config
	if c.Search.MaxTopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "search.max_top_k",
			Message: "max_top_k must be positive",
		})
	}

	if c.Search.DefaultTopK < 1 || c.Search.DefaultTopK > c.Search.MaxTopK {
		errors = append(errors, ValidationError{
			Field:   "search.default_top_k",
			Message: "default_top_k must be between 1 and max_top_k",
		})
	}

	return errors
}

func isExtractable(ext string) bool {
	ext = strings.ToLower(ext)
	for _, known := range ExtractableFormats {
		if ext == known {
			return true
		}
	}
	return false
}
