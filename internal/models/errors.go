package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat signals a file extension with no extractor.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrExtraction signals a format-specific parse failure.
	ErrExtraction = errors.New("extraction failed")
	// ErrNoDocuments signals that a directory scan produced no text records.
	ErrNoDocuments = errors.New("no documents loaded from directory")
	// ErrUnknownModel signals a model key missing from the catalog.
	ErrUnknownModel = errors.New("unknown embedding model")
	// ErrUnknownIndexKind signals an index backend outside the supported set.
	ErrUnknownIndexKind = errors.New("unknown index kind")
	// ErrEmptyIndex signals a search or save before the index was populated.
	ErrEmptyIndex = errors.New("index is empty")
	// ErrIndexBackend signals a failure inside an index backend library.
	ErrIndexBackend = errors.New("index backend error")
	// ErrDimensionMismatch signals vectors of unexpected length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrEmbeddingProvider signals a failed request to an embedding service.
	ErrEmbeddingProvider = errors.New("embedding provider error")

	ErrNotReady        = errors.New("index is not ready")
	ErrBuildInProgress = errors.New("a build is already in progress")
	ErrEmptyQuery      = errors.New("query is empty")
)

// ExtractionError wraps ErrExtraction with the offending file.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrExtraction, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", ErrExtraction, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExtraction}
	}
	return []error{ErrExtraction, e.Err}
}

// IndexBackendError wraps ErrIndexBackend with the backend and operation that failed.
type IndexBackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *IndexBackendError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrIndexBackend, e.Backend, e.Op, e.Err)
}

func (e *IndexBackendError) Unwrap() []error { return []error{ErrIndexBackend, e.Err} }

// NewIndexBackendError returns nil when err is nil.
func NewIndexBackendError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &IndexBackendError{Backend: backend, Op: op, Err: err}
}
