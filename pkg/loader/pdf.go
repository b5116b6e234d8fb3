package loader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"

	"github.com/xhad/semsearch/internal/models"
)

// PDFExtractor joins the text of every page with newlines.
type PDFExtractor struct{}

func (PDFExtractor) Extract(ctx context.Context, path string) (text string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}

	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &models.ExtractionError{Path: path, Err: fmt.Errorf("pdf parser panic: %v", r)}
		}
	}()

	pages, err := documentloaders.NewPDF(f, info.Size()).Load(ctx)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}

	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if s := strings.TrimSpace(p.PageContent); s != "" {
			parts = append(parts, sanitizeUTF8(s))
		}
	}
	return strings.Join(parts, "\n"), nil
}
