package loader

import (
	"context"
	"os"
	"strings"

	"code.sajari.com/docconv/v2"

	"github.com/xhad/semsearch/internal/models"
)

// DocxExtractor emits the paragraph text of a Word document, one line per
// non-empty paragraph.
type DocxExtractor struct{}

func (DocxExtractor) Extract(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}
	defer f.Close()

	raw, _, err := docconv.ConvertDocx(f)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}
	return paragraphs(raw), nil
}

// paragraphs drops blank lines and the padding docconv puts around headers
// and footers.
func paragraphs(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
