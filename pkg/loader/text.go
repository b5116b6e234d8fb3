package loader

import (
	"context"
	"os"
	"unicode/utf8"

	"github.com/xhad/semsearch/internal/models"
)

// TextExtractor reads plain text and markdown files as-is.
type TextExtractor struct{}

func (TextExtractor) Extract(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}
	return sanitizeUTF8(string(data)), nil
}

// sanitizeUTF8 drops invalid byte sequences.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
