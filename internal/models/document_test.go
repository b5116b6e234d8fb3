package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileTypeSummary(t *testing.T) {
	tests := []struct {
		name  string
		types map[string]int
		want  string
	}{
		{"empty", nil, "none"},
		{"single", map[string]int{".pdf": 2}, ".pdf 2"},
		{"sorted", map[string]int{".txt": 3, ".docx": 1, ".md": 1}, ".docx 1, .md 1, .txt 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CorpusStats{FileTypes: tt.types}.FileTypeSummary())
		})
	}
}
