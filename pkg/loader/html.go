package loader

import (
	"context"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xhad/semsearch/internal/models"
)

// HTMLExtractor keeps the main content of a saved web page.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Err: err}
	}

	doc.Find("script, style, noscript, nav, footer").Remove()

	content := extractMainContent(doc)
	if title := cleanContent(doc.Find("title").First().Text()); title != "" && !strings.HasPrefix(content, title) {
		content = title + "\n" + content
	}
	return sanitizeUTF8(content), nil
}

func extractMainContent(doc *goquery.Document) string {
	// Try to find main content area
	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	// Fallback to body if no main content found
	if strings.TrimSpace(content) == "" {
		content = doc.Find("body").Text()
	}

	return cleanContent(content)
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")

	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}

	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}
