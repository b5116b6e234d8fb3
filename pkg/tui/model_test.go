package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/pkg/search"
)

type fakeEngine struct {
	results  []models.SearchResult
	err      error
	buildErr error
	gotK     int
}

func (f *fakeEngine) BuildAsync(context.Context, search.BuildRequest) (*search.Task, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return nil, errors.New("fake engine cannot build")
}

func (f *fakeEngine) Search(_ context.Context, _ string, k int) ([]models.SearchResult, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

func (f *fakeEngine) ClampTopK(k int) int {
	if k <= 0 {
		return 5
	}
	return min(k, 6)
}

func sampleResults() []models.SearchResult {
	return []models.SearchResult{
		{Chunk: models.Chunk{Text: "Go has goroutines. They are cheap.", SourceID: "/d/a.txt", SourceName: "a.txt"}, Score: 0.9},
		{Chunk: models.Chunk{Text: "Channels carry values.", SourceID: "/d/b.txt", SourceName: "b.txt"}, Score: 0.7},
		{Chunk: models.Chunk{Text: "Select waits on channels.", SourceID: "/d/c.txt", SourceName: "c.txt"}, Score: 0.5},
	}
}

func key(t tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: t} }

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func TestSearchFlow(t *testing.T) {
	engine := &fakeEngine{results: sampleResults()}
	m := New(context.Background(), engine, nil, "ready")
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 30})

	assert.Equal(t, 5, m.topK)
	assert.Contains(t, m.View(), "No results yet.")

	m.input.SetValue("goroutines")
	m, cmd := update(t, m, key(tea.KeyEnter))
	require.NotNil(t, cmd)
	assert.True(t, m.searching)

	m, _ = update(t, m, m.searchCmd("goroutines", m.topK)())
	assert.False(t, m.searching)
	assert.Equal(t, 5, engine.gotK)
	require.Len(t, m.results, 3)
	assert.Equal(t, "goroutines", m.lastQuery)
	assert.Contains(t, m.status, `3 results for "goroutines"`)
	assert.Contains(t, m.renderCurrentResult(), "Result 1/3")

	m, _ = update(t, m, key(tea.KeyDown))
	assert.Equal(t, 1, m.cursor)
	assert.Contains(t, m.renderCurrentResult(), "b.txt")

	m, _ = update(t, m, key(tea.KeyUp))
	m, _ = update(t, m, key(tea.KeyUp))
	assert.Equal(t, 2, m.cursor)
}

func TestSearchError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("index is not ready")}
	m := New(context.Background(), engine, nil, "")

	m, _ = update(t, m, m.searchCmd("q", 3)())
	assert.Nil(t, m.results)
	assert.Equal(t, "Error: index is not ready", m.status)
}

func TestTopKKeys(t *testing.T) {
	m := New(context.Background(), &fakeEngine{}, nil, "")

	m, _ = update(t, m, key(tea.KeyPgUp))
	assert.Equal(t, 6, m.topK)
	m, _ = update(t, m, key(tea.KeyPgUp))
	assert.Equal(t, 6, m.topK)

	for i := 0; i < 10; i++ {
		m, _ = update(t, m, key(tea.KeyPgDown))
	}
	assert.Equal(t, 1, m.topK)
}

func TestBuildMessages(t *testing.T) {
	m := New(context.Background(), &fakeEngine{}, &search.BuildRequest{Directory: "/docs"}, "")
	assert.True(t, m.building)

	m.input.SetValue("too early")
	m, cmd := update(t, m, key(tea.KeyEnter))
	assert.Nil(t, cmd)
	assert.Equal(t, "Index is still building...", m.status)

	m, cmd = update(t, m, progressMsg{Stage: models.StageEmbedding, Done: 3, Total: 10})
	assert.NotNil(t, cmd)
	assert.Equal(t, "embedding 3/10", m.status)

	m, _ = update(t, m, buildDoneMsg{result: &models.BuildResult{
		Stats: models.CorpusStats{
			LoadedFiles:    4,
			FailedFiles:    1,
			TotalSizeBytes: 2048,
			FileTypes:      map[string]int{".txt": 3, ".pdf": 2},
		},
		TotalChunks: 12,
		Model:       "all-MiniLM-L6-v2",
		IndexKind:   "memory",
	}})
	assert.False(t, m.building)
	assert.Contains(t, m.summary, "4 files loaded (1 failed, 2.0 KiB; .pdf 2, .txt 3), 12 chunks")

	failed := New(context.Background(), &fakeEngine{}, &search.BuildRequest{Directory: "/docs"}, "")
	failed, _ = update(t, failed, buildDoneMsg{err: models.ErrNoDocuments})
	assert.Contains(t, failed.status, "Build failed: no documents")
}

func TestStartBuildRejected(t *testing.T) {
	engine := &fakeEngine{buildErr: models.ErrBuildInProgress}
	m := New(context.Background(), engine, &search.BuildRequest{Directory: "/docs"}, "")

	msg := m.startBuild()()
	done, ok := msg.(buildDoneMsg)
	require.True(t, ok)
	assert.ErrorIs(t, done.err, models.ErrBuildInProgress)

	_, open := <-m.progress
	assert.False(t, open)

	m, _ = update(t, m, done)
	assert.False(t, m.building)
	assert.Contains(t, m.status, "Build failed: "+models.ErrBuildInProgress.Error())
}

func TestQuitKeys(t *testing.T) {
	m := New(context.Background(), &fakeEngine{}, nil, "")
	_, cmd := update(t, m, key(tea.KeyCtrlC))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t,
		[]string{"One.", " Two!", "three without end"},
		splitSentences("One. Two! three without end"),
	)
}

func TestTokenOverlapScore(t *testing.T) {
	q := toTokenSet("What is machine learning?")
	assert.Equal(t, 3, tokenOverlapScore(q, "Machine learning is fun. Machine!"))
	assert.Equal(t, 0, tokenOverlapScore(q, "Nothing shared here."))
}

func TestHighlightBestSentence(t *testing.T) {
	text := "Cats sleep a lot. Machine learning finds patterns. Dogs bark."
	out := highlightBestSentence(text, "machine learning")
	assert.Contains(t, out, "Cats sleep a lot.")
	assert.Contains(t, out, "Machine learning finds patterns.")
	assert.Contains(t, out, "Dogs bark.")
	assert.Equal(t, "", highlightBestSentence("", "q"))
}
