package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/pkg/search"
)

// SearchPort is the TUI-facing subset of the search engine.
type SearchPort interface {
	BuildAsync(ctx context.Context, req search.BuildRequest) (*search.Task, error)
	Search(ctx context.Context, query string, k int) ([]models.SearchResult, error)
	ClampTopK(k int) int
}

type buildDoneMsg struct {
	result *models.BuildResult
	err    error
}

type progressMsg models.Progress

type searchDoneMsg struct {
	query   string
	results []models.SearchResult
	err     error
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	ctx       context.Context
	engine    SearchPort
	request   *search.BuildRequest
	progress  chan models.Progress
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	results   []models.SearchResult
	summary   string
	status    string
	cursor    int
	topK      int
	building  bool
	searching bool
	ready     bool
	lastQuery string
}

// New creates a model that first builds req and then accepts queries.
// A nil req means the engine is already ready, and summary describes it.
func New(ctx context.Context, engine SearchPort, req *search.BuildRequest, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter"
	ti.Focus()
	ti.CharLimit = 0

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	vp := viewport.New(0, 0)

	m := Model{
		ctx:      ctx,
		engine:   engine,
		request:  req,
		spinner:  sp,
		input:    ti,
		viewport: vp,
		summary:  summary,
		topK:     engine.ClampTopK(0),
		status:   "Loaded. Type to search.",
	}
	if req != nil {
		m.building = true
		m.progress = make(chan models.Progress, 64)
		m.status = "Building index for " + req.Directory
	}
	return m
}

// Init starts the cursor blink and, if needed, the index build.
func (m Model) Init() tea.Cmd {
	if !m.building {
		return textinput.Blink
	}
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.startBuild(), waitForProgress(m.progress))
}

func (m Model) startBuild() tea.Cmd {
	req := *m.request
	ch := m.progress
	req.Progress = func(p models.Progress) {
		select {
		case ch <- p:
		default:
		}
	}
	return func() tea.Msg {
		defer close(ch)
		task, err := m.engine.BuildAsync(m.ctx, req)
		if err != nil {
			return buildDoneMsg{err: err}
		}
		result, err := task.Wait()
		return buildDoneMsg{result: result, err: err}
	}
}

func waitForProgress(ch <-chan models.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return nil
		}
		return progressMsg(p)
	}
}

func (m Model) searchCmd(query string, k int) tea.Cmd {
	return func() tea.Msg {
		res, err := m.engine.Search(m.ctx, query, k)
		return searchDoneMsg{query: query, results: res, err: err}
	}
}

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2                                    // header + summary
		totalFooterLines := 1                                    // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1 // 1 spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil

	case spinner.TickMsg:
		if !m.building && !m.searching {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progressMsg:
		m.status = renderProgress(models.Progress(msg))
		return m, waitForProgress(m.progress)

	case buildDoneMsg:
		m.building = false
		if msg.err != nil {
			m.status = "Build failed: " + msg.err.Error()
			return m, nil
		}
		m.summary = summarize(msg.result)
		m.status = "Ready. Type to search."
		return m, nil

	case searchDoneMsg:
		m.searching = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.results = nil
		} else {
			m.status = fmt.Sprintf("%d results for %q (top %d)", len(msg.results), msg.query, m.topK)
			m.results = msg.results
			m.cursor = 0
			m.lastQuery = msg.query
		}
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil

	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.searching {
				return m, nil
			}
			if m.building {
				m.status = "Index is still building..."
				return m, nil
			}
			m.searching = true
			m.status = fmt.Sprintf("Searching for %q...", q)
			return m, tea.Batch(m.spinner.Tick, m.searchCmd(q, m.topK))
		case "down":
			if len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "up":
			if len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "pgup":
			m.topK = m.engine.ClampTopK(m.topK + 1)
			m.status = fmt.Sprintf("Top-K: %d", m.topK)
			return m, nil
		case "pgdown":
			m.topK = m.engine.ClampTopK(max(1, m.topK-1))
			m.status = fmt.Sprintf("Top-K: %d", m.topK)
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Semantic Document Search")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	statusText := m.status
	if m.building || m.searching {
		statusText = m.spinner.View() + " " + statusText
	}
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(statusText)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderCurrentResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  score=%.3f  %s #%d",
		m.cursor+1, len(m.results), r.Score, r.Chunk.SourceName, r.Chunk.SequenceIndex)
	source := sourceStyle.Render(filepath.Dir(r.Chunk.SourceID))
	body := highlightBestSentence(r.Chunk.Text, m.lastQuery)
	return title + "\n" + source + "\n\n" + body
}

func summarize(r *models.BuildResult) string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%d files loaded (%d failed, %s; %s), %d chunks, model %s, %s index, %s",
		r.Stats.LoadedFiles, r.Stats.FailedFiles, humanize.IBytes(uint64(r.Stats.TotalSizeBytes)), r.Stats.FileTypeSummary(),
		r.TotalChunks, r.Model, r.IndexKind, r.Duration.Round(time.Millisecond))
}

func renderProgress(p models.Progress) string {
	if p.Total > 0 {
		return fmt.Sprintf("%s %d/%d", p.Stage, p.Done, p.Total)
	}
	if p.Done > 0 {
		return fmt.Sprintf("%s %d files", p.Stage, p.Done)
	}
	return p.Stage + "..."
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	sourceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

// highlightBestSentence renders the sentence sharing the most words with query.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := splitSentences(text)
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

// splitSentences keeps a trailing fragment with no terminal punctuation.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[loc[0]:loc[1]])
		last = loc[1]
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
