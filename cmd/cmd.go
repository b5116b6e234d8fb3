package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/models"
	cfgPkg "github.com/xhad/semsearch/pkg/config"
	"github.com/xhad/semsearch/pkg/search"
	"github.com/xhad/semsearch/pkg/tui"
	"github.com/xhad/semsearch/server"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func run(opts Options, cfg *cfgPkg.Config) error {
	if opts.ListModels {
		listModels()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	restore, err := logger.RedirectStdLog(log)
	if err != nil {
		return err
	}
	defer restore()

	engine := search.New(cfg, search.WithLogger(log))
	defer engine.Close()

	switch {
	case opts.Stats:
		return showStats(ctx, opts.Dir, engine)
	case opts.Bench:
		return benchmark(ctx, opts, cfg, log)
	case opts.Serve:
		return serve(ctx, opts, cfg, engine, log)
	case opts.TUI:
		return runTUI(ctx, opts, cfg, engine)
	}

	if opts.Load {
		if err := loadIndex(ctx, cfg, engine); err != nil {
			return err
		}
	} else {
		if opts.Dir == "" {
			return errors.New("either -dir or -load is required")
		}
		result, err := buildIndex(ctx, opts.Dir, engine)
		if err != nil {
			return err
		}
		printSummary(result)

		if opts.Save {
			if err := engine.Save(ctx, cfg.Index.Name); err != nil {
				return err
			}
			color.Green("✓ Saved index %q\n", cfg.Index.Name)
		}
	}

	return queryLoop(ctx, engine, engine.ClampTopK(opts.TopK))
}

func listModels() {
	color.Cyan("Embedding models:")
	for _, m := range cfgPkg.Models() {
		marker := " "
		if m.Key == cfgPkg.DefaultModelKey {
			marker = "*"
		}
		fmt.Printf(" %s %-40s %4d dims  %-11s %s\n", marker, m.Key, m.Dimension, m.Provider, m.Description)
	}
	color.Cyan("\nIndex backends:")
	for _, k := range cfgPkg.IndexKinds() {
		fmt.Printf("   %-10s %s\n", k, k.Describe())
	}
}

// stageBars renders build progress, one bar per pipeline stage.
type stageBars struct {
	mu    sync.Mutex
	stage string
	bar   *progressbar.ProgressBar
}

func (s *stageBars) update(p models.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Stage != s.stage {
		s.finish()
		s.stage = p.Stage
		switch p.Stage {
		case models.StageLoading:
			s.bar = getSpinner("📄 Loading documents...")
		case models.StageEmbedding:
			s.bar = getProgressBar(p.Total, "🧠 Embedding chunks...")
		default:
			s.bar = getSpinner(fmt.Sprintf("⚙️  %s...", strings.ToUpper(p.Stage[:1])+p.Stage[1:]))
		}
	}
	if p.Total > 0 && p.Stage == models.StageEmbedding {
		_ = s.bar.Set(p.Done)
		return
	}
	if p.Done > 0 {
		_ = s.bar.Add(1)
	}
}

func (s *stageBars) finish() {
	if s.bar != nil {
		_ = s.bar.Finish()
		fmt.Println()
		s.bar = nil
	}
}

func (s *stageBars) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish()
}

func buildIndex(ctx context.Context, dir string, engine *search.Engine) (*models.BuildResult, error) {
	color.Blue("\nIndexing documents in %s\n", dir)

	bars := &stageBars{}
	task, err := engine.BuildAsync(ctx, search.BuildRequest{
		Directory: dir,
		Progress:  bars.update,
	})
	if err != nil {
		return nil, err
	}
	result, err := task.Wait()
	bars.close()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func loadIndex(ctx context.Context, cfg *cfgPkg.Config, engine *search.Engine) error {
	spinner := getSpinner(fmt.Sprintf("📂 Loading index %q...", cfg.Index.Name))
	ok, err := engine.Load(ctx, cfg.Index.Name, cfg.Embedding.Model, cfg.Index.Kind)
	_ = spinner.Finish()
	fmt.Println()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no saved %s index named %q", cfg.Index.Kind, cfg.Index.Name)
	}
	color.Green("✓ Loaded index %q with %d chunks\n", cfg.Index.Name, engine.Result().TotalChunks)
	return nil
}

func printSummary(r *models.BuildResult) {
	color.Green("✓ Loaded %d of %d files (%d failed, %s)\n",
		r.Stats.LoadedFiles, r.Stats.TotalFiles, r.Stats.FailedFiles, humanize.IBytes(uint64(r.Stats.TotalSizeBytes)))
	color.Green("✓ File types: %s\n", r.Stats.FileTypeSummary())
	color.Green("✓ Indexed %d chunks with %s into %s index in %s\n",
		r.TotalChunks, r.Model, r.IndexKind, r.Duration.Round(time.Millisecond))
}

func showStats(ctx context.Context, dir string, engine *search.Engine) error {
	if dir == "" {
		return errors.New("-stats needs -dir")
	}
	spinner := getSpinner(fmt.Sprintf("📊 Scanning %s...", dir))
	stats, err := engine.Inspect(ctx, dir)
	_ = spinner.Finish()
	fmt.Println()
	if err != nil {
		return err
	}

	color.Cyan("Dataset %s", dir)
	fmt.Printf("  Total files:         %d\n", stats.TotalFiles)
	fmt.Printf("  Loaded successfully: %d\n", stats.LoadedFiles)
	fmt.Printf("  Failed:              %d\n", stats.FailedFiles)
	fmt.Printf("  Total size:          %s\n", humanize.IBytes(uint64(stats.TotalSizeBytes)))
	fmt.Printf("  File types:          %s\n", stats.FileTypeSummary())
	return nil
}

func benchmark(ctx context.Context, opts Options, cfg *cfgPkg.Config, log *zap.Logger) error {
	if opts.Dir == "" {
		return errors.New("-bench needs -dir")
	}
	bc := search.BenchmarkConfig{
		Directory:  opts.Dir,
		Models:     splitList(opts.BenchModel),
		IndexKinds: splitList(opts.BenchIndex),
		Logger:     log,
	}
	if len(bc.Models) == 0 {
		bc.Models = []string{cfg.Embedding.Model}
	}
	if len(bc.IndexKinds) == 0 {
		bc.IndexKinds = []string{cfg.Index.Kind}
	}

	bar := getProgressBar(len(bc.Models)*len(bc.IndexKinds), "⏱  Benchmarking...")
	bc.OnResult = func(search.BenchmarkResult) { _ = bar.Add(1) }
	results, err := search.RunBenchmark(ctx, cfg, bc, search.WithLogger(log))
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}

	color.Cyan("%-40s %-9s %10s %6s %7s %12s %9s", "MODEL", "INDEX", "BUILD", "DOCS", "CHUNKS", "AVG SEARCH", "TOP SCORE")
	for _, r := range results {
		if r.Error != "" {
			color.Red("%-40s %-9s failed: %s", r.Model, r.IndexKind, r.Error)
			continue
		}
		fmt.Printf("%-40s %-9s %10s %6d %7d %12s %9.3f\n", r.Model, r.IndexKind,
			r.BuildTime.Round(time.Millisecond), r.LoadedFiles, r.Chunks,
			r.AvgSearchTime.Round(time.Microsecond), r.AvgTopScore)
	}
	return nil
}

func queryLoop(ctx context.Context, engine *search.Engine, topK int) error {
	color.Cyan("\nSearch your documents (type 'exit' to quit, ':top N' to change result count)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	scoreColor := color.New(color.FgYellow).SprintfFunc()
	sourceColor := color.New(color.FgHiBlack).SprintfFunc()

	for {
		userPrompt("\nQuery: ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		switch {
		case query == "":
			continue
		case strings.EqualFold(query, "exit"), strings.EqualFold(query, "quit"):
			return nil
		case strings.HasPrefix(query, ":top"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(query, ":top")))
			if err != nil {
				color.Red("Usage: :top N\n")
				continue
			}
			topK = engine.ClampTopK(n)
			color.Cyan("Showing top %d results\n", topK)
			continue
		}

		querySpinner := getSpinner(" Searching...")
		results, err := engine.Search(ctx, query, topK)
		_ = querySpinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Error searching documents: %v\n", err)
			continue
		}
		if len(results) == 0 {
			color.Yellow("No results\n")
			continue
		}

		for i, r := range results {
			fmt.Printf("\n%d. %s  %s #%d  %s\n", i+1,
				scoreColor("%.3f", r.Score),
				r.Chunk.SourceName, r.Chunk.SequenceIndex,
				sourceColor(filepath.Dir(r.Chunk.SourceID)))
			fmt.Println(preview(r.Chunk.Text, 300))
		}
	}
	return scanner.Err()
}

// preview collapses whitespace and cuts text to at most n runes.
func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

func runTUI(ctx context.Context, opts Options, cfg *cfgPkg.Config, engine *search.Engine) error {
	var model tui.Model
	if opts.Load {
		ok, err := engine.Load(ctx, cfg.Index.Name, cfg.Embedding.Model, cfg.Index.Kind)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no saved %s index named %q", cfg.Index.Kind, cfg.Index.Name)
		}
		summary := fmt.Sprintf("Index %q: %d chunks, model %s, %s", cfg.Index.Name,
			engine.Result().TotalChunks, cfg.Embedding.Model, cfg.Index.Kind)
		model = tui.New(ctx, engine, nil, summary)
	} else {
		if opts.Dir == "" {
			return errors.New("either -dir or -load is required")
		}
		model = tui.New(ctx, engine, &search.BuildRequest{Directory: opts.Dir}, "")
	}

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("failed to run TUI: %w", err)
	}

	if opts.Save && engine.State() == search.StateReady && !opts.Load {
		if err := engine.Save(ctx, cfg.Index.Name); err != nil {
			return err
		}
		color.Green("✓ Saved index %q\n", cfg.Index.Name)
	}
	return nil
}

func serve(ctx context.Context, opts Options, cfg *cfgPkg.Config, engine *search.Engine, log *zap.Logger) error {
	if opts.Load {
		ok, err := engine.Load(ctx, cfg.Index.Name, cfg.Embedding.Model, cfg.Index.Kind)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn("no saved index to load", zap.String("name", cfg.Index.Name))
		}
	} else if opts.Dir != "" {
		if _, err := engine.BuildAsync(ctx, search.BuildRequest{Directory: opts.Dir}); err != nil {
			return err
		}
	}

	srv := server.New(engine, cfg, log)
	return srv.Run(ctx)
}
