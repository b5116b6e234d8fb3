package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	cfgPkg "github.com/xhad/semsearch/pkg/config"
)

type Options struct {
	ConfigPath string
	Dir        string
	Model      string
	IndexKind  string
	Name       string
	Save       bool
	Load       bool
	TopK       int
	TUI        bool
	Serve      bool
	Addr       string
	ListModels bool
	Stats      bool
	Bench      bool
	BenchModel string
	BenchIndex string
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	opts := parseFlags()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(opts, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func parseFlags() Options {
	var opts Options

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&opts.Dir, "dir", "", "Directory of documents to index")
	flag.StringVar(&opts.Model, "model", "", "Embedding model key (see -list-models)")
	flag.StringVar(&opts.IndexKind, "index", "", "Vector index backend: memory, bolt or pgvector")
	flag.StringVar(&opts.Name, "name", "", "Name of the saved index")
	flag.BoolVar(&opts.Save, "save", false, "Save the index after building")
	flag.BoolVar(&opts.Load, "load", false, "Load a saved index instead of building")
	flag.IntVar(&opts.TopK, "top", 0, "Number of results per query")
	flag.BoolVar(&opts.TUI, "tui", false, "Start the terminal UI")
	flag.BoolVar(&opts.Serve, "serve", false, "Start the HTTP API")
	flag.StringVar(&opts.Addr, "addr", "", "HTTP listen address")
	flag.BoolVar(&opts.ListModels, "list-models", false, "List embedding models and index backends")
	flag.BoolVar(&opts.Stats, "stats", false, "Show what -dir contains without building an index")
	flag.BoolVar(&opts.Bench, "bench", false, "Benchmark models and index backends on -dir")
	flag.StringVar(&opts.BenchModel, "bench-models", "", "Comma-separated model keys to benchmark (default: configured model)")
	flag.StringVar(&opts.BenchIndex, "bench-index", "memory,bolt", "Comma-separated index backends to benchmark")
	flag.Parse()

	return opts
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(opts Options) (*cfgPkg.Config, error) {
	cfg, err := cfgPkg.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.Model != "" {
		cfg.Embedding.Model = opts.Model
	}
	if opts.IndexKind != "" {
		cfg.Index.Kind = opts.IndexKind
	}
	if opts.Name != "" {
		cfg.Index.Name = opts.Name
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		var b strings.Builder
		b.WriteString("invalid configuration:")
		for _, e := range errs {
			b.WriteString("\n  " + e.Error())
		}
		return nil, errors.New(b.String())
	}
	return cfg, nil
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
