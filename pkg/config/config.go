package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Embedding struct {
		Model         string  `yaml:"model"`
		OllamaURL     string  `yaml:"ollama_url"`
		OpenAIBaseURL string  `yaml:"openai_base_url"`
		OpenAIKeyEnv  string  `yaml:"openai_api_key_env"`
		BatchSize     int     `yaml:"batch_size"`
		RateLimit     float64 `yaml:"rate_limit"`
	} `yaml:"embedding"`

	Index struct {
		Kind        string `yaml:"kind"`
		Name        string `yaml:"name"`
		StoreDir    string `yaml:"store_dir"`
		DatabaseURL string `yaml:"database_url"`
		TableName   string `yaml:"table_name"`
		BatchSize   int    `yaml:"batch_size"`
	} `yaml:"index"`

	Loader struct {
		SupportedFormats []string `yaml:"supported_formats"`
	} `yaml:"loader"`

	Processor struct {
		ChunkSize    int `yaml:"chunk_size"`
		ChunkOverlap int `yaml:"chunk_overlap"`
	} `yaml:"processor"`

	Search struct {
		DefaultTopK int `yaml:"default_top_k"`
		MaxTopK     int `yaml:"max_top_k"`
	} `yaml:"search"`

	Logging struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// DefaultSupportedFormats are the extensions indexed when none are configured.
var DefaultSupportedFormats = []string{".txt", ".pdf", ".docx", ".md"}

// LoadConfig reads the config at path. An empty path searches the default
// locations and falls back to built-in defaults when none exists.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/semsearch/config.yaml"),
			"/etc/semsearch/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

// Default returns the built-in configuration with environment overrides applied.
func Default() *Config {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Embedding.Model == "" {
		config.Embedding.Model = DefaultModelKey
	}
	if config.Embedding.OllamaURL == "" {
		config.Embedding.OllamaURL = "http://localhost:11434"
	}
	if config.Embedding.OpenAIKeyEnv == "" {
		config.Embedding.OpenAIKeyEnv = "OPENAI_API_KEY"
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 32
	}

	if config.Index.Kind == "" {
		config.Index.Kind = string(IndexMemory)
	}
	if config.Index.Name == "" {
		config.Index.Name = "default"
	}
	if config.Index.StoreDir == "" {
		config.Index.StoreDir = "vector_store"
	}
	if config.Index.TableName == "" {
		config.Index.TableName = "chunks"
	}
	if config.Index.BatchSize == 0 {
		config.Index.BatchSize = 100
	}

	if len(config.Loader.SupportedFormats) == 0 {
		config.Loader.SupportedFormats = append([]string(nil), DefaultSupportedFormats...)
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}

	if config.Search.DefaultTopK == 0 {
		config.Search.DefaultTopK = 5
	}
	if config.Search.MaxTopK == 0 {
		config.Search.MaxTopK = 20
	}

	if config.Logging.Env == "" {
		config.Logging.Env = "dev"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.Embedding.OllamaURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Index.DatabaseURL = dbURL
	}
	if dir := os.Getenv("SEMSEARCH_STORE_DIR"); dir != "" {
		config.Index.StoreDir = dir
	}
	if level := os.Getenv("SEMSEARCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// OpenAIAPIKey resolves the OpenAI key from the configured environment variable.
func (c *Config) OpenAIAPIKey() string {
	return os.Getenv(c.Embedding.OpenAIKeyEnv)
}

// IndexKind returns the configured backend; call Validate first.
func (c *Config) IndexKind() IndexKind {
	kind, _ := ParseIndexKind(c.Index.Kind)
	return kind
}
