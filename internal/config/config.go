package config

import (
	"fmt"
	"log/slog"
	"strings"
)

type Config struct {
	Server       ServerConfig
	Ollama       OllamaConfig
	Storage      StorageConfig
	Corpus       CorpusConfig
	Access       AccessConfig
	Retrieval    RetrievalConfig
	Conversation ConversationConfig
	Log          LogConfig
	Admin        AdminConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string // ":memory:" keeps the cache and audit log in memory
}

type CorpusConfig struct {
	Dir   string
	Watch bool
}

type AccessConfig struct {
	File string
}

type RetrievalConfig struct {
	TopK     int
	MinScore float64
}

type ConversationConfig struct {
	Window       int
	SummaryChars int
}

type LogConfig struct {
	Level string
}

type AdminConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4000,
			MaxConnections: 256,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Corpus: CorpusConfig{
			Dir: "documents",
		},
		Access: AccessConfig{
			File: "access.yaml",
		},
		Retrieval: RetrievalConfig{
			TopK: 3,
		},
		Conversation: ConversationConfig{
			Window:       3,
			SummaryChars: 200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/docqa/config.json, then applies DOCQA_* environment
// overrides. The admin token is only read from the environment here; see
// GetAdminToken for the persisted fallback.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	case c.Server.MaxConnections < 0:
		return fmt.Errorf("invalid config: server.max_connections must not be negative")
	case c.Ollama.BaseURL == "":
		return fmt.Errorf("invalid config: ollama.base_url is required")
	case c.Ollama.EmbedModel == "":
		return fmt.Errorf("invalid config: ollama.embed_model is required")
	case c.Retrieval.TopK < 1:
		return fmt.Errorf("invalid config: retrieval.top_k must be at least 1")
	case c.Retrieval.MinScore < -1 || c.Retrieval.MinScore > 1:
		return fmt.Errorf("invalid config: retrieval.min_score must be within [-1, 1]")
	case c.Conversation.Window < 0:
		return fmt.Errorf("invalid config: conversation.window must not be negative")
	case c.Conversation.SummaryChars < 1:
		return fmt.Errorf("invalid config: conversation.summary_chars must be at least 1")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
