// Package config loads the recall server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/openai"
	"github.com/becomeliminal/nim-recall/memory/generator/anthropic"
	"github.com/becomeliminal/nim-recall/memory/source/qdrant"
)

// Config is the complete server configuration.
type Config struct {
	Logging   Logging       `yaml:"logging"`
	Server    Server        `yaml:"server"`
	Memory    memory.Config `yaml:"memory"`
	Embedder  Embedder      `yaml:"embedder"`
	Generator Generator     `yaml:"generator"`
	Redis     Redis         `yaml:"redis"`
	Store     Store         `yaml:"store"`
}

// Logging selects the slog level and handler.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Server holds listen addresses.
type Server struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Embedder selects the embedding provider.
type Embedder struct {
	Provider string        `yaml:"provider"` // mock, openai, onnx
	OpenAI   openai.Config `yaml:"openai"`
	ONNX     ONNX          `yaml:"onnx"`
}

// ONNX locates the local model. It is only honoured by binaries built
// with the onnx tag.
type ONNX struct {
	LibraryPath   string `yaml:"library_path"`
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	Dimensions    int    `yaml:"dimensions"`
}

// Generator configures query expansion. An empty provider disables it.
type Generator struct {
	Provider  string           `yaml:"provider"` // "", anthropic
	Anthropic anthropic.Config `yaml:"anthropic"`
}

// Redis configures the shared embedding cache tier. An empty Addr
// disables it.
type Redis struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
}

// Store selects the persistent memory store.
type Store struct {
	Driver     string        `yaml:"driver"` // sqlite, qdrant
	SQLitePath string        `yaml:"sqlite_path"`
	Qdrant     qdrant.Config `yaml:"qdrant"`

	// PersistAdds writes memories added over RPC to the store.
	PersistAdds bool `yaml:"persist_adds"`
}

// DefaultConfig returns a configuration that runs offline: mock embedder,
// no expansion, sqlite under ./data.
func DefaultConfig() *Config {
	return &Config{
		Logging: Logging{Level: "info", Format: "json"},
		Server: Server{
			GRPCAddr:    ":7420",
			MetricsAddr: ":9090",
		},
		Memory: memory.DefaultConfig(),
		Embedder: Embedder{
			Provider: "mock",
			OpenAI:   openai.DefaultConfig(),
			ONNX:     ONNX{Dimensions: 384},
		},
		Redis: Redis{Namespace: "recall:emb", TTL: 24 * time.Hour},
		Store: Store{
			Driver:     "sqlite",
			SQLitePath: "data/recall.db",
			Qdrant:     qdrant.Config{Host: "localhost", Port: 6334, Collection: "recall_memories"},
		},
	}
}

// LoadFromFile reads YAML from path over DefaultConfig. ${VAR} references
// are expanded from the environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is LoadFromFile without the file.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Memory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format))
	}
	switch c.Embedder.Provider {
	case "mock":
	case "openai":
		if c.Embedder.OpenAI.Model == "" {
			errs = append(errs, errors.New("embedder.openai.model is required"))
		}
	case "onnx":
		if c.Embedder.ONNX.ModelPath == "" || c.Embedder.ONNX.TokenizerPath == "" {
			errs = append(errs, errors.New("embedder.onnx needs model_path and tokenizer_path"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedder.provider %q is not one of mock, openai, onnx", c.Embedder.Provider))
	}
	switch c.Generator.Provider {
	case "":
	case "anthropic":
		if c.Generator.Anthropic.Model == "" {
			errs = append(errs, errors.New("generator.anthropic.model is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("generator.provider %q is not one of anthropic", c.Generator.Provider))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required"))
		}
	case "qdrant":
		if c.Store.Qdrant.Host == "" || c.Store.Qdrant.Collection == "" {
			errs = append(errs, errors.New("store.qdrant needs host and collection"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, qdrant", c.Store.Driver))
	}
	if c.Redis.Addr != "" && c.Redis.TTL < 0 {
		errs = append(errs, errors.New("redis.ttl must not be negative"))
	}
	return errors.Join(errs...)
}
