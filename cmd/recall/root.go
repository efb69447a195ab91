package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedcache"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/embedder/openai"
	"github.com/becomeliminal/nim-recall/memory/generator/anthropic"
	"github.com/becomeliminal/nim-recall/memory/index/chromem"
	"github.com/becomeliminal/nim-recall/memory/source/qdrant"
	"github.com/becomeliminal/nim-recall/memory/source/sqlite"
	"github.com/becomeliminal/nim-recall/metrics"
	"github.com/becomeliminal/nim-recall/rpc"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "recall",
	Short:         "Per-user conversational memory retrieval",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $RECALL_CONFIG, else built-in defaults)")
}

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("RECALL_CONFIG")
}

func loadConfig() (*config.Config, error) {
	path := configFile()
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

// store is a persistent store the CLI can also close.
type store interface {
	rpc.Store
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config, dims int) (store, error) {
	switch cfg.Store.Driver {
	case "qdrant":
		qc := cfg.Store.Qdrant
		if qc.Dimensions == 0 {
			qc.Dimensions = dims
		}
		return qdrant.New(ctx, qc)
	default:
		return sqlite.Open(cfg.Store.SQLitePath)
	}
}

// newEmbedder returns the configured provider and a func releasing it.
func newEmbedder(cfg *config.Config, logger *slog.Logger) (memory.Embedder, func(), error) {
	switch cfg.Embedder.Provider {
	case "openai":
		e, err := openai.New(cfg.Embedder.OpenAI, nil)
		return e, func() {}, err
	case "onnx":
		return newONNXEmbedder(cfg.Embedder.ONNX, logger)
	default:
		return mock.New(), func() {}, nil
	}
}

func newGenerator(cfg *config.Config) (memory.Generator, error) {
	if cfg.Generator.Provider != "anthropic" {
		return nil, nil
	}
	return anthropic.New(cfg.Generator.Anthropic)
}

// engine is a Manager with everything it was built from.
type engine struct {
	manager  *memory.Manager
	embedder memory.Embedder
	redis    *goredis.Client
	release  func()
}

func (e *engine) Close() error {
	err := e.manager.Close()
	if e.redis != nil {
		err = errors.Join(err, e.redis.Close())
	}
	e.release()
	return err
}

func newEngine(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*engine, error) {
	emb, release, err := newEmbedder(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	opts := []memory.Option{
		memory.WithConfig(cfg.Memory),
		memory.WithLogger(logger),
	}
	gen, err := newGenerator(cfg)
	if err != nil {
		release()
		return nil, fmt.Errorf("generator: %w", err)
	}
	if gen != nil {
		opts = append(opts, memory.WithGenerator(gen))
	}
	if reg != nil {
		opts = append(opts, memory.WithObserver(metrics.New(reg)))
	}

	e := &engine{embedder: emb, release: release}
	if cfg.Redis.Addr != "" {
		e.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts = append(opts, memory.WithCacheTier(embedcache.NewRedisTier(e.redis, cfg.Redis.Namespace, cfg.Redis.TTL)))
	}

	m, err := memory.NewManager(emb, chromem.Factory(), opts...)
	if err != nil {
		if e.redis != nil {
			e.redis.Close()
		}
		release()
		return nil, err
	}
	e.manager = m
	return e, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := config.NewLogger(w, cfg.Logging)
	slog.SetDefault(logger)
	return logger
}
