package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/rpc"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC memory service and the metrics endpoint",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watcher *config.Watcher
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if path := configFile(); path != "" {
		if watcher, err = config.NewWatcher(path, logger); err != nil {
			return err
		}
		cfg = watcher.Get()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := newEngine(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := openStore(ctx, cfg, eng.embedder.Dimensions())
	if err != nil {
		return err
	}
	defer st.Close()

	if watcher != nil {
		watcher.OnChange(func(c *config.Config) {
			if err := eng.manager.SetConfig(c.Memory); err != nil {
				logger.Error("rejected memory config", "error", err)
			}
		})
		if err := watcher.Watch(ctx); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
		defer watcher.Close()
	}

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(rpc.LoggingInterceptor(logger)))
	health := rpc.Register(gs, rpc.NewServer(eng.manager,
		rpc.WithStore(st, cfg.Store.PersistAdds),
		rpc.WithLogger(logger),
	))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", "addr", lis.Addr().String())
		errc <- gs.Serve(lis)
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", "error", err)
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		gs.Stop()
	}
	return err
}
