// Command kgetrain trains a knowledge-graph embedding model from a
// configuration file.
//
// Usage:
//
//	kgetrain -config kgeflow.yaml
//
// Every setting can be overridden with KGEFLOW_SECTION__FIELD environment
// variables, e.g. KGEFLOW_TRAIN__MAX_STEPS=5000.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/kgeflow"
	miniostore "github.com/hupe1980/kgeflow/blobstore/minio"
	"github.com/hupe1980/kgeflow/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kgetrain:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := kgeflow.NewLoggerFromConfig(cfg.Logging, os.Stderr)

	store, err := newCheckpointStore(ctx, cfg.Checkpoint)
	if err != nil {
		return err
	}
	if ms, ok := store.(*miniostore.Store); ok {
		if err := ms.EnsureBucket(ctx, ""); err != nil {
			return err
		}
	}

	opts := []kgeflow.Option{
		kgeflow.WithLogger(logger),
		kgeflow.WithCheckpointStore(store),
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, kgeflow.WithObserver(kgeflow.NewPrometheusMetrics(reg, "")))
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	t, err := kgeflow.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer t.Close()

	if _, err := t.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("training interrupted")
		}
		return err
	}
	return t.Close()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *kgeflow.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}
