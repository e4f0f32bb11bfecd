// Command metastored runs the MetaDataStore read cache as a standalone
// daemon: it loads checkpoints and log segments from disk, serves reads
// submitted over its Go API, and periodically prunes inactive and
// over-retained entries.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kfscache/metastore/internal/logger"
	"github.com/kfscache/metastore/internal/metastore"
	"github.com/kfscache/metastore/internal/metastore/archive"
	"github.com/kfscache/metastore/internal/metastore/headercache"
	"github.com/kfscache/metastore/pkg/config"
	"github.com/kfscache/metastore/pkg/metrics"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "metastored",
	Short: "MetaDataStore read cache daemon",
	Long:  "metastored loads checkpoint and log segment files from disk and serves bounded reads against them under a concurrent, LRU-managed worker pool.",
	RunE:  run,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: $XDG_CONFIG_HOME/metastore/config.yaml)")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.SetLevel(cfg.Logging.Level)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	var hc *headercache.Cache
	if cfg.Store.HeaderCache.Enabled {
		hc, err = headercache.Open(cfg.Store.HeaderCache.Dir)
		if err != nil {
			return fmt.Errorf("open header cache: %w", err)
		}
		defer hc.Close()
	}

	var archiver *archive.Archiver
	if cfg.Store.Archive.Enabled {
		archiver, err = archive.New(cmd.Context(), archive.Config{
			Bucket:    cfg.Store.Archive.Bucket,
			KeyPrefix: cfg.Store.Archive.KeyPrefix,
			Region:    cfg.Store.Archive.Region,
			Endpoint:  cfg.Store.Archive.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("init archiver: %w", err)
		}
	}

	storeMetrics := metrics.NewStoreMetrics()

	store := metastore.NewStore(metastore.Params{
		MaxReadSize:               cfg.Store.MaxReadSize,
		MaxInactiveTime:           cfg.Store.MaxInactiveTime,
		MaxCheckpointsToKeepCount: cfg.Store.MaxCheckpointsToKeepCount,
		ThreadCount:               cfg.Store.ThreadCount,
	}, storeMetrics, hc, archiver)

	if err := metastore.Load(store, metastore.LoaderConfig{
		CheckpointDir: cfg.Store.CheckpointDir,
		LogDir:        cfg.Store.LogDir,
		RemoveTmp:     true,
	}); err != nil {
		return fmt.Errorf("load directory: %w", err)
	}

	store.Start()
	defer store.Shutdown()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("metastored: ready (checkpoint_dir=%s log_dir=%s)", cfg.Store.CheckpointDir, cfg.Store.LogDir)

	for {
		select {
		case <-ticker.C:
			store.Tick(time.Now())
		case <-ctx.Done():
			logger.Info("metastored: shutting down")
			return nil
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	logger.Info("metastored: metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metastored: metrics server: %v", err)
	}
}
