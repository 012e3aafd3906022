// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-store/internal/config"
	"github.com/nishisan-dev/n-store/internal/engine"
	"github.com/nishisan-dev/n-store/internal/logging"
	"github.com/nishisan-dev/n-store/internal/observability"
	"github.com/nishisan-dev/n-store/internal/tiered"
)

func main() {
	configPath := flag.String("config", "/etc/nstore/engine.yaml", "path to engine config file")
	bench := flag.Int("bench", 0, "run a one-shot put/get workload of N operations and exit")
	flag.Parse()

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Archiver opcional: recebe segmentos selados e checkpoints
	var archiver *tiered.Archiver
	onSeal := func(string) {}
	if cfg.Tiered.Enabled {
		archiver, err = tiered.New(context.Background(), cfg.Tiered, logger)
		if err != nil {
			logger.Error("archiver setup failed", "error", err)
			os.Exit(1)
		}
		archiver.Start()
		defer archiver.Stop()
		onSeal = archiver.Enqueue
	}

	conn, err := engine.Open(cfg, logger, onSeal)
	if err != nil {
		logger.Error("engine open failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if *bench > 0 {
		runBench(conn, *bench, logger)
		return
	}

	runDaemon(conn, cfg, *configPath, logger)
}

// runDaemon mantém o engine servindo até SIGTERM/SIGINT. SIGHUP recarrega
// io_capacity.total sem downtime (bounce do flusher).
func runDaemon(conn *engine.Connection, cfg *config.EngineConfig, configPath string, logger *slog.Logger) {
	sched, err := engine.NewMaintenanceScheduler(conn, cfg.Checkpoint.Schedule, logger)
	if err != nil {
		logger.Error("scheduler setup failed", "error", err)
		os.Exit(1)
	}
	sched.Start()

	monitor := engine.NewSystemMonitor(cfg.Engine.Dir, 15*time.Second, logger)
	monitor.Start()

	stats := engine.NewStatsReporter(conn, monitor, logger)
	stats.Start()

	var obsSrv *http.Server
	if cfg.Observability.Listen != "" {
		obsSrv = &http.Server{
			Addr:    cfg.Observability.Listen,
			Handler: observability.NewRouter(conn, monitor, cfg, logger),
		}
		go func() {
			logger.Info("observability listening", "addr", cfg.Observability.Listen)
			if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("observability server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading io capacity")
			newCfg, loadErr := config.LoadEngineConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}
			if err := conn.Reconfigure(newCfg.IOCapacity.TotalRaw); err != nil {
				logger.Error("reconfigure failed, keeping current capacity", "error", err)
				continue
			}
			logger.Info("io capacity reloaded", "total", newCfg.IOCapacity.TotalRaw)
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if obsSrv != nil {
			obsSrv.Shutdown(ctx)
		}
		stats.Stop()
		monitor.Stop()
		sched.Stop(ctx)
		cancel()
		return
	}
}

// runBench executa n puts seguidos de n gets e loga o throughput junto com
// os contadores do throttle.
func runBench(conn *engine.Connection, n int, logger *slog.Logger) {
	value := make([]byte, 4096)
	for i := range value {
		value[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("bench-%08d", i)
		if err := conn.Put(key, value); err != nil {
			logger.Error("bench put failed", "key", key, "error", err)
			os.Exit(1)
		}
	}
	putDur := time.Since(start)

	start = time.Now()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("bench-%08d", i)
		if _, err := conn.Get(key); err != nil {
			logger.Error("bench get failed", "key", key, "error", err)
			os.Exit(1)
		}
	}
	getDur := time.Since(start)

	logger.Info("bench complete",
		"ops", n,
		"put_duration", putDur,
		"get_duration", getDur,
		"put_mbps", float64(n*len(value))/putDur.Seconds()/1e6,
		"capacity", conn.CapacityStats(),
	)
}
