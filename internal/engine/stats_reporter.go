// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const statsInterval = 5 * time.Minute

// StatsReporter emite métricas periódicas do engine no log: contadores do
// throttle de capacidade, tamanho do memtable e amostra do sistema.
type StatsReporter struct {
	conn      *Connection
	monitor   *SystemMonitor
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter. monitor pode ser nil.
func NewStatsReporter(conn *Connection, monitor *SystemMonitor, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		conn:      conn,
		monitor:   monitor,
		interval:  statsInterval,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	snap := sr.conn.CapacityStats()

	// Serializa os contadores como JSON para log estruturado
	capJSON, _ := json.Marshal(snap)

	attrs := []any{
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"memtable_bytes", sr.conn.MemtableSize(),
		"data_keys", sr.conn.DataKeys(),
		"capacity", json.RawMessage(capJSON),
	}

	if sr.monitor != nil {
		sys := sr.monitor.Stats()
		attrs = append(attrs,
			"cpu_percent", sys.CPUPercent,
			"disk_usage_percent", sys.DiskUsagePercent,
		)
	}

	sr.logger.Info("engine stats", attrs...)
}
