// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceScheduler agenda os checkpoints periódicos do engine com uma
// cron expression. Execuções sobrepostas são puladas pelo guard do próprio
// Checkpointer.
type MaintenanceScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenanceScheduler registra o job de checkpoint da conexão conforme
// checkpoint.schedule. Schedule vazio desabilita o agendamento.
func NewMaintenanceScheduler(conn *Connection, schedule string, logger *slog.Logger) (*MaintenanceScheduler, error) {
	s := &MaintenanceScheduler{
		logger: logger.With("component", "scheduler"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if schedule != "" {
		if _, err := c.AddFunc(schedule, func() {
			start := time.Now()
			if err := conn.Checkpoint(); err != nil {
				s.logger.Error("scheduled checkpoint failed", "error", err)
				return
			}
			s.logger.Debug("scheduled checkpoint done", "duration", time.Since(start))
		}); err != nil {
			return nil, fmt.Errorf("adding checkpoint cron job %q: %w", schedule, err)
		}
		s.logger.Info("registered checkpoint job", "schedule", schedule)
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *MaintenanceScheduler) Start() {
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento até o contexto expirar.
func (s *MaintenanceScheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}
