// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability expõe o estado do engine em endpoints HTTP JSON
// somente leitura.
package observability

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nishisan-dev/n-store/internal/capacity"
	"github.com/nishisan-dev/n-store/internal/config"
	"github.com/nishisan-dev/n-store/internal/engine"
)

// EngineView é a fatia da conexão que os handlers consultam. Permite um
// fake nos testes.
type EngineView interface {
	Name() string
	CapacityStats() capacity.StatsSnapshot
	MemtableSize() int64
	DataKeys() int
}

// SystemView fornece a última amostra do monitor de sistema.
type SystemView interface {
	Stats() engine.SystemStats
}

var startTime = time.Now()

// NewRouter monta o mux com os endpoints de observabilidade. system pode
// ser nil quando o monitor está desabilitado.
func NewRouter(conn EngineView, system SystemView, cfg *config.EngineConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/api/stats", makeStatsHandler(conn))
	mux.HandleFunc("/api/system", makeSystemHandler(system))
	mux.HandleFunc("/api/config", makeConfigHandler(cfg))

	return logRequests(mux, logger)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
	})
}

func makeStatsHandler(conn EngineView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"engine":         conn.Name(),
			"memtable_bytes": conn.MemtableSize(),
			"data_keys":      conn.DataKeys(),
			"capacity":       conn.CapacityStats(),
		})
	}
}

func makeSystemHandler(system SystemView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if system == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "system monitor disabled"})
			return
		}
		writeJSON(w, http.StatusOK, system.Stats())
	}
}

// makeConfigHandler devolve a configuração vigente com os segredos
// redigidos.
func makeConfigHandler(cfg *config.EngineConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redacted := *cfg
		if redacted.Tiered.SecretKey != "" {
			redacted.Tiered.SecretKey = "***"
		}
		if redacted.Tiered.AccessKey != "" {
			redacted.Tiered.AccessKey = "***"
		}
		writeJSON(w, http.StatusOK, redacted)
	}
}

func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
