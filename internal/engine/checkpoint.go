// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

// throttledWriter paga o throttle de capacidade antes de cada escrita.
type throttledWriter struct {
	w        io.Writer
	throttle func(int64)
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	tw.throttle(int64(len(p)))
	return tw.w.Write(p)
}

// Checkpointer materializa snapshots do memtable em arquivos zstd, com
// escrita atômica (tmp → rename) e retenção dos N mais recentes. Um
// checkpoint bem-sucedido trunca os segmentos de WAL já cobertos.
type Checkpointer struct {
	dir      string
	keep     int
	mem      *memtable
	log      *LogWriter
	throttle func(int64) // classe checkpoint
	onSeal   func(path string)
	logger   *slog.Logger

	running int32 // atomic — guard contra execuções sobrepostas
}

// NewCheckpointer cria um Checkpointer. onSeal recebe o caminho do
// checkpoint commitado (pode ser nil).
func NewCheckpointer(dir string, keep int, mem *memtable, log *LogWriter, throttle func(int64), onSeal func(string), logger *slog.Logger) *Checkpointer {
	if throttle == nil {
		throttle = func(int64) {}
	}
	if onSeal == nil {
		onSeal = func(string) {}
	}
	return &Checkpointer{
		dir:      dir,
		keep:     keep,
		mem:      mem,
		log:      log,
		throttle: throttle,
		onSeal:   onSeal,
		logger:   logger.With("component", "checkpoint"),
	}
}

// Run executa um checkpoint completo. Execuções sobrepostas são puladas com
// um warn, como nos jobs agendados.
func (cp *Checkpointer) Run() error {
	if !atomic.CompareAndSwapInt32(&cp.running, 0, 1) {
		cp.logger.Warn("checkpoint already running, skipping")
		return nil
	}
	defer atomic.StoreInt32(&cp.running, 0)

	start := time.Now()

	// Sela o WAL ativo primeiro: tudo até covered fica coberto pelo
	// snapshot tirado em seguida
	if err := cp.log.Rotate(); err != nil {
		return fmt.Errorf("rotating wal before checkpoint: %w", err)
	}
	covered := cp.log.ActiveSeq() - 1

	entries := cp.mem.snapshot()

	path, err := cp.write(covered, entries)
	if err != nil {
		return err
	}

	if err := cp.rotateOld(); err != nil {
		cp.logger.Warn("checkpoint retention failed", "error", err)
	}
	if err := cp.log.DropThrough(covered); err != nil {
		cp.logger.Warn("wal truncation failed", "error", err)
	}

	cp.logger.Info("checkpoint complete",
		"entries", len(entries),
		"covered_seq", covered,
		"duration", time.Since(start),
		"path", path,
	)
	cp.onSeal(path)
	return nil
}

// write grava o snapshot em tmp e comita via rename.
func (cp *Checkpointer) write(covered uint64, entries []*memEntry) (string, error) {
	tmp, err := os.CreateTemp(cp.dir, "ckpt-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()

	abort := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}

	enc, err := zstd.NewWriter(&throttledWriter{w: tmp, throttle: cp.throttle})
	if err != nil {
		return abort(fmt.Errorf("creating zstd writer: %w", err))
	}

	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[0:8], covered)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(entries)))
	if _, err := enc.Write(header); err != nil {
		return abort(fmt.Errorf("writing checkpoint header: %w", err))
	}

	for _, entry := range entries {
		rec := make([]byte, 8+len(entry.key)+len(entry.value))
		binary.BigEndian.PutUint32(rec[0:4], uint32(len(entry.key)))
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(entry.value)))
		copy(rec[8:], entry.key)
		copy(rec[8+len(entry.key):], entry.value)
		if _, err := enc.Write(rec); err != nil {
			return abort(fmt.Errorf("writing checkpoint entry: %w", err))
		}
	}

	if err := enc.Close(); err != nil {
		return abort(fmt.Errorf("finishing zstd stream: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("syncing checkpoint: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return abort(fmt.Errorf("closing checkpoint: %w", err))
	}

	finalPath := filepath.Join(cp.dir, checkpointName(covered))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("committing checkpoint: %w", err)
	}
	return finalPath, nil
}

// rotateOld remove checkpoints excedentes, mantendo os keep mais recentes.
func (cp *Checkpointer) rotateOld() error {
	ckpts, err := listCheckpoints(cp.dir)
	if err != nil {
		return err
	}
	if len(ckpts) <= cp.keep {
		return nil
	}
	for _, old := range ckpts[:len(ckpts)-cp.keep] {
		if err := os.Remove(old.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing old checkpoint: %w", err)
		}
	}
	return nil
}

// checkpointRef descreve um checkpoint em disco.
type checkpointRef struct {
	covered uint64
	path    string
}

func checkpointName(covered uint64) string {
	return fmt.Sprintf("ckpt-%06d.zst", covered)
}

// listCheckpoints enumera os checkpoints ordenados por seq coberto.
func listCheckpoints(dir string) ([]checkpointRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint dir: %w", err)
	}

	var ckpts []checkpointRef
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "ckpt-") || !strings.HasSuffix(name, ".zst") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "ckpt-"), ".zst")
		covered, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		ckpts = append(ckpts, checkpointRef{covered: covered, path: filepath.Join(dir, name)})
	}

	sort.Slice(ckpts, func(i, j int) bool { return ckpts[i].covered < ckpts[j].covered })
	return ckpts, nil
}

// loadLatestCheckpoint lê o checkpoint mais recente, se houver. Retorna as
// entradas e o seq de WAL coberto (0 quando não há checkpoint).
func loadLatestCheckpoint(dir string) ([]*memEntry, uint64, error) {
	ckpts, err := listCheckpoints(dir)
	if err != nil {
		return nil, 0, err
	}
	if len(ckpts) == 0 {
		return nil, 0, nil
	}
	latest := ckpts[len(ckpts)-1]

	f, err := os.Open(latest.path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("opening zstd stream: %w", err)
	}
	defer dec.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(dec, header); err != nil {
		return nil, 0, fmt.Errorf("reading checkpoint header: %w", err)
	}
	covered := binary.BigEndian.Uint64(header[0:8])
	count := binary.BigEndian.Uint32(header[8:12])

	entries := make([]*memEntry, 0, count)
	lenBuf := make([]byte, 8)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(dec, lenBuf); err != nil {
			return nil, 0, fmt.Errorf("reading checkpoint entry header: %w", err)
		}
		klen := binary.BigEndian.Uint32(lenBuf[0:4])
		vlen := binary.BigEndian.Uint32(lenBuf[4:8])

		kv := make([]byte, klen+vlen)
		if _, err := io.ReadFull(dec, kv); err != nil {
			return nil, 0, fmt.Errorf("reading checkpoint entry: %w", err)
		}
		entries = append(entries, &memEntry{
			key:   string(kv[:klen]),
			value: append([]byte(nil), kv[klen:]...),
		})
	}

	return entries, covered, nil
}
