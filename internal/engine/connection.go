// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package engine implementa a conexão do N-Store: memtable com eviction,
// write-ahead log segmentado, checkpoints e o throttle de capacidade de I/O
// que governa todas as escritas e leituras.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/nishisan-dev/n-store/internal/capacity"
	"github.com/nishisan-dev/n-store/internal/config"
)

// Erros da conexão.
var (
	ErrNotFound   = errors.New("engine: key not found")
	ErrConnClosed = errors.New("engine: connection closed")
	ErrReadOnly   = errors.New("engine: connection is read-only")
)

// Connection é uma instância aberta do engine. Segura o throttle de
// capacidade, o registro de arquivos, o memtable e os escritores de log e
// checkpoint. Todas as operações públicas são seguras para uso concorrente.
type Connection struct {
	cfg    *config.EngineConfig
	logger *slog.Logger
	dir    string

	recovering int32 // atomic — replay de WAL em andamento
	closed     int32 // atomic

	files    *FileSet
	capacity *capacity.Capacity
	mem      *memtable
	wal      *LogWriter
	data     *DataFile
	ckpt     *Checkpointer
}

// Open abre (ou cria) o engine no diretório configurado, executa o crash
// recovery e liga o throttle de capacidade conforme io_capacity.total.
// onSeal, quando não nil, recebe os artefatos selados (segmentos .gz e
// checkpoints) para arquivamento.
func Open(cfg *config.EngineConfig, logger *slog.Logger, onSeal func(path string)) (*Connection, error) {
	if err := os.MkdirAll(cfg.Engine.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating engine dir: %w", err)
	}

	c := &Connection{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		dir:    cfg.Engine.Dir,
		files:  NewFileSet(),
		mem:    newMemtable(),
	}

	c.capacity = capacity.New(capacity.Options{
		Logger:     logger,
		ReadOnly:   cfg.Engine.ReadOnly,
		Recovering: func() bool { return atomic.LoadInt32(&c.recovering) == 1 },
		Flush:      c.files.SyncAll,
	})

	wal, err := NewLogWriter(c.dir, cfg.Log.SegmentSizeRaw, c.files,
		func(n int64) { c.capacity.Throttle(capacity.Log, n) },
		onSeal, logger)
	if err != nil {
		return nil, err
	}
	c.wal = wal

	data, err := OpenDataFile(filepath.Join(c.dir, "data-000001.dat"), c.files,
		func(n int64) { c.capacity.Throttle(capacity.Eviction, n) },
		func(n int64) { c.capacity.Throttle(capacity.Read, n) })
	if err != nil {
		wal.Close()
		return nil, err
	}
	c.data = data

	c.ckpt = NewCheckpointer(c.dir, cfg.Checkpoint.Keep, c.mem, c.wal,
		func(n int64) { c.capacity.Throttle(capacity.Checkpoint, n) },
		onSeal, logger)

	if err := c.recover(); err != nil {
		c.files.CloseAll()
		return nil, err
	}

	// O throttle só é ligado depois do recovery, que roda sem limite
	if err := c.capacity.Reconfigure(cfg.IOCapacity.TotalRaw); err != nil {
		c.files.CloseAll()
		return nil, err
	}

	c.logger.Info("engine open",
		"dir", c.dir,
		"keys_mem", c.mem.count(),
		"keys_data", c.data.Count(),
		"io_capacity", cfg.IOCapacity.TotalRaw,
	)
	return c, nil
}

// recover carrega o checkpoint mais recente e reaplica os segmentos de WAL
// não cobertos. Durante o replay o throttle fica inerte (flag recovering).
func (c *Connection) recover() error {
	atomic.StoreInt32(&c.recovering, 1)
	defer atomic.StoreInt32(&c.recovering, 0)

	entries, covered, err := loadLatestCheckpoint(c.dir)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	for _, entry := range entries {
		c.mem.put(entry.key, entry.value)
	}

	var replayed int
	err = ReplayFrom(c.dir, covered, func(rec []byte) error {
		key, value, err := decodeRecord(rec)
		if err != nil {
			return err
		}
		c.mem.put(key, value)
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replaying wal: %w", err)
	}

	if len(entries) > 0 || replayed > 0 {
		c.logger.Info("recovery complete",
			"checkpoint_entries", len(entries),
			"replayed_records", replayed,
		)
	}
	return nil
}

// Put grava uma chave: primeiro no WAL (classe log), depois no memtable.
// Excedido o orçamento do memtable, as entradas mais antigas são evictadas
// para o data file (classe eviction).
func (c *Connection) Put(key string, value []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnClosed
	}
	if c.cfg.Engine.ReadOnly {
		return ErrReadOnly
	}
	if key == "" {
		return fmt.Errorf("engine: empty key")
	}

	if err := c.wal.Append(encodeRecord(key, value)); err != nil {
		return err
	}
	c.mem.put(key, value)

	if over := c.mem.size() - c.cfg.Memtable.BudgetRaw; over > 0 {
		evicted := c.mem.evictOldest(over)
		if len(evicted) > 0 {
			if err := c.data.AppendEvicted(evicted); err != nil {
				return fmt.Errorf("evicting %d entries: %w", len(evicted), err)
			}
			c.logger.Debug("evicted entries", "count", len(evicted))
		}
	}
	return nil
}

// Get busca uma chave no memtable e, em seguida, no data file (classe read).
func (c *Connection) Get(key string) ([]byte, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrConnClosed
	}

	if val, ok := c.mem.get(key); ok {
		return val, nil
	}

	val, ok, err := c.data.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

// Checkpoint dispara um checkpoint síncrono.
func (c *Connection) Checkpoint() error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnClosed
	}
	if c.cfg.Engine.ReadOnly {
		return ErrReadOnly
	}
	return c.ckpt.Run()
}

// Reconfigure aplica um novo limite de io_capacity.total em tempo de vida.
func (c *Connection) Reconfigure(totalBps int64) error {
	return c.capacity.Reconfigure(totalBps)
}

// CapacityStats retorna o snapshot dos contadores do throttle.
func (c *Connection) CapacityStats() capacity.StatsSnapshot {
	return c.capacity.Stats().Snapshot()
}

// MemtableSize retorna os bytes residentes no memtable.
func (c *Connection) MemtableSize() int64 {
	return c.mem.size()
}

// DataKeys retorna o número de chaves evictadas para o data file.
func (c *Connection) DataKeys() int {
	return c.data.Count()
}

// Name retorna o nome configurado da instância.
func (c *Connection) Name() string {
	return c.cfg.Engine.Name
}

// Close para o flusher de capacidade e sincroniza e fecha todos os
// arquivos. Idempotente.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.capacity.Destroy()

	var firstErr error
	if err := c.wal.Close(); err != nil {
		firstErr = err
	}
	if err := c.files.CloseAll(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.logger.Info("engine closed")
	return firstErr
}

// encodeRecord serializa um put para o WAL.
func encodeRecord(key string, value []byte) []byte {
	rec := make([]byte, 8+len(key)+len(value))
	binary.BigEndian.PutUint32(rec[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(rec[4:8], uint32(len(value)))
	copy(rec[8:], key)
	copy(rec[8+len(key):], value)
	return rec
}

// decodeRecord desserializa um registro do WAL.
func decodeRecord(rec []byte) (string, []byte, error) {
	if len(rec) < 8 {
		return "", nil, ErrCorruptRecord
	}
	klen := binary.BigEndian.Uint32(rec[0:4])
	vlen := binary.BigEndian.Uint32(rec[4:8])
	if uint32(len(rec)) != 8+klen+vlen {
		return "", nil, ErrCorruptRecord
	}
	key := string(rec[8 : 8+klen])
	value := append([]byte(nil), rec[8+klen:]...)
	return key, value, nil
}
