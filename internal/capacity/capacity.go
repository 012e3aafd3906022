// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package capacity implementa o throttle de I/O do engine: um orçamento de
// bytes/segundo particionado entre quatro classes de workload (checkpoint,
// eviction, log, read), com roubo oportunista de capacidade entre classes e
// um flusher em background que dispara fsync assíncrono quando as escritas
// pendentes excedem um limiar.
//
// O hot path (Throttle) reserva capacidade sem lock: os relógios de reserva
// em nanossegundos são mutados por operações atômicas. O único lock que ele
// pode tomar é o do Signal que vence o CAS do sinal de flush.
package capacity

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Class identifica a classe de workload de uma operação de I/O.
type Class int

// Classes de workload, na ordem de scan do roubo de capacidade.
const (
	Checkpoint Class = iota
	Eviction
	Log
	Read

	numClasses
)

// aggregate indexa os contadores do agregado nos arrays de estatísticas.
const aggregate = int(numClasses)

func (c Class) String() string {
	switch c {
	case Checkpoint:
		return "checkpoint"
	case Eviction:
		return "eviction"
	case Log:
		return "log"
	case Read:
		return "read"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

const (
	nsPerSec = int64(time.Second)

	// MinTotal é o menor valor aceito para io_capacity.total (1 MB/s).
	// Abaixo disso os slots por chamada ficam grandes demais para suavizar.
	MinTotal = 1 << 20

	// maxSingleIO limita o tamanho de um único I/O (16 GiB). Mantém o
	// produto bytes*1e9 dentro de uint64 no cálculo do slot (slotNS).
	maxSingleIO = int64(16) << 30

	// driftWindow é o atraso máximo tolerado de um relógio de reserva em
	// relação ao wall clock antes da correção de drift (1s).
	driftWindow = nsPerSec

	// stealSliceNS é a fatia de tempo roubada de uma classe ociosa (1/16s).
	stealSliceNS = nsPerSec / 16

	// stealThresholdNS é o ponto de partida do scan por vítima: só relógios
	// mais de 500ms atrás do wall clock são candidatos.
	stealThresholdNS = nsPerSec / 2

	// sleepCutoffUS: excessos abaixo de 100µs não dormem, amortizam sozinhos.
	sleepCutoffUS = 100

	// flushWait é o timeout do wait do flusher. Limita a latência de
	// shutdown e absorve sinais perdidos.
	flushWait = 100 * time.Millisecond
)

// Percentuais de particionamento por classe. A soma (150%) excede 100% de
// propósito: as classes não saturam ao mesmo tempo e o relógio agregado
// garante o teto real.
const (
	pctCheckpoint = 10
	pctEviction   = 60
	pctLog        = 20
	pctRead       = 60
	pctThreshold  = 10
)

// Capacity é o estado do throttle, um por conexão do engine.
// Todos os campos marcados como atômicos são mutados exclusivamente via
// sync/atomic; o mutex só protege os canais do flusher.
type Capacity struct {
	logger *slog.Logger
	stats  *Stats

	readOnly   bool
	recovering func() bool
	flush      func() error
	fatal      func(error)

	// Seams de teste: relógio monotônico em ns e suspensão do hot path.
	nowNS func() int64
	sleep func(time.Duration)

	// Capacidades vigentes em bytes/s, 0 = sem limite. atômicos
	totalCap int64
	classCap [numClasses]int64

	// Relógios de reserva em ns (cauda do próximo slot livre). atômicos
	totalRes int64
	classRes [numClasses]int64

	written   int64 // atomic — bytes de escrita desde o último fsync
	threshold int64 // atomic — limiar de fsync em background (0 = flusher off)
	signalled int32 // atomic — há um sinal de flush em voo

	// Lifecycle do flusher. mu protege apenas os canais; no hot path só é
	// tomado pelo Signal que vence o CAS (uma vez por ciclo do flusher).
	mu     sync.Mutex
	sigCh  chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// Options configura um Capacity. Todos os campos têm defaults; sem Flush o
// flusher roda com um colaborador no-op e nenhum arquivo é sincronizado.
type Options struct {
	Logger *slog.Logger

	// ReadOnly torna Reconfigure um no-op (conexão somente leitura).
	ReadOnly bool

	// Recovering informa se a conexão está em crash recovery. Durante
	// recovery o throttle não atua.
	Recovering func() bool

	// Flush é o colaborador de fsync assíncrono: deve sincronizar todos os
	// arquivos sujos da conexão. Idempotente.
	Flush func() error

	// Fatal é chamado quando o flusher encontra um erro irrecuperável.
	// Default: panic.
	Fatal func(error)

	// Now retorna nanossegundos monotônicos. Default: relógio do processo.
	Now func() int64

	// Sleep suspende o caller. Default: time.Sleep.
	Sleep func(time.Duration)
}

// New cria um Capacity sem nenhum limite configurado (tudo liberado).
// Chame Reconfigure para ativar o throttle e o flusher.
func New(opts Options) *Capacity {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recovering == nil {
		opts.Recovering = func() bool { return false }
	}
	if opts.Flush == nil {
		opts.Flush = func() error { return nil }
	}
	if opts.Fatal == nil {
		opts.Fatal = func(err error) { panic(err) }
	}
	if opts.Now == nil {
		start := time.Now()
		opts.Now = func() int64 { return int64(time.Since(start)) }
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	return &Capacity{
		logger:     opts.Logger.With("component", "capacity"),
		stats:      &Stats{},
		readOnly:   opts.ReadOnly,
		recovering: opts.Recovering,
		flush:      opts.Flush,
		fatal:      opts.Fatal,
		nowNS:      opts.Now,
		sleep:      opts.Sleep,
	}
}

// Stats retorna os contadores do throttle.
func (c *Capacity) Stats() *Stats {
	return c.stats
}

// Reconfigure aplica um novo io_capacity.total em bytes/s. Zero desliga o
// limite agregado e as classes derivadas. Um total válido sempre destrói o
// flusher, para apresentar um estado limpo à nova configuração; ele só é
// recriado se o novo limiar não for zero.
func (c *Capacity) Reconfigure(total int64) error {
	if c.readOnly {
		return nil
	}
	if total < 0 {
		return fmt.Errorf("capacity: io_capacity.total must be non-negative, got %d", total)
	}
	if total != 0 && total < MinTotal {
		return fmt.Errorf("capacity: io_capacity.total must be at least %d bytes/s, got %d", int64(MinTotal), total)
	}

	c.stopFlusher()

	var ckpt, evict, logCap, read int64
	if total > 0 {
		ckpt = total * pctCheckpoint / 100
		evict = total * pctEviction / 100
		logCap = total * pctLog / 100
		read = total * pctRead / 100
	}

	atomic.StoreInt64(&c.totalCap, total)
	atomic.StoreInt64(&c.classCap[Checkpoint], ckpt)
	atomic.StoreInt64(&c.classCap[Eviction], evict)
	atomic.StoreInt64(&c.classCap[Log], logCap)
	atomic.StoreInt64(&c.classCap[Read], read)

	threshold := (ckpt + evict + logCap) * pctThreshold / 100
	atomic.StoreInt64(&c.threshold, threshold)
	atomic.StoreInt64(&c.stats.Threshold, threshold)

	if threshold != 0 {
		c.startFlusher()
	}

	c.logger.Info("capacity configured",
		"total", total,
		"checkpoint", ckpt,
		"eviction", evict,
		"log", logCap,
		"read", read,
		"threshold", threshold,
	)
	return nil
}

// SetClassCapacity define a capacidade de uma única classe, em bytes/s,
// independente do particionamento derivado do total. Zero libera a classe.
func (c *Capacity) SetClassCapacity(class Class, bps int64) {
	atomic.StoreInt64(&c.classCap[class], bps)
}

// ClassCapacity retorna a capacidade vigente da classe em bytes/s.
func (c *Capacity) ClassCapacity(class Class) int64 {
	return atomic.LoadInt64(&c.classCap[class])
}

// TotalCapacity retorna o limite agregado vigente em bytes/s.
func (c *Capacity) TotalCapacity() int64 {
	return atomic.LoadInt64(&c.totalCap)
}

// PendingBytes retorna os bytes escritos desde o último fsync em background.
func (c *Capacity) PendingBytes() int64 {
	return atomic.LoadInt64(&c.written)
}

// Destroy para o flusher e zera os campos de lifecycle. Os contadores de
// estatística são cumulativos e não são zerados. Idempotente.
func (c *Capacity) Destroy() {
	c.stopFlusher()
	atomic.StoreInt32(&c.signalled, 0)
}
