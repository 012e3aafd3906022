// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package capacity

import (
	"sync/atomic"
	"time"
)

// Signal acorda o flusher se os bytes pendentes já cruzaram o limiar e ainda
// não há um sinal em voo. Sinais redundantes são coalescidos pelo CAS: k
// chamadas sem flush intermediário acordam o flusher no máximo uma vez.
func (c *Capacity) Signal() {
	atomic.AddInt64(&c.stats.SignalCalls, 1)

	threshold := atomic.LoadInt64(&c.threshold)
	if threshold == 0 || atomic.LoadInt64(&c.written) < threshold {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.signalled, 0, 1) {
		return
	}
	atomic.AddInt64(&c.stats.Signals, 1)

	c.mu.Lock()
	ch := c.sigCh
	c.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// startFlusher cria os canais de coordenação e dispara a goroutine do
// flusher. No-op se já houver um flusher rodando.
func (c *Capacity) startFlusher() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		return
	}
	c.sigCh = make(chan struct{}, 1)
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	go c.runFlusher(c.sigCh, c.stopCh, c.done)
	c.logger.Info("capacity flusher started")
}

// stopFlusher sinaliza parada, aguarda a goroutine terminar e zera os campos
// de lifecycle. A latência de shutdown é limitada pelo timeout do wait
// (100ms). No-op se não houver flusher.
func (c *Capacity) stopFlusher() {
	c.mu.Lock()
	stopCh, done := c.stopCh, c.done
	c.sigCh, c.stopCh, c.done = nil, nil, nil
	c.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
	c.logger.Info("capacity flusher stopped")
}

// runFlusher é o corpo da goroutine do flusher. Acorda por sinal ou por
// timeout de 100ms, limpa o flag de sinal em voo e dispara o fsync-all
// assíncrono quando os bytes pendentes excedem o limiar.
//
// Um erro do colaborador de fsync é fatal para a conexão: não há como
// recuperar neste nível.
func (c *Capacity) runFlusher(sigCh, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(flushWait)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-sigCh:
			atomic.AddInt64(&c.stats.Signalled, 1)
		case <-ticker.C:
			atomic.AddInt64(&c.stats.Timeout, 1)
		}

		// Parada tem prioridade sobre trabalho pendente.
		select {
		case <-stopCh:
			return
		default:
		}

		atomic.StoreInt32(&c.signalled, 0)

		if atomic.LoadInt64(&c.written) > atomic.LoadInt64(&c.threshold) {
			if err := c.flush(); err != nil {
				c.logger.Error("background fsync failed", "error", err)
				c.fatal(err)
				return
			}
			atomic.StoreInt64(&c.written, 0)
		} else {
			atomic.AddInt64(&c.stats.FsyncNotYet, 1)
		}
	}
}
