// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tiered

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst para o rate limiter de upload
// (256KB), alinhado ao chunk de leitura dos uploads.
const maxBurstSize = 256 * 1024

// ThrottledReader é um io.Reader com rate limiting baseado em token bucket.
// Limita a taxa de leitura (e portanto de upload) a bytesPerSec.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledReader cria um ThrottledReader com a taxa máxima em
// bytes/segundo. Se bytesPerSec <= 0, retorna o reader original (bypass).
func NewThrottledReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Read implementa io.Reader consumindo tokens antes de cada leitura.
// Pedidos maiores que o burst são atendidos em pedaços.
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	chunk := len(p)
	if chunk == 0 {
		return 0, nil
	}
	if chunk > tr.limiter.Burst() {
		chunk = tr.limiter.Burst()
	}

	// Espera tokens disponíveis (bloqueia respeitando o rate)
	if err := tr.limiter.WaitN(tr.ctx, chunk); err != nil {
		return 0, err
	}

	return tr.r.Read(p[:chunk])
}
