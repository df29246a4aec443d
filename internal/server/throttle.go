// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize é o tamanho máximo de burst para o rate limiter (256KB).
// Alinhado ao maior chunk de output que uma sessão produz por leitura.
const maxBurstSize = 256 * 1024

// ThrottledWriter é um io.Writer com rate limiting baseado em token bucket.
// Limita a taxa de escrita de output para o client a bytesPerSec
// bytes/segundo; usado quando o client pede flow-control.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter cria um ThrottledWriter com a taxa máxima em bytes/segundo.
// Se bytesPerSec <= 0, retorna o writer original sem throttle (bypass).
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec, burst int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	if burst <= 0 {
		burst = bytesPerSec
	}
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(burst)),
		ctx:     ctx,
	}
}

// SetRate ajusta a taxa em resposta a um frame de flow-control.
func (tw *ThrottledWriter) SetRate(bytesPerSec int64) {
	tw.limiter.SetLimit(rate.Limit(bytesPerSec))
}

// Write implementa io.Writer com rate limiting.
// Divide escritas maiores que o burst em pedaços para consumir tokens gradualmente.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		// Limita cada pedaço ao burst size para evitar reservas enormes
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		// Espera tokens disponíveis (bloqueia respeitando o rate)
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}
