// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

// maxMissedHeartbeats é o número de heartbeats sem ack antes de considerar
// a conexão morta.
const maxMissedHeartbeats = 3

// rttAlpha é o fator de suavização do EWMA de RTT.
const rttAlpha = 0.25

// heartbeatTracker gera os heartbeats de uma conexão e mede o RTT pelo
// eco dos acks. Thread-safe: o ticker escreve enquanto o read loop
// registra acks.
type heartbeatTracker struct {
	seq      atomic.Uint64
	rttNanos atomic.Int64

	mu          sync.Mutex
	outstanding map[uint64]time.Time
}

func newHeartbeatTracker() *heartbeatTracker {
	return &heartbeatTracker{outstanding: make(map[uint64]time.Time)}
}

// Next produz o próximo heartbeat a enviar e o registra como pendente.
func (t *heartbeatTracker) Next() *protocol.Heartbeat {
	seq := t.seq.Add(1)
	now := time.Now()

	t.mu.Lock()
	t.outstanding[seq] = now
	pending := len(t.outstanding)
	t.mu.Unlock()

	return &protocol.Heartbeat{
		Seq:         seq,
		TimestampMs: uint64(now.UnixMilli()),
		PendingAcks: uint32(pending),
	}
}

// ObserveAck registra o ack de um heartbeat nosso e atualiza o EWMA de RTT.
// Acks de seqs desconhecidos (duplicados, pós-reset) são ignorados.
func (t *heartbeatTracker) ObserveAck(ack *protocol.Heartbeat) {
	t.mu.Lock()
	sentAt, ok := t.outstanding[ack.Seq]
	if ok {
		delete(t.outstanding, ack.Seq)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	sample := time.Since(sentAt)
	if sample < 0 {
		sample = 0
	}
	t.updateRTT(sample)
}

// Missed retorna quantos heartbeats enviados ainda não foram respondidos.
func (t *heartbeatTracker) Missed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// RTT retorna o RTT médio via EWMA. Zero se nunca medido.
func (t *heartbeatTracker) RTT() time.Duration {
	return time.Duration(t.rttNanos.Load())
}

func (t *heartbeatTracker) updateRTT(sample time.Duration) {
	current := t.rttNanos.Load()
	if current == 0 {
		t.rttNanos.Store(int64(sample))
		return
	}
	next := rttAlpha*float64(sample) + (1-rttAlpha)*float64(current)
	t.rttNanos.Store(int64(math.Round(next)))
}
