// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session implementa o plano de sessões do agent: ring buffer de
// saída com sequence numbers, registry autoritativo de sessões e o
// gerenciador de reconexão.
package session

import (
	"errors"
	"sync"
	"time"
)

// Erros do RingBuffer.
var (
	ErrBufferSealed   = errors.New("ringbuffer: sealed")
	ErrSeqUnavailable = errors.New("ringbuffer: sequence no longer in buffer")
)

// Defaults do ring buffer por sessão.
const (
	DefaultMaxBufferBytes = 1 << 20 // 1 MiB
	DefaultMaxChunks      = 10000
)

// Chunk é uma unidade de saída do PTY com sequence number monotônico.
type Chunk struct {
	Seq         uint64
	Data        []byte
	Compressed  bool
	TimestampMs uint64
}

// RingBuffer retém os chunks de saída mais recentes de uma sessão para
// replay em reconexão. FIFO: quando o total de bytes ou a contagem de
// chunks excede o limite, os chunks mais antigos são descartados e
// oldestSeq avança. Sequence numbers começam em 1 e nunca se repetem.
type RingBuffer struct {
	mu         sync.Mutex
	chunks     []Chunk
	nextSeq    uint64
	oldestSeq  uint64
	totalBytes int64
	maxBytes   int64
	maxChunks  int
	sealed     bool
}

// NewRingBuffer cria um ring buffer com os limites especificados.
// Valores <= 0 aplicam os defaults.
func NewRingBuffer(maxBytes int64, maxChunks int) *RingBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &RingBuffer{
		nextSeq:   1,
		oldestSeq: 1,
		maxBytes:  maxBytes,
		maxChunks: maxChunks,
	}
}

// Write anexa um chunk e retorna o sequence number atribuído.
// Faz cópia defensiva de data: o caller pode reutilizar o slice.
// Retorna ErrBufferSealed após Seal() (sessão terminada).
func (rb *RingBuffer) Write(data []byte, compressed bool) (uint64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.sealed {
		return 0, ErrBufferSealed
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	seq := rb.nextSeq
	rb.nextSeq++

	rb.chunks = append(rb.chunks, Chunk{
		Seq:         seq,
		Data:        owned,
		Compressed:  compressed,
		TimestampMs: uint64(time.Now().UnixMilli()),
	})
	rb.totalBytes += int64(len(owned))

	rb.evictLocked()

	return seq, nil
}

// evictLocked descarta chunks antigos até respeitar os limites.
// Deve ser chamada com rb.mu held.
func (rb *RingBuffer) evictLocked() {
	for len(rb.chunks) > 0 && (rb.totalBytes > rb.maxBytes || len(rb.chunks) > rb.maxChunks) {
		evicted := rb.chunks[0]
		rb.chunks = rb.chunks[1:]
		rb.totalBytes -= int64(len(evicted.Data))
		rb.oldestSeq = evicted.Seq + 1
	}
}

// ReadFrom retorna todos os chunks com sequence >= seq, em ordem.
// Se seq é anterior ao chunk mais antigo ainda retido, o início é clampado
// e lost = true informa o caller que houve gap de sequence.
func (rb *RingBuffer) ReadFrom(seq uint64) (chunks []Chunk, lost bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if seq < rb.oldestSeq {
		lost = true
		seq = rb.oldestSeq
	}

	for _, c := range rb.chunks {
		if c.Seq >= seq {
			chunks = append(chunks, c)
		}
	}
	return chunks, lost
}

// ReadRange retorna os chunks com from <= sequence <= to (inclusivo).
func (rb *RingBuffer) ReadRange(from, to uint64) []Chunk {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var out []Chunk
	for _, c := range rb.chunks {
		if c.Seq >= from && c.Seq <= to {
			out = append(out, c)
		}
	}
	return out
}

// LatestBytes retorna os últimos maxBytes bytes através dos chunks, na
// ordem original (mais antigo → mais recente). Chunks parciais são
// cortados pela frente.
func (rb *RingBuffer) LatestBytes(maxBytes int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if maxBytes <= 0 || len(rb.chunks) == 0 {
		return nil
	}

	// Caminha de trás para frente acumulando até maxBytes.
	remaining := maxBytes
	start := len(rb.chunks)
	trim := 0
	for i := len(rb.chunks) - 1; i >= 0 && remaining > 0; i-- {
		n := len(rb.chunks[i].Data)
		start = i
		if n >= remaining {
			trim = n - remaining
			remaining = 0
			break
		}
		remaining -= n
	}

	var out []byte
	for i := start; i < len(rb.chunks); i++ {
		data := rb.chunks[i].Data
		if i == start {
			data = data[trim:]
		}
		out = append(out, data...)
	}
	return out
}

// IsSequenceAvailable informa se o chunk com o sequence dado ainda está retido.
func (rb *RingBuffer) IsSequenceAvailable(seq uint64) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return seq >= rb.oldestSeq && seq < rb.nextSeq
}

// OldestSeq retorna o sequence mais antigo ainda disponível.
func (rb *RingBuffer) OldestSeq() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.oldestSeq
}

// CurrentSeq retorna o último sequence atribuído (0 se nunca houve escrita).
func (rb *RingBuffer) CurrentSeq() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.nextSeq - 1
}

// TotalBytes retorna a soma dos bytes retidos.
func (rb *RingBuffer) TotalBytes() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.totalBytes
}

// ChunkCount retorna a quantidade de chunks retidos.
func (rb *RingBuffer) ChunkCount() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.chunks)
}

// Seal fecha o buffer para escrita. Chamado quando a sessão transiciona
// para TERMINATED; leituras continuam servindo o conteúdo retido.
func (rb *RingBuffer) Seal() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.sealed = true
}

// Sealed informa se o buffer já foi selado.
func (rb *RingBuffer) Sealed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.sealed
}
