// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bytes"
	"errors"
	"testing"
)

func TestRingBuffer_MonotonicSequence(t *testing.T) {
	rb := NewRingBuffer(0, 0)

	var last uint64
	for i := 0; i < 100; i++ {
		seq, err := rb.Write([]byte("x"), false)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if seq <= last {
			t.Fatalf("sequence not strictly increasing: got %d after %d", seq, last)
		}
		last = seq
	}
	if rb.CurrentSeq() != 100 {
		t.Errorf("expected current seq 100, got %d", rb.CurrentSeq())
	}
}

func TestRingBuffer_EvictionByBytes(t *testing.T) {
	// Cenário do replay com perda: cap de 64 bytes, chunks de 32 bytes.
	rb := NewRingBuffer(64, 100)

	seq1, _ := rb.Write(bytes.Repeat([]byte("A"), 32), false)
	seq2, _ := rb.Write(bytes.Repeat([]byte("B"), 32), false)
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected seq 1 and 2, got %d and %d", seq1, seq2)
	}
	if rb.TotalBytes() != 64 {
		t.Fatalf("expected 64 total bytes, got %d", rb.TotalBytes())
	}

	seq3, _ := rb.Write(bytes.Repeat([]byte("C"), 32), false)
	if seq3 != 3 {
		t.Fatalf("expected seq 3, got %d", seq3)
	}

	// seq=1 foi descartado; oldestSequence avançou para 2.
	if rb.OldestSeq() != 2 {
		t.Errorf("expected oldest seq 2, got %d", rb.OldestSeq())
	}
	if rb.TotalBytes() > 64 {
		t.Errorf("totalBytes %d exceeds cap 64", rb.TotalBytes())
	}

	chunks, lost := rb.ReadFrom(1)
	if !lost {
		t.Error("expected lost=true when reading from evicted sequence")
	}
	if len(chunks) != 2 || chunks[0].Seq != 2 || chunks[1].Seq != 3 {
		t.Fatalf("expected chunks [2, 3], got %d chunks", len(chunks))
	}
	if !bytes.Equal(chunks[0].Data, bytes.Repeat([]byte("B"), 32)) {
		t.Error("chunk 2 data mismatch")
	}
}

func TestRingBuffer_EvictionByChunkCount(t *testing.T) {
	rb := NewRingBuffer(1<<20, 5)

	for i := 0; i < 12; i++ {
		if _, err := rb.Write([]byte{byte(i)}, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if rb.ChunkCount() != 5 {
		t.Errorf("expected 5 chunks retained, got %d", rb.ChunkCount())
	}
	if rb.OldestSeq() != 8 {
		t.Errorf("expected oldest seq 8, got %d", rb.OldestSeq())
	}
}

func TestRingBuffer_ReadFromExact(t *testing.T) {
	rb := NewRingBuffer(0, 0)
	for i := 0; i < 10; i++ {
		rb.Write([]byte{byte(i)}, false)
	}

	chunks, lost := rb.ReadFrom(7)
	if lost {
		t.Error("unexpected lost flag for available sequence")
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks from seq 7, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != uint64(7+i) {
			t.Errorf("chunk %d: expected seq %d, got %d", i, 7+i, c.Seq)
		}
	}
}

func TestRingBuffer_ReadRange(t *testing.T) {
	rb := NewRingBuffer(0, 0)
	for i := 0; i < 10; i++ {
		rb.Write([]byte{byte(i)}, false)
	}

	chunks := rb.ReadRange(3, 6)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks in [3,6], got %d", len(chunks))
	}
	if chunks[0].Seq != 3 || chunks[3].Seq != 6 {
		t.Errorf("range boundaries wrong: %d..%d", chunks[0].Seq, chunks[3].Seq)
	}
}

func TestRingBuffer_LatestBytes(t *testing.T) {
	rb := NewRingBuffer(0, 0)
	rb.Write([]byte("hello "), false)
	rb.Write([]byte("terminal "), false)
	rb.Write([]byte("world"), false)

	// Corta parcialmente o primeiro chunk incluído, preservando a ordem.
	got := rb.LatestBytes(10)
	want := []byte("inal world")
	if !bytes.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}

	// Pedido maior que o conteúdo devolve tudo.
	got = rb.LatestBytes(1 << 20)
	want = []byte("hello terminal world")
	if !bytes.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}

	if rb.LatestBytes(0) != nil {
		t.Error("expected nil for maxBytes=0")
	}
}

func TestRingBuffer_IsSequenceAvailable(t *testing.T) {
	rb := NewRingBuffer(64, 100)
	rb.Write(bytes.Repeat([]byte("A"), 32), false)
	rb.Write(bytes.Repeat([]byte("B"), 32), false)
	rb.Write(bytes.Repeat([]byte("C"), 32), false)

	if rb.IsSequenceAvailable(1) {
		t.Error("seq 1 should have been evicted")
	}
	if !rb.IsSequenceAvailable(2) || !rb.IsSequenceAvailable(3) {
		t.Error("seq 2 and 3 should be available")
	}
	if rb.IsSequenceAvailable(4) {
		t.Error("seq 4 was never written")
	}
}

func TestRingBuffer_DefensiveCopy(t *testing.T) {
	rb := NewRingBuffer(0, 0)
	data := []byte("original")
	rb.Write(data, false)
	copy(data, "mutated!")

	chunks, _ := rb.ReadFrom(1)
	if string(chunks[0].Data) != "original" {
		t.Errorf("buffer aliased caller slice: got %q", chunks[0].Data)
	}
}

func TestRingBuffer_Seal(t *testing.T) {
	rb := NewRingBuffer(0, 0)
	rb.Write([]byte("before"), false)
	rb.Seal()

	if _, err := rb.Write([]byte("after"), false); !errors.Is(err, ErrBufferSealed) {
		t.Fatalf("expected ErrBufferSealed, got %v", err)
	}

	// Conteúdo retido continua legível após o seal.
	chunks, lost := rb.ReadFrom(1)
	if lost || len(chunks) != 1 || string(chunks[0].Data) != "before" {
		t.Errorf("sealed buffer should still serve retained chunks")
	}
}

func TestRingBuffer_BoundsHoldUnderLoad(t *testing.T) {
	rb := NewRingBuffer(4096, 64)

	for i := 0; i < 1000; i++ {
		size := (i % 200) + 1
		rb.Write(bytes.Repeat([]byte{byte(i)}, size), false)
		if rb.TotalBytes() > 4096 {
			t.Fatalf("write %d: totalBytes %d exceeds cap", i, rb.TotalBytes())
		}
		if rb.ChunkCount() > 64 {
			t.Fatalf("write %d: chunkCount %d exceeds cap", i, rb.ChunkCount())
		}
	}
}
