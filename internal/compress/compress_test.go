// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package compress

import (
	"bytes"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompressor_SkipBelowMinSize(t *testing.T) {
	c := NewCompressor(DefaultPolicy(), testLogger())

	data := make([]byte, 100)
	rand.Read(data)

	res, err := c.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Compressed {
		t.Error("expected compressed=false below minSize")
	}
	if res.CompressionType != protocol.CompressionNone {
		t.Errorf("expected compressionType NONE, got %d", res.CompressionType)
	}
	if res.Ratio != 1.0 {
		t.Errorf("expected ratio 1.0, got %f", res.Ratio)
	}
	if !bytes.Equal(res.Data, data) {
		t.Error("skipped compression must return input unchanged")
	}
}

func TestCompressor_IncompressibleDataPassesThrough(t *testing.T) {
	c := NewCompressor(DefaultPolicy(), testLogger())

	data := make([]byte, 1<<20)
	rand.Read(data)

	res, err := c.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Compressed {
		t.Error("random data should not be flagged compressed (ratio >= minRatio)")
	}
	if !bytes.Equal(res.Data, data) {
		t.Error("incompressible payload must be returned unchanged")
	}
}

func TestCompressor_RoundTrip(t *testing.T) {
	c := NewCompressor(DefaultPolicy(), testLogger())

	data := bytes.Repeat([]byte("terminal output line with repetition\n"), 200)

	res, err := c.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !res.Compressed {
		t.Fatal("expected compressible data to be compressed")
	}
	if res.CompressionType != protocol.CompressionDeflate {
		t.Fatalf("expected DEFLATE, got %d", res.CompressionType)
	}
	if res.Ratio >= 0.9 {
		t.Errorf("expected ratio < 0.9, got %f", res.Ratio)
	}

	out, err := c.Decompress(res.Data, res.CompressionType)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("decompress(compress(D)) != D")
	}
}

func TestCompressor_UnknownTypePassesThrough(t *testing.T) {
	c := NewCompressor(DefaultPolicy(), testLogger())

	data := []byte("opaque")
	out, err := c.Decompress(data, protocol.CompressionLZ4)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("unknown compression type must return input unchanged")
	}
}

func TestCompressor_AdaptiveLevel(t *testing.T) {
	c := NewCompressor(DefaultPolicy(), testLogger())

	if c.SpeedClass() != SpeedUnknown {
		t.Fatalf("expected unknown speed before samples, got %v", c.SpeedClass())
	}

	// Link rápido: 10 MiB em 1 s.
	c.RecordSample(10<<20, 1.0)
	if c.SpeedClass() != SpeedFast {
		t.Errorf("expected fast link, got %v (tput %.0f)", c.SpeedClass(), c.Throughput())
	}
	if c.Level() != 1 {
		t.Errorf("expected fast level 1, got %d", c.Level())
	}

	// Degradação: amostras de 10 KiB/s puxam a EMA para slow.
	for i := 0; i < 50; i++ {
		c.RecordSample(10<<10, 1.0)
	}
	if c.SpeedClass() != SpeedSlow {
		t.Errorf("expected slow link after degradation, got %v (tput %.0f)", c.SpeedClass(), c.Throughput())
	}
	if c.Level() != 9 {
		t.Errorf("expected slow level 9, got %d", c.Level())
	}
}

func TestCompressor_EMASmoothing(t *testing.T) {
	c := NewCompressor(DefaultPolicy(), testLogger())

	c.RecordSample(1000, 1.0)
	c.RecordSample(2000, 1.0)

	// EMA: 0.3*2000 + 0.7*1000 = 1300.
	got := c.Throughput()
	if got < 1299 || got > 1301 {
		t.Errorf("expected EMA ~1300, got %f", got)
	}

	// Amostras inválidas são ignoradas.
	c.RecordSample(0, 1.0)
	c.RecordSample(100, 0)
	if c.Throughput() != got {
		t.Error("invalid samples must not move the EMA")
	}
}

func TestCompressor_Disabled(t *testing.T) {
	policy := DefaultPolicy()
	policy.Enabled = false
	c := NewCompressor(policy, testLogger())

	data := bytes.Repeat([]byte("compressible "), 1000)
	res, err := c.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Compressed {
		t.Error("disabled compressor must not compress")
	}
}

func TestBlobCodec_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("agent state snapshot "), 500)

	for _, codec := range []string{BlobCodecNone, BlobCodecGzip, BlobCodecZstd} {
		t.Run(codec, func(t *testing.T) {
			enc, err := EncodeBlob(data, codec)
			if err != nil {
				t.Fatalf("EncodeBlob: %v", err)
			}
			dec, err := DecodeBlob(enc, codec)
			if err != nil {
				t.Fatalf("DecodeBlob: %v", err)
			}
			if !bytes.Equal(dec, data) {
				t.Error("blob round-trip mismatch")
			}
		})
	}
}

func TestParseBlobCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", BlobCodecGzip, false},
		{"gzip", BlobCodecGzip, false},
		{"ZSTD", BlobCodecZstd, false},
		{" none ", BlobCodecNone, false},
		{"lz4", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBlobCodec(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseBlobCodec(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseBlobCodec(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
