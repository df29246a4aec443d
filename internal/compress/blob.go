// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package compress

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Codecs suportados para blobs de persistência (snapshot de estado do agent).
const (
	BlobCodecNone = "none"
	BlobCodecGzip = "gzip"
	BlobCodecZstd = "zstd"
)

// ParseBlobCodec valida o nome de um codec de blob. String vazia usa gzip.
func ParseBlobCodec(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return BlobCodecGzip, nil
	case BlobCodecNone:
		return BlobCodecNone, nil
	case BlobCodecGzip:
		return BlobCodecGzip, nil
	case BlobCodecZstd:
		return BlobCodecZstd, nil
	default:
		return "", fmt.Errorf("unknown blob codec %q (valid: none, gzip, zstd)", name)
	}
}

// EncodeBlob comprime um blob de persistência com o codec selecionado.
// O formato não precisa ser estável entre versões; o codec em uso é
// registrado no snapshot junto com o blob.
func EncodeBlob(data []byte, codec string) ([]byte, error) {
	switch codec {
	case BlobCodecNone:
		return data, nil
	case BlobCodecZstd:
		w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil
	case BlobCodecGzip:
		var buf bytes.Buffer
		gw, err := pgzip.NewWriterLevel(&buf, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gw.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		if _, err := gw.Write(data); err != nil {
			gw.Close()
			return nil, fmt.Errorf("compressing blob: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("flushing gzip stream: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown blob codec %q", codec)
	}
}

// DecodeBlob reverte EncodeBlob.
func DecodeBlob(data []byte, codec string) ([]byte, error) {
	switch codec {
	case BlobCodecNone:
		return data, nil
	case BlobCodecZstd:
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer r.Close()
		out, err := r.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing zstd blob: %w", err)
		}
		return out, nil
	case BlobCodecGzip:
		gr, err := pgzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip blob: %w", err)
		}
		defer gr.Close()
		out, err := io.ReadAll(gr)
		if err != nil {
			return nil, fmt.Errorf("decompressing gzip blob: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob codec %q", codec)
	}
}
