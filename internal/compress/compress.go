// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package compress implementa a compressão adaptativa de payloads de saída.
// O nível DEFLATE é escolhido a partir de uma estimativa de throughput do
// link (EMA): links rápidos recebem compressão leve, links lentos recebem
// compressão agressiva.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

// Limiares de classificação de velocidade do link em bytes/segundo.
const (
	fastThreshold = 1 << 20   // > 1 MiB/s
	slowThreshold = 100 << 10 // < 100 KiB/s
)

// emaAlpha é o fator de suavização da média móvel exponencial de throughput.
const emaAlpha = 0.3

// Categorias de velocidade do link.
type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedFast
	SpeedMedium
	SpeedSlow
)

func (s Speed) String() string {
	switch s {
	case SpeedFast:
		return "fast"
	case SpeedMedium:
		return "medium"
	case SpeedSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Policy parametriza o compressor.
type Policy struct {
	Enabled      bool
	DefaultLevel int
	FastLevel    int
	MediumLevel  int
	SlowLevel    int
	MinSize      int
	MinRatio     float64
}

// DefaultPolicy retorna a política default do agent.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:      true,
		DefaultLevel: flate.DefaultCompression,
		FastLevel:    1,
		MediumLevel:  5,
		SlowLevel:    9,
		MinSize:      256,
		MinRatio:     0.9,
	}
}

// Result é o resultado de uma tentativa de compressão.
type Result struct {
	Data            []byte
	Compressed      bool
	CompressionType byte
	Ratio           float64
}

// Compressor comprime payloads com DEFLATE em nível adaptativo.
// Thread-safe: Compress e RecordSample podem ser chamados de goroutines
// de sessões distintas.
type Compressor struct {
	policy Policy
	logger *slog.Logger

	mu             sync.Mutex
	emaBytesPerSec float64
}

// NewCompressor cria um Compressor com a política dada.
func NewCompressor(policy Policy, logger *slog.Logger) *Compressor {
	if policy.MinRatio <= 0 {
		policy.MinRatio = 0.9
	}
	if policy.MinSize <= 0 {
		policy.MinSize = 256
	}
	return &Compressor{
		policy: policy,
		logger: logger.With("component", "compressor"),
	}
}

// Compress tenta comprimir data com DEFLATE no nível corrente.
// Pula a compressão quando desabilitada ou len(data) < MinSize, e descarta
// o resultado quando a razão comprimido/original >= MinRatio — nesses casos
// devolve o input intacto com Compressed=false e Ratio=1.0.
func (c *Compressor) Compress(data []byte) (*Result, error) {
	if !c.policy.Enabled || len(data) < c.policy.MinSize {
		return &Result{Data: data, Compressed: false, CompressionType: protocol.CompressionNone, Ratio: 1.0}, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, c.Level())
	if err != nil {
		return nil, fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flushing deflate stream: %w", err)
	}

	ratio := float64(buf.Len()) / float64(len(data))
	if ratio >= c.policy.MinRatio {
		// Não compensa: dados incompressíveis (binários, já comprimidos).
		return &Result{Data: data, Compressed: false, CompressionType: protocol.CompressionNone, Ratio: 1.0}, nil
	}

	return &Result{
		Data:            buf.Bytes(),
		Compressed:      true,
		CompressionType: protocol.CompressionDeflate,
		Ratio:           ratio,
	}, nil
}

// Decompress reverte a compressão conforme o compressionType do metadado.
// Tipos desconhecidos (incluindo os reservados ZSTD/LZ4) geram warning e
// devolvem o input inalterado.
func (c *Compressor) Decompress(data []byte, compressionType byte) ([]byte, error) {
	switch compressionType {
	case protocol.CompressionNone:
		return data, nil
	case protocol.CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing deflate payload: %w", err)
		}
		return out, nil
	default:
		c.logger.Warn("unknown compression type, returning payload as-is", "type", compressionType)
		return data, nil
	}
}

// RecordSample alimenta a EMA de throughput com uma medição de entrega.
// Medições com duração zero ou negativa são ignoradas.
func (c *Compressor) RecordSample(bytes int, seconds float64) {
	if bytes <= 0 || seconds <= 0 {
		return
	}
	sample := float64(bytes) / seconds

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emaBytesPerSec == 0 {
		c.emaBytesPerSec = sample
		return
	}
	c.emaBytesPerSec = emaAlpha*sample + (1-emaAlpha)*c.emaBytesPerSec
}

// Throughput retorna a estimativa corrente em bytes/segundo (0 se nunca medido).
func (c *Compressor) Throughput() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emaBytesPerSec
}

// SpeedClass classifica o link pela EMA corrente.
func (c *Compressor) SpeedClass() Speed {
	tput := c.Throughput()
	switch {
	case tput == 0:
		return SpeedUnknown
	case tput > fastThreshold:
		return SpeedFast
	case tput < slowThreshold:
		return SpeedSlow
	default:
		return SpeedMedium
	}
}

// Level retorna o nível DEFLATE a usar para o estado corrente do link.
func (c *Compressor) Level() int {
	var level int
	switch c.SpeedClass() {
	case SpeedFast:
		level = c.policy.FastLevel
	case SpeedMedium:
		level = c.policy.MediumLevel
	case SpeedSlow:
		level = c.policy.SlowLevel
	default:
		level = c.policy.DefaultLevel
	}
	// flate aceita -1 (default) e 0..9.
	if level < flate.DefaultCompression || level > flate.BestCompression {
		level = int(math.Min(math.Max(float64(level), flate.DefaultCompression), flate.BestCompression))
	}
	return level
}
