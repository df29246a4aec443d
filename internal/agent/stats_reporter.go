// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nishisan-dev/terminox/internal/compress"
	"github.com/nishisan-dev/terminox/internal/server"
	"github.com/nishisan-dev/terminox/internal/session"
)

// sessionSnapshot captura o estado de uma sessão para o log estruturado.
type sessionSnapshot struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Shell        string `json:"shell"`
	Attached     int    `json:"attached"`
	BytesOutput  int64  `json:"bytes_output,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

// StatsReporter emite métricas periódicas do daemon no log.
type StatsReporter struct {
	handler    *server.Handler
	registry   *session.Registry
	compressor *compress.Compressor
	monitor    *SystemMonitor
	logger     *slog.Logger
	interval   time.Duration

	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// Últimos valores observados, para reportar delta por intervalo.
	lastIn  int64
	lastOut int64
}

// NewStatsReporter cria um StatsReporter que loga métricas no intervalo dado.
func NewStatsReporter(handler *server.Handler, registry *session.Registry, compressor *compress.Compressor, monitor *SystemMonitor, interval time.Duration, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		handler:    handler,
		registry:   registry,
		compressor: compressor,
		monitor:    monitor,
		logger:     logger,
		interval:   interval,
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	uptime := time.Since(sr.startTime).Seconds()

	in := sr.handler.TrafficIn.Load()
	out := sr.handler.TrafficOut.Load()
	deltaIn := in - sr.lastIn
	deltaOut := out - sr.lastOut
	sr.lastIn = in
	sr.lastOut = out

	sessions := sr.registry.AllSessions()
	snapshots := make([]sessionSnapshot, 0, len(sessions))
	for _, ms := range sessions {
		bytesOut, _, _ := ms.Counters()
		snapshots = append(snapshots, sessionSnapshot{
			ID:           ms.ID,
			State:        ms.State().String(),
			Shell:        ms.Shell,
			Attached:     ms.AttachedClients(),
			BytesOutput:  bytesOut,
			LastActivity: ms.LastActivity().Format(time.RFC3339),
		})
	}

	// Serializa sessões como JSON para log estruturado
	sessionsJSON, _ := json.Marshal(snapshots)

	attrs := []any{
		"uptime_seconds", int64(uptime),
		"connections", sr.handler.Connections(),
		"sessions_live", sr.registry.LiveCount(),
		"traffic_in_bytes", deltaIn,
		"traffic_out_bytes", deltaOut,
	}

	if sr.compressor != nil {
		attrs = append(attrs,
			"link_speed_class", sr.compressor.SpeedClass().String(),
			"compression_level", sr.compressor.Level(),
		)
	}

	busy := false
	if sr.monitor != nil {
		sys := sr.monitor.Stats()
		busy = sys.Busy
		attrs = append(attrs,
			"cpu_percent", sys.CPUPercent,
			"mem_percent", sys.MemoryPercent,
			"state_disk_percent", sys.StateDiskPercent,
			"load1", sys.LoadAverage,
		)
	}

	attrs = append(attrs, "sessions", json.RawMessage(sessionsJSON))

	if busy {
		sr.logger.Warn("daemon stats (host busy)", attrs...)
		return
	}
	sr.logger.Info("daemon stats", attrs...)
}
