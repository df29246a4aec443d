// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

// reconnectCleanupGrace é a folga além da janela de reconexão antes de um
// registro de queda órfão (sessão já varrida do registry) ser descartado.
const reconnectCleanupGrace = 30 * time.Second

// DisconnectedClient registra o ponto de leitura de um client no momento
// da queda da conexão, para resolver o replay na reconexão.
type DisconnectedClient struct {
	SessionID      string
	ConnectionID   string
	LastAckedSeq   uint64
	DisconnectedAt time.Time
}

// ReplayResult é o material de reanexação: os chunks a reenviar, a flag
// de perda e o último snapshot de estado conhecido (se houver).
type ReplayResult struct {
	Session  *ManagedSession
	Chunks   []Chunk
	DataLost bool
	Snapshot *protocol.StateSnapshot
}

// ReconnectionManager cuida do ciclo desconexão → replay: guarda o último
// seq confirmado por sessão e o cache de snapshots de estado do terminal
// reportados pelos clients.
type ReconnectionManager struct {
	registry *Registry
	logger   *slog.Logger

	mu           sync.Mutex
	disconnected map[string]DisconnectedClient     // sessionID → último ponto de leitura
	snapshots    map[string]protocol.StateSnapshot // sessionID → snapshot (cópia por valor)

	now func() time.Time
}

// NewReconnectionManager cria o manager acoplado ao registry.
func NewReconnectionManager(registry *Registry, logger *slog.Logger) *ReconnectionManager {
	return &ReconnectionManager{
		registry:     registry,
		logger:       logger.With("component", "reconnection"),
		disconnected: make(map[string]DisconnectedClient),
		snapshots:    make(map[string]protocol.StateSnapshot),
		now:          time.Now,
	}
}

// RecordDisconnection registra a queda da conexão para uma sessão e a
// transiciona para DETACHED no registry. Registros além da janela de
// reconexão mais a folga são descartados na mesma passada.
func (rm *ReconnectionManager) RecordDisconnection(sessionID, connectionID string, lastAckedSeq uint64) {
	now := rm.now()
	rm.mu.Lock()
	rm.pruneLocked(now)
	rm.disconnected[sessionID] = DisconnectedClient{
		SessionID:      sessionID,
		ConnectionID:   connectionID,
		LastAckedSeq:   lastAckedSeq,
		DisconnectedAt: now,
	}
	rm.mu.Unlock()

	if err := rm.registry.MarkDisconnected(sessionID); err != nil {
		rm.logger.Warn("could not detach session on disconnect", "session", sessionID, "error", err)
		return
	}
	rm.logger.Info("client disconnected, session detached",
		"session", sessionID, "last_acked_seq", lastAckedSeq)
}

// AttemptReconnection reanexa a sessão à nova conexão e resolve o replay.
// replayFrom = lastSeq+1; quando o client pede replayFrom 0 (nunca viu
// output) ou o registro de queda existe, o maior dos dois lastSeq vence.
// DataLost é true sse o ponto pedido já saiu do ring.
func (rm *ReconnectionManager) AttemptReconnection(sessionID, newConnectionID string, clientLastSeq uint64) (*ReplayResult, error) {
	rm.mu.Lock()
	rec, hasRecord := rm.disconnected[sessionID]
	snap, hasSnap := rm.snapshots[sessionID]
	rm.mu.Unlock()

	lastSeq := clientLastSeq
	if hasRecord && rec.LastAckedSeq > lastSeq {
		lastSeq = rec.LastAckedSeq
	}

	ms, err := rm.registry.ReconnectSession(sessionID, newConnectionID)
	if err != nil {
		if errors.Is(err, ErrWindowExpired) {
			rm.clearLocked(sessionID)
		}
		return nil, err
	}

	rm.mu.Lock()
	delete(rm.disconnected, sessionID)
	rm.mu.Unlock()

	chunks, lost := ms.Ring.ReadFrom(lastSeq + 1)
	result := &ReplayResult{Session: ms, Chunks: chunks, DataLost: lost}
	if hasSnap {
		snapCopy := snap
		snapCopy.Screen = append([]byte(nil), snap.Screen...)
		result.Snapshot = &snapCopy
	}

	rm.logger.Info("session reattached",
		"session", sessionID,
		"replay_from", lastSeq+1,
		"replay_chunks", len(chunks),
		"data_lost", lost,
	)
	return result, nil
}

// UpdateStateSnapshot guarda o snapshot reportado pelo client. A cópia é
// por valor; o caller pode reusar o buffer de Screen.
func (rm *ReconnectionManager) UpdateStateSnapshot(sessionID string, snap *protocol.StateSnapshot) {
	stored := *snap
	stored.Screen = append([]byte(nil), snap.Screen...)

	rm.mu.Lock()
	rm.snapshots[sessionID] = stored
	rm.mu.Unlock()
}

// GetStateSnapshot retorna uma cópia do snapshot cacheado, se existir.
func (rm *ReconnectionManager) GetStateSnapshot(sessionID string) (*protocol.StateSnapshot, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	snap, ok := rm.snapshots[sessionID]
	if !ok {
		return nil, false
	}
	out := snap
	out.Screen = append([]byte(nil), snap.Screen...)
	return &out, true
}

// ClearSessionState descarta o registro de queda e o snapshot de uma
// sessão terminada.
func (rm *ReconnectionManager) ClearSessionState(sessionID string) {
	rm.clearLocked(sessionID)
}

func (rm *ReconnectionManager) clearLocked(sessionID string) {
	rm.mu.Lock()
	delete(rm.disconnected, sessionID)
	delete(rm.snapshots, sessionID)
	rm.mu.Unlock()
}

// pruneLocked descarta registros e snapshots cuja queda passou da janela de
// reconexão mais a folga de limpeza. Chamar com rm.mu held.
func (rm *ReconnectionManager) pruneLocked(now time.Time) {
	window := rm.registry.limits.ReconnectionWindow
	if window <= 0 {
		return
	}
	cutoff := now.Add(-(window + reconnectCleanupGrace))
	for id, rec := range rm.disconnected {
		if rec.DisconnectedAt.Before(cutoff) {
			delete(rm.disconnected, id)
			delete(rm.snapshots, id)
		}
	}
}

// DetachedSessions lista os registros de queda correntes (diagnóstico).
func (rm *ReconnectionManager) DetachedSessions() []DisconnectedClient {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]DisconnectedClient, 0, len(rm.disconnected))
	for _, rec := range rm.disconnected {
		out = append(out, rec)
	}
	return out
}
