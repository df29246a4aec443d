// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"time"

	"github.com/nishisan-dev/terminox/internal/pairing"
	"github.com/nishisan-dev/terminox/internal/protocol"
	"github.com/nishisan-dev/terminox/internal/session"
)

// EventEntry representa um evento operacional no ring buffer.
type EventEntry struct {
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`    // info | warn | error
	Category  string            `json:"category"` // session | pairing | auth | conn | sys
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// SessionSummary é usado na lista de GET /api/v1/sessions.
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	WireID          int32  `json:"wire_id"`
	State           string `json:"state"`
	Backend         string `json:"backend"`
	Shell           string `json:"shell"`
	Cols            uint16 `json:"cols"`
	Rows            uint16 `json:"rows"`
	CreatedAt       string `json:"created_at"`
	LastActivity    string `json:"last_activity"`
	AttachedClients int    `json:"attached_clients"`
	BytesOutput     int64  `json:"bytes_output"`
	ChunksOutput    int64  `json:"chunks_output"`
	ScrollbackLines uint32 `json:"scrollback_lines"`
}

// NewSessionSummary monta o resumo a partir de uma sessão viva.
func NewSessionSummary(ms *session.ManagedSession) SessionSummary {
	cols, rows := ms.Dimensions()
	bytesOut, chunksOut, lines := ms.Counters()
	return SessionSummary{
		SessionID:       ms.ID,
		WireID:          ms.WireID,
		State:           ms.State().String(),
		Backend:         ms.BackendKind,
		Shell:           ms.Shell,
		Cols:            cols,
		Rows:            rows,
		CreatedAt:       ms.CreatedAt.Format(time.RFC3339),
		LastActivity:    ms.LastActivity().Format(time.RFC3339),
		AttachedClients: ms.AttachedClients(),
		BytesOutput:     bytesOut,
		ChunksOutput:    chunksOut,
		ScrollbackLines: lines,
	}
}

// SessionHistoryEntry é uma sessão finalizada, persistida no histórico JSONL.
type SessionHistoryEntry struct {
	SessionID    string `json:"session_id"`
	Shell        string `json:"shell"`
	CreatedAt    string `json:"created_at"`
	EndedAt      string `json:"ended_at"`
	DurationS    int64  `json:"duration_s"`
	ExitCode     int    `json:"exit_code"`
	Reason       string `json:"reason"`
	BytesOutput  int64  `json:"bytes_output"`
	ChunksOutput int64  `json:"chunks_output"`
}

// NewSessionHistoryEntry converte o resumo emitido pelo registry.
func NewSessionHistoryEntry(rec session.ClosedRecord) SessionHistoryEntry {
	return SessionHistoryEntry{
		SessionID:    rec.SessionID,
		Shell:        rec.Shell,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
		EndedAt:      rec.EndedAt.Format(time.RFC3339),
		DurationS:    int64(rec.EndedAt.Sub(rec.CreatedAt).Seconds()),
		ExitCode:     rec.ExitCode,
		Reason:       rec.Reason,
		BytesOutput:  rec.BytesOutput,
		ChunksOutput: rec.ChunksOutput,
	}
}

// DeviceSummary é usado na lista de GET /api/v1/devices.
type DeviceSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PairedAt    string `json:"paired_at"`
	LastSeen    string `json:"last_seen"`
	Status      string `json:"status"`
	Revoked     bool   `json:"revoked"`
}

// NewDeviceSummary converte um Device do store.
func NewDeviceSummary(d pairing.Device) DeviceSummary {
	return DeviceSummary{
		ID:          d.ID,
		Name:        d.Name,
		Fingerprint: d.Fingerprint,
		PairedAt:    d.PairedAt.Format(time.RFC3339),
		LastSeen:    d.LastSeen.Format(time.RFC3339),
		Status:      string(d.Status),
		Revoked:     d.Revoked(),
	}
}

// PairingStatus é o estado corrente de uma sessão de pairing.
type PairingStatus struct {
	PairingID         string `json:"pairing_id"`
	State             string `json:"state"`
	DeviceID          string `json:"device_id,omitempty"`
	DeviceName        string `json:"device_name,omitempty"`
	AgentFingerprint  string `json:"agent_fingerprint,omitempty"`
	MobileFingerprint string `json:"mobile_fingerprint,omitempty"`
	// Code só aparece enquanto o pairing aguarda confirmação do usuário:
	// deve bater com o código exibido no dispositivo.
	Code      string `json:"code,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

// NewPairingStatus monta o status de uma sessão de pairing; code é vazio
// quando o estado não permite exibi-lo.
func NewPairingStatus(s *pairing.Session, code string) PairingStatus {
	return PairingStatus{
		PairingID:         s.ID,
		State:             pairingStateString(s.State),
		DeviceID:          s.DeviceID,
		DeviceName:        s.DeviceName,
		AgentFingerprint:  s.AgentFingerprint,
		MobileFingerprint: s.MobileFingerprint,
		Code:              code,
		ExpiresAt:         s.ExpiresAt.Format(time.RFC3339),
	}
}

func pairingStateString(state byte) string {
	switch state {
	case protocol.PairingStateAwaitingKey:
		return "awaiting_key"
	case protocol.PairingStateAwaitingVerification:
		return "awaiting_verification"
	case protocol.PairingStateCompleted:
		return "completed"
	case protocol.PairingStateCancelled:
		return "cancelled"
	case protocol.PairingStateExpired:
		return "expired"
	default:
		return "unknown"
	}
}
