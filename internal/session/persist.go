// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/terminox/internal/compress"
)

// PersistedSession é o registro durável de uma sessão no snapshot do
// agent. Processos não sobrevivem a restart; o snapshot serve para o
// agent reportar as sessões que existiam e detectar shutdown sujo.
type PersistedSession struct {
	ID           string    `json:"id"`
	WireID       int32     `json:"wireId"`
	Shell        string    `json:"shell"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Cols         uint16    `json:"cols"`
	Rows         uint16    `json:"rows"`
	BytesOutput  int64     `json:"bytesOutput"`
	ChunksOutput int64     `json:"chunksOutput"`
}

// AgentStateSnapshot é o snapshot completo persistido em disco.
type AgentStateSnapshot struct {
	AgentID       string             `json:"agentId"`
	SavedAt       time.Time          `json:"savedAt"`
	CleanShutdown bool               `json:"cleanShutdown"`
	Sessions      []PersistedSession `json:"sessions"`
}

// StateStore grava e carrega o snapshot de estado do agent. A escrita é
// atômica (temp + rename no mesmo diretório) e o payload passa pelo codec
// de blob configurado.
type StateStore struct {
	path  string
	codec string
}

// NewStateStore cria o store apontando para path. codec é um dos codecs
// de blob aceitos por ParseBlobCodec.
func NewStateStore(path string, codec string) *StateStore {
	return &StateStore{path: path, codec: codec}
}

// Save serializa e grava o snapshot.
func (s *StateStore) Save(snap *AgentStateSnapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling agent state: %w", err)
	}
	blob, err := compress.EncodeBlob(raw, s.codec)
	if err != nil {
		return fmt.Errorf("encoding agent state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".terminox-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Load lê o snapshot do disco. Retorna (nil, nil) quando o arquivo não
// existe ainda.
func (s *StateStore) Load() (*AgentStateSnapshot, error) {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	raw, err := compress.DecodeBlob(blob, s.codec)
	if err != nil {
		return nil, fmt.Errorf("decoding agent state: %w", err)
	}
	var snap AgentStateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling agent state: %w", err)
	}
	return &snap, nil
}

// SnapshotRegistry monta o AgentStateSnapshot a partir do registry.
func SnapshotRegistry(agentID string, r *Registry, clean bool) *AgentStateSnapshot {
	sessions := r.AllSessions()
	out := &AgentStateSnapshot{
		AgentID:       agentID,
		SavedAt:       time.Now(),
		CleanShutdown: clean,
		Sessions:      make([]PersistedSession, 0, len(sessions)),
	}
	for _, ms := range sessions {
		cols, rows := ms.Dimensions()
		bytesOut, chunksOut, _ := ms.Counters()
		out.Sessions = append(out.Sessions, PersistedSession{
			ID:           ms.ID,
			WireID:       ms.WireID,
			Shell:        ms.Shell,
			State:        ms.State().String(),
			CreatedAt:    ms.CreatedAt,
			LastActivity: ms.LastActivity(),
			Cols:         cols,
			Rows:         rows,
			BytesOutput:  bytesOut,
			ChunksOutput: chunksOut,
		})
	}
	return out
}
