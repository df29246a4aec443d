// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDeviceNotFound   = errors.New("pairing: device not found")
	ErrDeviceRevoked    = errors.New("pairing: device revoked")
	ErrDeviceNotTrusted = errors.New("pairing: device not trusted")
)

// DeviceStatus é o estado de confiança de um dispositivo persistido.
type DeviceStatus string

const (
	DeviceTrusted DeviceStatus = "trusted"
	DeviceRevoked DeviceStatus = "revoked"
	DeviceExpired DeviceStatus = "expired"
	DevicePending DeviceStatus = "pending"
)

// Device é um dispositivo emparelhado persistido no store.
type Device struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Fingerprint string       `json:"fingerprint"`
	PublicKey   string       `json:"publicKey"`
	PairedAt    time.Time    `json:"pairedAt"`
	LastSeen    time.Time    `json:"lastSeen"`
	Status      DeviceStatus `json:"status"`
	RevokedAt   *time.Time   `json:"revokedAt,omitempty"`
}

// Revoked responde se o dispositivo foi revogado.
func (d Device) Revoked() bool { return d.Status == DeviceRevoked }

type deviceFile struct {
	Version int      `json:"version"`
	Devices []Device `json:"devices"`
}

// Store persiste dispositivos confiáveis em JSON. Escritas serializam no
// mutex e regravam o arquivo atomicamente (temp + rename); leituras vão
// no snapshot em atomic.Value, sem lock.
type Store struct {
	path string

	mu       sync.Mutex
	snapshot atomic.Value // map[string]Device, imutável após publicado
}

// NewStore abre (ou cria) o store em path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	devices, err := s.loadFile()
	if err != nil {
		return nil, err
	}
	s.publish(devices)
	return s, nil
}

func (s *Store) loadFile() (map[string]Device, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Device{}, nil
		}
		return nil, fmt.Errorf("reading device store: %w", err)
	}
	var file deviceFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing device store: %w", err)
	}
	devices := make(map[string]Device, len(file.Devices))
	for _, d := range file.Devices {
		if d.Status == "" {
			d.Status = DeviceTrusted
		}
		devices[d.ID] = d
	}
	return devices, nil
}

func (s *Store) publish(devices map[string]Device) {
	s.snapshot.Store(devices)
}

func (s *Store) current() map[string]Device {
	return s.snapshot.Load().(map[string]Device)
}

// persistLocked grava o snapshot em disco. Chamar com s.mu held.
func (s *Store) persistLocked(devices map[string]Device) error {
	list := make([]Device, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PairedAt.Before(list[j].PairedAt) })

	raw, err := json.MarshalIndent(deviceFile{Version: 1, Devices: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling device store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".terminox-devices-*")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing device store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing device store: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod device store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing device store: %w", err)
	}
	return nil
}

// mutate aplica fn sobre uma cópia do snapshot, persiste e publica.
func (s *Store) mutate(fn func(map[string]Device) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current()
	next := make(map[string]Device, len(cur)+1)
	for id, d := range cur {
		next[id] = d
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.publish(next)
	return nil
}

// Add registra (ou re-registra) um dispositivo emparelhado.
func (s *Store) Add(device Device) error {
	return s.mutate(func(devices map[string]Device) error {
		devices[device.ID] = device
		return nil
	})
}

// Get retorna o dispositivo pelo id.
func (s *Store) Get(id string) (Device, error) {
	d, ok := s.current()[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

// GetByFingerprint retorna o dispositivo pela fingerprint da chave.
func (s *Store) GetByFingerprint(fingerprint string) (Device, error) {
	for _, d := range s.current() {
		if d.Fingerprint == fingerprint {
			return d, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}

// IsTrusted responde se o dispositivo existe e segue confiável.
func (s *Store) IsTrusted(id string) error {
	d, ok := s.current()[id]
	if !ok {
		return ErrDeviceNotFound
	}
	switch d.Status {
	case DeviceTrusted:
		return nil
	case DeviceRevoked:
		return ErrDeviceRevoked
	default:
		return fmt.Errorf("%w: status %q", ErrDeviceNotTrusted, d.Status)
	}
}

// List retorna os dispositivos ordenados por data de pairing.
func (s *Store) List() []Device {
	cur := s.current()
	out := make([]Device, 0, len(cur))
	for _, d := range cur {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt.Before(out[j].PairedAt) })
	return out
}

// Revoke marca o dispositivo como revogado (soft delete: o registro fica
// para auditoria, a confiança acaba).
func (s *Store) Revoke(id string) error {
	return s.mutate(func(devices map[string]Device) error {
		d, ok := devices[id]
		if !ok {
			return ErrDeviceNotFound
		}
		if d.Status == DeviceRevoked {
			return nil
		}
		now := time.Now()
		d.Status = DeviceRevoked
		d.RevokedAt = &now
		devices[id] = d
		return nil
	})
}

// Touch atualiza o last-seen do dispositivo.
func (s *Store) Touch(id string) error {
	return s.mutate(func(devices map[string]Device) error {
		d, ok := devices[id]
		if !ok {
			return ErrDeviceNotFound
		}
		d.LastSeen = time.Now()
		devices[id] = d
		return nil
	})
}
