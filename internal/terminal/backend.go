// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package terminal

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Backend abstrai a criação de processos de terminal. O core nunca
// referencia um backend específico fora da ordenação de preferência;
// adapters de multiplexadores externos (tmux/screen) implementam a mesma
// interface e entram no registry sob seu kind.
type Backend interface {
	Kind() string
	Capabilities() []string
	Create(cfg Config, logger *slog.Logger, onTerminated func(exitCode int)) (Process, error)
}

// BackendRegistry mapeia kind → Backend. Singleton de processo, criado no
// bootstrap do daemon e passado explicitamente (sem estado ambiente).
type BackendRegistry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

// NewBackendRegistry cria um registry vazio.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{backends: make(map[string]Backend)}
}

// Register adiciona um backend. Kind duplicado é erro de bootstrap.
func (r *BackendRegistry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := b.Kind()
	if _, exists := r.backends[kind]; exists {
		return fmt.Errorf("terminal: backend %q already registered", kind)
	}
	r.backends[kind] = b
	r.order = append(r.order, kind)
	return nil
}

// Get retorna o backend para o kind, ou o preferido (primeiro registrado)
// quando kind é vazio.
func (r *BackendRegistry) Get(kind string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kind == "" {
		if len(r.order) == 0 {
			return nil, fmt.Errorf("terminal: no backends registered")
		}
		return r.backends[r.order[0]], nil
	}
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("terminal: unknown backend %q", kind)
	}
	return b, nil
}

// Kinds retorna os kinds registrados em ordem alfabética.
func (r *BackendRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, len(r.order))
	copy(kinds, r.order)
	sort.Strings(kinds)
	return kinds
}

// PTYBackend é o backend nativo: spawn direto em pseudo-terminal.
type PTYBackend struct{}

// Kind do backend nativo.
const KindPTY = "pty"

func (PTYBackend) Kind() string { return KindPTY }

func (PTYBackend) Capabilities() []string {
	return []string{"pty", "reconnect"}
}

func (PTYBackend) Create(cfg Config, logger *slog.Logger, onTerminated func(exitCode int)) (Process, error) {
	return Start(cfg, logger, onTerminated)
}
