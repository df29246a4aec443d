// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package terminal

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Limites default para env customizado vindo do client.
const (
	MaxEnvKeyLen          = 256
	MaxEnvValueLen        = 4096
	DefaultMaxEnvVars     = 100
	DefaultMaxEnvSizeBytes = 32 << 10 // 32 KiB
)

// baselineBlacklist são nomes sempre removidos do ambiente herdado,
// independente de configuração: vetores clássicos de injeção de código
// via loader/allocator.
var baselineBlacklist = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH",
	"LD_AUDIT",
	"LD_DEBUG",
	"LD_DEBUG_OUTPUT",
	"LD_PROFILE",
	"LD_SHOW_AUXV",
	"MALLOC_TRACE",
}

// EnvPolicy parametriza a sanitização de ambiente das sessões.
type EnvPolicy struct {
	// Whitelist não vazia muda o modo: começa do ambiente vazio e copia
	// apenas os nomes listados do ambiente do sistema.
	Whitelist []string
	// Blacklist adicional à baseline (modo blacklist apenas).
	Blacklist []string
	// Limites para env customizado do client. Zero aplica os defaults.
	MaxEnvVars      int
	MaxEnvSizeBytes int
}

// BuildEnv monta o ambiente final de uma sessão: herda do sistema conforme
// a política, aplica os overrides fixos do terminal e valida/mescla as
// entradas customizadas do client.
func BuildEnv(custom map[string]string, policy EnvPolicy) ([]string, error) {
	if err := validateCustomEnv(custom, policy); err != nil {
		return nil, err
	}

	env := make(map[string]string)

	if len(policy.Whitelist) > 0 {
		// Modo whitelist: começa vazio, copia só o que foi listado.
		for _, name := range policy.Whitelist {
			if value, ok := os.LookupEnv(name); ok {
				env[name] = value
			}
		}
	} else {
		// Modo blacklist: copia tudo, remove baseline + configurado.
		for _, kv := range os.Environ() {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			env[key] = value
		}
		for _, name := range baselineBlacklist {
			delete(env, name)
		}
		for _, name := range policy.Blacklist {
			delete(env, name)
		}
	}

	// Identidade de terminal sempre forçada; LANG só quando ausente.
	env["TERM"] = "xterm-256color"
	env["COLORTERM"] = "truecolor"
	if _, ok := env["LANG"]; !ok {
		env["LANG"] = "en_US.UTF-8"
	}

	for key, value := range custom {
		env[key] = value
	}

	// Ordem determinística facilita logs e testes.
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out, nil
}

// validateCustomEnv aplica os limites de tamanho e contagem às entradas
// customizadas vindas do client.
func validateCustomEnv(custom map[string]string, policy EnvPolicy) error {
	maxVars := policy.MaxEnvVars
	if maxVars <= 0 {
		maxVars = DefaultMaxEnvVars
	}
	maxBytes := policy.MaxEnvSizeBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEnvSizeBytes
	}

	if len(custom) > maxVars {
		return &SecurityValidationError{
			Kind:   KindEnvRejected,
			Reason: fmt.Sprintf("%d custom env vars exceed limit %d", len(custom), maxVars),
		}
	}

	total := 0
	for key, value := range custom {
		if key == "" {
			return &SecurityValidationError{Kind: KindEnvRejected, Reason: "empty env key"}
		}
		if strings.ContainsAny(key, "=\x00") {
			return &SecurityValidationError{
				Kind:   KindEnvRejected,
				Reason: fmt.Sprintf("env key %q contains forbidden character", key),
			}
		}
		if len(key) > MaxEnvKeyLen {
			return &SecurityValidationError{
				Kind:   KindEnvRejected,
				Reason: fmt.Sprintf("env key of %d bytes exceeds %d", len(key), MaxEnvKeyLen),
			}
		}
		if len(value) > MaxEnvValueLen {
			return &SecurityValidationError{
				Kind:   KindEnvRejected,
				Reason: fmt.Sprintf("env value for %q of %d bytes exceeds %d", key, len(value), MaxEnvValueLen),
			}
		}
		total += len(key) + len(value)
	}

	if total > maxBytes {
		return &SecurityValidationError{
			Kind:   KindEnvRejected,
			Reason: fmt.Sprintf("custom env of %d bytes exceeds limit %d", total, maxBytes),
		}
	}
	return nil
}
