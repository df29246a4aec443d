// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package terminal

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Limites de dimensões do PTY.
const (
	MinCols = 1
	MaxCols = 1000
	MinRows = 1
	MaxRows = 500
)

// ValidateDimensions valida colunas/linhas contra os caps de capabilities.
func ValidateDimensions(cols, rows uint16) error {
	if cols < MinCols || cols > MaxCols {
		return &SecurityValidationError{
			Kind:   KindDimensionsInvalid,
			Reason: "columns out of range [1, 1000]",
		}
	}
	if rows < MinRows || rows > MaxRows {
		return &SecurityValidationError{
			Kind:   KindDimensionsInvalid,
			Reason: "rows out of range [1, 500]",
		}
	}
	return nil
}

// DetectShell resolve o shell default do usuário: $SHELL quando válido,
// senão o primeiro candidato conhecido presente no sistema.
func DetectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		if _, err := ValidateShell(shell, nil); err == nil {
			return shell
		}
	}
	for _, candidate := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := ValidateShell(candidate, nil); err == nil {
			return candidate
		}
	}
	return "/bin/sh"
}

// ValidateShell valida um caminho de shell contra a política de segurança
// e retorna o caminho canônico a executar.
//
// Regras: rejeita fragmentos ".." e "./" antes de qualquer resolução;
// canonicaliza (symlinks + abs) ANTES das demais checagens para eliminar
// TOCTOU entre validação e exec; exige arquivo regular executável; em
// POSIX rejeita shells world-writable; se allowedShells não for vazio,
// exige igualdade canônica com alguma entrada.
func ValidateShell(path string, allowedShells []string) (string, error) {
	if path == "" {
		return "", &SecurityValidationError{Kind: KindShellNotFound, Reason: "empty shell path"}
	}

	// Rejeição sintática antes de tocar o filesystem.
	if strings.Contains(path, "..") || strings.Contains(path, "./") {
		return "", &SecurityValidationError{
			Kind:   KindShellNotAllowed,
			Path:   path,
			Reason: "path contains relative traversal fragment",
		}
	}

	canonical, err := canonicalize(path)
	if err != nil {
		return "", &SecurityValidationError{
			Kind:   KindShellNotFound,
			Path:   path,
			Reason: "cannot resolve path: " + err.Error(),
		}
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return "", &SecurityValidationError{
			Kind:   KindShellNotFound,
			Path:   canonical,
			Reason: "stat failed: " + err.Error(),
		}
	}
	if !info.Mode().IsRegular() {
		return "", &SecurityValidationError{
			Kind:   KindShellNotExecutable,
			Path:   canonical,
			Reason: "not a regular file",
		}
	}
	if info.Mode().Perm()&0111 == 0 {
		return "", &SecurityValidationError{
			Kind:   KindShellNotExecutable,
			Path:   canonical,
			Reason: "no execute permission",
		}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return "", &SecurityValidationError{
			Kind:   KindShellNotAllowed,
			Path:   canonical,
			Reason: "shell is world-writable",
		}
	}

	if len(allowedShells) > 0 {
		allowed := false
		for _, entry := range allowedShells {
			entryCanonical, err := canonicalize(entry)
			if err != nil {
				continue
			}
			if entryCanonical == canonical {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", &SecurityValidationError{
				Kind:   KindShellNotAllowed,
				Path:   canonical,
				Reason: "shell not in allowed_shells",
			}
		}
	}

	return canonical, nil
}

// ValidateWorkingDir valida o working directory da sessão e retorna o
// caminho canônico. Deve existir, ser diretório e — quando allowedDirs
// não é vazio — canonicalizar sob uma das raízes permitidas.
func ValidateWorkingDir(dir string, allowedDirs []string) (string, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", &SecurityValidationError{
				Kind:   KindWorkingDirInvalid,
				Reason: "no working dir given and home unavailable",
			}
		}
		dir = home
	}

	canonical, err := canonicalize(dir)
	if err != nil {
		return "", &SecurityValidationError{
			Kind:   KindWorkingDirInvalid,
			Path:   dir,
			Reason: "cannot resolve path: " + err.Error(),
		}
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return "", &SecurityValidationError{
			Kind:   KindWorkingDirInvalid,
			Path:   canonical,
			Reason: "stat failed: " + err.Error(),
		}
	}
	if !info.IsDir() {
		return "", &SecurityValidationError{
			Kind:   KindWorkingDirInvalid,
			Path:   canonical,
			Reason: "not a directory",
		}
	}

	if len(allowedDirs) > 0 {
		inside := false
		for _, root := range allowedDirs {
			rootCanonical, err := canonicalize(root)
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(rootCanonical, canonical)
			if err != nil {
				continue
			}
			if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
				inside = true
				break
			}
		}
		if !inside {
			return "", &SecurityValidationError{
				Kind:   KindWorkingDirInvalid,
				Path:   canonical,
				Reason: "outside allowed_working_dirs",
			}
		}
	}

	return canonical, nil
}

// canonicalize resolve symlinks e converte para caminho absoluto.
func canonicalize(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}
