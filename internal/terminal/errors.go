// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package terminal implementa o supervisor de PTY: spawn de processos
// anexados a pseudo-terminais, política de ambiente e working directory,
// validação de shell e terminação graceful.
package terminal

import (
	"errors"
	"fmt"
)

// Kinds de falha de validação/execução do supervisor.
const (
	KindShellNotFound      = "ShellNotFound"
	KindShellNotExecutable = "ShellNotExecutable"
	KindShellNotAllowed    = "ShellNotAllowed"
	KindWorkingDirInvalid  = "WorkingDirInvalid"
	KindDimensionsInvalid  = "DimensionsInvalid"
	KindProcessStartFailed = "ProcessStartFailed"
	KindEnvRejected        = "EnvRejected"
)

// SecurityValidationError descreve uma rejeição de política de segurança
// na criação de um processo PTY.
type SecurityValidationError struct {
	Kind   string
	Path   string
	Reason string
}

func (e *SecurityValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Reason, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Erros de operação sobre processos.
var (
	ErrNotRunning        = errors.New("terminal: process not running")
	ErrUnsupportedSignal = errors.New("terminal: signal not supported")
	ErrDetachUnsupported = errors.New("terminal: detach not supported by native pty backend")
)
