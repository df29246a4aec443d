// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package terminal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

// Estados de um processo PTY.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Parâmetros da escalada SIGTERM → SIGKILL em GracefulTerminate.
const (
	termPollInitial = 50 * time.Millisecond
	termPollFactor  = 1.5
	termPollMax     = 500 * time.Millisecond
	killConfirmWait = 2 * time.Second
	exitCollectWait = 5 * time.Second
)

// Config descreve o processo a criar. Shell e WorkingDir já devem estar
// canonicalizados (ValidateShell/ValidateWorkingDir).
type Config struct {
	Shell      string
	Args       []string
	Cols       uint16
	Rows       uint16
	WorkingDir string
	Env        []string

	// GracefulTermination habilita a fase SIGTERM de GracefulTerminate.
	// Desabilitada, a terminação vai direto para SIGKILL.
	GracefulTermination bool
}

// Process é o handle de um processo anexado a um pseudo-terminal.
// Read serve o loop leitor da sessão; as demais operações vêm do client.
type Process interface {
	io.Reader
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Signal(sig byte) error
	Terminate() error
	GracefulTerminate(grace time.Duration) error
	WaitFor() (int, error)
	Detach() error
	Running() bool
	State() State
	StartedAt() time.Time
}

// ptyProcess implementa Process sobre creack/pty.
type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	logger    *slog.Logger
	startedAt time.Time
	graceful  bool

	// Terminação destrutiva exige o mutex E o CAS do flag atômico.
	termMu     sync.Mutex
	terminated atomic.Bool

	// exited fecha quando cmd.Wait() retorna; exitCode é válido depois disso.
	exited   chan struct{}
	exitCode atomic.Int32

	stateAtomic atomic.Int32

	// onTerminated notifica o supervisor uma única vez.
	onTerminated func(exitCode int)
	notifyOnce   sync.Once
}

// Start cria o PTY, faz o spawn do processo e inicia a goroutine de Wait.
// onTerminated (opcional) é chamado exatamente uma vez quando o processo
// transiciona para TERMINATED, com o exit code coletado.
func Start(cfg Config, logger *slog.Logger, onTerminated func(exitCode int)) (Process, error) {
	if err := ValidateDimensions(cfg.Cols, cfg.Rows); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows})
	if err != nil {
		return nil, &SecurityValidationError{
			Kind:   KindProcessStartFailed,
			Path:   cfg.Shell,
			Reason: err.Error(),
		}
	}

	p := &ptyProcess{
		cmd:          cmd,
		ptmx:         ptmx,
		logger:       logger.With("component", "pty", "pid", cmd.Process.Pid),
		startedAt:    time.Now(),
		graceful:     cfg.GracefulTermination,
		exited:       make(chan struct{}),
		onTerminated: onTerminated,
	}
	p.stateAtomic.Store(int32(StateRunning))

	// Única chamada a cmd.Wait() do handle; todos os caminhos de espera
	// observam o canal exited.
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		p.exitCode.Store(int32(code))
		close(p.exited)

		// Saída espontânea (sem Terminate): fecha o master para liberar o
		// leitor e consolida o estado.
		if p.terminated.CompareAndSwap(false, true) {
			p.ptmx.Close()
			p.stateAtomic.Store(int32(StateTerminated))
			p.notify(code)
		}
	}()

	p.logger.Debug("pty process started", "shell", cfg.Shell, "cols", cfg.Cols, "rows", cfg.Rows)
	return p, nil
}

func (p *ptyProcess) notify(code int) {
	p.notifyOnce.Do(func() {
		if p.onTerminated != nil {
			p.onTerminated(code)
		}
	})
}

func (p *ptyProcess) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

func (p *ptyProcess) Write(buf []byte) (int, error) {
	if !p.Running() {
		return 0, ErrNotRunning
	}
	return p.ptmx.Write(buf)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	if !p.Running() {
		return ErrNotRunning
	}
	if err := ValidateDimensions(cols, rows); err != nil {
		return err
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal entrega um sinal do protocolo ao processo. SIGINT é escrito como
// 0x03 no PTY (caminho do driver de terminal, igual a Ctrl-C no teclado);
// SIGSTOP/SIGCONT são best-effort e podem reportar ErrUnsupportedSignal.
func (p *ptyProcess) Signal(sig byte) error {
	if !p.Running() {
		return ErrNotRunning
	}

	switch sig {
	case protocol.SignalINT:
		_, err := p.ptmx.Write([]byte{0x03})
		return err
	case protocol.SignalTERM:
		return p.cmd.Process.Signal(syscall.SIGTERM)
	case protocol.SignalKILL:
		return p.cmd.Process.Signal(syscall.SIGKILL)
	case protocol.SignalHUP:
		return p.cmd.Process.Signal(syscall.SIGHUP)
	case protocol.SignalWINCH:
		return p.cmd.Process.Signal(syscall.SIGWINCH)
	case protocol.SignalSTOP:
		if err := p.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
			return fmt.Errorf("%w: SIGSTOP: %v", ErrUnsupportedSignal, err)
		}
		return nil
	case protocol.SignalCONT:
		if err := p.cmd.Process.Signal(syscall.SIGCONT); err != nil {
			return fmt.Errorf("%w: SIGCONT: %v", ErrUnsupportedSignal, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: wire code %d", ErrUnsupportedSignal, sig)
	}
}

// Terminate encerra imediatamente: GracefulTerminate com grace zero.
func (p *ptyProcess) Terminate() error {
	return p.GracefulTerminate(0)
}

// GracefulTerminate encerra o processo com escalada SIGTERM → SIGKILL.
//
//  1. CAS no flag terminated impede reentrada (sob o mutex de terminação).
//  2. Processo já saído: consolida TERMINATED e retorna.
//  3. grace > 0 com graceful habilitado: SIGTERM + polling com backoff
//     exponencial (50 ms, ×1.5, teto 500 ms) dentro do budget.
//  4. Ainda vivo: SIGKILL + espera limitada de confirmação (2 s).
//  5. Coleta o exit code com timeout de 5 s e notifica o supervisor.
func (p *ptyProcess) GracefulTerminate(grace time.Duration) error {
	p.termMu.Lock()
	defer p.termMu.Unlock()

	if !p.terminated.CompareAndSwap(false, true) {
		return nil // já terminando/terminado
	}

	defer func() {
		p.ptmx.Close()
		p.stateAtomic.Store(int32(StateTerminated))
	}()

	// Já saiu por conta própria?
	select {
	case <-p.exited:
		p.notify(int(p.exitCode.Load()))
		return nil
	default:
	}

	if grace > 0 && p.graceful {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Debug("SIGTERM failed, escalating", "error", err)
		} else if p.pollExit(grace) {
			p.notify(int(p.exitCode.Load()))
			return nil
		}
		p.logger.Debug("process survived SIGTERM grace, escalating to SIGKILL", "grace", grace)
	}

	if err := p.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		p.logger.Warn("SIGKILL failed", "error", err)
	}

	select {
	case <-p.exited:
	case <-time.After(killConfirmWait):
		p.logger.Warn("process did not confirm exit after SIGKILL", "wait", killConfirmWait)
	}

	// Coleta final do exit code com timeout.
	select {
	case <-p.exited:
		p.notify(int(p.exitCode.Load()))
		return nil
	case <-time.After(exitCollectWait):
		p.notify(-1)
		return fmt.Errorf("terminal: exit code collection timed out after %s", exitCollectWait)
	}
}

// pollExit aguarda a saída do processo com backoff exponencial dentro do
// budget. Retorna true se o processo saiu.
func (p *ptyProcess) pollExit(budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	interval := termPollInitial

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if interval > remaining {
			interval = remaining
		}

		select {
		case <-p.exited:
			return true
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * termPollFactor)
		if interval > termPollMax {
			interval = termPollMax
		}
	}
}

// WaitFor bloqueia até o processo sair e retorna o exit code.
func (p *ptyProcess) WaitFor() (int, error) {
	<-p.exited
	return int(p.exitCode.Load()), nil
}

// Detach não é suportado pelo backend PTY nativo: o processo morre com a
// sessão. Multiplexadores externos (tmux/screen) é que sobrevivem a detach.
func (p *ptyProcess) Detach() error {
	return ErrDetachUnsupported
}

func (p *ptyProcess) Running() bool {
	return State(p.stateAtomic.Load()) == StateRunning && !p.terminated.Load()
}

func (p *ptyProcess) State() State {
	return State(p.stateAtomic.Load())
}

func (p *ptyProcess) StartedAt() time.Time {
	return p.startedAt
}
