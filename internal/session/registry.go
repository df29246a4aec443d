// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/terminox/internal/terminal"
)

// Erros do registry.
var (
	ErrSessionLimit      = errors.New("session: limit exceeded")
	ErrSessionNotFound   = errors.New("session: not found")
	ErrNotDetached       = errors.New("session: not detached")
	ErrWindowExpired     = errors.New("session: reconnection window expired")
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// State é o estado de uma sessão no registry.
type State int

const (
	StateStarting State = iota
	StateActive
	StateDetached
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// canTransition valida as transições do ciclo de vida: monotônicas, com a
// única exceção do par ACTIVE↔DETACHED.
func canTransition(from, to State) bool {
	switch from {
	case StateStarting:
		return to == StateActive || to == StateTerminated
	case StateActive:
		return to == StateDetached || to == StateTerminated
	case StateDetached:
		return to == StateActive || to == StateTerminated
	default:
		return false
	}
}

// EventType identifica o tipo de evento entregue aos clients anexados.
type EventType int

const (
	EventOutput EventType = iota
	EventClosed
)

// Event é a unidade de fan-out de uma sessão para seus clients anexados.
type Event struct {
	Type     EventType
	Chunk    Chunk
	DataLost bool
	ExitCode int
	Reason   string
}

// sinkBufferSize é o tamanho do buffer de eventos por client anexado.
const sinkBufferSize = 256

// attachment é o sink de um client anexado. Quando o buffer enche, o
// evento é descartado e o próximo entregue carrega DataLost — o client
// recupera o trecho perdido via replay do ring buffer.
type attachment struct {
	ch   chan Event
	lost bool
}

// ManagedSession é o registro autoritativo de uma sessão: dono exclusivo
// do processo (via supervisor) e do ring buffer.
type ManagedSession struct {
	ID          string
	WireID      int32
	BackendKind string
	Shell       string
	CreatedAt   time.Time

	Ring *RingBuffer

	mu           sync.Mutex
	state        State
	connectionID string
	cols, rows   uint16
	lastActivity time.Time
	detachedAt   time.Time
	attached     map[string]*attachment
	proc         terminal.Process
	exitCode     int
	exitReason   string
	lineCount    uint32 // linhas de scrollback observadas (contagem de '\n')
	bytesOutput  int64
	chunksOutput int64
}

// State retorna o estado corrente.
func (ms *ManagedSession) State() State {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state
}

// ConnectionID retorna a conexão correntemente dona da sessão.
func (ms *ManagedSession) ConnectionID() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.connectionID
}

// Dimensions retorna as dimensões correntes do terminal.
func (ms *ManagedSession) Dimensions() (cols, rows uint16) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cols, ms.rows
}

// LastActivity retorna o timestamp do último I/O da sessão.
func (ms *ManagedSession) LastActivity() time.Time {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastActivity
}

// ExitInfo retorna exit code e razão após a terminação.
func (ms *ManagedSession) ExitInfo() (int, string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.exitCode, ms.exitReason
}

// Counters retorna os contadores acumulados de saída.
func (ms *ManagedSession) Counters() (bytesOut, chunksOut int64, lines uint32) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.bytesOutput, ms.chunksOutput, ms.lineCount
}

// AttachedClients retorna a contagem de clients anexados.
func (ms *ManagedSession) AttachedClients() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.attached)
}

// Attach registra um client para receber eventos da sessão e retorna o
// canal de eventos. Anexar um clientID já presente substitui o sink.
func (ms *ManagedSession) Attach(clientID string) <-chan Event {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	att := &attachment{ch: make(chan Event, sinkBufferSize)}
	ms.attached[clientID] = att
	return att.ch
}

// Detach remove o sink de um client. O canal é fechado.
func (ms *ManagedSession) Detach(clientID string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if att, ok := ms.attached[clientID]; ok {
		delete(ms.attached, clientID)
		close(att.ch)
	}
}

// broadcast entrega um evento a todos os sinks sem bloquear o leitor.
// Sink cheio descarta o evento e marca perda para o próximo.
func (ms *ManagedSession) broadcast(ev Event) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, att := range ms.attached {
		if att.lost {
			ev.DataLost = true
		}
		select {
		case att.ch <- ev:
			att.lost = false
		default:
			att.lost = true
		}
	}
}

// closeSinks fecha e remove todos os sinks.
func (ms *ManagedSession) closeSinks() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for id, att := range ms.attached {
		delete(ms.attached, id)
		close(att.ch)
	}
}

// Write envia input ao processo e atualiza a atividade.
func (ms *ManagedSession) Write(data []byte) error {
	ms.mu.Lock()
	proc := ms.proc
	ms.lastActivity = time.Now()
	ms.mu.Unlock()

	if proc == nil {
		return terminal.ErrNotRunning
	}
	_, err := proc.Write(data)
	return err
}

// Resize ajusta as dimensões do PTY.
func (ms *ManagedSession) Resize(cols, rows uint16) error {
	ms.mu.Lock()
	proc := ms.proc
	ms.mu.Unlock()

	if proc == nil {
		return terminal.ErrNotRunning
	}
	if err := proc.Resize(cols, rows); err != nil {
		return err
	}
	ms.mu.Lock()
	ms.cols, ms.rows = cols, rows
	ms.lastActivity = time.Now()
	ms.mu.Unlock()
	return nil
}

// Signal entrega um sinal ao processo.
func (ms *ManagedSession) Signal(sig byte) error {
	ms.mu.Lock()
	proc := ms.proc
	ms.mu.Unlock()

	if proc == nil {
		return terminal.ErrNotRunning
	}
	return proc.Signal(sig)
}

// Limits parametriza o registry.
type Limits struct {
	MaxPerConnection   int
	MaxTotal           int
	RingBytes          int64
	RingChunks         int
	ReconnectionWindow time.Duration
	MaxSessionDuration time.Duration
	IdleTimeout        time.Duration
}

// ClosedRecord resume uma sessão terminada (histórico).
type ClosedRecord struct {
	SessionID    string
	WireID       int32
	Shell        string
	CreatedAt    time.Time
	EndedAt      time.Time
	ExitCode     int
	Reason       string
	BytesOutput  int64
	ChunksOutput int64
}

// CreateRequest descreve a sessão pedida pelo client.
type CreateRequest struct {
	Backend    string
	Shell      string
	WorkingDir string
	Cols       uint16
	Rows       uint16
	Env        map[string]string
}

// Registry é o mapa autoritativo sessionId → ManagedSession. Caps por
// conexão e globais são verificados na mesma seção crítica da inserção.
type Registry struct {
	limits   Limits
	backends *terminal.BackendRegistry
	logger   *slog.Logger

	defaultShell       string
	allowedShells      []string
	allowedWorkingDirs []string
	envPolicy          terminal.EnvPolicy
	gracefulTerm       bool

	mu       sync.Mutex
	sessions map[string]*ManagedSession
	byWire   map[int32]*ManagedSession
	nextWire atomic.Int32

	// onClosed recebe o resumo de cada sessão terminada (histórico).
	onClosed func(ClosedRecord)
	// onIdle é emitido quando a sessão cruza o idle timeout (sem kill).
	onIdle func(sessionID string, idle time.Duration)
}

// RegistryConfig agrega as políticas do registry.
type RegistryConfig struct {
	Limits             Limits
	DefaultShell       string
	AllowedShells      []string
	AllowedWorkingDirs []string
	EnvPolicy          terminal.EnvPolicy
	GracefulTerm       bool
	OnClosed           func(ClosedRecord)
	OnIdle             func(sessionID string, idle time.Duration)
}

// NewRegistry cria o registry de sessões.
func NewRegistry(cfg RegistryConfig, backends *terminal.BackendRegistry, logger *slog.Logger) *Registry {
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = terminal.DetectShell()
	}
	return &Registry{
		limits:             cfg.Limits,
		backends:           backends,
		logger:             logger.With("component", "session_registry"),
		defaultShell:       cfg.DefaultShell,
		allowedShells:      cfg.AllowedShells,
		allowedWorkingDirs: cfg.AllowedWorkingDirs,
		envPolicy:          cfg.EnvPolicy,
		gracefulTerm:       cfg.GracefulTerm,
		sessions:           make(map[string]*ManagedSession),
		byWire:             make(map[int32]*ManagedSession),
		onClosed:           cfg.OnClosed,
		onIdle:             cfg.OnIdle,
	}
}

// CreateSession valida a requisição, spawna o processo e insere a sessão.
// Caps por conexão e global são checados sob o mesmo mutex da inserção
// (sem janela TOCTOU); a vaga é reservada antes do spawn e liberada se o
// spawn falhar.
func (r *Registry) CreateSession(connectionID string, req CreateRequest) (*ManagedSession, error) {
	shellPath := req.Shell
	if shellPath == "" {
		shellPath = r.defaultShell
	}
	shell, err := terminal.ValidateShell(shellPath, r.allowedShells)
	if err != nil {
		return nil, err
	}
	workingDir, err := terminal.ValidateWorkingDir(req.WorkingDir, r.allowedWorkingDirs)
	if err != nil {
		return nil, err
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := terminal.ValidateDimensions(cols, rows); err != nil {
		return nil, err
	}
	env, err := terminal.BuildEnv(req.Env, r.envPolicy)
	if err != nil {
		return nil, err
	}
	backend, err := r.backends.Get(req.Backend)
	if err != nil {
		return nil, err
	}

	ms := &ManagedSession{
		ID:          uuid.NewString(),
		WireID:      r.nextWire.Add(1),
		BackendKind: backend.Kind(),
		Shell:       shell,
		CreatedAt:   time.Now(),
		Ring:        NewRingBuffer(r.limits.RingBytes, r.limits.RingChunks),

		state:        StateStarting,
		connectionID: connectionID,
		cols:         cols,
		rows:         rows,
		lastActivity: time.Now(),
		attached:     make(map[string]*attachment),
	}

	// Reserva a vaga sob o lock ANTES do spawn.
	r.mu.Lock()
	if r.limits.MaxTotal > 0 && r.liveCountLocked() >= r.limits.MaxTotal {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: global cap %d reached", ErrSessionLimit, r.limits.MaxTotal)
	}
	if r.limits.MaxPerConnection > 0 && r.connCountLocked(connectionID) >= r.limits.MaxPerConnection {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: connection cap %d reached", ErrSessionLimit, r.limits.MaxPerConnection)
	}
	r.sessions[ms.ID] = ms
	r.byWire[ms.WireID] = ms
	r.mu.Unlock()

	proc, err := backend.Create(terminal.Config{
		Shell:               shell,
		Cols:                cols,
		Rows:                rows,
		WorkingDir:          workingDir,
		Env:                 env,
		GracefulTermination: r.gracefulTerm,
	}, r.logger.With("session", ms.ID), func(exitCode int) {
		r.handleProcessExit(ms, exitCode)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, ms.ID)
		delete(r.byWire, ms.WireID)
		r.mu.Unlock()
		return nil, err
	}

	ms.mu.Lock()
	ms.proc = proc
	ms.state = StateActive
	ms.mu.Unlock()

	go r.readLoop(ms, proc)

	r.logger.Info("session created",
		"session", ms.ID,
		"wire_id", ms.WireID,
		"shell", shell,
		"connection", connectionID,
	)
	return ms, nil
}

// readLoop é a task leitora da sessão: lê o PTY até EOF, escreve no ring
// e faz o fan-out. A escrita no ring precede o broadcast — um leitor
// cancelado nunca deixa chunk em trânsito fora do buffer.
func (r *Registry) readLoop(ms *ManagedSession, proc terminal.Process) {
	buf := make([]byte, 32*1024)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			seq, werr := ms.Ring.Write(buf[:n], false)
			if werr == nil {
				chunk := Chunk{
					Seq:         seq,
					Data:        append([]byte(nil), buf[:n]...),
					TimestampMs: uint64(time.Now().UnixMilli()),
				}
				ms.mu.Lock()
				ms.lastActivity = time.Now()
				ms.bytesOutput += int64(n)
				ms.chunksOutput++
				ms.lineCount += uint32(bytes.Count(buf[:n], []byte{'\n'}))
				ms.mu.Unlock()
				ms.broadcast(Event{Type: EventOutput, Chunk: chunk})
			}
		}
		if err != nil {
			// EOF ou master fechado pela terminação: o callback de exit do
			// supervisor consolida o estado.
			return
		}
	}
}

// handleProcessExit consolida a terminação espontânea ou comandada.
func (r *Registry) handleProcessExit(ms *ManagedSession, exitCode int) {
	ms.mu.Lock()
	if ms.state == StateTerminated {
		ms.mu.Unlock()
		return
	}
	ms.state = StateTerminated
	ms.exitCode = exitCode
	if ms.exitReason == "" {
		ms.exitReason = "process exited"
	}
	reason := ms.exitReason
	ms.mu.Unlock()

	ms.Ring.Seal()
	ms.broadcast(Event{Type: EventClosed, ExitCode: exitCode, Reason: reason})
	ms.closeSinks()

	r.logger.Info("session terminated", "session", ms.ID, "exit_code", exitCode, "reason", reason)

	if r.onClosed != nil {
		bytesOut, chunksOut, _ := ms.Counters()
		r.onClosed(ClosedRecord{
			SessionID:    ms.ID,
			WireID:       ms.WireID,
			Shell:        ms.Shell,
			CreatedAt:    ms.CreatedAt,
			EndedAt:      time.Now(),
			ExitCode:     exitCode,
			Reason:       reason,
			BytesOutput:  bytesOut,
			ChunksOutput: chunksOut,
		})
	}
}

// GetSession retorna a sessão pelo id opaco.
func (r *Registry) GetSession(id string) (*ManagedSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.sessions[id]
	return ms, ok
}

// GetByWireID retorna a sessão pelo id numérico do wire.
func (r *Registry) GetByWireID(wireID int32) (*ManagedSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byWire[wireID]
	return ms, ok
}

// SessionsForConnection retorna as sessões atualmente donas da conexão.
func (r *Registry) SessionsForConnection(connectionID string) []*ManagedSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ManagedSession
	for _, ms := range r.sessions {
		if ms.ConnectionID() == connectionID && ms.State() != StateTerminated {
			out = append(out, ms)
		}
	}
	return out
}

// AllSessions retorna um snapshot de todas as sessões registradas.
func (r *Registry) AllSessions() []*ManagedSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ManagedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		out = append(out, ms)
	}
	return out
}

// UpdateSessionState aplica uma transição explícita; transições ilegais
// (retrocessos) falham com ErrInvalidTransition.
func (r *Registry) UpdateSessionState(id string, to State) error {
	ms, ok := r.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !canTransition(ms.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ms.state, to)
	}
	ms.state = to
	if to == StateDetached {
		ms.detachedAt = time.Now()
	}
	return nil
}

// MarkDisconnected transiciona ACTIVE → DETACHED mantendo o processo vivo
// para reconexão dentro da janela.
func (r *Registry) MarkDisconnected(id string) error {
	ms, ok := r.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state != StateActive {
		if ms.state == StateDetached {
			return nil // já desanexada
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ms.state, StateDetached)
	}
	ms.state = StateDetached
	ms.detachedAt = time.Now()
	ms.connectionID = ""
	return nil
}

// ReconnectSession reanexa uma sessão DETACHED a uma nova conexão.
func (r *Registry) ReconnectSession(id, newConnectionID string) (*ManagedSession, error) {
	ms, ok := r.GetSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	ms.mu.Lock()
	if ms.state != StateDetached {
		state := ms.state
		ms.mu.Unlock()
		return nil, fmt.Errorf("%w: state is %s", ErrNotDetached, state)
	}
	if r.limits.ReconnectionWindow > 0 && time.Since(ms.detachedAt) > r.limits.ReconnectionWindow {
		ms.mu.Unlock()
		r.TerminateSession(id, "reconnection window expired", 0)
		return nil, ErrWindowExpired
	}
	ms.state = StateActive
	ms.connectionID = newConnectionID
	ms.lastActivity = time.Now()
	ms.mu.Unlock()

	r.logger.Info("session reconnected", "session", id, "connection", newConnectionID)
	return ms, nil
}

// TerminateSession encerra a sessão e remove o registro. Idempotente.
func (r *Registry) TerminateSession(id, reason string, grace time.Duration) error {
	ms, ok := r.GetSession(id)
	if !ok {
		return nil // já removida
	}

	ms.mu.Lock()
	if ms.exitReason == "" {
		ms.exitReason = reason
	}
	proc := ms.proc
	ms.mu.Unlock()

	if proc != nil {
		if err := proc.GracefulTerminate(grace); err != nil {
			r.logger.Warn("graceful terminate reported error", "session", id, "error", err)
		}
		// handleProcessExit roda via callback do supervisor.
	}

	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.byWire, ms.WireID)
	r.mu.Unlock()
	return nil
}

// Sweep faz a manutenção periódica: remove registros TERMINATED, encerra
// sessões acima da duração máxima, expira DETACHED fora da janela e emite
// eventos de idle. Disparada pelo scheduler do daemon.
func (r *Registry) Sweep() {
	now := time.Now()
	for _, ms := range r.AllSessions() {
		switch ms.State() {
		case StateTerminated:
			r.mu.Lock()
			delete(r.sessions, ms.ID)
			delete(r.byWire, ms.WireID)
			r.mu.Unlock()

		case StateDetached:
			ms.mu.Lock()
			expired := r.limits.ReconnectionWindow > 0 && now.Sub(ms.detachedAt) > r.limits.ReconnectionWindow
			ms.mu.Unlock()
			if expired {
				r.TerminateSession(ms.ID, "reconnection window expired", 0)
			}

		case StateActive:
			if r.limits.MaxSessionDuration > 0 && now.Sub(ms.CreatedAt) > r.limits.MaxSessionDuration {
				r.logger.Warn("session exceeded max duration, terminating",
					"session", ms.ID, "age", now.Sub(ms.CreatedAt))
				r.TerminateSession(ms.ID, "max session duration exceeded", 5*time.Second)
				continue
			}
			if r.limits.IdleTimeout > 0 && r.onIdle != nil {
				if idle := now.Sub(ms.LastActivity()); idle > r.limits.IdleTimeout {
					r.onIdle(ms.ID, idle)
				}
			}
		}
	}
}

// Shutdown encerra todas as sessões com o grace dado.
func (r *Registry) Shutdown(grace time.Duration) {
	for _, ms := range r.AllSessions() {
		r.TerminateSession(ms.ID, "agent shutdown", grace)
	}
}

// LiveCount retorna a contagem de sessões não terminadas.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveCountLocked()
}

func (r *Registry) liveCountLocked() int {
	n := 0
	for _, ms := range r.sessions {
		if ms.State() != StateTerminated {
			n++
		}
	}
	return n
}

func (r *Registry) connCountLocked(connectionID string) int {
	n := 0
	for _, ms := range r.sessions {
		if ms.ConnectionID() == connectionID && ms.State() != StateTerminated {
			n++
		}
	}
	return n
}
