// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/terminox/internal/compress"
	"github.com/nishisan-dev/terminox/internal/config"
	"github.com/nishisan-dev/terminox/internal/pairing"
	"github.com/nishisan-dev/terminox/internal/protocol"
	"github.com/nishisan-dev/terminox/internal/server/observability"
	"github.com/nishisan-dev/terminox/internal/session"
	"github.com/nishisan-dev/terminox/internal/terminal"
)

// FrameConn é o transporte de uma conexão: uma mensagem binária completa
// por frame. O WebSocket upgrade produz a implementação real; os testes
// usam um par in-memory.
type FrameConn interface {
	// ReadMessage bloqueia até a próxima mensagem binária completa.
	ReadMessage() ([]byte, error)
	// WriteMessage envia uma mensagem binária completa. Os writes são
	// serializados pelo caller.
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// serverCapabilities são as capacidades que o agent oferece no
// capability-exchange. O uso das features correspondentes é condicionado
// à negociação.
var serverCapabilities = []string{
	protocol.CapStateSync,
	protocol.CapScrollbackReplay,
	protocol.CapFlowControl,
	protocol.CapCompression,
	protocol.CapReconnect,
}

// connState é a posição da conexão na ordenação obrigatória do protocolo:
// version-negotiation → capability-exchange → auth → operações de sessão.
type connState int

const (
	stateAwaitVersion connState = iota
	stateAwaitCaps
	stateAwaitAuth
	stateReady
)

// Handler processa conexões de clients: despacho de frames, fan-out de
// output de sessões e fluxo de pareamento.
type Handler struct {
	cfg          *config.AgentConfig
	logger       *slog.Logger
	registry     *session.Registry
	reconnection *session.ReconnectionManager
	pairing      *pairing.Manager
	auth         *Authenticator
	compressor   *compress.Compressor

	// Events recebe eventos operacionais (session|pairing|auth|conn).
	// Opcional; ligado pelo control API.
	Events func(category, message string, fields map[string]string)

	// Métricas observáveis pelo stats reporter e pelo control API.
	ActiveConns atomic.Int32
	TrafficIn   atomic.Int64
	TrafficOut  atomic.Int64

	conns sync.Map // connID → *clientConn
}

// NewHandler cria o handler de conexões.
func NewHandler(cfg *config.AgentConfig, logger *slog.Logger, registry *session.Registry, reconnection *session.ReconnectionManager, pairingMgr *pairing.Manager, auth *Authenticator, compressor *compress.Compressor) *Handler {
	return &Handler{
		cfg:          cfg,
		logger:       logger.With("component", "handler"),
		registry:     registry,
		reconnection: reconnection,
		pairing:      pairingMgr,
		auth:         auth,
		compressor:   compressor,
	}
}

// event entrega um evento operacional ao sink, se houver.
func (h *Handler) event(category, message string, fields map[string]string) {
	if h.Events != nil {
		h.Events(category, message, fields)
	}
}

// Connections retorna a contagem de conexões ativas.
func (h *Handler) Connections() int {
	return int(h.ActiveConns.Load())
}

// MetricsSnapshot exporta os contadores para o control API.
func (h *Handler) MetricsSnapshot() observability.MetricsData {
	return observability.MetricsData{
		TrafficInBytes:  h.TrafficIn.Load(),
		TrafficOutBytes: h.TrafficOut.Load(),
		ActiveConns:     h.ActiveConns.Load(),
	}
}

// CloseAll fecha todas as conexões ativas (shutdown).
func (h *Handler) CloseAll() {
	h.conns.Range(func(_, value any) bool {
		value.(*clientConn).shutdown()
		return true
	})
}

// attachedSession é o estado de entrega de uma sessão para esta conexão:
// sink de eventos, pausa de flow-control, throttle e último seq confirmado.
type attachedSession struct {
	ms     *session.ManagedSession
	events <-chan session.Event

	lastAcked atomic.Uint64

	mu     sync.Mutex
	paused bool
	resume chan struct{}
	out    io.Writer
	tw     *ThrottledWriter
}

// pause suspende a entrega de output até resume.
func (as *attachedSession) pause() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.paused {
		as.paused = true
		as.resume = make(chan struct{})
	}
}

// resumeDelivery retoma a entrega, opcionalmente com novo rate limit.
func (as *attachedSession) resumeDelivery(bytesPerSec uint32) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.tw != nil && bytesPerSec > 0 {
		as.tw.SetRate(int64(bytesPerSec))
	}
	if as.paused {
		as.paused = false
		close(as.resume)
	}
}

// waitResumed bloqueia enquanto a sessão estiver pausada.
func (as *attachedSession) waitResumed(ctx context.Context) error {
	for {
		as.mu.Lock()
		if !as.paused {
			as.mu.Unlock()
			return nil
		}
		ch := as.resume
		as.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// clientConn é o estado de uma conexão individual. O read loop é a única
// goroutine que muda state/caps; writeMu serializa os writes no transporte
// (read loop, heartbeat ticker e goroutines de forward escrevem).
type clientConn struct {
	id       string
	clientID string
	h        *Handler
	fc       FrameConn
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	state connState
	caps  map[string]bool

	hb *heartbeatTracker

	mu       sync.Mutex
	attached map[string]*attachedSession // sessionID → sink
}

// HandleConnection processa uma conexão de client até ela fechar.
func (h *Handler) HandleConnection(ctx context.Context, fc FrameConn) {
	h.ActiveConns.Add(1)
	defer h.ActiveConns.Add(-1)

	connCtx, cancel := context.WithCancel(ctx)
	c := &clientConn{
		id:       uuid.NewString(),
		h:        h,
		fc:       fc,
		logger:   h.logger.With("conn", fc.RemoteAddr().String()),
		ctx:      connCtx,
		cancel:   cancel,
		caps:     make(map[string]bool),
		hb:       newHeartbeatTracker(),
		attached: make(map[string]*attachedSession),
	}
	h.conns.Store(c.id, c)
	defer h.conns.Delete(c.id)
	defer c.teardown()

	if h.auth.Method() == AuthMethodNone {
		c.logger.Warn("connection accepted without authentication")
	}
	c.logger.Info("client connected")
	h.event("conn", "client connected", map[string]string{"remote": fc.RemoteAddr().String()})

	go c.heartbeatLoop()
	c.readLoop()

	c.logger.Info("client disconnected")
	h.event("conn", "client disconnected", map[string]string{"remote": fc.RemoteAddr().String()})
}

// shutdown força o encerramento da conexão.
func (c *clientConn) shutdown() {
	c.cancel()
	c.fc.Close()
}

// teardown desfaz a conexão: cada sessão ACTIVE desta conexão vira
// DETACHED com o último seq confirmado registrado para replay.
func (c *clientConn) teardown() {
	c.cancel()
	c.fc.Close()

	c.mu.Lock()
	attached := make([]*attachedSession, 0, len(c.attached))
	for _, as := range c.attached {
		attached = append(attached, as)
	}
	c.attached = make(map[string]*attachedSession)
	c.mu.Unlock()

	for _, as := range attached {
		as.ms.Detach(c.id)
		if as.ms.State() == session.StateActive && as.ms.ConnectionID() == c.id {
			c.h.reconnection.RecordDisconnection(as.ms.ID, c.id, as.lastAcked.Load())
		}
	}
}

// readLoop lê e despacha frames até erro, frame fatal ou cancelamento.
func (c *clientConn) readLoop() {
	maxPayload := protocol.DefaultMaxPayload

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.fc.SetReadDeadline(time.Now().Add(c.h.cfg.Server.IdleTimeout))
		data, err := c.fc.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("connection read ended", "error", err)
			}
			return
		}
		c.h.TrafficIn.Add(int64(len(data)))

		frame, err := protocol.DecodeFrame(data, maxPayload)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownFrameType) {
				c.sendError(protocol.ControlSessionID, protocol.CodeUnknownFrameType, err.Error(), false)
				continue
			}
			if errors.Is(err, protocol.ErrPayloadTooLarge) {
				c.sendError(protocol.ControlSessionID, protocol.CodePayloadTooLarge, err.Error(), true)
				return
			}
			c.logger.Warn("malformed frame", "error", err)
			return
		}

		if err := c.dispatch(frame); err != nil {
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				c.sendError(frame.SessionID, perr.Code, perr.Message, perr.Fatal)
				if perr.Fatal {
					return
				}
				continue
			}
			c.logger.Error("frame dispatch failed", "frame", frame.Type.String(), "error", err)
			c.sendError(frame.SessionID, protocol.CodeInternalError, "internal error", false)
		}
	}
}

// dispatch aplica a ordenação do protocolo e roteia o frame.
func (c *clientConn) dispatch(f *protocol.Frame) error {
	// A negociação de versão é aceita apenas como primeiro frame; tudo o
	// mais, heartbeats incluídos, exige a negociação concluída.
	if f.Type == protocol.FrameVersionNegotiation {
		return c.handleVersion(f)
	}
	if c.state == stateAwaitVersion {
		return protocol.NewFatalError(protocol.CodeVersionMismatch, "version negotiation must open the connection")
	}

	// Heartbeats valem em qualquer estado pós-negociação.
	switch f.Type {
	case protocol.FrameHeartbeat:
		return c.handleHeartbeat(f)
	case protocol.FrameHeartbeatAck:
		return c.handleHeartbeatAck(f)
	case protocol.FrameCapabilityExchange:
		return c.handleCapabilities(f)
	case protocol.FrameAuthRequest:
		return c.handleAuth(f)
	case protocol.FramePairingKey:
		return c.handlePairingKey(f)
	case protocol.FramePairingConfirm:
		return c.handlePairingConfirm(f)
	}

	if c.state == stateAwaitCaps {
		return protocol.NewFatalError(protocol.CodeVersionMismatch, "capability exchange must precede session operations")
	}
	if c.state == stateAwaitAuth {
		return protocol.NewFatalError(protocol.CodeAuthRequired, "authentication required before session operations")
	}

	switch f.Type {
	case protocol.FrameSessionCreate:
		return c.handleSessionCreate(f)
	case protocol.FrameSessionList:
		return c.handleSessionList(f)
	case protocol.FrameSessionAttach:
		return c.handleSessionAttach(f)
	case protocol.FrameSessionDetach:
		return c.handleSessionDetach(f)
	case protocol.FrameSessionClose:
		return c.handleSessionClose(f)
	case protocol.FrameInput:
		return c.handleInput(f)
	case protocol.FrameResize:
		return c.handleResize(f)
	case protocol.FrameSignal:
		return c.handleSignal(f)
	case protocol.FrameStateSnapshot:
		return c.handleStateSnapshot(f)
	case protocol.FrameScrollbackRequest:
		return c.handleScrollbackRequest(f)
	case protocol.FrameFlowControl:
		return c.handleFlowControl(f)
	case protocol.FrameWindowUpdate:
		return c.handleWindowUpdate(f)
	default:
		return protocol.NewProtocolError(protocol.CodeUnknownFrameType,
			fmt.Sprintf("frame %s not accepted from clients", f.Type))
	}
}

// --- Writes ---

// send serializa e envia um frame. Thread-safe via writeMu.
func (c *clientConn) send(f *protocol.Frame) error {
	return c.sendRaw(f.Encode())
}

// sendRaw envia uma mensagem já serializada.
func (c *clientConn) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.fc.SetWriteDeadline(time.Now().Add(c.h.cfg.Server.WriteTimeout))
	if err := c.fc.WriteMessage(data); err != nil {
		return err
	}
	c.h.TrafficOut.Add(int64(len(data)))
	return nil
}

// sendError envia um frame Error; erros de envio são apenas logados.
func (c *clientConn) sendError(sessionID int32, code, message string, fatal bool) {
	payload, err := protocol.EncodeError(&protocol.ErrorPayload{Fatal: fatal, Code: code, Message: message})
	if err != nil {
		c.logger.Error("encoding error frame", "error", err)
		return
	}
	if err := c.send(protocol.NewSessionFrame(protocol.FrameError, sessionID, payload)); err != nil {
		c.logger.Debug("sending error frame", "code", code, "error", err)
	}
}

// frameSink adapta o transporte a io.Writer: cada Write é uma mensagem
// completa. É o underlying writer do ThrottledWriter — o burst mínimo
// garante que um frame nunca é fatiado em mensagens parciais.
type frameSink struct{ c *clientConn }

func (s frameSink) Write(p []byte) (int, error) {
	if err := s.c.sendRaw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// minThrottleBurst garante burst maior que o maior frame de output
// (chunks de PTY têm no máximo 32KiB).
const minThrottleBurst = 64 * 1024

// --- Controle ---

func (c *clientConn) handleVersion(f *protocol.Frame) error {
	if c.state != stateAwaitVersion {
		return protocol.NewFatalError(protocol.CodeVersionMismatch, "duplicate version negotiation")
	}

	neg, err := protocol.DecodeVersionNegotiation(f.Payload)
	if err != nil {
		return protocol.NewFatalError(protocol.CodeVersionMismatch, err.Error())
	}

	accepted := neg.MinVersion <= protocol.ProtocolVersion && protocol.ProtocolVersion <= neg.MaxVersion
	resp := &protocol.VersionResponse{
		SelectedVersion: protocol.ProtocolVersion,
		Accepted:        accepted,
		ServerVersion:   Version,
	}
	if !accepted {
		resp.RejectionReason = fmt.Sprintf("protocol version %d outside client range [%d, %d]",
			protocol.ProtocolVersion, neg.MinVersion, neg.MaxVersion)
	}

	payload, err := protocol.EncodeVersionResponse(resp)
	if err != nil {
		return err
	}
	if err := c.send(protocol.NewControlFrame(protocol.FrameVersionResponse, payload)); err != nil {
		return err
	}
	if !accepted {
		return protocol.NewFatalError(protocol.CodeVersionMismatch, resp.RejectionReason)
	}

	c.clientID = neg.ClientID
	c.state = stateAwaitCaps
	c.logger = c.logger.With("client", neg.ClientID)
	c.logger.Debug("version negotiated", "version", protocol.ProtocolVersion)
	return nil
}

func (c *clientConn) handleCapabilities(f *protocol.Frame) error {
	if c.state != stateAwaitCaps {
		return protocol.NewProtocolError(protocol.CodeVersionMismatch, "capability exchange out of order")
	}

	offered, err := protocol.DecodeCapabilitySet(f.Payload)
	if err != nil {
		return err
	}

	supported := make(map[string]bool, len(serverCapabilities))
	for _, name := range serverCapabilities {
		supported[name] = true
	}

	accepted := make([]string, 0, len(offered.Capabilities))
	for _, name := range offered.Capabilities {
		if supported[name] {
			c.caps[name] = true
			accepted = append(accepted, name)
		}
	}

	payload, err := protocol.EncodeCapabilitySet(&protocol.CapabilitySet{Capabilities: accepted})
	if err != nil {
		return err
	}
	if err := c.send(protocol.NewControlFrame(protocol.FrameCapabilityResponse, payload)); err != nil {
		return err
	}

	if c.h.auth.Required() {
		c.state = stateAwaitAuth
	} else {
		c.state = stateReady
	}
	c.logger.Debug("capabilities negotiated", "accepted", accepted)
	return nil
}

func (c *clientConn) handleAuth(f *protocol.Frame) error {
	req, err := protocol.DecodeAuthRequest(f.Payload)
	if err != nil {
		return err
	}

	remote := remoteHost(c.fc.RemoteAddr())
	authErr := c.h.auth.Authenticate(remote, req.Credential)

	attemptsLeft := c.h.auth.AttemptsLeft(remote)
	resp := &protocol.AuthResponse{OK: authErr == nil, AttemptsLeft: byte(min(attemptsLeft, 255))}
	if authErr != nil {
		resp.Message = "authentication failed"
	}
	payload, err := protocol.EncodeAuthResponse(resp)
	if err != nil {
		return err
	}
	if err := c.send(protocol.NewControlFrame(protocol.FrameAuthResponse, payload)); err != nil {
		return err
	}

	if authErr != nil {
		c.logger.Warn("authentication failed", "remote", remote, "attempts_left", attemptsLeft)
		c.h.event("auth", "authentication failed", map[string]string{"remote": remote})
		if errors.Is(authErr, ErrAuthLockedOut) || attemptsLeft == 0 {
			return protocol.NewFatalError(protocol.CodeNotAuthorized, "too many authentication failures")
		}
		return nil
	}

	c.state = stateReady
	c.logger.Info("client authenticated", "method", c.h.auth.Method())
	c.h.event("auth", "client authenticated", map[string]string{"remote": remote})
	return nil
}

func (c *clientConn) handleHeartbeat(f *protocol.Frame) error {
	hb, err := protocol.DecodeHeartbeat(f.Payload)
	if err != nil {
		return err
	}
	ack := &protocol.Heartbeat{
		Seq:         hb.Seq,
		TimestampMs: hb.TimestampMs,
		PendingAcks: uint32(c.hb.Missed()),
	}
	return c.send(protocol.NewControlFrame(protocol.FrameHeartbeatAck, protocol.EncodeHeartbeat(ack)))
}

func (c *clientConn) handleHeartbeatAck(f *protocol.Frame) error {
	ack, err := protocol.DecodeHeartbeat(f.Payload)
	if err != nil {
		return err
	}
	c.hb.ObserveAck(ack)
	return nil
}

// heartbeatLoop envia heartbeats periódicos e derruba a conexão quando
// acumulam acks pendentes demais.
func (c *clientConn) heartbeatLoop() {
	ticker := time.NewTicker(c.h.cfg.Server.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.hb.Missed() >= maxMissedHeartbeats {
				c.logger.Warn("connection unresponsive, closing",
					"missed_heartbeats", c.hb.Missed(), "rtt", c.hb.RTT())
				c.shutdown()
				return
			}
			hb := c.hb.Next()
			if err := c.send(protocol.NewControlFrame(protocol.FrameHeartbeat, protocol.EncodeHeartbeat(hb))); err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				c.shutdown()
				return
			}
		}
	}
}

// --- Pareamento ---

func (c *clientConn) handlePairingKey(f *protocol.Frame) error {
	key, err := protocol.DecodePairingKey(f.Payload)
	if err != nil {
		return err
	}

	sess, perr := c.h.pairing.ProcessMobileKey(key.PairingID, key.DeviceID, key.DeviceName, key.PublicKey)
	if perr != nil {
		return c.sendPairingFailure(key.DeviceID, perr)
	}

	resp := &protocol.PairingKeyResponse{
		State:             sess.State,
		ExpiresAtMs:       uint64(sess.ExpiresAt.UnixMilli()),
		AgentFingerprint:  sess.AgentFingerprint,
		MobileFingerprint: sess.MobileFingerprint,
	}
	payload, err := protocol.EncodePairingKeyResponse(resp)
	if err != nil {
		return err
	}
	c.h.event("pairing", "mobile key received", map[string]string{
		"device": key.DeviceID, "fingerprint": sess.MobileFingerprint,
	})
	return c.send(protocol.NewControlFrame(protocol.FramePairingKeyResponse, payload))
}

func (c *clientConn) handlePairingConfirm(f *protocol.Frame) error {
	confirm, err := protocol.DecodePairingConfirm(f.Payload)
	if err != nil {
		return err
	}

	device, perr := c.h.pairing.Confirm(confirm.PairingID, confirm.Confirmed)
	if perr != nil {
		if errors.Is(perr, pairing.ErrUserRejected) {
			c.h.event("pairing", "pairing rejected", map[string]string{"pairing": confirm.PairingID})
			return c.sendPairingResult(&protocol.PairingResult{
				Status:  protocol.PairingStatusRejected,
				Message: "USER_REJECTED",
			})
		}
		return c.sendPairingFailure("", perr)
	}

	c.h.event("pairing", "device paired", map[string]string{
		"device": device.ID, "name": device.Name,
	})
	return c.sendPairingResult(&protocol.PairingResult{
		Status:   protocol.PairingStatusTrusted,
		DeviceID: device.ID,
	})
}

// sendPairingFailure traduz erros do pairing manager para PairingResult.
func (c *clientConn) sendPairingFailure(deviceID string, perr error) error {
	result := &protocol.PairingResult{Status: protocol.PairingStatusFailed, DeviceID: deviceID}

	var rl *pairing.RateLimitedError
	switch {
	case errors.As(perr, &rl):
		result.Message = "RATE_LIMITED"
		result.RetryAfterSeconds = uint32(rl.RetryAfter / time.Second)
	case errors.Is(perr, pairing.ErrAlreadyPaired):
		result.Status = protocol.PairingStatusTrusted
		result.Message = "ALREADY_PAIRED"
	case errors.Is(perr, pairing.ErrSessionExpired):
		result.Message = "SESSION_EXPIRED"
	case errors.Is(perr, pairing.ErrPairingNotFound), errors.Is(perr, pairing.ErrInvalidState):
		result.Message = "INVALID_STATE"
	case errors.Is(perr, pairing.ErrInvalidPublicKey):
		result.Message = "INVALID_KEY"
	default:
		c.logger.Error("pairing failed", "error", perr)
		result.Message = "INTERNAL_ERROR"
	}

	c.h.event("pairing", "pairing failed", map[string]string{
		"device": deviceID, "code": result.Message,
	})
	return c.sendPairingResult(result)
}

func (c *clientConn) sendPairingResult(result *protocol.PairingResult) error {
	payload, err := protocol.EncodePairingResult(result)
	if err != nil {
		return err
	}
	return c.send(protocol.NewControlFrame(protocol.FramePairingResult, payload))
}

// --- Sessões ---

func (c *clientConn) handleSessionCreate(f *protocol.Frame) error {
	req, err := protocol.DecodeSessionCreate(f.Payload)
	if err != nil {
		return err
	}

	ms, err := c.h.registry.CreateSession(c.id, session.CreateRequest{
		Backend:    terminal.KindPTY,
		Shell:      req.Shell,
		WorkingDir: req.WorkingDir,
		Cols:       req.Cols,
		Rows:       req.Rows,
		Env:        req.Env,
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionLimit) {
			return protocol.NewProtocolError(protocol.CodeSessionLimit, err.Error())
		}
		var secErr *terminal.SecurityValidationError
		if errors.As(err, &secErr) {
			return protocol.NewProtocolError(protocol.CodeInternalError, secErr.Error())
		}
		return fmt.Errorf("creating session: %w", err)
	}

	c.attach(ms)

	cols, rows := ms.Dimensions()
	payload, err := protocol.EncodeSessionCreated(&protocol.SessionCreated{
		Cols: cols, Rows: rows, SessionID: ms.ID,
	})
	if err != nil {
		return err
	}
	c.h.event("session", "session created", map[string]string{
		"session": ms.ID, "shell": ms.Shell,
	})
	return c.send(protocol.NewSessionFrame(protocol.FrameSessionCreated, ms.WireID, payload))
}

func (c *clientConn) handleSessionList(f *protocol.Frame) error {
	sessions := c.h.registry.AllSessions()
	reply := &protocol.SessionListReply{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}

	for _, ms := range sessions {
		cols, rows := ms.Dimensions()
		reply.Sessions = append(reply.Sessions, protocol.SessionInfo{
			WireID:         ms.WireID,
			State:          wireState(ms.State()),
			Cols:           cols,
			Rows:           rows,
			Clients:        uint16(ms.AttachedClients()),
			CreatedAtMs:    uint64(ms.CreatedAt.UnixMilli()),
			LastActivityMs: uint64(ms.LastActivity().UnixMilli()),
			SessionID:      ms.ID,
			Shell:          ms.Shell,
		})
	}

	payload, err := protocol.EncodeSessionListReply(reply)
	if err != nil {
		return err
	}
	return c.send(protocol.NewControlFrame(protocol.FrameSessionListReply, payload))
}

func (c *clientConn) handleSessionAttach(f *protocol.Frame) error {
	req, err := protocol.DecodeSessionAttach(f.Payload)
	if err != nil {
		return err
	}

	var lastSeq uint64
	if req.HasLastSeq {
		lastSeq = req.LastSeq
	}

	var (
		ms       *session.ManagedSession
		chunks   []session.Chunk
		dataLost bool
		snapshot *protocol.StateSnapshot
	)

	res, rerr := c.h.reconnection.AttemptReconnection(req.SessionID, c.id, lastSeq)
	switch {
	case rerr == nil:
		ms, chunks, dataLost, snapshot = res.Session, res.Chunks, res.DataLost, res.Snapshot
	case errors.Is(rerr, session.ErrNotDetached):
		// Sessão ACTIVE: anexa como viewer adicional, replay direto do ring.
		var ok bool
		ms, ok = c.h.registry.GetSession(req.SessionID)
		if !ok {
			return protocol.NewProtocolError(protocol.CodeSessionNotFound, "session not found")
		}
		chunks, dataLost = ms.Ring.ReadFrom(lastSeq + 1)
		snapshot, _ = c.h.reconnection.GetStateSnapshot(req.SessionID)
	case errors.Is(rerr, session.ErrSessionNotFound):
		return protocol.NewProtocolError(protocol.CodeSessionNotFound, "session not found")
	case errors.Is(rerr, session.ErrWindowExpired):
		return protocol.NewProtocolError(protocol.CodeWindowExpired, "reconnection window expired")
	default:
		return fmt.Errorf("reattaching session: %w", rerr)
	}

	as := c.attach(ms)

	cols, rows := ms.Dimensions()
	payload, err := protocol.EncodeSessionCreated(&protocol.SessionCreated{
		Cols: cols, Rows: rows, SessionID: ms.ID,
	})
	if err != nil {
		return err
	}
	if err := c.send(protocol.NewSessionFrame(protocol.FrameSessionCreated, ms.WireID, payload)); err != nil {
		return err
	}

	if snapshot != nil && c.caps[protocol.CapStateSync] {
		snapshot.DataLost = snapshot.DataLost || dataLost
		snapFrame := protocol.NewSessionFrame(protocol.FrameStateSnapshot, ms.WireID, protocol.EncodeStateSnapshot(snapshot))
		if err := c.send(snapFrame); err != nil {
			return err
		}
	}

	for i, chunk := range chunks {
		lost := dataLost && i == 0
		if err := c.sendOutput(as, chunk, lost); err != nil {
			return err
		}
	}
	if dataLost && len(chunks) == 0 {
		empty := session.Chunk{Seq: ms.Ring.CurrentSeq(), TimestampMs: uint64(time.Now().UnixMilli())}
		if err := c.sendOutput(as, empty, true); err != nil {
			return err
		}
	}

	c.h.event("session", "client reattached", map[string]string{
		"session": ms.ID, "replay_chunks": fmt.Sprintf("%d", len(chunks)),
	})
	return nil
}

func (c *clientConn) handleSessionDetach(f *protocol.Frame) error {
	ms, as, err := c.sessionFor(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.attached, ms.ID)
	c.mu.Unlock()
	ms.Detach(c.id)

	var acked uint64
	if as != nil {
		acked = as.lastAcked.Load()
	}
	if ms.State() == session.StateActive {
		c.h.reconnection.RecordDisconnection(ms.ID, c.id, acked)
	}
	c.h.event("session", "client detached", map[string]string{"session": ms.ID})
	return nil
}

func (c *clientConn) handleSessionClose(f *protocol.Frame) error {
	ms, _, err := c.sessionFor(f)
	if err != nil {
		return err
	}

	req, err := protocol.DecodeSessionClose(f.Payload)
	if err != nil {
		return err
	}

	grace := time.Duration(req.GraceMs) * time.Millisecond
	if err := c.h.registry.TerminateSession(ms.ID, "client requested", grace); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return protocol.NewProtocolError(protocol.CodeSessionNotFound, "session not found")
		}
		return fmt.Errorf("terminating session: %w", err)
	}
	c.h.reconnection.ClearSessionState(ms.ID)
	return nil
}

// --- Dados ---

func (c *clientConn) handleInput(f *protocol.Frame) error {
	ms, _, err := c.sessionFor(f)
	if err != nil {
		return err
	}
	if err := ms.Write(f.Payload); err != nil {
		return protocol.NewProtocolError(protocol.CodeInternalError, err.Error())
	}
	return nil
}

func (c *clientConn) handleResize(f *protocol.Frame) error {
	ms, _, err := c.sessionFor(f)
	if err != nil {
		return err
	}
	req, err := protocol.DecodeResize(f.Payload)
	if err != nil {
		return err
	}
	if err := ms.Resize(req.Cols, req.Rows); err != nil {
		return protocol.NewProtocolError(protocol.CodeInternalError, err.Error())
	}
	return nil
}

func (c *clientConn) handleSignal(f *protocol.Frame) error {
	ms, _, err := c.sessionFor(f)
	if err != nil {
		return err
	}
	req, err := protocol.DecodeSignal(f.Payload)
	if err != nil {
		return err
	}
	if err := ms.Signal(req.Signal); err != nil {
		if errors.Is(err, terminal.ErrUnsupportedSignal) {
			return protocol.NewProtocolError(protocol.CodeInternalError, err.Error())
		}
		return fmt.Errorf("delivering signal: %w", err)
	}
	return nil
}

// --- Estado do terminal ---

func (c *clientConn) handleStateSnapshot(f *protocol.Frame) error {
	if !c.caps[protocol.CapStateSync] {
		return protocol.NewProtocolError(protocol.CodeUnknownFrameType, "state-sync capability not negotiated")
	}
	ms, _, err := c.sessionFor(f)
	if err != nil {
		return err
	}
	snap, err := protocol.DecodeStateSnapshot(f.Payload)
	if err != nil {
		return err
	}
	c.h.reconnection.UpdateStateSnapshot(ms.ID, snap)
	return nil
}

func (c *clientConn) handleScrollbackRequest(f *protocol.Frame) error {
	if !c.caps[protocol.CapScrollbackReplay] {
		return protocol.NewProtocolError(protocol.CodeUnknownFrameType, "scrollback-replay capability not negotiated")
	}
	ms, _, err := c.sessionFor(f)
	if err != nil {
		return err
	}
	req, err := protocol.DecodeScrollbackRequest(f.Payload)
	if err != nil {
		return err
	}

	reply := scrollbackPage(ms, req.StartLine, req.LineCount)
	return c.send(protocol.NewSessionFrame(protocol.FrameScrollbackReply, ms.WireID, protocol.EncodeScrollbackReply(reply)))
}

// scrollbackPage monta uma página de linhas a partir do conteúdo retido no
// ring. Linhas que já saíram do buffer marcam a página como truncada.
func scrollbackPage(ms *session.ManagedSession, startLine, lineCount uint32) *protocol.ScrollbackReply {
	_, _, totalLines := ms.Counters()
	data := ms.Ring.LatestBytes(int(ms.Ring.TotalBytes()))
	lines := bytes.Split(data, []byte{'\n'})

	available := uint32(len(lines))
	var oldestLine uint32
	if totalLines > available {
		oldestLine = totalLines - available
	}

	reply := &protocol.ScrollbackReply{TotalLines: totalLines}
	start := startLine
	if start < oldestLine {
		start = oldestLine
		reply.Flags |= protocol.ScrollbackFlagTruncated
	}
	reply.StartLine = start

	first := start - oldestLine
	if first >= available || lineCount == 0 {
		return reply
	}
	last := first + lineCount
	if last > available {
		last = available
	}
	reply.Data = bytes.Join(lines[first:last], []byte{'\n'})
	return reply
}

// --- Controle de fluxo ---

func (c *clientConn) handleFlowControl(f *protocol.Frame) error {
	if !c.caps[protocol.CapFlowControl] {
		return protocol.NewProtocolError(protocol.CodeUnknownFrameType, "flow-control capability not negotiated")
	}
	ms, as, err := c.sessionFor(f)
	if err != nil {
		return err
	}
	if as == nil {
		return protocol.NewProtocolError(protocol.CodeSessionNotFound, "session not attached to this connection")
	}
	req, err := protocol.DecodeFlowControl(f.Payload)
	if err != nil {
		return err
	}

	switch req.Action {
	case protocol.FlowPause:
		as.pause()
		c.logger.Debug("session output paused", "session", ms.ID)
	case protocol.FlowResume:
		as.resumeDelivery(req.RateBytesPerSec)
		c.logger.Debug("session output resumed", "session", ms.ID, "rate", req.RateBytesPerSec)
	default:
		return protocol.NewProtocolError(protocol.CodeInternalError,
			fmt.Sprintf("unknown flow control action 0x%02x", req.Action))
	}
	return nil
}

func (c *clientConn) handleWindowUpdate(f *protocol.Frame) error {
	if !c.caps[protocol.CapFlowControl] {
		return protocol.NewProtocolError(protocol.CodeUnknownFrameType, "flow-control capability not negotiated")
	}
	_, as, err := c.sessionFor(f)
	if err != nil {
		return err
	}
	if as == nil {
		return nil
	}
	req, err := protocol.DecodeWindowUpdate(f.Payload)
	if err != nil {
		return err
	}
	as.lastAcked.Store(req.AckedSeq)
	return nil
}

// --- Fan-out de output ---

// attach registra a conexão como consumidora da sessão e inicia o forward
// de eventos. Re-attach substitui o sink anterior.
func (c *clientConn) attach(ms *session.ManagedSession) *attachedSession {
	as := &attachedSession{ms: ms, events: ms.Attach(c.id)}

	sink := frameSink{c}
	if c.h.cfg.Throttle.Enabled && c.h.cfg.Throttle.RateRaw > 0 {
		burst := c.h.cfg.Throttle.BurstRaw
		if burst < minThrottleBurst {
			burst = minThrottleBurst
		}
		as.out = NewThrottledWriter(c.ctx, sink, c.h.cfg.Throttle.RateRaw, burst)
		if tw, ok := as.out.(*ThrottledWriter); ok {
			as.tw = tw
		}
	} else {
		as.out = sink
	}

	c.mu.Lock()
	c.attached[ms.ID] = as
	c.mu.Unlock()

	go c.forwardEvents(as)
	return as
}

// forwardEvents consome o canal de eventos da sessão e entrega ao client.
func (c *clientConn) forwardEvents(as *attachedSession) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-as.events:
			if !ok {
				return
			}
			switch ev.Type {
			case session.EventClosed:
				payload, err := protocol.EncodeSessionClosed(&protocol.SessionClosed{
					ExitCode: int32(ev.ExitCode), Reason: ev.Reason,
				})
				if err == nil {
					c.send(protocol.NewSessionFrame(protocol.FrameSessionClosed, as.ms.WireID, payload))
				}
				c.mu.Lock()
				delete(c.attached, as.ms.ID)
				c.mu.Unlock()
				return
			case session.EventOutput:
				if err := c.sendOutput(as, ev.Chunk, ev.DataLost); err != nil {
					if c.ctx.Err() == nil {
						c.logger.Debug("output delivery failed", "session", as.ms.ID, "error", err)
					}
					return
				}
			}
		}
	}
}

// sendOutput comprime e envia um chunk de output, respeitando pausa e
// throttle. A duração da entrega alimenta o EMA do compressor.
func (c *clientConn) sendOutput(as *attachedSession, chunk session.Chunk, dataLost bool) error {
	if err := as.waitResumed(c.ctx); err != nil {
		return err
	}

	out := &protocol.Output{
		Seq:         chunk.Seq,
		TimestampMs: chunk.TimestampMs,
		Compression: protocol.CompressionNone,
		Data:        chunk.Data,
	}
	if dataLost {
		out.Flags |= protocol.OutputFlagDataLost
	}

	if c.caps[protocol.CapCompression] {
		result, err := c.h.compressor.Compress(chunk.Data)
		if err != nil {
			c.logger.Warn("compression failed, sending raw", "error", err)
		} else if result.Compressed {
			out.Compression = result.CompressionType
			out.Data = result.Data
		}
	}

	frame := protocol.NewSessionFrame(protocol.FrameOutput, as.ms.WireID, protocol.EncodeOutput(out))
	encoded := frame.Encode()

	start := time.Now()
	if _, err := as.out.Write(encoded); err != nil {
		return err
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		c.h.compressor.RecordSample(len(encoded), elapsed)
	}
	return nil
}

// sessionFor resolve a sessão do header do frame (wire id) e o sink desta
// conexão, se anexada.
func (c *clientConn) sessionFor(f *protocol.Frame) (*session.ManagedSession, *attachedSession, error) {
	ms, ok := c.h.registry.GetByWireID(f.SessionID)
	if !ok {
		return nil, nil, protocol.NewProtocolError(protocol.CodeSessionNotFound,
			fmt.Sprintf("no session with id %d", f.SessionID))
	}
	c.mu.Lock()
	as := c.attached[ms.ID]
	c.mu.Unlock()
	return ms, as, nil
}

// wireState converte o estado do registry para o código no wire.
func wireState(s session.State) byte {
	switch s {
	case session.StateStarting:
		return protocol.SessionStateStarting
	case session.StateActive:
		return protocol.SessionStateActive
	case session.StateDetached:
		return protocol.SessionStateDetached
	default:
		return protocol.SessionStateTerminated
	}
}

// remoteHost extrai o host do endereço remoto (bucket de lockout de auth).
func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
