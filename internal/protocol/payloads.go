// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Convenções de encoding de payload: inteiros big-endian de largura fixa;
// strings prefixadas por comprimento uint16; slices de bytes sem prefixo
// ocupam o restante do payload (o boundary vem do PayloadLength do header).

const maxStringLen = math.MaxUint16

// appendString anexa uma string com prefixo de comprimento uint16.
func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > maxStringLen {
		return nil, fmt.Errorf("%w: string field of %d bytes exceeds %d", ErrInvalidPayload, len(s), maxStringLen)
	}
	buf = append(buf, byte(len(s)>>8), byte(len(s)))
	return append(buf, s...), nil
}

// readString lê uma string prefixada por uint16 a partir de off.
// Retorna a string e o offset do próximo campo.
func readString(p []byte, off int, field string) (string, int, error) {
	if len(p)-off < 2 {
		return "", 0, fmt.Errorf("%w: truncated length of %s", ErrInvalidPayload, field)
	}
	n := int(binary.BigEndian.Uint16(p[off : off+2]))
	off += 2
	if len(p)-off < n {
		return "", 0, fmt.Errorf("%w: %s declares %d bytes, %d available", ErrInvalidPayload, field, n, len(p)-off)
	}
	return string(p[off : off+n]), off + n, nil
}

// --- Controle ---

// VersionNegotiation abre toda conexão (Client → Agent).
// Formato: [ClientVersion 1B] [MinVersion 1B] [MaxVersion 1B] [ClientID str]
type VersionNegotiation struct {
	ClientVersion byte
	MinVersion    byte
	MaxVersion    byte
	ClientID      string
}

func EncodeVersionNegotiation(v *VersionNegotiation) ([]byte, error) {
	buf := []byte{v.ClientVersion, v.MinVersion, v.MaxVersion}
	return appendString(buf, v.ClientID)
}

func DecodeVersionNegotiation(p []byte) (*VersionNegotiation, error) {
	if len(p) < 3 {
		return nil, fmt.Errorf("%w: version negotiation needs 3 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	clientID, _, err := readString(p, 3, "clientId")
	if err != nil {
		return nil, err
	}
	return &VersionNegotiation{
		ClientVersion: p[0],
		MinVersion:    p[1],
		MaxVersion:    p[2],
		ClientID:      clientID,
	}, nil
}

// VersionResponse responde a negociação (Agent → Client).
// Formato: [SelectedVersion 1B] [Accepted 1B] [ServerVersion str] [RejectionReason str]
type VersionResponse struct {
	SelectedVersion byte
	Accepted        bool
	ServerVersion   string
	RejectionReason string
}

func EncodeVersionResponse(v *VersionResponse) ([]byte, error) {
	accepted := byte(0)
	if v.Accepted {
		accepted = 1
	}
	buf := []byte{v.SelectedVersion, accepted}
	buf, err := appendString(buf, v.ServerVersion)
	if err != nil {
		return nil, err
	}
	return appendString(buf, v.RejectionReason)
}

func DecodeVersionResponse(p []byte) (*VersionResponse, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("%w: version response needs 2 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	serverVersion, off, err := readString(p, 2, "serverVersion")
	if err != nil {
		return nil, err
	}
	reason, _, err := readString(p, off, "rejectionReason")
	if err != nil {
		return nil, err
	}
	return &VersionResponse{
		SelectedVersion: p[0],
		Accepted:        p[1] != 0,
		ServerVersion:   serverVersion,
		RejectionReason: reason,
	}, nil
}

// CapabilitySet carrega a lista de capacidades oferecidas/aceitas.
// Formato: [Count 2B] + Count × [Capability str]
// Usado por capability-exchange (Client → Agent) e capability-response (Agent → Client).
type CapabilitySet struct {
	Capabilities []string
}

func EncodeCapabilitySet(c *CapabilitySet) ([]byte, error) {
	if len(c.Capabilities) > maxStringLen {
		return nil, fmt.Errorf("%w: %d capabilities exceed limit", ErrInvalidPayload, len(c.Capabilities))
	}
	buf := make([]byte, 2, 2+len(c.Capabilities)*16)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(c.Capabilities)))
	var err error
	for _, name := range c.Capabilities {
		if buf, err = appendString(buf, name); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func DecodeCapabilitySet(p []byte) (*CapabilitySet, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("%w: capability set needs count, got %d bytes", ErrInvalidPayload, len(p))
	}
	count := int(binary.BigEndian.Uint16(p[0:2]))
	caps := make([]string, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		name, next, err := readString(p, off, "capability")
		if err != nil {
			return nil, err
		}
		caps = append(caps, name)
		off = next
	}
	return &CapabilitySet{Capabilities: caps}, nil
}

// heartbeatPayloadSize é o tamanho exato do payload de heartbeat/heartbeat-ack.
const heartbeatPayloadSize = 20

// Heartbeat mantém a conexão viva e mede RTT (ambas as direções).
// Formato: [Seq uint64 8B] [TimestampMs uint64 8B] [PendingAcks uint32 4B] — 20 bytes exatos.
type Heartbeat struct {
	Seq         uint64
	TimestampMs uint64
	PendingAcks uint32
}

func EncodeHeartbeat(h *Heartbeat) []byte {
	buf := make([]byte, heartbeatPayloadSize)
	binary.BigEndian.PutUint64(buf[0:8], h.Seq)
	binary.BigEndian.PutUint64(buf[8:16], h.TimestampMs)
	binary.BigEndian.PutUint32(buf[16:20], h.PendingAcks)
	return buf
}

func DecodeHeartbeat(p []byte) (*Heartbeat, error) {
	if len(p) != heartbeatPayloadSize {
		return nil, fmt.Errorf("%w: heartbeat payload must be %d bytes, got %d", ErrInvalidPayload, heartbeatPayloadSize, len(p))
	}
	return &Heartbeat{
		Seq:         binary.BigEndian.Uint64(p[0:8]),
		TimestampMs: binary.BigEndian.Uint64(p[8:16]),
		PendingAcks: binary.BigEndian.Uint32(p[16:20]),
	}, nil
}

// ErrorPayload transporta um erro de protocolo (Agent → Client).
// Formato: [Fatal 1B] [Code str] [Message str]
type ErrorPayload struct {
	Fatal   bool
	Code    string
	Message string
}

func EncodeError(e *ErrorPayload) ([]byte, error) {
	fatal := byte(0)
	if e.Fatal {
		fatal = 1
	}
	buf, err := appendString([]byte{fatal}, e.Code)
	if err != nil {
		return nil, err
	}
	return appendString(buf, e.Message)
}

func DecodeError(p []byte) (*ErrorPayload, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: error payload is empty", ErrInvalidPayload)
	}
	code, off, err := readString(p, 1, "code")
	if err != nil {
		return nil, err
	}
	msg, _, err := readString(p, off, "message")
	if err != nil {
		return nil, err
	}
	return &ErrorPayload{Fatal: p[0] != 0, Code: code, Message: msg}, nil
}

// AuthRequest apresenta credenciais (Client → Agent).
// Formato: [Method 1B] [Credential str]
// Para TOKEN, Credential é o bearer token (≤ 4096 bytes).
type AuthRequest struct {
	Method     byte
	Credential string
}

func EncodeAuthRequest(a *AuthRequest) ([]byte, error) {
	return appendString([]byte{a.Method}, a.Credential)
}

func DecodeAuthRequest(p []byte) (*AuthRequest, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: auth request is empty", ErrInvalidPayload)
	}
	cred, _, err := readString(p, 1, "credential")
	if err != nil {
		return nil, err
	}
	return &AuthRequest{Method: p[0], Credential: cred}, nil
}

// AuthResponse informa o resultado da autenticação (Agent → Client).
// Formato: [OK 1B] [AttemptsLeft 1B] [Message str]
type AuthResponse struct {
	OK           bool
	AttemptsLeft byte
	Message      string
}

func EncodeAuthResponse(a *AuthResponse) ([]byte, error) {
	ok := byte(0)
	if a.OK {
		ok = 1
	}
	return appendString([]byte{ok, a.AttemptsLeft}, a.Message)
}

func DecodeAuthResponse(p []byte) (*AuthResponse, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("%w: auth response needs 2 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	msg, _, err := readString(p, 2, "message")
	if err != nil {
		return nil, err
	}
	return &AuthResponse{OK: p[0] != 0, AttemptsLeft: p[1], Message: msg}, nil
}

// --- Pareamento ---

// Estados de pareamento no wire.
const (
	PairingStateAwaitingKey          byte = 0x00
	PairingStateAwaitingVerification byte = 0x01
	PairingStateCompleted            byte = 0x02
	PairingStateCancelled            byte = 0x03
	PairingStateExpired              byte = 0x04
)

// Status de PairingResult.
const (
	PairingStatusTrusted  byte = 0x00
	PairingStatusRejected byte = 0x01
	PairingStatusFailed   byte = 0x02
)

// PairingKey submete a chave pública do dispositivo móvel (Client → Agent).
// Formato: [PairingID str] [DeviceID str] [DeviceName str] [PublicKey str]
// PublicKey é X.509 SubjectPublicKeyInfo em base64.
type PairingKey struct {
	PairingID  string
	DeviceID   string
	DeviceName string
	PublicKey  string
}

func EncodePairingKey(k *PairingKey) ([]byte, error) {
	buf, err := appendString(nil, k.PairingID)
	if err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, k.DeviceID); err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, k.DeviceName); err != nil {
		return nil, err
	}
	return appendString(buf, k.PublicKey)
}

func DecodePairingKey(p []byte) (*PairingKey, error) {
	pairingID, off, err := readString(p, 0, "pairingId")
	if err != nil {
		return nil, err
	}
	deviceID, off, err := readString(p, off, "deviceId")
	if err != nil {
		return nil, err
	}
	deviceName, off, err := readString(p, off, "deviceName")
	if err != nil {
		return nil, err
	}
	pubKey, _, err := readString(p, off, "publicKey")
	if err != nil {
		return nil, err
	}
	return &PairingKey{PairingID: pairingID, DeviceID: deviceID, DeviceName: deviceName, PublicKey: pubKey}, nil
}

// PairingKeyResponse confirma a recepção da chave (Agent → Client).
// O código de verificação NUNCA atravessa o wire: ambos os lados o derivam
// do segredo ECDH e o usuário compara visualmente.
// Formato: [State 1B] [ExpiresAtMs uint64 8B] [AgentFingerprint str] [MobileFingerprint str]
type PairingKeyResponse struct {
	State             byte
	ExpiresAtMs       uint64
	AgentFingerprint  string
	MobileFingerprint string
}

func EncodePairingKeyResponse(r *PairingKeyResponse) ([]byte, error) {
	buf := make([]byte, 9)
	buf[0] = r.State
	binary.BigEndian.PutUint64(buf[1:9], r.ExpiresAtMs)
	buf, err := appendString(buf, r.AgentFingerprint)
	if err != nil {
		return nil, err
	}
	return appendString(buf, r.MobileFingerprint)
}

func DecodePairingKeyResponse(p []byte) (*PairingKeyResponse, error) {
	if len(p) < 9 {
		return nil, fmt.Errorf("%w: pairing key response needs 9 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	agentFP, off, err := readString(p, 9, "agentFingerprint")
	if err != nil {
		return nil, err
	}
	mobileFP, _, err := readString(p, off, "mobileFingerprint")
	if err != nil {
		return nil, err
	}
	return &PairingKeyResponse{
		State:             p[0],
		ExpiresAtMs:       binary.BigEndian.Uint64(p[1:9]),
		AgentFingerprint:  agentFP,
		MobileFingerprint: mobileFP,
	}, nil
}

// PairingConfirm informa a decisão do usuário móvel (Client → Agent).
// Formato: [Confirmed 1B] [PairingID str]
type PairingConfirm struct {
	Confirmed bool
	PairingID string
}

func EncodePairingConfirm(c *PairingConfirm) ([]byte, error) {
	confirmed := byte(0)
	if c.Confirmed {
		confirmed = 1
	}
	return appendString([]byte{confirmed}, c.PairingID)
}

func DecodePairingConfirm(p []byte) (*PairingConfirm, error) {
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: pairing confirm is empty", ErrInvalidPayload)
	}
	pairingID, _, err := readString(p, 1, "pairingId")
	if err != nil {
		return nil, err
	}
	return &PairingConfirm{Confirmed: p[0] != 0, PairingID: pairingID}, nil
}

// PairingResult encerra o fluxo de pareamento (Agent → Client).
// Formato: [Status 1B] [RetryAfterSeconds uint32 4B] [DeviceID str] [Message str]
// RetryAfterSeconds só é significativo quando o status indica rate limit (Message = RATE_LIMITED).
type PairingResult struct {
	Status            byte
	RetryAfterSeconds uint32
	DeviceID          string
	Message           string
}

func EncodePairingResult(r *PairingResult) ([]byte, error) {
	buf := make([]byte, 5)
	buf[0] = r.Status
	binary.BigEndian.PutUint32(buf[1:5], r.RetryAfterSeconds)
	buf, err := appendString(buf, r.DeviceID)
	if err != nil {
		return nil, err
	}
	return appendString(buf, r.Message)
}

func DecodePairingResult(p []byte) (*PairingResult, error) {
	if len(p) < 5 {
		return nil, fmt.Errorf("%w: pairing result needs 5 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	deviceID, off, err := readString(p, 5, "deviceId")
	if err != nil {
		return nil, err
	}
	msg, _, err := readString(p, off, "message")
	if err != nil {
		return nil, err
	}
	return &PairingResult{
		Status:            p[0],
		RetryAfterSeconds: binary.BigEndian.Uint32(p[1:5]),
		DeviceID:          deviceID,
		Message:           msg,
	}, nil
}

// --- Ciclo de vida de sessão ---

// SessionCreate solicita uma nova sessão PTY (Client → Agent).
// Shell vazio usa o shell default do agent; WorkingDir vazio usa o home.
// Formato: [Cols 2B] [Rows 2B] [Shell str] [WorkingDir str] [EnvCount 2B] + N × ([Key str] [Value str])
type SessionCreate struct {
	Cols       uint16
	Rows       uint16
	Shell      string
	WorkingDir string
	Env        map[string]string
}

func EncodeSessionCreate(c *SessionCreate) ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], c.Cols)
	binary.BigEndian.PutUint16(buf[2:4], c.Rows)
	buf, err := appendString(buf, c.Shell)
	if err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, c.WorkingDir); err != nil {
		return nil, err
	}
	if len(c.Env) > maxStringLen {
		return nil, fmt.Errorf("%w: %d env entries exceed limit", ErrInvalidPayload, len(c.Env))
	}
	count := make([]byte, 2)
	binary.BigEndian.PutUint16(count, uint16(len(c.Env)))
	buf = append(buf, count...)
	for k, v := range c.Env {
		if buf, err = appendString(buf, k); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func DecodeSessionCreate(p []byte) (*SessionCreate, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("%w: session create needs 4 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	c := &SessionCreate{
		Cols: binary.BigEndian.Uint16(p[0:2]),
		Rows: binary.BigEndian.Uint16(p[2:4]),
	}
	var err error
	var off int
	if c.Shell, off, err = readString(p, 4, "shell"); err != nil {
		return nil, err
	}
	if c.WorkingDir, off, err = readString(p, off, "workingDir"); err != nil {
		return nil, err
	}
	if len(p)-off < 2 {
		return nil, fmt.Errorf("%w: truncated env count", ErrInvalidPayload)
	}
	count := int(binary.BigEndian.Uint16(p[off : off+2]))
	off += 2
	if count > 0 {
		c.Env = make(map[string]string, count)
	}
	for i := 0; i < count; i++ {
		var k, v string
		if k, off, err = readString(p, off, "env key"); err != nil {
			return nil, err
		}
		if v, off, err = readString(p, off, "env value"); err != nil {
			return nil, err
		}
		c.Env[k] = v
	}
	return c, nil
}

// SessionCreated confirma a criação (Agent → Client). O wire id numérico
// viaja no header; o payload carrega o id opaco e as dimensões efetivas.
// Formato: [Cols 2B] [Rows 2B] [SessionID str]
type SessionCreated struct {
	Cols      uint16
	Rows      uint16
	SessionID string
}

func EncodeSessionCreated(c *SessionCreated) ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], c.Cols)
	binary.BigEndian.PutUint16(buf[2:4], c.Rows)
	return appendString(buf, c.SessionID)
}

func DecodeSessionCreated(p []byte) (*SessionCreated, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("%w: session created needs 4 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	id, _, err := readString(p, 4, "sessionId")
	if err != nil {
		return nil, err
	}
	return &SessionCreated{
		Cols:      binary.BigEndian.Uint16(p[0:2]),
		Rows:      binary.BigEndian.Uint16(p[2:4]),
		SessionID: id,
	}, nil
}

// SessionInfo descreve uma sessão na listagem.
// Formato: [WireID int32 4B] [State 1B] [Cols 2B] [Rows 2B] [Clients 2B]
//          [CreatedAtMs uint64 8B] [LastActivityMs uint64 8B] [SessionID str] [Shell str]
type SessionInfo struct {
	WireID         int32
	State          byte
	Cols           uint16
	Rows           uint16
	Clients        uint16
	CreatedAtMs    uint64
	LastActivityMs uint64
	SessionID      string
	Shell          string
}

// SessionListReply lista as sessões vivas (Agent → Client).
// Formato: [Count 2B] + Count × SessionInfo
type SessionListReply struct {
	Sessions []SessionInfo
}

func EncodeSessionListReply(l *SessionListReply) ([]byte, error) {
	if len(l.Sessions) > maxStringLen {
		return nil, fmt.Errorf("%w: %d sessions exceed list limit", ErrInvalidPayload, len(l.Sessions))
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(l.Sessions)))
	for i := range l.Sessions {
		s := &l.Sessions[i]
		fixed := make([]byte, 27)
		binary.BigEndian.PutUint32(fixed[0:4], uint32(s.WireID))
		fixed[4] = s.State
		binary.BigEndian.PutUint16(fixed[5:7], s.Cols)
		binary.BigEndian.PutUint16(fixed[7:9], s.Rows)
		binary.BigEndian.PutUint16(fixed[9:11], s.Clients)
		binary.BigEndian.PutUint64(fixed[11:19], s.CreatedAtMs)
		binary.BigEndian.PutUint64(fixed[19:27], s.LastActivityMs)
		buf = append(buf, fixed...)
		var err error
		if buf, err = appendString(buf, s.SessionID); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, s.Shell); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func DecodeSessionListReply(p []byte) (*SessionListReply, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("%w: session list needs count, got %d bytes", ErrInvalidPayload, len(p))
	}
	count := int(binary.BigEndian.Uint16(p[0:2]))
	off := 2
	sessions := make([]SessionInfo, 0, count)
	for i := 0; i < count; i++ {
		if len(p)-off < 27 {
			return nil, fmt.Errorf("%w: truncated session info", ErrInvalidPayload)
		}
		s := SessionInfo{
			WireID:         int32(binary.BigEndian.Uint32(p[off : off+4])),
			State:          p[off+4],
			Cols:           binary.BigEndian.Uint16(p[off+5 : off+7]),
			Rows:           binary.BigEndian.Uint16(p[off+7 : off+9]),
			Clients:        binary.BigEndian.Uint16(p[off+9 : off+11]),
			CreatedAtMs:    binary.BigEndian.Uint64(p[off+11 : off+19]),
			LastActivityMs: binary.BigEndian.Uint64(p[off+19 : off+27]),
		}
		off += 27
		var err error
		if s.SessionID, off, err = readString(p, off, "sessionId"); err != nil {
			return nil, err
		}
		if s.Shell, off, err = readString(p, off, "shell"); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return &SessionListReply{Sessions: sessions}, nil
}

// SessionAttach solicita a reconexão a uma sessão existente (Client → Agent).
// LastSeq é o último sequence number entregue ao client; o replay começa em
// LastSeq+1. HasLastSeq = false delega ao agent o lastSeq registrado na
// desconexão.
// Formato: [Flags 1B (bit0 = HasLastSeq)] [LastSeq uint64 8B] [SessionID str]
type SessionAttach struct {
	HasLastSeq bool
	LastSeq    uint64
	SessionID  string
}

func EncodeSessionAttach(a *SessionAttach) ([]byte, error) {
	buf := make([]byte, 9)
	if a.HasLastSeq {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], a.LastSeq)
	return appendString(buf, a.SessionID)
}

func DecodeSessionAttach(p []byte) (*SessionAttach, error) {
	if len(p) < 9 {
		return nil, fmt.Errorf("%w: session attach needs 9 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	id, _, err := readString(p, 9, "sessionId")
	if err != nil {
		return nil, err
	}
	return &SessionAttach{
		HasLastSeq: p[0]&0x01 != 0,
		LastSeq:    binary.BigEndian.Uint64(p[1:9]),
		SessionID:  id,
	}, nil
}

// SessionClose pede o encerramento da sessão do header (Client → Agent).
// Formato: [GraceMs uint32 4B] — 0 encerra imediatamente.
type SessionClose struct {
	GraceMs uint32
}

func EncodeSessionClose(c *SessionClose) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, c.GraceMs)
	return buf
}

func DecodeSessionClose(p []byte) (*SessionClose, error) {
	if len(p) != 4 {
		return nil, fmt.Errorf("%w: session close payload must be 4 bytes, got %d", ErrInvalidPayload, len(p))
	}
	return &SessionClose{GraceMs: binary.BigEndian.Uint32(p)}, nil
}

// SessionClosed notifica o encerramento de uma sessão (Agent → Client).
// Enviado em resposta a SessionClose e também quando o processo sai por
// conta própria.
// Formato: [ExitCode int32 4B] [Reason str]
type SessionClosed struct {
	ExitCode int32
	Reason   string
}

func EncodeSessionClosed(c *SessionClosed) ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(c.ExitCode))
	return appendString(buf, c.Reason)
}

func DecodeSessionClosed(p []byte) (*SessionClosed, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("%w: session closed needs 4 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	reason, _, err := readString(p, 4, "reason")
	if err != nil {
		return nil, err
	}
	return &SessionClosed{ExitCode: int32(binary.BigEndian.Uint32(p[0:4])), Reason: reason}, nil
}

// --- Dados ---

// outputFixedSize é o prefixo fixo do payload de Output antes dos dados.
const outputFixedSize = 18

// Flags de Output.
const (
	// OutputFlagDataLost indica que houve perda de chunks imediatamente
	// antes deste (replay truncado pela evicção do ring buffer).
	OutputFlagDataLost byte = 0x01
)

// Output transporta um chunk de saída do PTY (Agent → Client).
// Formato: [Seq uint64 8B] [TimestampMs uint64 8B] [Compression 1B] [Flags 1B] [Data ...]
// Data ocupa o restante do payload.
type Output struct {
	Seq         uint64
	TimestampMs uint64
	Compression byte
	Flags       byte
	Data        []byte
}

func EncodeOutput(o *Output) []byte {
	buf := make([]byte, outputFixedSize+len(o.Data))
	binary.BigEndian.PutUint64(buf[0:8], o.Seq)
	binary.BigEndian.PutUint64(buf[8:16], o.TimestampMs)
	buf[16] = o.Compression
	buf[17] = o.Flags
	copy(buf[outputFixedSize:], o.Data)
	return buf
}

func DecodeOutput(p []byte) (*Output, error) {
	if len(p) < outputFixedSize {
		return nil, fmt.Errorf("%w: output needs %d fixed bytes, got %d", ErrInvalidPayload, outputFixedSize, len(p))
	}
	data := make([]byte, len(p)-outputFixedSize)
	copy(data, p[outputFixedSize:])
	return &Output{
		Seq:         binary.BigEndian.Uint64(p[0:8]),
		TimestampMs: binary.BigEndian.Uint64(p[8:16]),
		Compression: p[16],
		Flags:       p[17],
		Data:        data,
	}, nil
}

// Input transporta bytes de teclado/colagem (Client → Agent).
// O payload inteiro são os dados, sem prefixo. Aplicado na ordem de chegada.

// Resize ajusta as dimensões do PTY (Client → Agent).
// Formato: [Cols 2B] [Rows 2B]
type Resize struct {
	Cols uint16
	Rows uint16
}

func EncodeResize(r *Resize) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], r.Cols)
	binary.BigEndian.PutUint16(buf[2:4], r.Rows)
	return buf
}

func DecodeResize(p []byte) (*Resize, error) {
	if len(p) != 4 {
		return nil, fmt.Errorf("%w: resize payload must be 4 bytes, got %d", ErrInvalidPayload, len(p))
	}
	return &Resize{
		Cols: binary.BigEndian.Uint16(p[0:2]),
		Rows: binary.BigEndian.Uint16(p[2:4]),
	}, nil
}

// Signal entrega um sinal ao processo da sessão (Client → Agent).
// Formato: [Signal 1B] — valores SignalHUP..SignalWINCH.
type Signal struct {
	Signal byte
}

func EncodeSignal(s *Signal) []byte {
	return []byte{s.Signal}
}

func DecodeSignal(p []byte) (*Signal, error) {
	if len(p) != 1 {
		return nil, fmt.Errorf("%w: signal payload must be 1 byte, got %d", ErrInvalidPayload, len(p))
	}
	return &Signal{Signal: p[0]}, nil
}

// --- Estado do terminal ---

// Flags de StateSnapshot.
const (
	SnapshotFlagDataLost      byte = 0x01
	SnapshotFlagCursorVisible byte = 0x02
)

// snapshotFixedSize é o prefixo fixo do payload de StateSnapshot.
const snapshotFixedSize = 35

// StateSnapshot carrega o estado coarse do terminal para reconexão
// (Agent → Client). Screen é opaco para o agent.
// Formato: [Seq uint64 8B] [Cols 2B] [Rows 2B] [CursorX 2B] [CursorY 2B] [Flags 1B]
//          [Fg uint32 4B] [Bg uint32 4B] [Attrs 2B] [ScrollbackOffset uint32 4B]
//          [ScrollbackTotal uint32 4B] [Screen ...]
type StateSnapshot struct {
	Seq              uint64
	Cols             uint16
	Rows             uint16
	CursorX          uint16
	CursorY          uint16
	CursorVisible    bool
	DataLost         bool
	Fg               uint32
	Bg               uint32
	Attrs            uint16
	ScrollbackOffset uint32
	ScrollbackTotal  uint32
	Screen           []byte
}

func EncodeStateSnapshot(s *StateSnapshot) []byte {
	buf := make([]byte, snapshotFixedSize+len(s.Screen))
	binary.BigEndian.PutUint64(buf[0:8], s.Seq)
	binary.BigEndian.PutUint16(buf[8:10], s.Cols)
	binary.BigEndian.PutUint16(buf[10:12], s.Rows)
	binary.BigEndian.PutUint16(buf[12:14], s.CursorX)
	binary.BigEndian.PutUint16(buf[14:16], s.CursorY)
	var flags byte
	if s.DataLost {
		flags |= SnapshotFlagDataLost
	}
	if s.CursorVisible {
		flags |= SnapshotFlagCursorVisible
	}
	buf[16] = flags
	binary.BigEndian.PutUint32(buf[17:21], s.Fg)
	binary.BigEndian.PutUint32(buf[21:25], s.Bg)
	binary.BigEndian.PutUint16(buf[25:27], s.Attrs)
	binary.BigEndian.PutUint32(buf[27:31], s.ScrollbackOffset)
	binary.BigEndian.PutUint32(buf[31:35], s.ScrollbackTotal)
	copy(buf[snapshotFixedSize:], s.Screen)
	return buf
}

func DecodeStateSnapshot(p []byte) (*StateSnapshot, error) {
	if len(p) < snapshotFixedSize {
		return nil, fmt.Errorf("%w: snapshot needs %d fixed bytes, got %d", ErrInvalidPayload, snapshotFixedSize, len(p))
	}
	screen := make([]byte, len(p)-snapshotFixedSize)
	copy(screen, p[snapshotFixedSize:])
	flags := p[16]
	return &StateSnapshot{
		Seq:              binary.BigEndian.Uint64(p[0:8]),
		Cols:             binary.BigEndian.Uint16(p[8:10]),
		Rows:             binary.BigEndian.Uint16(p[10:12]),
		CursorX:          binary.BigEndian.Uint16(p[12:14]),
		CursorY:          binary.BigEndian.Uint16(p[14:16]),
		CursorVisible:    flags&SnapshotFlagCursorVisible != 0,
		DataLost:         flags&SnapshotFlagDataLost != 0,
		Fg:               binary.BigEndian.Uint32(p[17:21]),
		Bg:               binary.BigEndian.Uint32(p[21:25]),
		Attrs:            binary.BigEndian.Uint16(p[25:27]),
		ScrollbackOffset: binary.BigEndian.Uint32(p[27:31]),
		ScrollbackTotal:  binary.BigEndian.Uint32(p[31:35]),
		Screen:           screen,
	}, nil
}

// ScrollbackRequest pede uma página de scrollback (Client → Agent).
// Formato: [StartLine uint32 4B] [LineCount uint32 4B]
type ScrollbackRequest struct {
	StartLine uint32
	LineCount uint32
}

func EncodeScrollbackRequest(r *ScrollbackRequest) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], r.StartLine)
	binary.BigEndian.PutUint32(buf[4:8], r.LineCount)
	return buf
}

func DecodeScrollbackRequest(p []byte) (*ScrollbackRequest, error) {
	if len(p) != 8 {
		return nil, fmt.Errorf("%w: scrollback request payload must be 8 bytes, got %d", ErrInvalidPayload, len(p))
	}
	return &ScrollbackRequest{
		StartLine: binary.BigEndian.Uint32(p[0:4]),
		LineCount: binary.BigEndian.Uint32(p[4:8]),
	}, nil
}

// Flags de ScrollbackReply.
const (
	// ScrollbackFlagTruncated indica que o início solicitado já saiu do buffer.
	ScrollbackFlagTruncated byte = 0x01
)

// ScrollbackReply devolve uma página de scrollback (Agent → Client).
// Formato: [StartLine uint32 4B] [TotalLines uint32 4B] [Flags 1B] [Data ...]
type ScrollbackReply struct {
	StartLine  uint32
	TotalLines uint32
	Flags      byte
	Data       []byte
}

func EncodeScrollbackReply(r *ScrollbackReply) []byte {
	buf := make([]byte, 9+len(r.Data))
	binary.BigEndian.PutUint32(buf[0:4], r.StartLine)
	binary.BigEndian.PutUint32(buf[4:8], r.TotalLines)
	buf[8] = r.Flags
	copy(buf[9:], r.Data)
	return buf
}

func DecodeScrollbackReply(p []byte) (*ScrollbackReply, error) {
	if len(p) < 9 {
		return nil, fmt.Errorf("%w: scrollback reply needs 9 fixed bytes, got %d", ErrInvalidPayload, len(p))
	}
	data := make([]byte, len(p)-9)
	copy(data, p[9:])
	return &ScrollbackReply{
		StartLine:  binary.BigEndian.Uint32(p[0:4]),
		TotalLines: binary.BigEndian.Uint32(p[4:8]),
		Flags:      p[8],
		Data:       data,
	}, nil
}

// --- Controle de fluxo ---

// FlowControl pausa/retoma a saída de uma sessão (Client → Agent).
// RateBytesPerSec > 0 em Resume aplica throttle; 0 remove o limite.
// Formato: [Action 1B] [RateBytesPerSec uint32 4B]
type FlowControl struct {
	Action          byte
	RateBytesPerSec uint32
}

func EncodeFlowControl(f *FlowControl) []byte {
	buf := make([]byte, 5)
	buf[0] = f.Action
	binary.BigEndian.PutUint32(buf[1:5], f.RateBytesPerSec)
	return buf
}

func DecodeFlowControl(p []byte) (*FlowControl, error) {
	if len(p) != 5 {
		return nil, fmt.Errorf("%w: flow control payload must be 5 bytes, got %d", ErrInvalidPayload, len(p))
	}
	return &FlowControl{Action: p[0], RateBytesPerSec: binary.BigEndian.Uint32(p[1:5])}, nil
}

// WindowUpdate confirma a entrega de chunks e concede janela (Client → Agent).
// AckedSeq alimenta o registro de desconexão para replay posterior.
// Formato: [AckedSeq uint64 8B] [WindowBytes uint32 4B]
type WindowUpdate struct {
	AckedSeq    uint64
	WindowBytes uint32
}

func EncodeWindowUpdate(w *WindowUpdate) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], w.AckedSeq)
	binary.BigEndian.PutUint32(buf[8:12], w.WindowBytes)
	return buf
}

func DecodeWindowUpdate(p []byte) (*WindowUpdate, error) {
	if len(p) != 12 {
		return nil, fmt.Errorf("%w: window update payload must be 12 bytes, got %d", ErrInvalidPayload, len(p))
	}
	return &WindowUpdate{
		AckedSeq:    binary.BigEndian.Uint64(p[0:8]),
		WindowBytes: binary.BigEndian.Uint32(p[8:12]),
	}, nil
}
