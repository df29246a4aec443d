// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário Terminox de multiplexação
// de sessões de terminal entre agent e clients, transportado em mensagens
// binárias WebSocket (um frame por mensagem) ou em qualquer byte stream.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion é a versão atual do protocolo de frames.
const ProtocolVersion byte = 0x01

// HeaderSize é o tamanho fixo do header de frame no wire.
// Formato (big-endian): [Version 1B] [SessionID int32 4B] [Type 1B] [PayloadLength uint32 4B]
const HeaderSize = 10

// ControlSessionID é o sessionId reservado para frames não vinculados a sessão.
const ControlSessionID int32 = 0

// DefaultMaxPayload é o limite default de payload por frame (1 MiB).
// Frames com PayloadLength acima do limite configurado são rejeitados
// antes de qualquer alocação.
const DefaultMaxPayload uint32 = 1 << 20

// FrameType identifica o tipo de um frame no wire.
type FrameType byte

// Códigos de frame. Os valores são estáveis; lacunas são permitidas.
// As faixas 0x20–0x2F e 0x60+ são reservadas para uso futuro e devem
// ser rejeitadas, nunca ignoradas.
const (
	// Controle (SessionID = 0)
	FrameVersionNegotiation FrameType = 0x00
	FrameVersionResponse    FrameType = 0x01
	FrameCapabilityExchange FrameType = 0x02
	FrameCapabilityResponse FrameType = 0x03
	FrameHeartbeat          FrameType = 0x04
	FrameHeartbeatAck       FrameType = 0x05
	FrameError              FrameType = 0x06
	FrameAuthRequest        FrameType = 0x07
	FrameAuthResponse       FrameType = 0x08

	// Pareamento de dispositivo (SessionID = 0)
	FramePairingKey         FrameType = 0x0A
	FramePairingKeyResponse FrameType = 0x0B
	FramePairingConfirm     FrameType = 0x0C
	FramePairingResult      FrameType = 0x0D

	// Ciclo de vida de sessão
	FrameSessionCreate    FrameType = 0x10
	FrameSessionCreated   FrameType = 0x11
	FrameSessionList      FrameType = 0x12
	FrameSessionListReply FrameType = 0x13
	FrameSessionAttach    FrameType = 0x14
	FrameSessionDetach    FrameType = 0x15
	FrameSessionClose     FrameType = 0x16
	FrameSessionClosed    FrameType = 0x17

	// Dados
	FrameOutput FrameType = 0x30
	FrameInput  FrameType = 0x31
	FrameResize FrameType = 0x32
	FrameSignal FrameType = 0x33

	// Estado do terminal
	FrameStateSnapshot     FrameType = 0x40
	FrameStateDelta        FrameType = 0x41
	FrameScrollbackRequest FrameType = 0x42
	FrameScrollbackReply   FrameType = 0x43

	// Controle de fluxo
	FrameFlowControl  FrameType = 0x50
	FrameWindowUpdate FrameType = 0x51
)

// frameNames mapeia códigos para nomes legíveis (logs e erros).
var frameNames = map[FrameType]string{
	FrameVersionNegotiation: "version-negotiation",
	FrameVersionResponse:    "version-response",
	FrameCapabilityExchange: "capability-exchange",
	FrameCapabilityResponse: "capability-response",
	FrameHeartbeat:          "heartbeat",
	FrameHeartbeatAck:       "heartbeat-ack",
	FrameError:              "error",
	FrameAuthRequest:        "auth-request",
	FrameAuthResponse:       "auth-response",
	FramePairingKey:         "pairing-key",
	FramePairingKeyResponse: "pairing-key-response",
	FramePairingConfirm:     "pairing-confirm",
	FramePairingResult:      "pairing-result",
	FrameSessionCreate:      "session-create",
	FrameSessionCreated:     "session-created",
	FrameSessionList:        "session-list",
	FrameSessionListReply:   "session-list-reply",
	FrameSessionAttach:      "session-attach",
	FrameSessionDetach:      "session-detach",
	FrameSessionClose:       "session-close",
	FrameSessionClosed:      "session-closed",
	FrameOutput:             "output",
	FrameInput:              "input",
	FrameResize:             "resize",
	FrameSignal:             "signal",
	FrameStateSnapshot:      "state-snapshot",
	FrameStateDelta:         "state-delta",
	FrameScrollbackRequest:  "scrollback-request",
	FrameScrollbackReply:    "scrollback-reply",
	FrameFlowControl:        "flow-control",
	FrameWindowUpdate:       "window-update",
}

// String retorna o nome legível do tipo de frame.
func (t FrameType) String() string {
	if name, ok := frameNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Known informa se o código é um tipo de frame conhecido desta versão.
func (t FrameType) Known() bool {
	_, ok := frameNames[t]
	return ok
}

// Erros do codec.
var (
	ErrUnknownFrameType  = errors.New("protocol: unknown frame type")
	ErrPayloadTooLarge   = errors.New("protocol: payload exceeds maximum size")
	ErrIncompleteHeader  = errors.New("protocol: incomplete frame header")
	ErrIncompletePayload = errors.New("protocol: incomplete frame payload")
	ErrInvalidPayload    = errors.New("protocol: invalid payload")
)

// Códigos de erro de protocolo transportados em frames Error.
// Os nomes são estáveis no wire.
const (
	CodeUnknownFrameType = "UNKNOWN_FRAME_TYPE"
	CodeVersionMismatch  = "VERSION_MISMATCH"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionLimit     = "SESSION_LIMIT"
	CodeNotAuthorized    = "NOT_AUTHORIZED"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeWindowExpired    = "WINDOW_EXPIRED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ProtocolError é um erro destinado ao wire como frame Error.
// Fatal indica que a conexão deve ser encerrada após o envio.
type ProtocolError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// NewProtocolError cria um ProtocolError não fatal.
func NewProtocolError(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// NewFatalError cria um ProtocolError fatal (conexão deve fechar).
func NewFatalError(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Fatal: true}
}

// Tipos de compressão no metadado de frames Output.
// Zstd e LZ4 são reservados e nunca produzidos nesta versão.
const (
	CompressionNone    byte = 0x00
	CompressionDeflate byte = 0x01
	CompressionZstd    byte = 0x02
	CompressionLZ4     byte = 0x03
)

// Métodos de autenticação no wire.
const (
	AuthMethodNone        byte = 0x00
	AuthMethodToken       byte = 0x01
	AuthMethodCertificate byte = 0x02
)

// Sinais no wire (valores fixos do protocolo, independentes da plataforma).
const (
	SignalHUP   byte = 1
	SignalINT   byte = 2
	SignalKILL  byte = 9
	SignalTERM  byte = 15
	SignalCONT  byte = 18
	SignalSTOP  byte = 19
	SignalWINCH byte = 28
)

// Estados de sessão no wire (SessionListReply).
const (
	SessionStateStarting   byte = 0x00
	SessionStateActive     byte = 0x01
	SessionStateDetached   byte = 0x02
	SessionStateTerminated byte = 0x03
)

// Ações de controle de fluxo (FlowControl).
const (
	FlowPause  byte = 0x00
	FlowResume byte = 0x01
)

// Capacidades negociadas no capability-exchange. O uso de state-sync,
// scrollback-replay e flow-control é condicionado à negociação.
const (
	CapStateSync        = "state-sync"
	CapScrollbackReplay = "scrollback-replay"
	CapFlowControl      = "flow-control"
	CapCompression      = "compression"
	CapReconnect        = "reconnect"
)

// Frame é a unidade de transporte do protocolo: header fixo + payload tipado.
type Frame struct {
	Version   byte
	SessionID int32
	Type      FrameType
	Payload   []byte
}

// NewControlFrame cria um frame de controle (SessionID = 0).
func NewControlFrame(t FrameType, payload []byte) *Frame {
	return &Frame{Version: ProtocolVersion, SessionID: ControlSessionID, Type: t, Payload: payload}
}

// NewSessionFrame cria um frame vinculado a uma sessão.
func NewSessionFrame(t FrameType, sessionID int32, payload []byte) *Frame {
	return &Frame{Version: ProtocolVersion, SessionID: sessionID, Type: t, Payload: payload}
}

// Encode serializa o frame em um único slice contíguo (header + payload).
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Version
	binary.BigEndian.PutUint32(buf[1:5], uint32(f.SessionID))
	buf[5] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame decodifica um frame de um slice completo (mensagem WebSocket).
// O payload declarado é validado contra maxPayload ANTES de qualquer cópia.
// maxPayload <= 0 aplica DefaultMaxPayload.
func DecodeFrame(buf []byte, maxPayload uint32) (*Frame, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrIncompleteHeader, len(buf), HeaderSize)
	}

	frameType := FrameType(buf[5])
	if !frameType.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, byte(frameType))
	}

	payloadLen := binary.BigEndian.Uint32(buf[6:10])
	if payloadLen > maxPayload {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrPayloadTooLarge, payloadLen, maxPayload)
	}
	if uint32(len(buf)-HeaderSize) < payloadLen {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrIncompletePayload, payloadLen, len(buf)-HeaderSize)
	}

	// Cópia defensiva: o slice de entrada pode ser reutilizado pelo transporte.
	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:HeaderSize+int(payloadLen)])

	return &Frame{
		Version:   buf[0],
		SessionID: int32(binary.BigEndian.Uint32(buf[1:5])),
		Type:      frameType,
		Payload:   payload,
	}, nil
}
