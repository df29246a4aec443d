// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestHeartbeat_WireLayout(t *testing.T) {
	hb := &Heartbeat{Seq: 12345, TimestampMs: 1700000000000, PendingAcks: 3}
	frame := NewControlFrame(FrameHeartbeat, EncodeHeartbeat(hb))
	encoded := frame.Encode()

	// Header: version=1, sessionId=0, type=0x04, payloadLength=20 — 10 bytes.
	if len(encoded) != HeaderSize+20 {
		t.Fatalf("expected %d bytes on the wire, got %d", HeaderSize+20, len(encoded))
	}
	if encoded[0] != 0x01 {
		t.Errorf("expected version 0x01, got 0x%02x", encoded[0])
	}
	if sid := binary.BigEndian.Uint32(encoded[1:5]); sid != 0 {
		t.Errorf("expected control sessionId 0, got %d", sid)
	}
	if encoded[5] != 0x04 {
		t.Errorf("expected frame type 0x04, got 0x%02x", encoded[5])
	}
	if plen := binary.BigEndian.Uint32(encoded[6:10]); plen != 20 {
		t.Errorf("expected payloadLength 20, got %d", plen)
	}

	decoded, err := DecodeFrame(encoded, 0)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	got, err := DecodeHeartbeat(decoded.Payload)
	if err != nil {
		t.Fatalf("DecodeHeartbeat: %v", err)
	}
	if *got != *hb {
		t.Errorf("expected %+v, got %+v", hb, got)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		sessionID int32
		frameType FrameType
		payload   []byte
	}{
		{"control empty payload", ControlSessionID, FrameSessionList, nil},
		{"session input", 7, FrameInput, []byte("ls -la\n")},
		{"negative session id", -42, FrameError, []byte{0}},
		{"large output", 2147483647, FrameOutput, bytes.Repeat([]byte{0xAB}, 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewSessionFrame(tt.frameType, tt.sessionID, tt.payload)
			decoded, err := DecodeFrame(f.Encode(), 0)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if decoded.Version != ProtocolVersion {
				t.Errorf("expected version %d, got %d", ProtocolVersion, decoded.Version)
			}
			if decoded.SessionID != tt.sessionID {
				t.Errorf("expected sessionId %d, got %d", tt.sessionID, decoded.SessionID)
			}
			if decoded.Type != tt.frameType {
				t.Errorf("expected type %v, got %v", tt.frameType, decoded.Type)
			}
			if !bytes.Equal(decoded.Payload, tt.payload) {
				t.Errorf("payload mismatch: expected %d bytes, got %d", len(tt.payload), len(decoded.Payload))
			}
		})
	}
}

func TestDecodeFrame_UnknownType(t *testing.T) {
	tests := []struct {
		name string
		code byte
	}{
		{"reserved low range", 0x20},
		{"reserved low range end", 0x2F},
		{"reserved high range", 0x60},
		{"reserved far", 0xFF},
		{"gap in control range", 0x0F},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, HeaderSize)
			buf[0] = ProtocolVersion
			buf[5] = tt.code
			_, err := DecodeFrame(buf, 0)
			if !errors.Is(err, ErrUnknownFrameType) {
				t.Fatalf("expected ErrUnknownFrameType for 0x%02x, got: %v", tt.code, err)
			}
		})
	}
}

func TestDecodeFrame_PayloadTooLarge(t *testing.T) {
	// Header declara 512 MiB de payload; o decode deve falhar antes de
	// qualquer alocação mesmo com o buffer truncado.
	buf := make([]byte, HeaderSize)
	buf[0] = ProtocolVersion
	buf[5] = byte(FrameOutput)
	binary.BigEndian.PutUint32(buf[6:10], 512<<20)

	_, err := DecodeFrame(buf, DefaultMaxPayload)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got: %v", err)
	}
}

func TestDecodeFrame_IncompleteHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x00, 0x00}, 0)
	if !errors.Is(err, ErrIncompleteHeader) {
		t.Fatalf("expected ErrIncompleteHeader, got: %v", err)
	}
}

func TestDecodeFrame_IncompletePayload(t *testing.T) {
	f := NewSessionFrame(FrameInput, 1, []byte("hello world"))
	encoded := f.Encode()

	_, err := DecodeFrame(encoded[:len(encoded)-4], 0)
	if !errors.Is(err, ErrIncompletePayload) {
		t.Fatalf("expected ErrIncompletePayload, got: %v", err)
	}
}

func TestReadFrame_Stream(t *testing.T) {
	var buf bytes.Buffer
	first := NewControlFrame(FrameHeartbeat, EncodeHeartbeat(&Heartbeat{Seq: 1, TimestampMs: 100}))
	second := NewSessionFrame(FrameInput, 9, []byte("pwd\n"))
	if err := WriteFrame(&buf, first); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteFrame(&buf, second); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got1, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame first: %v", err)
	}
	if got1.Type != FrameHeartbeat {
		t.Errorf("expected heartbeat, got %v", got1.Type)
	}

	got2, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame second: %v", err)
	}
	if got2.SessionID != 9 || string(got2.Payload) != "pwd\n" {
		t.Errorf("expected session 9 with input payload, got session %d payload %q", got2.SessionID, got2.Payload)
	}

	// Stream vazio após o último frame — EOF limpo.
	if _, err := ReadFrame(&buf, 0); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on empty stream, got: %v", err)
	}
}

func TestReadFrame_TruncatedHeader(t *testing.T) {
	r := bytes.NewReader([]byte{0x01, 0x00, 0x00, 0x00})
	_, err := ReadFrame(r, 0)
	if !errors.Is(err, ErrIncompleteHeader) {
		t.Fatalf("expected ErrIncompleteHeader, got: %v", err)
	}
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	f := NewSessionFrame(FrameInput, 3, []byte("truncate me"))
	encoded := f.Encode()
	r := bytes.NewReader(encoded[:len(encoded)-5])

	_, err := ReadFrame(r, 0)
	if !errors.Is(err, ErrIncompletePayload) {
		t.Fatalf("expected ErrIncompletePayload, got: %v", err)
	}
}

func TestReadFrame_PayloadTooLarge(t *testing.T) {
	f := NewSessionFrame(FrameOutput, 1, bytes.Repeat([]byte{0x01}, 2048))
	r := bytes.NewReader(f.Encode())

	_, err := ReadFrame(r, 1024)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got: %v", err)
	}
}

func TestVersionNegotiation_RoundTrip(t *testing.T) {
	want := &VersionNegotiation{ClientVersion: 1, MinVersion: 1, MaxVersion: 2, ClientID: "client-a1b2"}
	encoded, err := EncodeVersionNegotiation(want)
	if err != nil {
		t.Fatalf("EncodeVersionNegotiation: %v", err)
	}
	got, err := DecodeVersionNegotiation(encoded)
	if err != nil {
		t.Fatalf("DecodeVersionNegotiation: %v", err)
	}
	if *got != *want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestVersionResponse_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp VersionResponse
	}{
		{"accepted", VersionResponse{SelectedVersion: 1, Accepted: true, ServerVersion: "1.4.0"}},
		{"rejected", VersionResponse{Accepted: false, ServerVersion: "1.4.0", RejectionReason: "client too old"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeVersionResponse(&tt.resp)
			if err != nil {
				t.Fatalf("EncodeVersionResponse: %v", err)
			}
			got, err := DecodeVersionResponse(encoded)
			if err != nil {
				t.Fatalf("DecodeVersionResponse: %v", err)
			}
			if *got != tt.resp {
				t.Errorf("expected %+v, got %+v", tt.resp, got)
			}
		})
	}
}

func TestCapabilitySet_RoundTrip(t *testing.T) {
	want := &CapabilitySet{Capabilities: []string{CapReconnect, CapFlowControl, CapCompression}}
	encoded, err := EncodeCapabilitySet(want)
	if err != nil {
		t.Fatalf("EncodeCapabilitySet: %v", err)
	}
	got, err := DecodeCapabilitySet(encoded)
	if err != nil {
		t.Fatalf("DecodeCapabilitySet: %v", err)
	}
	if !reflect.DeepEqual(got.Capabilities, want.Capabilities) {
		t.Errorf("expected %v, got %v", want.Capabilities, got.Capabilities)
	}
}

func TestCapabilitySet_Empty(t *testing.T) {
	encoded, err := EncodeCapabilitySet(&CapabilitySet{})
	if err != nil {
		t.Fatalf("EncodeCapabilitySet: %v", err)
	}
	got, err := DecodeCapabilitySet(encoded)
	if err != nil {
		t.Fatalf("DecodeCapabilitySet: %v", err)
	}
	if len(got.Capabilities) != 0 {
		t.Errorf("expected no capabilities, got %v", got.Capabilities)
	}
}

func TestErrorPayload_RoundTrip(t *testing.T) {
	want := &ErrorPayload{Fatal: true, Code: CodeSessionLimit, Message: "connection reached 2 sessions"}
	encoded, err := EncodeError(want)
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}
	got, err := DecodeError(encoded)
	if err != nil {
		t.Fatalf("DecodeError: %v", err)
	}
	if *got != *want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestAuthRequest_RoundTrip(t *testing.T) {
	want := &AuthRequest{Method: AuthMethodToken, Credential: "seCreT-tok3n"}
	encoded, err := EncodeAuthRequest(want)
	if err != nil {
		t.Fatalf("EncodeAuthRequest: %v", err)
	}
	got, err := DecodeAuthRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeAuthRequest: %v", err)
	}
	if *got != *want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSessionCreate_RoundTrip(t *testing.T) {
	want := &SessionCreate{
		Cols:       120,
		Rows:       40,
		Shell:      "/bin/zsh",
		WorkingDir: "/home/user/projects",
		Env:        map[string]string{"EDITOR": "vim", "PAGER": "less"},
	}
	encoded, err := EncodeSessionCreate(want)
	if err != nil {
		t.Fatalf("EncodeSessionCreate: %v", err)
	}
	got, err := DecodeSessionCreate(encoded)
	if err != nil {
		t.Fatalf("DecodeSessionCreate: %v", err)
	}
	if got.Cols != want.Cols || got.Rows != want.Rows || got.Shell != want.Shell || got.WorkingDir != want.WorkingDir {
		t.Errorf("fixed fields mismatch: expected %+v, got %+v", want, got)
	}
	if !reflect.DeepEqual(got.Env, want.Env) {
		t.Errorf("expected env %v, got %v", want.Env, got.Env)
	}
}

func TestSessionCreate_NoEnv(t *testing.T) {
	want := &SessionCreate{Cols: 80, Rows: 24}
	encoded, err := EncodeSessionCreate(want)
	if err != nil {
		t.Fatalf("EncodeSessionCreate: %v", err)
	}
	got, err := DecodeSessionCreate(encoded)
	if err != nil {
		t.Fatalf("DecodeSessionCreate: %v", err)
	}
	if got.Env != nil {
		t.Errorf("expected nil env, got %v", got.Env)
	}
	if got.Shell != "" || got.WorkingDir != "" {
		t.Errorf("expected empty shell and workingDir, got %q %q", got.Shell, got.WorkingDir)
	}
}

func TestSessionListReply_RoundTrip(t *testing.T) {
	want := &SessionListReply{
		Sessions: []SessionInfo{
			{
				WireID: 1, State: SessionStateActive, Cols: 80, Rows: 24, Clients: 1,
				CreatedAtMs: 1700000000000, LastActivityMs: 1700000060000,
				SessionID: "a9f1c2d3", Shell: "/bin/bash",
			},
			{
				WireID: 2, State: SessionStateDetached, Cols: 120, Rows: 40,
				CreatedAtMs: 1700000001000, LastActivityMs: 1700000002000,
				SessionID: "b8e2d3c4", Shell: "/bin/sh",
			},
		},
	}
	encoded, err := EncodeSessionListReply(want)
	if err != nil {
		t.Fatalf("EncodeSessionListReply: %v", err)
	}
	got, err := DecodeSessionListReply(encoded)
	if err != nil {
		t.Fatalf("DecodeSessionListReply: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSessionAttach_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		attach SessionAttach
	}{
		{"with last seq", SessionAttach{HasLastSeq: true, LastSeq: 981, SessionID: "sess-1"}},
		{"without last seq", SessionAttach{SessionID: "sess-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeSessionAttach(&tt.attach)
			if err != nil {
				t.Fatalf("EncodeSessionAttach: %v", err)
			}
			got, err := DecodeSessionAttach(encoded)
			if err != nil {
				t.Fatalf("DecodeSessionAttach: %v", err)
			}
			if *got != tt.attach {
				t.Errorf("expected %+v, got %+v", tt.attach, got)
			}
		})
	}
}

func TestSessionClosed_RoundTrip(t *testing.T) {
	want := &SessionClosed{ExitCode: -1, Reason: "process killed"}
	encoded, err := EncodeSessionClosed(want)
	if err != nil {
		t.Fatalf("EncodeSessionClosed: %v", err)
	}
	got, err := DecodeSessionClosed(encoded)
	if err != nil {
		t.Fatalf("DecodeSessionClosed: %v", err)
	}
	if *got != *want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestOutput_RoundTrip(t *testing.T) {
	want := &Output{
		Seq:         42,
		TimestampMs: 1700000000123,
		Compression: CompressionDeflate,
		Flags:       OutputFlagDataLost,
		Data:        []byte("compressed-bytes-here"),
	}
	got, err := DecodeOutput(EncodeOutput(want))
	if err != nil {
		t.Fatalf("DecodeOutput: %v", err)
	}
	if got.Seq != want.Seq || got.TimestampMs != want.TimestampMs ||
		got.Compression != want.Compression || got.Flags != want.Flags {
		t.Errorf("metadata mismatch: expected %+v, got %+v", want, got)
	}
	if !bytes.Equal(got.Data, want.Data) {
		t.Errorf("expected data %q, got %q", want.Data, got.Data)
	}
}

func TestOutput_EmptyData(t *testing.T) {
	got, err := DecodeOutput(EncodeOutput(&Output{Seq: 1}))
	if err != nil {
		t.Fatalf("DecodeOutput: %v", err)
	}
	if len(got.Data) != 0 {
		t.Errorf("expected empty data, got %d bytes", len(got.Data))
	}
}

func TestResize_RoundTrip(t *testing.T) {
	got, err := DecodeResize(EncodeResize(&Resize{Cols: 132, Rows: 43}))
	if err != nil {
		t.Fatalf("DecodeResize: %v", err)
	}
	if got.Cols != 132 || got.Rows != 43 {
		t.Errorf("expected 132x43, got %dx%d", got.Cols, got.Rows)
	}
}

func TestResize_WrongSize(t *testing.T) {
	if _, err := DecodeResize([]byte{0, 80}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got: %v", err)
	}
}

func TestStateSnapshot_RoundTrip(t *testing.T) {
	want := &StateSnapshot{
		Seq: 512, Cols: 80, Rows: 24, CursorX: 10, CursorY: 5,
		CursorVisible: true, DataLost: true, Fg: 0x00FF00, Bg: 0x000000,
		Attrs: 0x0003, ScrollbackOffset: 100, ScrollbackTotal: 2048,
		Screen: []byte("opaque screen contents"),
	}
	got, err := DecodeStateSnapshot(EncodeStateSnapshot(want))
	if err != nil {
		t.Fatalf("DecodeStateSnapshot: %v", err)
	}
	if got.Seq != want.Seq || got.Cols != want.Cols || got.Rows != want.Rows ||
		got.CursorX != want.CursorX || got.CursorY != want.CursorY ||
		got.CursorVisible != want.CursorVisible || got.DataLost != want.DataLost ||
		got.Fg != want.Fg || got.Bg != want.Bg || got.Attrs != want.Attrs ||
		got.ScrollbackOffset != want.ScrollbackOffset || got.ScrollbackTotal != want.ScrollbackTotal {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if !bytes.Equal(got.Screen, want.Screen) {
		t.Errorf("expected screen %q, got %q", want.Screen, got.Screen)
	}
}

func TestScrollback_RoundTrip(t *testing.T) {
	req, err := DecodeScrollbackRequest(EncodeScrollbackRequest(&ScrollbackRequest{StartLine: 40, LineCount: 100}))
	if err != nil {
		t.Fatalf("DecodeScrollbackRequest: %v", err)
	}
	if req.StartLine != 40 || req.LineCount != 100 {
		t.Errorf("expected start 40 count 100, got %d %d", req.StartLine, req.LineCount)
	}

	reply, err := DecodeScrollbackReply(EncodeScrollbackReply(&ScrollbackReply{
		StartLine: 0, TotalLines: 500, Flags: ScrollbackFlagTruncated, Data: []byte("line1\nline2\n"),
	}))
	if err != nil {
		t.Fatalf("DecodeScrollbackReply: %v", err)
	}
	if reply.TotalLines != 500 || reply.Flags != ScrollbackFlagTruncated {
		t.Errorf("expected total 500 truncated, got %d flags 0x%02x", reply.TotalLines, reply.Flags)
	}
}

func TestFlowControl_RoundTrip(t *testing.T) {
	got, err := DecodeFlowControl(EncodeFlowControl(&FlowControl{Action: FlowResume, RateBytesPerSec: 256 * 1024}))
	if err != nil {
		t.Fatalf("DecodeFlowControl: %v", err)
	}
	if got.Action != FlowResume || got.RateBytesPerSec != 256*1024 {
		t.Errorf("expected resume at 256KiB/s, got %+v", got)
	}
}

func TestWindowUpdate_RoundTrip(t *testing.T) {
	got, err := DecodeWindowUpdate(EncodeWindowUpdate(&WindowUpdate{AckedSeq: 77, WindowBytes: 32768}))
	if err != nil {
		t.Fatalf("DecodeWindowUpdate: %v", err)
	}
	if got.AckedSeq != 77 || got.WindowBytes != 32768 {
		t.Errorf("expected ack 77 window 32768, got %+v", got)
	}
}

func TestPairingKey_RoundTrip(t *testing.T) {
	want := &PairingKey{
		PairingID:  "b2c8e7a0-1f4d-4e9b-9a3c-001122334455",
		DeviceID:   "m-1",
		DeviceName: "Pixel 9",
		PublicKey:  "MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAE...",
	}
	encoded, err := EncodePairingKey(want)
	if err != nil {
		t.Fatalf("EncodePairingKey: %v", err)
	}
	got, err := DecodePairingKey(encoded)
	if err != nil {
		t.Fatalf("DecodePairingKey: %v", err)
	}
	if *got != *want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestPairingKeyResponse_RoundTrip(t *testing.T) {
	want := &PairingKeyResponse{
		State:             PairingStateAwaitingVerification,
		ExpiresAtMs:       1700000300000,
		AgentFingerprint:  "SHA256:abcdef",
		MobileFingerprint: "SHA256:fedcba",
	}
	encoded, err := EncodePairingKeyResponse(want)
	if err != nil {
		t.Fatalf("EncodePairingKeyResponse: %v", err)
	}
	got, err := DecodePairingKeyResponse(encoded)
	if err != nil {
		t.Fatalf("DecodePairingKeyResponse: %v", err)
	}
	if *got != *want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestPairingResult_RoundTrip(t *testing.T) {
	want := &PairingResult{
		Status:            PairingStatusFailed,
		RetryAfterSeconds: 120,
		DeviceID:          "m-1",
		Message:           CodeRateLimited,
	}
	encoded, err := EncodePairingResult(want)
	if err != nil {
		t.Fatalf("EncodePairingResult: %v", err)
	}
	got, err := DecodePairingResult(encoded)
	if err != nil {
		t.Fatalf("DecodePairingResult: %v", err)
	}
	if *got != *want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestReadString_Truncated(t *testing.T) {
	tests := []struct {
		name string
		p    []byte
	}{
		{"missing length", []byte{}},
		{"half length", []byte{0x00}},
		{"declared longer than data", []byte{0x00, 0x05, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := readString(tt.p, 0, "field"); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got: %v", err)
			}
		})
	}
}

func TestFrameType_String(t *testing.T) {
	if got := FrameOutput.String(); got != "output" {
		t.Errorf("expected %q, got %q", "output", got)
	}
	if got := FrameType(0x21).String(); got != "unknown(0x21)" {
		t.Errorf("expected %q, got %q", "unknown(0x21)", got)
	}
}
