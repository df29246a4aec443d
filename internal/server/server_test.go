// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/terminox/internal/protocol"
)

// startTestServer sobe o server em 127.0.0.1:0 e retorna o endereço base.
func startTestServer(t *testing.T, h *Handler) string {
	t.Helper()

	srv, err := New(h.cfg, discardLogger(), h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.RunWithListener(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down in time")
		}
	})
	return ln.Addr().String()
}

func TestServer_HealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, AuthMethodNone, "")
	addr := startTestServer(t, h)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestServer_InfoEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, AuthMethodNone, "")
	addr := startTestServer(t, h)

	resp, err := http.Get(fmt.Sprintf("http://%s/info", addr))
	if err != nil {
		t.Fatalf("GET /info: %v", err)
	}
	defer resp.Body.Close()

	var info struct {
		Version     string `json:"version"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Platform    string `json:"platform"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if info.Version == "" {
		t.Error("version is empty")
	}
	if info.Platform == "" {
		t.Error("platform is empty")
	}
	if info.Connections != 0 || info.Sessions != 0 {
		t.Errorf("connections=%d sessions=%d, want 0/0 on a fresh server", info.Connections, info.Sessions)
	}
}

func TestServer_InvalidDSCPRejected(t *testing.T) {
	h, _ := newTestHandler(t, AuthMethodNone, "")
	h.cfg.Server.DSCP = "AF99"

	if _, err := New(h.cfg, discardLogger(), h); err == nil {
		t.Fatal("expected error for invalid DSCP name, got nil")
	}
}

func TestServer_WebSocketHandshake(t *testing.T) {
	h, _ := newTestHandler(t, AuthMethodNone, "")
	addr := startTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	// Negocia a versão pelo transporte real
	payload, err := protocol.EncodeVersionNegotiation(&protocol.VersionNegotiation{
		ClientVersion: protocol.ProtocolVersion,
		MinVersion:    protocol.ProtocolVersion,
		MaxVersion:    protocol.ProtocolVersion,
		ClientID:      "ws-test-client",
	})
	if err != nil {
		t.Fatalf("encoding version negotiation: %v", err)
	}
	frame := protocol.NewControlFrame(protocol.FrameVersionNegotiation, payload)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}

	reply, err := protocol.DecodeFrame(data, protocol.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	if reply.Type != protocol.FrameVersionResponse {
		t.Fatalf("got frame %s, want %s", reply.Type, protocol.FrameVersionResponse)
	}
	vr, err := protocol.DecodeVersionResponse(reply.Payload)
	if err != nil {
		t.Fatalf("decoding version response: %v", err)
	}
	if !vr.Accepted {
		t.Errorf("version rejected over websocket: %s", vr.RejectionReason)
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	h, _ := newTestHandler(t, AuthMethodNone, "")

	srv, err := New(h.cfg, discardLogger(), h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.RunWithListener(ctx, ln)
	}()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", ln.Addr()), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	// Espera o handler registrar a conexão antes do shutdown
	deadline := time.After(2 * time.Second)
	for h.Connections() == 0 {
		select {
		case <-deadline:
			t.Fatal("connection never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunWithListener returned %v, want nil on graceful shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// A conexão do client deve ter sido derrubada
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read error after server shutdown")
	}
}
