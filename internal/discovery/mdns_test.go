// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package discovery

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nishisan-dev/terminox/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, listen string) *config.AgentConfig {
	t.Helper()
	cfg, err := config.DefaultAgentConfig()
	if err != nil {
		t.Fatal(err)
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	return cfg
}

func TestNewAdvertiser_ParsesListenPort(t *testing.T) {
	cfg := testConfig(t, "0.0.0.0:7070")
	a, err := NewAdvertiser(cfg, testLogger(), "1.0.0", func() int { return 0 })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.port != 7070 {
		t.Errorf("expected port 7070, got %d", a.port)
	}
}

func TestNewAdvertiser_RejectsBadListen(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Server.Listen = "no-port-here"
	if _, err := NewAdvertiser(cfg, testLogger(), "1.0.0", func() int { return 0 }); err == nil {
		t.Fatal("expected error for listen address without port")
	}
}

func TestTXTRecords_Contents(t *testing.T) {
	cfg := testConfig(t, "0.0.0.0:7070")
	cfg.Auth.Method = "token"
	cfg.Auth.Token = "secret"
	cfg.TLS.Enabled = true
	cfg.TLS.Cert = "/tmp/cert.pem"
	cfg.TLS.Key = "/tmp/key.pem"

	a, err := NewAdvertiser(cfg, testLogger(), "1.2.3", func() int { return 4 })
	if err != nil {
		t.Fatal(err)
	}

	txt := a.TXTRecords(4)
	joined := strings.Join(txt, ";")

	for _, want := range []string{
		"version=1.2.3",
		"protocol=websocket",
		"auth=token",
		"tls=true",
		"mtls=false",
		"sessions=4",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected TXT to contain %q, got %v", want, txt)
		}
	}

	// caps listam as features do agent
	found := false
	for _, rec := range txt {
		if strings.HasPrefix(rec, "caps=") {
			found = true
			for _, cap := range []string{"pty", "reconnect", "persist", "multiplex"} {
				if !strings.Contains(rec, cap) {
					t.Errorf("expected cap %q in %q", cap, rec)
				}
			}
		}
	}
	if !found {
		t.Error("expected caps record in TXT")
	}
}
