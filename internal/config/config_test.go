// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAgentConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "agent.example.yaml")
	cfg, err := LoadAgentConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load agent example config: %v", err)
	}

	if cfg.Agent.Name != "dev-desktop" {
		t.Errorf("expected agent.name 'dev-desktop', got %q", cfg.Agent.Name)
	}
	if cfg.Agent.StateCodec != "zstd" {
		t.Errorf("expected state_codec 'zstd', got %q", cfg.Agent.StateCodec)
	}
	if cfg.Server.Listen != "0.0.0.0:7070" {
		t.Errorf("expected listen '0.0.0.0:7070', got %q", cfg.Server.Listen)
	}
	if cfg.Auth.Method != "token" || cfg.Auth.Token != "change-me-please" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Sessions.MaxTotal != 20 || cfg.Sessions.MaxPerConnection != 10 {
		t.Errorf("session caps = %d/%d", cfg.Sessions.MaxTotal, cfg.Sessions.MaxPerConnection)
	}
	if cfg.Sessions.RingBufferSizeRaw != 1024*1024 {
		t.Errorf("expected ring buffer 1mb parsed, got %d", cfg.Sessions.RingBufferSizeRaw)
	}
	if cfg.Sessions.ReconnectionWindow != 5*time.Minute {
		t.Errorf("reconnection_window = %s", cfg.Sessions.ReconnectionWindow)
	}
	if !cfg.Compression.Enabled || cfg.Compression.MinSizeRaw != 256 {
		t.Errorf("compression = %+v", cfg.Compression)
	}
	if cfg.Throttle.RateRaw != 1024*1024 || cfg.Throttle.BurstRaw != 256*1024 {
		t.Errorf("throttle = %+v", cfg.Throttle)
	}
	if len(cfg.Control.ParsedCIDRs) != 1 {
		t.Fatalf("expected 1 parsed CIDR, got %d", len(cfg.Control.ParsedCIDRs))
	}
	if got := cfg.Control.ParsedCIDRs[0].String(); got != "192.168.1.0/24" {
		t.Errorf("parsed CIDR = %q", got)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	cfg, err := LoadAgentConfig(writeConfig(t, "agent:\n  name: minimal\n"))
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:7070" {
		t.Errorf("default listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Errorf("default heartbeat = %s", cfg.Server.HeartbeatInterval)
	}
	if cfg.Server.DSCP != "AF41" {
		t.Errorf("default dscp = %q", cfg.Server.DSCP)
	}
	if cfg.Auth.Method != "none" {
		t.Errorf("default auth method = %q", cfg.Auth.Method)
	}
	if cfg.Agent.StateCodec != "gzip" {
		t.Errorf("default state codec = %q", cfg.Agent.StateCodec)
	}
	if cfg.Sessions.RingBufferSizeRaw != 1024*1024 || cfg.Sessions.RingMaxChunks != 10000 {
		t.Errorf("ring defaults = %d/%d", cfg.Sessions.RingBufferSizeRaw, cfg.Sessions.RingMaxChunks)
	}
	if cfg.Compression.MinRatio != 0.9 {
		t.Errorf("default min_ratio = %v", cfg.Compression.MinRatio)
	}
	if cfg.Daemon.MaintenanceSchedule != "@every 1m" {
		t.Errorf("default schedule = %q", cfg.Daemon.MaintenanceSchedule)
	}
	if !strings.HasSuffix(cfg.Pairing.DeviceStore, "paired_devices.json") {
		t.Errorf("default device store = %q", cfg.Pairing.DeviceStore)
	}
	if cfg.Agent.Name != "minimal" {
		t.Errorf("agent name = %q", cfg.Agent.Name)
	}
}

func TestDefaultAgentConfig_NameFallsBackToHostname(t *testing.T) {
	cfg, err := DefaultAgentConfig()
	if err != nil {
		t.Fatalf("DefaultAgentConfig: %v", err)
	}
	if cfg.Agent.Name == "" {
		t.Error("agent name not defaulted")
	}
}

func TestLoadAgentConfig_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"token method without token",
			"auth:\n  method: token\n",
			"auth.token is required",
		},
		{
			"unknown auth method",
			"auth:\n  method: basic\n",
			"auth.method",
		},
		{
			"unknown state codec",
			"agent:\n  state_codec: lz4\n",
			"state_codec",
		},
		{
			"tls without cert",
			"tls:\n  enabled: true\n",
			"tls.cert and tls.key",
		},
		{
			"certificate auth without mtls",
			"auth:\n  method: certificate\n",
			"require_client_cert",
		},
		{
			"ring buffer too small",
			"sessions:\n  ring_buffer_size: 1kb\n",
			"ring_buffer_size",
		},
		{
			"whitelist and blacklist together",
			"sessions:\n  env_whitelist: [A]\n  env_blacklist: [B]\n",
			"mutually exclusive",
		},
		{
			"invalid origin",
			"control:\n  allow_origins: [not-an-ip]\n",
			"allow_origins",
		},
		{
			"invalid throttle rate",
			"throttle:\n  enabled: true\n  rate: fast\n",
			"throttle.rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAgentConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256mb", 256 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"4kb", 4096, false},
		{"512b", 512, false},
		{"1024", 1024, false},
		{" 2MB ", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"12tb", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
