// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig representa a configuração completa do terminox-agent.
type AgentConfig struct {
	Agent       AgentInfo       `yaml:"agent"`
	Server      ServerInfo      `yaml:"server"`
	Auth        AuthInfo        `yaml:"auth"`
	TLS         TLSInfo         `yaml:"tls"`
	Sessions    SessionsInfo    `yaml:"sessions"`
	Compression CompressionInfo `yaml:"compression"`
	Throttle    ThrottleInfo    `yaml:"throttle"`
	Pairing     PairingInfo     `yaml:"pairing"`
	Discovery   DiscoveryInfo   `yaml:"discovery"`
	Control     ControlInfo     `yaml:"control"`
	Daemon      DaemonInfo      `yaml:"daemon"`
	Logging     LoggingInfo     `yaml:"logging"`
}

// AgentInfo identifica o agent e seu estado persistido.
type AgentInfo struct {
	Name       string `yaml:"name"`
	StateFile  string `yaml:"state_file"`  // default: ~/.terminox/agent.state
	StateCodec string `yaml:"state_codec"` // none|gzip|zstd (default: gzip)
}

// ServerInfo contém o listener e os parâmetros da conexão.
type ServerInfo struct {
	Listen            string        `yaml:"listen"`             // default: "0.0.0.0:7070"
	ReadTimeout       time.Duration `yaml:"read_timeout"`       // default: 30s
	WriteTimeout      time.Duration `yaml:"write_timeout"`      // default: 30s
	IdleTimeout       time.Duration `yaml:"idle_timeout"`       // default: 120s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default: 30s
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`     // default: 5s
	DSCP              string        `yaml:"dscp"`               // default: "AF41"; "none" desabilita
}

// AuthInfo configura a autenticação do canal de mensagens.
type AuthInfo struct {
	Method         string `yaml:"method"` // none|token|certificate (default: none)
	Token          string `yaml:"token"`
	MaxFailures    int    `yaml:"max_failures"`    // default: 5
	LockoutMinutes int    `yaml:"lockout_minutes"` // default: 15
}

// TLSInfo contém os certificados do listener; mTLS é opcional.
type TLSInfo struct {
	Enabled           bool   `yaml:"enabled"`
	Cert              string `yaml:"cert"`
	Key               string `yaml:"key"`
	CACert            string `yaml:"ca_cert"`             // exigido com require_client_cert
	RequireClientCert bool   `yaml:"require_client_cert"` // mTLS
}

// SessionsInfo configura o registry de sessões e o supervisor de PTY.
type SessionsInfo struct {
	MaxTotal           int           `yaml:"max_total"`            // default: 20
	MaxPerConnection   int           `yaml:"max_per_connection"`   // default: 10
	ReconnectionWindow time.Duration `yaml:"reconnection_window"`  // default: 5m
	MaxDuration        time.Duration `yaml:"max_duration"`         // 0 = sem limite
	IdleTimeout        time.Duration `yaml:"idle_timeout"`         // 0 = sem watcher
	RingBufferSize     string        `yaml:"ring_buffer_size"`     // ex: "1mb"
	RingBufferSizeRaw  int64         `yaml:"-"`
	RingMaxChunks      int           `yaml:"ring_max_chunks"` // default: 10000
	DefaultShell       string        `yaml:"default_shell"`
	AllowedShells      []string      `yaml:"allowed_shells"`
	AllowedWorkingDirs []string      `yaml:"allowed_working_dirs"`
	GracefulTerm       bool          `yaml:"graceful_termination"`
	EnvWhitelist       []string      `yaml:"env_whitelist"`
	EnvBlacklist       []string      `yaml:"env_blacklist"`
}

// CompressionInfo configura o compressor adaptativo de output.
type CompressionInfo struct {
	Enabled    bool    `yaml:"enabled"`
	MinSize    string  `yaml:"min_size"` // ex: "256b"
	MinSizeRaw int64   `yaml:"-"`
	MinRatio   float64 `yaml:"min_ratio"` // default: 0.9
}

// ThrottleInfo configura o limite de vazão de output por sessão.
type ThrottleInfo struct {
	Enabled  bool   `yaml:"enabled"`
	Rate     string `yaml:"rate"` // bytes/s, ex: "1mb"
	RateRaw  int64  `yaml:"-"`
	Burst    string `yaml:"burst"` // ex: "256kb"
	BurstRaw int64  `yaml:"-"`
}

// PairingInfo configura o emparelhamento de dispositivos.
type PairingInfo struct {
	DeviceStore string `yaml:"device_store"` // default: ~/.terminox/paired_devices.json
}

// DiscoveryInfo configura o anúncio mDNS.
type DiscoveryInfo struct {
	Enabled      bool   `yaml:"enabled"`
	InstanceName string `yaml:"instance_name"` // default: agent.name
}

// ControlInfo configura o control API e os stores de observabilidade.
type ControlInfo struct {
	AllowOrigins           []string `yaml:"allow_origins"` // IP ou CIDR; loopback sempre permitido
	EventsFile             string   `yaml:"events_file"`
	EventsMaxLines         int      `yaml:"events_max_lines"`
	SessionHistoryFile     string   `yaml:"session_history_file"`
	SessionHistoryMaxLines int      `yaml:"session_history_max_lines"`

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// DaemonInfo contém o scheduler de manutenção e os intervalos do daemon.
type DaemonInfo struct {
	MaintenanceSchedule string        `yaml:"maintenance_schedule"` // cron, default: "@every 1m"
	StatsInterval       time.Duration `yaml:"stats_interval"`       // default: 5m
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`    // default: 5m
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`            // vazio = só stdout
	SessionLogDir string `yaml:"session_log_dir"` // vazio = sem logs por sessão
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

// DefaultAgentConfig retorna a configuração com todos os defaults
// aplicados, para rodar sem arquivo de config.
func DefaultAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) validate() error {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".terminox")

	if c.Agent.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "terminox-agent"
		}
		c.Agent.Name = host
	}
	if c.Agent.StateFile == "" {
		c.Agent.StateFile = filepath.Join(stateDir, "agent.state")
	}
	if c.Agent.StateCodec == "" {
		c.Agent.StateCodec = "gzip"
	}
	switch c.Agent.StateCodec {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("agent.state_codec must be none, gzip or zstd, got %q", c.Agent.StateCodec)
	}

	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:7070"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.HeartbeatInterval <= 0 {
		c.Server.HeartbeatInterval = 30 * time.Second
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = 5 * time.Second
	}
	if c.Server.DSCP == "" {
		c.Server.DSCP = "AF41"
	}

	c.Auth.Method = strings.ToLower(strings.TrimSpace(c.Auth.Method))
	switch c.Auth.Method {
	case "":
		c.Auth.Method = "none"
	case "none", "token", "certificate":
	default:
		return fmt.Errorf("auth.method must be none, token or certificate, got %q", c.Auth.Method)
	}
	if c.Auth.Method == "token" && c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required when auth.method is token")
	}
	if len(c.Auth.Token) > 4096 {
		return fmt.Errorf("auth.token must be at most 4096 bytes, got %d", len(c.Auth.Token))
	}
	if c.Auth.MaxFailures <= 0 {
		c.Auth.MaxFailures = 5
	}
	if c.Auth.LockoutMinutes <= 0 {
		c.Auth.LockoutMinutes = 15
	}

	if c.TLS.Enabled {
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return fmt.Errorf("tls.cert and tls.key are required when tls is enabled")
		}
		if c.TLS.RequireClientCert && c.TLS.CACert == "" {
			return fmt.Errorf("tls.ca_cert is required when tls.require_client_cert is enabled")
		}
	}
	if c.Auth.Method == "certificate" && !(c.TLS.Enabled && c.TLS.RequireClientCert) {
		return fmt.Errorf("auth.method certificate requires tls.enabled and tls.require_client_cert")
	}

	if c.Sessions.MaxTotal <= 0 {
		c.Sessions.MaxTotal = 20
	}
	if c.Sessions.MaxPerConnection <= 0 {
		c.Sessions.MaxPerConnection = 10
	}
	if c.Sessions.ReconnectionWindow <= 0 {
		c.Sessions.ReconnectionWindow = 5 * time.Minute
	}
	if c.Sessions.RingBufferSize == "" {
		c.Sessions.RingBufferSize = "1mb"
	}
	ringBytes, err := ParseByteSize(c.Sessions.RingBufferSize)
	if err != nil {
		return fmt.Errorf("sessions.ring_buffer_size: %w", err)
	}
	if ringBytes < 4*1024 {
		return fmt.Errorf("sessions.ring_buffer_size must be at least 4kb, got %s", c.Sessions.RingBufferSize)
	}
	c.Sessions.RingBufferSizeRaw = ringBytes
	if c.Sessions.RingMaxChunks <= 0 {
		c.Sessions.RingMaxChunks = 10000
	}
	if len(c.Sessions.EnvWhitelist) > 0 && len(c.Sessions.EnvBlacklist) > 0 {
		return fmt.Errorf("sessions.env_whitelist and sessions.env_blacklist are mutually exclusive")
	}

	if c.Compression.MinSize == "" {
		c.Compression.MinSize = "256b"
	}
	minSize, err := ParseByteSize(c.Compression.MinSize)
	if err != nil {
		return fmt.Errorf("compression.min_size: %w", err)
	}
	c.Compression.MinSizeRaw = minSize
	if c.Compression.MinRatio <= 0 || c.Compression.MinRatio > 1 {
		c.Compression.MinRatio = 0.9
	}

	if c.Throttle.Enabled {
		if c.Throttle.Rate == "" {
			c.Throttle.Rate = "1mb"
		}
		rate, err := ParseByteSize(c.Throttle.Rate)
		if err != nil {
			return fmt.Errorf("throttle.rate: %w", err)
		}
		c.Throttle.RateRaw = rate
		if c.Throttle.Burst == "" {
			c.Throttle.Burst = "256kb"
		}
		burst, err := ParseByteSize(c.Throttle.Burst)
		if err != nil {
			return fmt.Errorf("throttle.burst: %w", err)
		}
		c.Throttle.BurstRaw = burst
	}

	if c.Pairing.DeviceStore == "" {
		c.Pairing.DeviceStore = filepath.Join(stateDir, "paired_devices.json")
	}

	if c.Discovery.InstanceName == "" {
		c.Discovery.InstanceName = c.Agent.Name
	}

	if c.Control.EventsFile == "" {
		c.Control.EventsFile = filepath.Join(stateDir, "events.jsonl")
	}
	if c.Control.EventsMaxLines <= 0 {
		c.Control.EventsMaxLines = 10000
	}
	if c.Control.SessionHistoryFile == "" {
		c.Control.SessionHistoryFile = filepath.Join(stateDir, "session-history.jsonl")
	}
	if c.Control.SessionHistoryMaxLines <= 0 {
		c.Control.SessionHistoryMaxLines = 5000
	}
	for _, origin := range c.Control.AllowOrigins {
		cidr, err := parseOrigin(origin)
		if err != nil {
			return fmt.Errorf("control.allow_origins: %w", err)
		}
		c.Control.ParsedCIDRs = append(c.Control.ParsedCIDRs, cidr)
	}

	if c.Daemon.MaintenanceSchedule == "" {
		c.Daemon.MaintenanceSchedule = "@every 1m"
	}
	if c.Daemon.StatsInterval <= 0 {
		c.Daemon.StatsInterval = 5 * time.Minute
	}
	if c.Daemon.SnapshotInterval <= 0 {
		c.Daemon.SnapshotInterval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// parseOrigin aceita IP único ou CIDR; IP vira /32 (ou /128).
func parseOrigin(origin string) (*net.IPNet, error) {
	_, cidr, err := net.ParseCIDR(origin)
	if err == nil {
		return cidr, nil
	}
	ip := net.ParseIP(strings.TrimSpace(origin))
	if ip == nil {
		return nil, fmt.Errorf("%q is not a valid IP or CIDR", origin)
	}
	if ip.To4() != nil {
		_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
	} else {
		_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
	}
	return cidr, nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
