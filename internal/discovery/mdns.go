// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package discovery anuncia o agent na rede local via mDNS/DNS-SD para
// que dispositivos descubram o endpoint sem configuração manual.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nishisan-dev/terminox/internal/config"
)

// Tipo e domínio do serviço DNS-SD.
const (
	ServiceType   = "_terminox._tcp"
	ServiceDomain = "local."
)

// refreshInterval é o período de verificação da contagem de sessões para
// re-anunciar o TXT quando ela muda.
const refreshInterval = 10 * time.Second

// Advertiser mantém o registro mDNS vivo enquanto o daemon roda.
// O anúncio é best-effort: falha de registro vira warning, nunca derruba
// o agent.
type Advertiser struct {
	cfg      *config.AgentConfig
	logger   *slog.Logger
	version  string
	sessions func() int

	port int
}

// NewAdvertiser cria o advertiser. sessions informa a contagem corrente
// de sessões vivas (vai no TXT e é re-anunciada quando muda).
func NewAdvertiser(cfg *config.AgentConfig, logger *slog.Logger, version string, sessions func() int) (*Advertiser, error) {
	_, portStr, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("parsing server.listen for discovery: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("server.listen port %q is not announceable", portStr)
	}

	return &Advertiser{
		cfg:      cfg,
		logger:   logger.With("component", "discovery"),
		version:  version,
		sessions: sessions,
		port:     port,
	}, nil
}

// Run registra o serviço e mantém o TXT atualizado até o context ser
// cancelado. Interfaces sem suporte a multicast são ignoradas pelo
// resolver; falha total de registro é logada e encerra o advertiser sem
// propagar erro.
func (a *Advertiser) Run(ctx context.Context) error {
	count := a.sessions()
	server, err := zeroconf.Register(
		a.cfg.Discovery.InstanceName,
		ServiceType,
		ServiceDomain,
		a.port,
		a.TXTRecords(count),
		nil, // todas as interfaces multicast
	)
	if err != nil {
		a.logger.Warn("mDNS registration failed, discovery disabled", "error", err)
		return nil
	}
	defer server.Shutdown()

	a.logger.Info("mDNS service registered",
		"instance", a.cfg.Discovery.InstanceName,
		"service", ServiceType,
		"port", a.port,
	)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("mDNS service withdrawn")
			return nil
		case <-ticker.C:
			if n := a.sessions(); n != count {
				count = n
				server.SetText(a.TXTRecords(count))
			}
		}
	}
}

// TXTRecords monta os registros TXT do anúncio: versão, capacidades,
// requisitos de segurança e plataforma.
func (a *Advertiser) TXTRecords(sessions int) []string {
	caps := []string{"pty", "reconnect", "persist", "multiplex"}

	return []string{
		"version=" + a.version,
		"protocol=websocket",
		"caps=" + strings.Join(caps, ","),
		"auth=" + a.cfg.Auth.Method,
		"tls=" + strconv.FormatBool(a.cfg.TLS.Enabled),
		"mtls=" + strconv.FormatBool(a.cfg.TLS.RequireClientCert),
		"platform=" + runtime.GOOS + "/" + runtime.GOARCH,
		"sessions=" + strconv.Itoa(sessions),
	}
}
