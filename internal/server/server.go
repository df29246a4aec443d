// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o listener do terminox-agent: endpoints de
// health, upgrade WebSocket para o protocolo de frames e o mount do
// control API.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/terminox/internal/config"
	"github.com/nishisan-dev/terminox/internal/pki"
)

// Version é a versão do agent, preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// Server é o listener HTTP(S) do agent: /health, /info, /ws e /api/v1.
type Server struct {
	cfg     *config.AgentConfig
	logger  *slog.Logger
	handler *Handler

	// Control é o http.Handler do control API (/api/v1/). Opcional.
	Control http.Handler

	dscp      int
	startedAt time.Time
	upgrader  websocket.Upgrader
}

// New cria o server sobre um Handler de conexões já montado.
func New(cfg *config.AgentConfig, logger *slog.Logger, handler *Handler) (*Server, error) {
	dscp, err := ParseDSCP(cfg.Server.DSCP)
	if err != nil {
		return nil, fmt.Errorf("parsing server.dscp: %w", err)
	}

	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "server"),
		handler: handler,
		dscp:    dscp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// O protocolo autentica no nível de mensagens; origens de
			// browser não são um vetor esperado para um agent local.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Run abre o listener configurado (TLS quando habilitado) e serve até o
// context ser cancelado.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	if s.cfg.TLS.Enabled {
		tlsCfg, err := pki.NewServerTLSConfig(s.cfg.TLS.Cert, s.cfg.TLS.Key, s.cfg.TLS.CACert, s.cfg.TLS.RequireClientCert)
		if err != nil {
			ln.Close()
			return fmt.Errorf("configuring TLS: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	return s.RunWithListener(ctx, ln)
}

// RunWithListener serve sobre um listener já existente (e nos testes).
func (s *Server) RunWithListener(ctx context.Context, ln net.Listener) error {
	s.startedAt = time.Now()

	httpServer := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	s.logger.Info("agent listening",
		"address", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled,
		"auth", s.cfg.Auth.Method,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		s.handler.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/ws", s.handleWS)
	if s.Control != nil {
		mux.Handle("/api/v1/", s.Control)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"version":     Version,
		"connections": s.handler.Connections(),
		"sessions":    s.handler.registry.LiveCount(),
		"platform":    runtime.GOOS + "/" + runtime.GOARCH,
		"uptime_s":    int64(time.Since(s.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleWS faz o upgrade WebSocket e entrega a conexão ao handler de
// frames. Um frame do protocolo por mensagem binária.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if s.dscp != 0 {
		raw := conn.UnderlyingConn()
		if tlsConn, ok := raw.(*tls.Conn); ok {
			raw = tlsConn.NetConn()
		}
		if err := ApplyDSCP(raw, s.dscp); err != nil {
			s.logger.Debug("could not apply DSCP", "error", err)
		}
	}

	s.handler.HandleConnection(r.Context(), &wsFrameConn{conn: conn})
}

// wsFrameConn adapta *websocket.Conn ao FrameConn do handler.
type wsFrameConn struct {
	conn *websocket.Conn
}

// ReadMessage descarta mensagens de texto: o protocolo é binário.
func (w *wsFrameConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsFrameConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsFrameConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsFrameConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
func (w *wsFrameConn) Close() error                       { return w.conn.Close() }
func (w *wsFrameConn) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
