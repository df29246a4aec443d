// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nishisan-dev/terminox/internal/compress"
	"github.com/nishisan-dev/terminox/internal/config"
	"github.com/nishisan-dev/terminox/internal/discovery"
	"github.com/nishisan-dev/terminox/internal/pairing"
	"github.com/nishisan-dev/terminox/internal/server"
	"github.com/nishisan-dev/terminox/internal/server/observability"
	"github.com/nishisan-dev/terminox/internal/session"
	"github.com/nishisan-dev/terminox/internal/terminal"
)

// eventRingCap é a capacidade do ring in-memory de eventos operacionais.
const eventRingCap = 1000

// sessionHistoryRingCap é a capacidade do ring de sessões finalizadas.
const sessionHistoryRingCap = 500

// RunDaemon roda o agent em modo daemon. Bloqueia até SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração reconstruindo o stack (as conexões
// correntes são encerradas; sessões dentro da janela de reconexão
// sobrevivem ao reload apenas como histórico).
func RunDaemon(configPath string, cfg *config.AgentConfig, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- runInstance(ctx, cfg, logger)
		}()

		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, reloading config", "path", configPath)

				newCfg, loadErr := config.LoadAgentConfig(configPath)
				if loadErr != nil {
					logger.Error("reload failed, keeping current config", "error", loadErr)
					continue
				}

				cancel()
				if err := <-errCh; err != nil {
					logger.Warn("instance ended with error during reload", "error", err)
				}

				cfg = newCfg
				logger.Info("config reloaded successfully", "agent", cfg.Agent.Name)
				continue
			}

			// SIGTERM ou SIGINT — graceful shutdown
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return <-errCh

		case err := <-errCh:
			cancel()
			return err
		}
	}
}

// runInstance monta o stack completo do agent e serve até o context ser
// cancelado. Erros de montagem ou de bind são fatais (exit 1 no main).
func runInstance(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	logger.Info("starting terminox-agent",
		"agent", cfg.Agent.Name,
		"listen", cfg.Server.Listen,
		"tls", cfg.TLS.Enabled,
		"auth", cfg.Auth.Method,
	)

	// Stores de observabilidade
	events, err := observability.NewEventStore(cfg.Control.EventsFile, eventRingCap, cfg.Control.EventsMaxLines)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer events.Close()

	history, err := observability.NewSessionHistoryStore(cfg.Control.SessionHistoryFile, sessionHistoryRingCap, cfg.Control.SessionHistoryMaxLines)
	if err != nil {
		return fmt.Errorf("opening session history store: %w", err)
	}
	defer history.Close()

	// Snapshot de estado: detecta shutdown sujo da execução anterior.
	// Processos não são revividos; o snapshot vira histórico.
	stateStore := session.NewStateStore(cfg.Agent.StateFile, cfg.Agent.StateCodec)
	if snap, err := stateStore.Load(); err != nil {
		logger.Warn("could not load previous agent state", "error", err)
	} else if snap != nil && !snap.CleanShutdown {
		logger.Warn("previous run did not shut down cleanly",
			"saved_at", snap.SavedAt.Format(time.RFC3339),
			"sessions_lost", len(snap.Sessions),
		)
		events.PushEvent("warn", "sys", "unclean shutdown detected", map[string]string{
			"sessions_lost": fmt.Sprintf("%d", len(snap.Sessions)),
		})
	}

	// Backends de terminal
	backends := terminal.NewBackendRegistry()
	if err := backends.Register(terminal.PTYBackend{}); err != nil {
		return fmt.Errorf("registering pty backend: %w", err)
	}

	// Registry de sessões, com histórico e eventos ligados no ciclo de vida.
	// O reconnection manager é criado logo depois; o closure de OnClosed o
	// captura para limpar registros de queda de sessões terminadas.
	var reconnection *session.ReconnectionManager
	registry := session.NewRegistry(session.RegistryConfig{
		Limits: session.Limits{
			MaxPerConnection:   cfg.Sessions.MaxPerConnection,
			MaxTotal:           cfg.Sessions.MaxTotal,
			RingBytes:          cfg.Sessions.RingBufferSizeRaw,
			RingChunks:         cfg.Sessions.RingMaxChunks,
			ReconnectionWindow: cfg.Sessions.ReconnectionWindow,
			MaxSessionDuration: cfg.Sessions.MaxDuration,
			IdleTimeout:        cfg.Sessions.IdleTimeout,
		},
		DefaultShell:       cfg.Sessions.DefaultShell,
		AllowedShells:      cfg.Sessions.AllowedShells,
		AllowedWorkingDirs: cfg.Sessions.AllowedWorkingDirs,
		EnvPolicy: terminal.EnvPolicy{
			Whitelist: cfg.Sessions.EnvWhitelist,
			Blacklist: cfg.Sessions.EnvBlacklist,
		},
		GracefulTerm: cfg.Sessions.GracefulTerm,
		OnClosed: func(rec session.ClosedRecord) {
			if reconnection != nil {
				reconnection.ClearSessionState(rec.SessionID)
			}
			history.PushRecord(rec)
			events.PushEvent("info", "session", "session closed", map[string]string{
				"session": rec.SessionID,
				"reason":  rec.Reason,
				"exit":    fmt.Sprintf("%d", rec.ExitCode),
			})
		},
		OnIdle: func(sessionID string, idle time.Duration) {
			events.PushEvent("warn", "session", "session idle", map[string]string{
				"session": sessionID,
				"idle":    idle.String(),
			})
		},
	}, backends, logger)

	reconnection = session.NewReconnectionManager(registry, logger)

	// Pairing
	deviceStore, err := pairing.NewStore(cfg.Pairing.DeviceStore)
	if err != nil {
		return fmt.Errorf("opening device store: %w", err)
	}
	pairingMgr := pairing.NewManager(deviceStore, logger)

	// Autenticação do canal de mensagens
	auth := server.NewAuthenticator(
		cfg.Auth.Method,
		cfg.Auth.Token,
		cfg.Auth.MaxFailures,
		time.Duration(cfg.Auth.LockoutMinutes)*time.Minute,
	)

	// Compressor adaptativo de output
	policy := compress.DefaultPolicy()
	policy.Enabled = cfg.Compression.Enabled
	policy.MinSize = int(cfg.Compression.MinSizeRaw)
	policy.MinRatio = cfg.Compression.MinRatio
	compressor := compress.NewCompressor(policy, logger)

	// Handler de conexões, com eventos ligados ao store
	handler := server.NewHandler(cfg, logger, registry, reconnection, pairingMgr, auth, compressor)
	handler.Events = func(category, message string, fields map[string]string) {
		events.PushEvent("info", category, message, fields)
	}

	// Listener + control API
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Control = observability.NewRouter(observability.RouterDeps{
		Metrics:    handler,
		Registry:   registry,
		Pairing:    pairingMgr,
		Events:     events,
		History:    history,
		Compressor: compressor,
		ACL:        observability.NewACL(cfg.Control.ParsedCIDRs),
	})

	// Monitor de sistema + stats reporter
	monitor := NewSystemMonitor(logger, filepath.Dir(cfg.Agent.StateFile))
	monitor.Start()
	defer monitor.Stop()

	stats := NewStatsReporter(handler, registry, compressor, monitor, cfg.Daemon.StatsInterval, logger)
	stats.Start()
	defer stats.Stop()

	// Manutenção periódica: sweep de sessões e pairing, snapshot de estado
	sched, err := NewScheduler(cfg.Daemon.MaintenanceSchedule, logger, func(context.Context) error {
		registry.Sweep()
		if removed := pairingMgr.SweepExpired(); removed > 0 {
			logger.Debug("pairing sessions swept", "removed", removed)
		}
		if err := stateStore.Save(session.SnapshotRegistry(cfg.Agent.Name, registry, false)); err != nil {
			return fmt.Errorf("saving state snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating maintenance scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		sched.Stop(stopCtx)
		stopCancel()
	}()

	// mDNS (best-effort)
	var wg sync.WaitGroup
	if cfg.Discovery.Enabled {
		adv, err := discovery.NewAdvertiser(cfg, logger, server.Version, registry.LiveCount)
		if err != nil {
			logger.Warn("discovery disabled", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				adv.Run(ctx)
			}()
		}
	}

	// Serve até o context ser cancelado
	err = srv.Run(ctx)
	wg.Wait()

	// Encerramento ordenado: sessões primeiro, snapshot limpo por último
	registry.Shutdown(cfg.Server.ShutdownGrace)
	if saveErr := stateStore.Save(session.SnapshotRegistry(cfg.Agent.Name, registry, true)); saveErr != nil {
		logger.Warn("could not save final state snapshot", "error", saveErr)
	}

	return err
}
