package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler dispara a manutenção periódica do daemon via cron expression:
// sweep de sessões, expiração de pairing e snapshot de estado.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	taskFn  func(ctx context.Context) error
	mu      sync.Mutex // garante apenas uma rodada por vez
	running bool
}

// NewScheduler cria um Scheduler com a expressão cron fornecida
// (ex: "@every 1m").
func NewScheduler(schedule string, logger *slog.Logger, fn func(ctx context.Context) error) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger.With("component", "scheduler"),
		taskFn: fn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("maintenance scheduler started")
	s.cron.Start()
}

// Stop para o scheduler e aguarda a rodada em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("maintenance scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("maintenance scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("maintenance scheduler stop timed out")
	}
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("maintenance already running, skipping scheduled execution")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.taskFn(context.Background()); err != nil {
		s.logger.Error("maintenance run failed", "error", err)
	}
}
