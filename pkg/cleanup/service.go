// Package cleanup provides the session retention sweeper.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/services"
)

// Service periodically deletes terminal sessions (and their logs, via
// the FK cascade) that fell out of the retention window. Sweeps are
// idempotent; a missed tick just means the next one deletes more.
type Service struct {
	cfg      config.RetentionConfig
	sessions *services.SessionService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the sweeper. Start must be called to run it.
func NewService(cfg config.RetentionConfig, sessions *services.SessionService) *Service {
	return &Service{cfg: cfg, sessions: sessions}
}

// Start launches the background sweep loop. The first sweep runs
// immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"session_age", s.cfg.SessionAge(),
		"interval", s.cfg.SweepInterval())
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.sessions.DeleteExpired(ctx, s.cfg.SessionAge())
	if err != nil {
		slog.Error("Retention: session sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired sessions", "count", count)
	}
}
