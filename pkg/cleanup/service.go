// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/agent-hive/hivecore/pkg/intervene"
)

// DefaultInterval is how often retention sweeps run.
const DefaultInterval = time.Hour

// Config controls the retention sweeps.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
}

// Service periodically enforces retention policies:
//   - Removes interventions past their retention window
//
// All operations are idempotent.
type Service struct {
	interval      time.Duration
	interventions *intervene.Channel

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, interventions *intervene.Channel) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		interval:      interval,
		interventions: interventions,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Service) runAll() {
	s.sweepInterventions()
}

func (s *Service) sweepInterventions() {
	count := s.interventions.Cleanup()
	if count > 0 {
		slog.Info("Retention: swept old interventions", "count", count)
	}
}
