package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-hive/hivecore/pkg/models"
)

// Orphan detection defaults.
const (
	DefaultOrphanScanInterval = 30 * time.Second
	DefaultOrphanDeadline     = 5 * time.Minute
)

// OrphanConfig controls the orphan scanner.
type OrphanConfig struct {
	// ScanInterval is how often assignments are checked.
	ScanInterval time.Duration
	// Deadline is how long an assignment may run without a completion
	// report before it is treated as orphaned.
	Deadline time.Duration
}

func (c OrphanConfig) withDefaults() OrphanConfig {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultOrphanScanInterval
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultOrphanDeadline
	}
	return c
}

// OrphanScanner requeues tasks whose completion report never arrived,
// typically because the owning agent went away between heartbeat checks.
type OrphanScanner struct {
	cfg        OrphanConfig
	dispatcher *Dispatcher
	logger     *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewOrphanScanner wires a scanner over the dispatcher's assignment table.
func NewOrphanScanner(cfg OrphanConfig, d *Dispatcher, logger *slog.Logger) *OrphanScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrphanScanner{
		cfg:        cfg.withDefaults(),
		dispatcher: d,
		logger:     logger.With("component", "orphan-scanner"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the scan loop until Stop or context cancellation.
func (s *OrphanScanner) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()

		s.logger.Info("orphan scanner started", "interval", s.cfg.ScanInterval, "deadline", s.cfg.Deadline)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Scan()
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *OrphanScanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// Scan requeues every assignment older than the deadline. Returns the
// number of orphans found.
func (s *OrphanScanner) Scan() int {
	d := s.dispatcher
	now := d.now()

	d.mu.Lock()
	var orphans []*models.Task
	for taskID, a := range d.assignments {
		if now.Sub(a.assignedAt) <= s.cfg.Deadline {
			continue
		}
		// the task pointer lives in the registry's in-flight set; pulling
		// it back goes through MarkFailed-free unbinding below
		if task := d.unbindLocked(taskID, a); task != nil {
			orphans = append(orphans, task)
		}
	}
	d.mu.Unlock()

	if len(orphans) == 0 {
		return 0
	}

	s.logger.Warn("orphaned tasks detected", "count", len(orphans))
	d.Requeue(orphans)
	return len(orphans)
}
