package balance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/metrics"
)

// Rebalancing defaults.
const (
	DefaultRebalanceInterval = 5 * time.Second
	DefaultDeviationRatio    = 0.3
)

// maxStealPassesPerCycle bounds the extra passes a single rebalance cycle
// may schedule, so a pathological distribution cannot spin the loop.
const maxStealPassesPerCycle = 16

// RebalancerConfig controls the rebalance loop.
type RebalancerConfig struct {
	Interval       time.Duration
	DeviationRatio float64
}

func (c RebalancerConfig) withDefaults() RebalancerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultRebalanceInterval
	}
	if c.DeviationRatio <= 0 {
		c.DeviationRatio = DefaultDeviationRatio
	}
	return c
}

// DrainFunc re-dispatches tasks waiting on the global queue. The dispatcher
// provides it; the rebalancer calls it at the top of every cycle so a queued
// task is assigned within one cycle of a healthy agent appearing.
type DrainFunc func(ctx context.Context) int

// Rebalancer watches node-load deviation and schedules extra steal passes
// while the system is imbalanced.
type Rebalancer struct {
	cfg     RebalancerConfig
	stealer *Stealer
	drain   DrainFunc
	events  *bus.Bus
	metrics *metrics.Collector
	logger  *slog.Logger

	mu         sync.Mutex
	imbalanced bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRebalancer wires a rebalancer around an existing stealer. drain may be
// nil when there is no global queue to serve.
func NewRebalancer(cfg RebalancerConfig, stealer *Stealer, drain DrainFunc, events *bus.Bus, mc *metrics.Collector, logger *slog.Logger) *Rebalancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebalancer{
		cfg:     cfg.withDefaults(),
		stealer: stealer,
		drain:   drain,
		events:  events,
		metrics: mc,
		logger:  logger.With("component", "rebalancer"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the rebalance loop until Stop or context cancellation.
func (r *Rebalancer) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.logger.Info("rebalancer started", "interval", r.cfg.Interval, "deviation_ratio", r.cfg.DeviationRatio)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.RebalancePass(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (r *Rebalancer) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// Imbalanced reports whether the last pass left the system above the
// deviation threshold.
func (r *Rebalancer) Imbalanced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imbalanced
}

// RebalancePass drains the global queue, then runs steal passes while any
// node deviates from the mean load by more than the deviation ratio.
// Returns the number of tasks moved by the extra passes.
func (r *Rebalancer) RebalancePass(ctx context.Context) int {
	drained := 0
	if r.drain != nil {
		drained = r.drain(ctx)
	}

	moved := 0
	passes := 0
	for r.deviationExceeded() && passes < maxStealPassesPerCycle {
		n := r.stealer.StealPass()
		passes++
		moved += n
		if n == 0 {
			// no productive move available; leave the imbalance for the
			// next cycle rather than spinning
			break
		}
	}

	still := r.deviationExceeded()
	r.mu.Lock()
	r.imbalanced = still
	r.mu.Unlock()

	if moved > 0 || drained > 0 {
		if r.metrics != nil {
			r.metrics.Rebalanced()
		}
		if r.events != nil {
			r.events.Broadcast(bus.NewEvent(bus.EventLoadRebalanced, "", "", map[string]any{
				"moved":   moved,
				"drained": drained,
			}))
		}
		r.logger.Info("rebalance pass", "moved", moved, "drained", drained, "imbalanced", still)
	}
	return moved
}

// deviationExceeded reports whether any populated node's load deviates from
// the mean by more than the configured ratio.
func (r *Rebalancer) deviationExceeded() bool {
	loads := r.stealer.tree.LoadSnapshot()

	sum, count := 0, 0
	for _, nl := range loads {
		if nl.Agents == 0 {
			continue
		}
		sum += nl.Load
		count++
	}
	if count < 2 || sum == 0 {
		return false
	}
	mean := float64(sum) / float64(count)

	for _, nl := range loads {
		if nl.Agents == 0 {
			continue
		}
		dev := float64(nl.Load) - mean
		if dev < 0 {
			dev = -dev
		}
		if dev > mean*r.cfg.DeviationRatio {
			return true
		}
	}
	return false
}
