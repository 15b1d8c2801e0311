// Package balance implements agent selection strategies, the periodic
// work-stealing loop, and the rebalancer.
package balance

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/agent-hive/hivecore/pkg/models"
)

// StrategyType selects a task-assignment strategy.
type StrategyType string

// Supported strategies.
const (
	StrategyLeastLoaded StrategyType = "least-loaded"
	StrategyRoundRobin  StrategyType = "round-robin"
	StrategyRandom      StrategyType = "random"
	StrategyWeighted    StrategyType = "weighted"
)

// Strategy picks a target agent from the healthy set. coordinated is the
// total number of tasks dispatched so far, used by round-robin. Returns
// false when the set is empty.
type Strategy interface {
	Name() StrategyType
	Select(healthy []models.Agent, coordinated uint64) (string, bool)
}

// NewStrategy builds the named strategy. Unknown names are an error.
func NewStrategy(t StrategyType) (Strategy, error) {
	switch t {
	case StrategyLeastLoaded, "":
		return leastLoaded{}, nil
	case StrategyRoundRobin:
		return roundRobin{}, nil
	case StrategyRandom:
		return random{}, nil
	case StrategyWeighted:
		return weighted{}, nil
	}
	return nil, fmt.Errorf("unknown load balancing strategy %q", t)
}

type leastLoaded struct{}

func (leastLoaded) Name() StrategyType { return StrategyLeastLoaded }

// Select picks the agent with the smallest in-flight counter; ties go to the
// most recently updated agent.
func (leastLoaded) Select(healthy []models.Agent, _ uint64) (string, bool) {
	if len(healthy) == 0 {
		return "", false
	}
	best := healthy[0]
	for _, a := range healthy[1:] {
		if a.InFlight < best.InFlight ||
			(a.InFlight == best.InFlight && a.LastUpdated.After(best.LastUpdated)) {
			best = a
		}
	}
	return best.ID, true
}

type roundRobin struct{}

func (roundRobin) Name() StrategyType { return StrategyRoundRobin }

// Select walks the healthy set in stable id order, indexed by the dispatch
// counter.
func (roundRobin) Select(healthy []models.Agent, coordinated uint64) (string, bool) {
	if len(healthy) == 0 {
		return "", false
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })
	return healthy[coordinated%uint64(len(healthy))].ID, true
}

type random struct{}

func (random) Name() StrategyType { return StrategyRandom }

func (random) Select(healthy []models.Agent, _ uint64) (string, bool) {
	if len(healthy) == 0 {
		return "", false
	}
	return healthy[rand.IntN(len(healthy))].ID, true
}

type weighted struct{}

func (weighted) Name() StrategyType { return StrategyWeighted }

// latencyEpsilon floors the EMA so an agent with no samples does not divide
// by zero.
const latencyEpsilon = 1.0

// Select scores each agent by 0.7/(inflight+1) + 0.3·(1000/max(ema, ε)) and
// picks the maximum.
func (weighted) Select(healthy []models.Agent, _ uint64) (string, bool) {
	if len(healthy) == 0 {
		return "", false
	}
	best, bestScore := "", -1.0
	for _, a := range healthy {
		ema := a.AvgLatencyMS
		if ema < latencyEpsilon {
			ema = latencyEpsilon
		}
		score := 0.7/float64(a.InFlight+1) + 0.3*(1000/ema)
		if score > bestScore {
			best, bestScore = a.ID, score
		}
	}
	return best, true
}
