// Package consensus runs proposal rounds over a set of voters using a
// configurable protocol: simple quorum, Raft, PBFT, or Fast Paxos.
//
// Rounds are serialized per proposal, never per engine: unrelated proposals
// proceed in parallel. Raft keeps long-lived leader state between rounds;
// the other protocols are stateless.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/metrics"
	"github.com/agent-hive/hivecore/pkg/models"
)

// DefaultTimeout bounds a proposal round.
const DefaultTimeout = 5 * time.Second

// ErrInsufficientCapacity is returned when the configured protocol cannot
// run with the current voter count (e.g. PBFT below 3f+1).
var ErrInsufficientCapacity = errors.New("insufficient capacity for consensus protocol")

// ErrNoVoters is returned when the voter pool is empty.
var ErrNoVoters = errors.New("no voters available")

// Voter casts ballots in consensus rounds. Agents implement it through an
// adapter; tests supply scripted voters.
type Voter interface {
	ID() string
	Vote(ctx context.Context, p models.Proposal) (models.VoteDecision, error)
}

// VoterPool supplies the current voter set at the start of each round.
type VoterPool interface {
	Voters() []Voter
}

// VoterPoolFunc adapts a function to a VoterPool.
type VoterPoolFunc func() []Voter

// Voters implements VoterPool.
func (f VoterPoolFunc) Voters() []Voter { return f() }

// ProtocolType names a consensus protocol.
type ProtocolType string

// Supported protocols.
const (
	ProtocolQuorum    ProtocolType = "quorum"
	ProtocolRaft      ProtocolType = "raft"
	ProtocolPBFT      ProtocolType = "pbft"
	ProtocolFastPaxos ProtocolType = "fast-paxos"
)

// protocol executes one proposal round.
type protocol interface {
	Name() ProtocolType
	Execute(ctx context.Context, p models.Proposal, voters []Voter) (models.ConsensusResult, error)
}

// Config controls the engine.
type Config struct {
	// Protocol is the primary protocol.
	Protocol ProtocolType
	// Fallback runs when the primary fails with ErrInsufficientCapacity.
	// Empty disables fallback.
	Fallback ProtocolType
	// Timeout bounds each round.
	Timeout time.Duration
	// PBFTFaultTolerance is f, the number of Byzantine voters PBFT absorbs.
	PBFTFaultTolerance int
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = ProtocolQuorum
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PBFTFaultTolerance <= 0 {
		c.PBFTFaultTolerance = 1
	}
	return c
}

// Engine coordinates proposal rounds.
type Engine struct {
	cfg     Config
	pool    VoterPool
	events  *bus.Bus
	metrics *metrics.Collector
	logger  *slog.Logger

	primary  protocol
	fallback protocol

	raft *raftState
}

// NewEngine builds an engine for the configured protocol.
func NewEngine(cfg Config, pool VoterPool, events *bus.Bus, mc *metrics.Collector, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		pool:    pool,
		events:  events,
		metrics: mc,
		logger:  logger.With("component", "consensus"),
	}

	var err error
	if e.primary, err = e.build(e.cfg.Protocol); err != nil {
		return nil, err
	}
	if e.cfg.Fallback != "" {
		if e.fallback, err = e.build(e.cfg.Fallback); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) build(t ProtocolType) (protocol, error) {
	switch t {
	case ProtocolQuorum:
		return &quorumProtocol{}, nil
	case ProtocolRaft:
		if e.raft == nil {
			e.raft = newRaftState(e.pool, e.events, e.logger)
		}
		return &raftProtocol{state: e.raft}, nil
	case ProtocolPBFT:
		return &pbftProtocol{f: e.cfg.PBFTFaultTolerance}, nil
	case ProtocolFastPaxos:
		return &fastPaxosProtocol{}, nil
	}
	return nil, fmt.Errorf("unknown consensus protocol %q", t)
}

// StartRaft launches the Raft heartbeat/election timers when the engine is
// configured for Raft. A no-op otherwise.
func (e *Engine) StartRaft(ctx context.Context) {
	if e.raft != nil {
		e.raft.start(ctx)
	}
}

// StopRaft halts the Raft timers.
func (e *Engine) StopRaft() {
	if e.raft != nil {
		e.raft.stop()
	}
}

// Propose runs one consensus round and records the outcome. The proposal id
// and deadline are assigned here if unset. On ErrInsufficientCapacity the
// configured fallback protocol runs instead.
func (e *Engine) Propose(ctx context.Context, p models.Proposal) (models.ConsensusResult, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Deadline.IsZero() {
		p.Deadline = p.CreatedAt.Add(e.cfg.Timeout)
	}

	voters := e.pool.Voters()
	if len(voters) == 0 {
		e.recordFailure()
		return models.ConsensusResult{}, fmt.Errorf("%w: proposal %s", ErrNoVoters, p.ID)
	}

	ctx, cancel := context.WithDeadline(ctx, p.Deadline)
	defer cancel()

	start := time.Now()
	result, err := e.primary.Execute(ctx, p, voters)
	if errors.Is(err, ErrInsufficientCapacity) && e.fallback != nil {
		e.logger.Warn("protocol capacity insufficient, falling back",
			"proposal_id", p.ID, "primary", e.primary.Name(), "fallback", e.fallback.Name(), "voters", len(voters))
		result, err = e.fallback.Execute(ctx, p, voters)
	}
	if err != nil {
		e.recordFailure()
		return models.ConsensusResult{}, err
	}

	result.ProposalID = p.ID
	result.Elapsed = time.Since(start)
	if len(voters) > 0 {
		result.ParticipationRate = float64(len(result.Votes)) / float64(len(voters))
	}

	if e.metrics != nil {
		e.metrics.ProposalDecided(string(result.Decision), result.Elapsed, result.ParticipationRate)
	}
	if e.events != nil {
		e.events.Broadcast(bus.NewEvent(bus.EventConsensusReached, "", p.ProposerID, map[string]any{
			"proposal_id":        p.ID,
			"kind":               string(p.Kind),
			"decision":           string(result.Decision),
			"participation_rate": result.ParticipationRate,
		}))
	}
	e.logger.Debug("proposal decided",
		"proposal_id", p.ID, "kind", p.Kind, "decision", result.Decision, "elapsed", result.Elapsed)
	return result, nil
}

// recordFailure counts a round that was refused before reaching a decision.
func (e *Engine) recordFailure() {
	if e.metrics != nil {
		e.metrics.ProposalFailed()
	}
}

// majority returns ⌊n/2⌋+1.
func majority(n int) int { return n/2 + 1 }

// collectVotes asks every voter in parallel and gathers ballots until all
// have answered or the context expires. Voter errors count as absent, not as
// rejections.
func collectVotes(ctx context.Context, p models.Proposal, voters []Voter) []models.Vote {
	type ballot struct {
		vote models.Vote
		err  error
	}
	ch := make(chan ballot, len(voters))

	var wg sync.WaitGroup
	for _, v := range voters {
		wg.Add(1)
		go func(v Voter) {
			defer wg.Done()
			decision, err := v.Vote(ctx, p)
			ch <- ballot{
				vote: models.Vote{
					ProposalID: p.ID,
					VoterID:    v.ID(),
					Decision:   decision,
					Timestamp:  time.Now(),
				},
				err: err,
			}
		}(v)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	var votes []models.Vote
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return votes
			}
			if b.err == nil {
				votes = append(votes, b.vote)
			}
		case <-ctx.Done():
			// drain whatever already arrived without blocking
			for {
				select {
				case b, ok := <-ch:
					if !ok {
						return votes
					}
					if b.err == nil {
						votes = append(votes, b.vote)
					}
				default:
					return votes
				}
			}
		}
	}
}

// tally counts approve and reject ballots.
func tally(votes []models.Vote) (approve, reject int) {
	for _, v := range votes {
		switch v.Decision {
		case models.VoteApprove:
			approve++
		case models.VoteReject:
			reject++
		}
	}
	return approve, reject
}
