package consensus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-hive/hivecore/pkg/bus"
	"github.com/agent-hive/hivecore/pkg/models"
)

// Raft timing constants.
const (
	raftHeartbeatInterval = time.Second
	raftElectionTimeout   = 5 * time.Second
)

// raftRole is the node's current role in the cluster.
type raftRole string

const (
	roleFollower  raftRole = "follower"
	roleCandidate raftRole = "candidate"
	roleLeader    raftRole = "leader"
)

// raftLogEntry is one replicated proposal.
type raftLogEntry struct {
	Term     uint64
	Proposal models.Proposal
}

// raftState is the long-lived Raft node embedded in the engine. The engine
// is the sole coordinator-side node; registered agents act as the remote
// cluster members through the voter pool. The cluster size is therefore
// len(voters)+1, with this node's vote counted for itself.
type raftState struct {
	mu sync.Mutex

	id            string
	currentTerm   uint64
	votedFor      string
	role          raftRole
	leaderID      string
	log           []raftLogEntry
	commitIndex   int
	lastApplied   int
	lastHeartbeat time.Time

	pool   VoterPool
	events *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newRaftState(pool VoterPool, events *bus.Bus, logger *slog.Logger) *raftState {
	return &raftState{
		id:          "coordinator-" + uuid.NewString()[:8],
		role:        roleFollower,
		commitIndex: -1,
		lastApplied: -1,
		pool:        pool,
		events:      events,
		logger:      logger.With("protocol", "raft"),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// start runs the heartbeat/election timer loop.
func (r *raftState) start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(raftHeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

func (r *raftState) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// tick sends a heartbeat as leader, or starts an election as a follower
// whose election timer expired.
func (r *raftState) tick(ctx context.Context) {
	r.mu.Lock()
	role := r.role
	stale := r.now().Sub(r.lastHeartbeat) > raftElectionTimeout
	r.mu.Unlock()

	switch {
	case role == roleLeader:
		r.sendHeartbeat()
	case stale:
		r.runElection(ctx)
	}
}

func (r *raftState) sendHeartbeat() {
	r.mu.Lock()
	r.lastHeartbeat = r.now()
	term := r.currentTerm
	r.mu.Unlock()

	if r.events != nil {
		r.events.Broadcast(bus.NewEvent(bus.EventHeartbeatSent, "", r.id, map[string]any{
			"term": term,
		}))
	}
}

// runElection increments the term, votes for itself, and requests votes.
// Winning requires a strict majority of the cluster (voters plus self). On
// loss the node returns to follower with a fresh timer.
func (r *raftState) runElection(ctx context.Context) bool {
	r.mu.Lock()
	r.currentTerm++
	r.role = roleCandidate
	r.votedFor = r.id
	r.leaderID = ""
	term := r.currentTerm
	r.lastHeartbeat = r.now()
	r.mu.Unlock()

	voters := r.pool.Voters()
	ballot := models.Proposal{
		ID:         uuid.NewString(),
		Kind:       models.ProposalLeaderElection,
		ProposerID: r.id,
		CreatedAt:  time.Now(),
		Deadline:   time.Now().Add(raftElectionTimeout),
	}

	electionCtx, cancel := context.WithDeadline(ctx, ballot.Deadline)
	defer cancel()
	votes := collectVotes(electionCtx, ballot, voters)
	approvals, _ := tally(votes)
	cluster := len(voters) + 1

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentTerm != term {
		// a newer term appeared during the election
		r.role = roleFollower
		return false
	}

	if approvals+1 >= majority(cluster) {
		r.role = roleLeader
		r.leaderID = r.id
		r.lastHeartbeat = r.now()
		r.logger.Info("leader elected", "term", term, "approvals", approvals+1, "cluster", cluster)
		if r.events != nil {
			r.events.Broadcast(bus.NewEvent(bus.EventLeaderElected, "", r.id, map[string]any{
				"term": term,
			}))
		}
		return true
	}

	r.role = roleFollower
	r.lastHeartbeat = r.now()
	r.logger.Debug("election lost", "term", term, "approvals", approvals+1, "cluster", cluster)
	return false
}

// raftProtocol runs proposals through the shared raft state.
type raftProtocol struct {
	state *raftState
}

func (p *raftProtocol) Name() ProtocolType { return ProtocolRaft }

// Execute ensures leadership, appends the entry, and replicates. The entry
// commits when acknowledgments (including self) reach a majority of the
// cluster.
func (p *raftProtocol) Execute(ctx context.Context, prop models.Proposal, voters []Voter) (models.ConsensusResult, error) {
	r := p.state

	r.mu.Lock()
	isLeader := r.role == roleLeader
	r.mu.Unlock()

	if !isLeader && !r.runElection(ctx) {
		return models.ConsensusResult{Decision: models.DecisionTimeout}, nil
	}

	r.mu.Lock()
	term := r.currentTerm
	r.log = append(r.log, raftLogEntry{Term: term, Proposal: prop})
	index := len(r.log) - 1
	r.mu.Unlock()

	votes := collectVotes(ctx, prop, voters)
	acks, _ := tally(votes)
	cluster := len(voters) + 1

	decision := models.DecisionRejected
	if acks+1 >= majority(cluster) {
		decision = models.DecisionApproved
		r.mu.Lock()
		if index > r.commitIndex {
			r.commitIndex = index
			r.lastApplied = index
		}
		r.mu.Unlock()
	} else if ctx.Err() != nil {
		decision = models.DecisionTimeout
	}

	return models.ConsensusResult{Decision: decision, Votes: votes}, nil
}
