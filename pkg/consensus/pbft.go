package consensus

import (
	"context"
	"fmt"

	"github.com/agent-hive/hivecore/pkg/models"
)

// pbftProtocol is the Byzantine-tolerant three-phase protocol. With fault
// tolerance f it needs at least 3f+1 voters and a quorum of 2f+1 in both the
// prepare and commit phases.
type pbftProtocol struct {
	f int
}

func (p *pbftProtocol) Name() ProtocolType { return ProtocolPBFT }

func (p *pbftProtocol) Execute(ctx context.Context, prop models.Proposal, voters []Voter) (models.ConsensusResult, error) {
	minVoters := 3*p.f + 1
	if len(voters) < minVoters {
		return models.ConsensusResult{}, fmt.Errorf("%w: pbft(f=%d) needs %d voters, have %d",
			ErrInsufficientCapacity, p.f, minVoters, len(voters))
	}
	quorum := 2*p.f + 1

	// pre-prepare: the coordinator is the leader; broadcasting is implicit
	// in the vote request carrying the full proposal.

	// prepare phase
	prepares := collectVotes(ctx, prop, voters)
	prepareAcks, _ := tally(prepares)
	if prepareAcks < quorum {
		decision := models.DecisionRejected
		if ctx.Err() != nil {
			decision = models.DecisionTimeout
		}
		return models.ConsensusResult{Decision: decision, Votes: prepares}, nil
	}

	// commit phase
	commits := collectVotes(ctx, prop, voters)
	commitAcks, _ := tally(commits)

	decision := models.DecisionApproved
	if commitAcks < quorum {
		decision = models.DecisionRejected
		if ctx.Err() != nil {
			decision = models.DecisionTimeout
		}
	}
	return models.ConsensusResult{Decision: decision, Votes: commits}, nil
}
