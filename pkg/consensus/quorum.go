package consensus

import (
	"context"

	"github.com/agent-hive/hivecore/pkg/models"
)

// quorumProtocol decides by simple majority: broadcast, count ballots before
// the deadline, approve or reject once either side reaches ⌊N/2⌋+1.
type quorumProtocol struct{}

func (q *quorumProtocol) Name() ProtocolType { return ProtocolQuorum }

func (q *quorumProtocol) Execute(ctx context.Context, p models.Proposal, voters []Voter) (models.ConsensusResult, error) {
	votes := collectVotes(ctx, p, voters)
	approve, reject := tally(votes)
	need := majority(len(voters))

	decision := models.DecisionTimeout
	switch {
	case approve >= need:
		decision = models.DecisionApproved
	case reject >= need:
		decision = models.DecisionRejected
	}

	return models.ConsensusResult{Decision: decision, Votes: votes}, nil
}
