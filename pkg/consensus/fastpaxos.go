package consensus

import (
	"context"

	"github.com/agent-hive/hivecore/pkg/models"
)

// fastPaxosProtocol tries a single fast round first: approvals from
// ⌊0.75·N⌋ voters decide immediately. Otherwise it falls back to the
// classic prepare/accept path with a simple majority.
type fastPaxosProtocol struct{}

func (fp *fastPaxosProtocol) Name() ProtocolType { return ProtocolFastPaxos }

func (fp *fastPaxosProtocol) Execute(ctx context.Context, prop models.Proposal, voters []Voter) (models.ConsensusResult, error) {
	fastQuorum := (3 * len(voters)) / 4

	fast := collectVotes(ctx, prop, voters)
	approvals, _ := tally(fast)
	if fastQuorum > 0 && approvals >= fastQuorum {
		return models.ConsensusResult{Decision: models.DecisionApproved, Votes: fast}, nil
	}
	if ctx.Err() != nil {
		return models.ConsensusResult{Decision: models.DecisionTimeout, Votes: fast}, nil
	}

	// slow path: prepare, then accept
	prepares := collectVotes(ctx, prop, voters)
	prepareAcks, _ := tally(prepares)
	need := majority(len(voters))
	if prepareAcks < need {
		decision := models.DecisionRejected
		if ctx.Err() != nil {
			decision = models.DecisionTimeout
		}
		return models.ConsensusResult{Decision: decision, Votes: prepares}, nil
	}

	accepts := collectVotes(ctx, prop, voters)
	acceptAcks, _ := tally(accepts)

	decision := models.DecisionApproved
	if acceptAcks < need {
		decision = models.DecisionRejected
		if ctx.Err() != nil {
			decision = models.DecisionTimeout
		}
	}
	return models.ConsensusResult{Decision: decision, Votes: accepts}, nil
}
