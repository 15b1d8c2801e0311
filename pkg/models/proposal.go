package models

import (
	"encoding/json"
	"time"
)

// ProposalKind classifies what a consensus round is deciding.
type ProposalKind string

// Proposal kinds.
const (
	ProposalTaskAssignment  ProposalKind = "task-assignment"
	ProposalLeaderElection  ProposalKind = "leader-election"
	ProposalConfigChange    ProposalKind = "configuration-change"
	ProposalResourceAlloc   ProposalKind = "resource-allocation"
)

// Decision is the terminal outcome of a consensus round.
type Decision string

// Terminal decisions. Every proposal reaches exactly one of these.
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimeout  Decision = "timeout"
)

// VoteDecision is a single participant's answer to a proposal.
type VoteDecision string

// Vote decisions.
const (
	VoteApprove VoteDecision = "approve"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// Proposal is the atomic unit of consensus. It lives only for the duration
// of a consensus round; the decision is recorded in metrics afterwards.
type Proposal struct {
	ID         string          `json:"id"`
	Kind       ProposalKind    `json:"kind"`
	ProposerID string          `json:"proposer_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Deadline   time.Time       `json:"deadline"`
}

// Vote is one participant's ballot in a proposal round. At most one vote is
// counted per (proposal, voter) pair in a given round.
type Vote struct {
	ProposalID string       `json:"proposal_id"`
	VoterID    string       `json:"voter_id"`
	Decision   VoteDecision `json:"decision"`
	Timestamp  time.Time    `json:"timestamp"`
}

// ConsensusResult is the terminal report of a proposal round.
type ConsensusResult struct {
	ProposalID        string        `json:"proposal_id"`
	Decision          Decision      `json:"decision"`
	Votes             []Vote        `json:"votes"`
	Elapsed           time.Duration `json:"elapsed"`
	ParticipationRate float64       `json:"participation_rate"`
}
