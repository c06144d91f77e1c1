package models

// ConsensusMode selects how votes are tallied.
type ConsensusMode string

const (
	ConsensusMajority  ConsensusMode = "majority"
	ConsensusUnanimous ConsensusMode = "unanimous"
	ConsensusWeighted  ConsensusMode = "weighted"
)

// ConsensusVote is one voter's verdict on an artifact.
type ConsensusVote struct {
	TaskID    string  `json:"task_id"`
	VoterID   string  `json:"voter_id"`
	Approved  bool    `json:"approved"`
	Weight    float64 `json:"weight"`
	Rationale string  `json:"rationale,omitempty"`
}

// ConsensusResult is the aggregate verdict once all expected voters reached in.
type ConsensusResult struct {
	TaskID   string          `json:"task_id"`
	Approved bool            `json:"approved"`
	Votes    []ConsensusVote `json:"votes"`
}
