package swarm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/models"
)

// Consensus errors.
var (
	ErrBallotExists  = errors.New("a ballot is already open for the task")
	ErrBallotMissing = errors.New("no open ballot for the task")
)

type ballot struct {
	taskID   string
	artifact string
	expected int
	mode     models.ConsensusMode
	votes    []models.ConsensusVote
	byVoter  map[string]int
	resultCh chan models.ConsensusResult
}

// Consensus collects votes on an artifact until the expected number of
// voters reached in, then tallies per the requested mode.
type Consensus struct {
	mu       sync.Mutex
	ballots  map[string]*ballot
	recorder *events.Recorder
}

// NewConsensus creates an engine. recorder may be nil.
func NewConsensus(recorder *events.Recorder) *Consensus {
	return &Consensus{ballots: make(map[string]*ballot), recorder: recorder}
}

// Request opens a ballot and returns the channel its result will arrive
// on. One ballot per task at a time.
func (c *Consensus) Request(taskID, artifact string, expectedVoters int, mode models.ConsensusMode) (<-chan models.ConsensusResult, error) {
	if expectedVoters <= 0 {
		return nil, fmt.Errorf("expected voters must be positive, got %d", expectedVoters)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, open := c.ballots[taskID]; open {
		return nil, fmt.Errorf("%w: %s", ErrBallotExists, taskID)
	}
	b := &ballot{
		taskID:   taskID,
		artifact: artifact,
		expected: expectedVoters,
		mode:     mode,
		byVoter:  make(map[string]int),
		resultCh: make(chan models.ConsensusResult, 1),
	}
	c.ballots[taskID] = b
	return b.resultCh, nil
}

// Vote records one voter's verdict. A voter voting twice replaces their
// earlier vote. When the expected count is reached, the result is
// published and the ballot closes.
func (c *Consensus) Vote(vote models.ConsensusVote) error {
	c.mu.Lock()
	b, open := c.ballots[vote.TaskID]
	if !open {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBallotMissing, vote.TaskID)
	}
	if i, seen := b.byVoter[vote.VoterID]; seen {
		b.votes[i] = vote
	} else {
		b.byVoter[vote.VoterID] = len(b.votes)
		b.votes = append(b.votes, vote)
	}
	complete := len(b.votes) >= b.expected
	if complete {
		delete(c.ballots, vote.TaskID)
	}
	c.mu.Unlock()

	if !complete {
		return nil
	}

	result := tally(b)
	c.recorder.Record(models.TaskExecutionEvent{
		TaskID:    b.taskID,
		EventType: models.EventTelemetryConsensus,
		Payload:   fmt.Sprintf("mode=%s approved=%v votes=%d", b.mode, result.Approved, len(result.Votes)),
	})
	b.resultCh <- result
	close(b.resultCh)
	return nil
}

// tally computes the verdict. Ties favor rejection in every mode.
func tally(b *ballot) models.ConsensusResult {
	var approveCount, rejectCount int
	var approveWeight, rejectWeight float64
	for _, v := range b.votes {
		if v.Approved {
			approveCount++
			approveWeight += v.Weight
		} else {
			rejectCount++
			rejectWeight += v.Weight
		}
	}

	var approved bool
	switch b.mode {
	case models.ConsensusUnanimous:
		approved = rejectCount == 0
	case models.ConsensusWeighted:
		approved = approveWeight > rejectWeight
	default: // majority
		approved = approveCount > rejectCount
	}
	return models.ConsensusResult{TaskID: b.taskID, Approved: approved, Votes: b.votes}
}
