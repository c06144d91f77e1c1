package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmassistant/swarmd/pkg/models"
)

func collectResult(t *testing.T, ch <-chan models.ConsensusResult) models.ConsensusResult {
	t.Helper()
	select {
	case result := <-ch:
		return result
	case <-time.After(time.Second):
		t.Fatal("consensus result never arrived")
		return models.ConsensusResult{}
	}
}

func TestConsensusMajority(t *testing.T) {
	c := NewConsensus(nil)
	ch, err := c.Request("t1", "artifact-v1", 3, models.ConsensusMajority)
	require.NoError(t, err)

	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: true}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "b", Approved: true}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "c", Approved: false}))

	result := collectResult(t, ch)
	assert.True(t, result.Approved)
	assert.Len(t, result.Votes, 3)
}

func TestConsensusMajorityTieRejects(t *testing.T) {
	c := NewConsensus(nil)
	ch, err := c.Request("t1", "artifact-v1", 2, models.ConsensusMajority)
	require.NoError(t, err)

	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: true}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "b", Approved: false}))

	assert.False(t, collectResult(t, ch).Approved)
}

func TestConsensusUnanimous(t *testing.T) {
	c := NewConsensus(nil)
	ch, err := c.Request("t1", "artifact-v1", 3, models.ConsensusUnanimous)
	require.NoError(t, err)

	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: true}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "b", Approved: true}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "c", Approved: false}))

	assert.False(t, collectResult(t, ch).Approved)
}

func TestConsensusWeighted(t *testing.T) {
	c := NewConsensus(nil)
	ch, err := c.Request("t1", "artifact-v1", 3, models.ConsensusWeighted)
	require.NoError(t, err)

	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: true, Weight: 0.3}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "b", Approved: true, Weight: 0.3}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "c", Approved: false, Weight: 0.9}))

	assert.False(t, collectResult(t, ch).Approved)
}

func TestConsensusRevoteReplaces(t *testing.T) {
	c := NewConsensus(nil)
	ch, err := c.Request("t1", "artifact-v1", 2, models.ConsensusMajority)
	require.NoError(t, err)

	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: false}))
	// Changed their mind before the ballot closed.
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: true}))
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "b", Approved: true}))

	result := collectResult(t, ch)
	assert.True(t, result.Approved)
	assert.Len(t, result.Votes, 2)
}

func TestConsensusBallotLifecycle(t *testing.T) {
	c := NewConsensus(nil)

	err := c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: true})
	assert.ErrorIs(t, err, ErrBallotMissing)

	_, err = c.Request("t1", "artifact-v1", 1, models.ConsensusMajority)
	require.NoError(t, err)
	_, err = c.Request("t1", "artifact-v2", 1, models.ConsensusMajority)
	assert.ErrorIs(t, err, ErrBallotExists)

	_, err = c.Request("t2", "artifact", 0, models.ConsensusMajority)
	assert.Error(t, err)

	// The ballot closes once the expected count is reached.
	require.NoError(t, c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "a", Approved: true}))
	err = c.Vote(models.ConsensusVote{TaskID: "t1", VoterID: "b", Approved: true})
	assert.ErrorIs(t, err, ErrBallotMissing)
}
