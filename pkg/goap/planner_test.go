package goap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planNames(result PlanResult) []string {
	names := make([]string, 0, len(result.RecommendedPlan))
	for _, a := range result.RecommendedPlan {
		names = append(names, a.Name)
	}
	return names
}

func TestPlanner_HappyPath(t *testing.T) {
	p := NewPlanner()
	state := NewWorldState(map[WorldKey]bool{
		KeyTaskExists:       true,
		KeyAdapterAvailable: true,
	})

	result := p.Plan(state, GoalTaskCompleted)

	require.False(t, result.DeadEnd)
	require.False(t, result.Satisfied)
	assert.Equal(t, []string{ActionPlan, ActionBuild, ActionReview, ActionFinalize}, planNames(result))
}

func TestPlanner_GoalAlreadySatisfied(t *testing.T) {
	p := NewPlanner()
	state := NewWorldState(map[WorldKey]bool{KeyTaskCompleted: true})

	result := p.Plan(state, GoalTaskCompleted)

	assert.True(t, result.Satisfied)
	assert.Empty(t, result.RecommendedPlan)
	assert.False(t, result.DeadEnd)
}

func TestPlanner_RejectedReviewPrefersRework(t *testing.T) {
	p := NewPlanner()
	state := NewWorldState(map[WorldKey]bool{
		KeyTaskExists:       true,
		KeyPlanExists:       true,
		KeyBuildExists:      true,
		KeyReviewCompleted:  true,
		KeyReviewRejected:   true,
		KeyAdapterAvailable: true,
	})

	result := p.Plan(state, GoalTaskCompleted)

	require.False(t, result.DeadEnd)
	assert.Equal(t, []string{ActionRework, ActionBuild, ActionReview, ActionFinalize}, planNames(result))
}

func TestPlanner_RetryLimitReachedIsDeadEndForCompletion(t *testing.T) {
	p := NewPlanner()
	state := NewWorldState(map[WorldKey]bool{
		KeyTaskExists:        true,
		KeyPlanExists:        true,
		KeyBuildExists:       true,
		KeyReviewCompleted:   true,
		KeyReviewRejected:    true,
		KeyRetryLimitReached: true,
		KeyAdapterAvailable:  true,
	})

	result := p.Plan(state, GoalTaskCompleted)
	assert.True(t, result.DeadEnd)

	// The same state can still reach the blocked goal via Escalate.
	blocked := p.Plan(state, map[WorldKey]bool{KeyTaskBlocked: true})
	require.False(t, blocked.DeadEnd)
	assert.Equal(t, []string{ActionEscalate}, planNames(blocked))
}

func TestPlanner_MissingAdapterIsDeadEnd(t *testing.T) {
	p := NewPlanner()
	state := NewWorldState(map[WorldKey]bool{KeyTaskExists: true})

	result := p.Plan(state, GoalTaskCompleted)

	assert.True(t, result.DeadEnd)
	assert.Nil(t, result.RecommendedPlan)
}

func TestPlanner_WaitForSubTasks(t *testing.T) {
	p := NewPlanner()
	state := NewWorldState(map[WorldKey]bool{
		KeySubTasksSpawned: true,
	})

	result := p.Plan(state, map[WorldKey]bool{KeySubTasksCompleted: true})

	require.False(t, result.DeadEnd)
	assert.Equal(t, []string{ActionWaitForSubTasks}, planNames(result))
}

func TestPlanner_IsPure(t *testing.T) {
	p := NewPlanner()
	state := NewWorldState(map[WorldKey]bool{
		KeyTaskExists:       true,
		KeyAdapterAvailable: true,
	})
	before := state.Hash()

	first := p.Plan(state, GoalTaskCompleted)
	second := p.Plan(state, GoalTaskCompleted)

	assert.Equal(t, before, state.Hash())
	assert.Equal(t, planNames(first), planNames(second))
}

func TestWorldState_WithReturnsNewState(t *testing.T) {
	s1 := NewWorldState(map[WorldKey]bool{KeyTaskExists: true})
	s2 := s1.With(KeyPlanExists, true)

	assert.False(t, s1.Get(KeyPlanExists))
	assert.True(t, s2.Get(KeyPlanExists))
	assert.NotEqual(t, s1.Hash(), s2.Hash())
}

func TestWorldState_HashIgnoresExplicitFalse(t *testing.T) {
	s1 := NewWorldState(map[WorldKey]bool{KeyTaskExists: true})
	s2 := NewWorldState(map[WorldKey]bool{KeyTaskExists: true, KeyPlanExists: false})

	assert.Equal(t, s1.Hash(), s2.Hash())
}

func TestActionByName(t *testing.T) {
	a, ok := ActionByName(ActionEscalate)
	require.True(t, ok)
	assert.Equal(t, 10, a.Cost)

	_, ok = ActionByName("Deploy")
	assert.False(t, ok)
}
