package goap

// Pipeline action names. The action set is fixed: the runtime drives the
// software-engineering pipeline, not arbitrary workflows.
const (
	ActionPlan            = "Plan"
	ActionBuild           = "Build"
	ActionReview          = "Review"
	ActionRework          = "Rework"
	ActionEscalate        = "Escalate"
	ActionFinalize        = "Finalize"
	ActionWaitForSubTasks = "WaitForSubTasks"
)

// Action is one preconditioned step the planner may schedule.
type Action struct {
	Name          string
	Preconditions map[WorldKey]bool
	Effects       map[WorldKey]bool
	Cost          int
}

// Applicable reports whether every precondition holds in state.
func (a Action) Applicable(state WorldState) bool {
	return state.Satisfies(a.Preconditions)
}

// Apply returns the state after the action's effects.
func (a Action) Apply(state WorldState) WorldState {
	next := state
	for k, v := range a.Effects {
		next = next.With(k, v)
	}
	return next
}

// ActionTable is the global, ordered action set. Declaration order is the
// tie-break for plans of equal total cost, so the order here is load-bearing.
//
// Review's effect models the optimistic outcome (approval): the planner
// schedules the happy path, and the coordinator overwrites the approved /
// rejected facts with the real verdict when the role returns.
var ActionTable = []Action{
	{
		Name:          ActionPlan,
		Preconditions: map[WorldKey]bool{KeyTaskExists: true},
		Effects:       map[WorldKey]bool{KeyPlanExists: true},
		Cost:          1,
	},
	{
		Name:          ActionBuild,
		Preconditions: map[WorldKey]bool{KeyPlanExists: true, KeyAdapterAvailable: true},
		Effects:       map[WorldKey]bool{KeyBuildExists: true},
		Cost:          2,
	},
	{
		Name: ActionReview,
		// ReviewCompleted=false keeps the planner from re-reviewing a
		// rejected build; a new review requires a rework first.
		Preconditions: map[WorldKey]bool{KeyBuildExists: true, KeyReviewCompleted: false},
		Effects:       map[WorldKey]bool{KeyReviewCompleted: true, KeyReviewApproved: true},
		Cost:          1,
	},
	{
		Name:          ActionRework,
		Preconditions: map[WorldKey]bool{KeyReviewRejected: true, KeyRetryLimitReached: false},
		Effects: map[WorldKey]bool{
			KeyReviewRejected:  false,
			KeyReviewCompleted: false,
			KeyReworkAttempted: true,
			KeyBuildExists:     false,
		},
		Cost: 3,
	},
	{
		Name:          ActionEscalate,
		Preconditions: map[WorldKey]bool{KeyReviewRejected: true, KeyRetryLimitReached: true},
		Effects:       map[WorldKey]bool{KeyTaskBlocked: true},
		Cost:          10,
	},
	{
		Name:          ActionFinalize,
		Preconditions: map[WorldKey]bool{KeyReviewApproved: true},
		Effects:       map[WorldKey]bool{KeyTaskCompleted: true},
		Cost:          1,
	},
	{
		Name:          ActionWaitForSubTasks,
		Preconditions: map[WorldKey]bool{KeySubTasksSpawned: true, KeySubTasksCompleted: false},
		Effects:       map[WorldKey]bool{KeySubTasksCompleted: true},
		Cost:          1,
	},
}

// ActionByName looks an action up in the global table.
func ActionByName(name string) (Action, bool) {
	for _, a := range ActionTable {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// GoalTaskCompleted is the default goal a coordinator plans toward.
var GoalTaskCompleted = map[WorldKey]bool{KeyTaskCompleted: true}
