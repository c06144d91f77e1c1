package goap

import (
	"container/heap"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PlanResult is the planner's answer for one (state, goal) query.
type PlanResult struct {
	// Satisfied is true when the goal already holds; RecommendedPlan is empty.
	Satisfied bool
	// DeadEnd is true when the search space was exhausted without reaching
	// the goal.
	DeadEnd bool
	// RecommendedPlan is the ordered action sequence, nil on dead end.
	RecommendedPlan []Action
}

// Planner runs A* forward search over world states. It is pure: Plan never
// mutates the input state and has no side effects, so one Planner may be
// shared by every coordinator. Successor generation is memoized per state.
type Planner struct {
	actions    []Action
	successors *lru.Cache[string, []successor]
}

type successor struct {
	actionIdx int
	next      WorldState
}

const successorCacheSize = 1024

// NewPlanner creates a planner over the global action table.
func NewPlanner() *Planner {
	return NewPlannerWithActions(ActionTable)
}

// NewPlannerWithActions creates a planner over a custom action table.
// Declaration order is the cost tie-break.
func NewPlannerWithActions(actions []Action) *Planner {
	cache, _ := lru.New[string, []successor](successorCacheSize)
	return &Planner{actions: actions, successors: cache}
}

// node is one A* search node.
type node struct {
	state     WorldState
	gCost     int
	fCost     int
	actionIdx int // index into p.actions, -1 for the root
	parent    *node
	order     int // insertion order, FIFO tie-break for equal fCost
}

type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].fCost != h[j].fCost {
		return h[i].fCost < h[j].fCost
	}
	return h[i].order < h[j].order
}
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Plan searches for the cheapest action sequence transforming state into one
// satisfying goal. Ties on total cost resolve to the action declared earliest
// in the table, because successors are expanded in declaration order and the
// frontier breaks equal costs first-in-first-out.
func (p *Planner) Plan(state WorldState, goal map[WorldKey]bool) PlanResult {
	if state.Satisfies(goal) {
		return PlanResult{Satisfied: true, RecommendedPlan: []Action{}}
	}

	frontier := &nodeHeap{}
	heap.Init(frontier)
	counter := 0

	root := &node{state: state, actionIdx: -1, fCost: heuristic(state, goal)}
	heap.Push(frontier, root)

	// best g-cost seen per state hash; doubles as the closed set.
	best := map[string]int{state.Hash(): 0}

	for frontier.Len() > 0 {
		cur := heap.Pop(frontier).(*node)

		if cur.state.Satisfies(goal) {
			return PlanResult{RecommendedPlan: p.reconstruct(cur)}
		}

		for _, succ := range p.expand(cur.state) {
			action := p.actions[succ.actionIdx]
			g := cur.gCost + action.Cost
			hash := succ.next.Hash()
			if prev, seen := best[hash]; seen && prev <= g {
				continue
			}
			best[hash] = g
			counter++
			heap.Push(frontier, &node{
				state:     succ.next,
				gCost:     g,
				fCost:     g + heuristic(succ.next, goal),
				actionIdx: succ.actionIdx,
				parent:    cur,
				order:     counter,
			})
		}
	}

	return PlanResult{DeadEnd: true}
}

// expand returns every applicable action's resulting state, memoized by
// state hash. Successors whose state equals the input are dropped; they can
// never be part of a cheapest plan.
func (p *Planner) expand(state WorldState) []successor {
	hash := state.Hash()
	if cached, ok := p.successors.Get(hash); ok {
		return cached
	}
	var succs []successor
	for i, action := range p.actions {
		if !action.Applicable(state) {
			continue
		}
		next := action.Apply(state)
		if next.Hash() == hash {
			continue
		}
		succs = append(succs, successor{actionIdx: i, next: next})
	}
	p.successors.Add(hash, succs)
	return succs
}

// reconstruct walks parent links back to the root and reverses the path.
func (p *Planner) reconstruct(n *node) []Action {
	var rev []Action
	for cur := n; cur != nil && cur.actionIdx >= 0; cur = cur.parent {
		rev = append(rev, p.actions[cur.actionIdx])
	}
	plan := make([]Action, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		plan = append(plan, rev[i])
	}
	return plan
}

// heuristic counts goal facts not yet satisfied. Admissible as long as every
// action costs at least 1 and flips at most one goal fact toward the goal,
// which holds for the pipeline table.
func heuristic(state WorldState, goal map[WorldKey]bool) int {
	missing := 0
	for k, want := range goal {
		if state.Get(k) != want {
			missing++
		}
	}
	return missing
}
