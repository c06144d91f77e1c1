// Package goap implements goal-oriented action planning over boolean world
// facts: an A* forward search that recommends the next pipeline actions for
// a task coordinator.
package goap

import (
	"sort"
	"strings"
)

// WorldKey enumerates the atomic facts tracked per task.
type WorldKey string

const (
	KeyTaskExists        WorldKey = "task_exists"
	KeyPlanExists        WorldKey = "plan_exists"
	KeyBuildExists       WorldKey = "build_exists"
	KeyReviewCompleted   WorldKey = "review_completed"
	KeyReviewApproved    WorldKey = "review_approved"
	KeyReviewRejected    WorldKey = "review_rejected"
	KeyRetryLimitReached WorldKey = "retry_limit_reached"
	KeyReworkAttempted   WorldKey = "rework_attempted"
	KeyTaskCompleted     WorldKey = "task_completed"
	KeyTaskBlocked       WorldKey = "task_blocked"
	KeyAdapterAvailable  WorldKey = "adapter_available"
	KeySubTasksSpawned   WorldKey = "subtasks_spawned"
	KeySubTasksCompleted WorldKey = "subtasks_completed"
)

// WorldState is an immutable mapping of world keys to booleans.
// Absent keys read as false. With returns a new state; the receiver is
// never mutated, so states can be shared freely across goroutines.
type WorldState struct {
	facts map[WorldKey]bool
}

// NewWorldState builds a state from the given facts.
func NewWorldState(facts map[WorldKey]bool) WorldState {
	cp := make(map[WorldKey]bool, len(facts))
	for k, v := range facts {
		cp[k] = v
	}
	return WorldState{facts: cp}
}

// Get returns the value of key; absent keys are false.
func (s WorldState) Get(key WorldKey) bool {
	return s.facts[key]
}

// With returns a copy of s with key set to value.
func (s WorldState) With(key WorldKey, value bool) WorldState {
	cp := make(map[WorldKey]bool, len(s.facts)+1)
	for k, v := range s.facts {
		cp[k] = v
	}
	cp[key] = value
	return WorldState{facts: cp}
}

// Satisfies reports whether every fact in goal holds in s.
func (s WorldState) Satisfies(goal map[WorldKey]bool) bool {
	for k, want := range goal {
		if s.Get(k) != want {
			return false
		}
	}
	return true
}

// Hash returns a canonical identity string for the state. Keys that read
// false are omitted, so states differing only in explicit-false entries
// hash identically.
func (s WorldState) Hash() string {
	keys := make([]string, 0, len(s.facts))
	for k, v := range s.facts {
		if v {
			keys = append(keys, string(k))
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}
