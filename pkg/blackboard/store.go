// Package blackboard provides the in-process shared fact store: string
// key/value namespaces partitioned per task plus one global namespace,
// with change notifications for observers.
package blackboard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known global blackboard keys.
const (
	globalNamespace = ""

	keyPrefixTaskAvailable    = "task.available:"
	keyPrefixTaskClaimed      = "task.claimed:"
	keyPrefixTaskComplete     = "task.complete:"
	keyPrefixArtifactProduced = "artifact.produced:"
	keyPrefixHelpNeeded       = "help.needed:"
	keyPrefixAgentJoined      = "agent_joined:"
	keyPrefixAgentLeft        = "agent_left:"
	keyPrefixAdapterCircuit   = "adapter.circuit:"
)

// Key builders for the well-known global facts.
func TaskAvailableKey(taskID string) string     { return keyPrefixTaskAvailable + taskID }
func TaskClaimedKey(taskID string) string       { return keyPrefixTaskClaimed + taskID }
func TaskCompleteKey(taskID string) string      { return keyPrefixTaskComplete + taskID }
func ArtifactProducedKey(artifactID string) string { return keyPrefixArtifactProduced + artifactID }
func HelpNeededKey(agentID string) string       { return keyPrefixHelpNeeded + agentID }
func AgentJoinedKey(agentID string) string      { return keyPrefixAgentJoined + agentID }
func AgentLeftKey(agentID string) string        { return keyPrefixAgentLeft + agentID }
func AdapterCircuitKey(adapterID string) string { return keyPrefixAdapterCircuit + adapterID }

// CircuitOpen is the value stored under an adapter.circuit key while the
// adapter's circuit breaker is open.
const CircuitOpen = "open"

// Change describes one mutation of the store. TaskID is empty for the
// global namespace.
type Change struct {
	TaskID string
	Key    string
	Value  string
}

// namespace is one key/value partition guarded by its own mutex.
type namespace struct {
	mu    sync.Mutex
	facts map[string]string
}

func newNamespace() *namespace {
	return &namespace{facts: make(map[string]string)}
}

// Store holds per-task fact namespaces plus a global one and fans change
// notifications out to subscribers. Slow subscribers lose notifications
// rather than blocking writers.
type Store struct {
	mu         sync.Mutex
	namespaces map[string]*namespace

	subMu       sync.Mutex
	subscribers map[int]chan Change
	nextSubID   int
}

// NewStore creates an empty blackboard.
func NewStore() *Store {
	return &Store{
		namespaces:  map[string]*namespace{globalNamespace: newNamespace()},
		subscribers: make(map[int]chan Change),
	}
}

func (s *Store) namespaceFor(taskID string) *namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[taskID]
	if !ok {
		ns = newNamespace()
		s.namespaces[taskID] = ns
	}
	return ns
}

// SetTask stores a fact in the task's namespace.
func (s *Store) SetTask(taskID, key, value string) {
	ns := s.namespaceFor(taskID)
	ns.mu.Lock()
	ns.facts[key] = value
	ns.mu.Unlock()
	s.notify(Change{TaskID: taskID, Key: key, Value: value})
}

// GetTask reads a fact from the task's namespace.
func (s *Store) GetTask(taskID, key string) (string, bool) {
	ns := s.namespaceFor(taskID)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	v, ok := ns.facts[key]
	return v, ok
}

// SetGlobal stores a fact in the global namespace.
func (s *Store) SetGlobal(key, value string) {
	s.SetTask(globalNamespace, key, value)
}

// GetGlobal reads a fact from the global namespace.
func (s *Store) GetGlobal(key string) (string, bool) {
	return s.GetTask(globalNamespace, key)
}

// DeleteGlobal removes a global fact. Deletion emits a change with an
// empty value.
func (s *Store) DeleteGlobal(key string) {
	ns := s.namespaceFor(globalNamespace)
	ns.mu.Lock()
	delete(ns.facts, key)
	ns.mu.Unlock()
	s.notify(Change{Key: key})
}

// DropTask discards a task's namespace once its coordinator stops.
func (s *Store) DropTask(taskID string) {
	if taskID == globalNamespace {
		return
	}
	s.mu.Lock()
	delete(s.namespaces, taskID)
	s.mu.Unlock()
}

// Digest renders a compact, sorted key=value summary of a task's namespace,
// truncated to maxBytes. Used for the orchestrator prompt.
func (s *Store) Digest(taskID string, maxBytes int) string {
	ns := s.namespaceFor(taskID)
	ns.mu.Lock()
	keys := make([]string, 0, len(ns.facts))
	for k := range ns.facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		line := fmt.Sprintf("%s=%s\n", k, ns.facts[k])
		if maxBytes > 0 && b.Len()+len(line) > maxBytes {
			break
		}
		b.WriteString(line)
	}
	ns.mu.Unlock()
	return strings.TrimRight(b.String(), "\n")
}

// Subscribe registers a change listener. The returned cancel function must
// be called to release the subscription. Notifications that would block are
// dropped.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
