package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swarmassistant/swarmd/pkg/blackboard"
	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/models"
)

// Capability registry errors.
var (
	ErrAgentNotFound   = errors.New("agent_not_found")
	ErrNoCapableAgent  = errors.New("no agent advertises the capability")
	ErrBudgetExhausted = errors.New("budget exhausted")
	ErrNoBids          = errors.New("no bids received within the window")
)

// AgentHandle is the registry's reference to a live agent. ExecuteRoleTask
// forwards work; RequestBid solicits a contract-net proposal (ok=false
// means the agent declined or timed out); Award notifies the auction winner.
type AgentHandle interface {
	ExecuteRoleTask(ctx context.Context, task models.ExecuteRoleTask) error
	RequestBid(ctx context.Context, task models.ExecuteRoleTask) (models.ContractNetBid, bool)
	Award(ctx context.Context, award models.ContractNetAward)
}

// agentRecord is the registry's mutable view of one agent.
type agentRecord struct {
	adv                 models.AgentCapabilityAdvertisement
	handle              AgentHandle
	lastHeartbeat       time.Time
	consecutiveFailures int
	healthy             bool
}

// QueryPreference tunes Query ordering.
const PreferenceCheapest = "cheapest"

// providerRank orders provider types for the cheapest preference:
// subscription capacity is already paid for, API calls are metered.
var providerRank = map[models.ProviderType]int{
	models.ProviderTypeSubscription: 0,
	models.ProviderTypeAPI:          1,
	models.ProviderTypeInternal:     2,
}

// CapabilityRegistry maps agent ids to capability advertisements and
// answers routing, resolution, and auction queries. Readers take a shared
// lock; the heartbeat pruner and advertisers take the exclusive lock.
type CapabilityRegistry struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord

	bb                *blackboard.Store
	stream            *events.UiStream
	heartbeatInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCapabilityRegistry creates a registry. bb and stream may be nil; the
// circuit-breaker filter and auction announcements are skipped when absent.
func NewCapabilityRegistry(bb *blackboard.Store, stream *events.UiStream, heartbeatInterval time.Duration) *CapabilityRegistry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &CapabilityRegistry{
		agents:            make(map[string]*agentRecord),
		bb:                bb,
		stream:            stream,
		heartbeatInterval: heartbeatInterval,
		stopCh:            make(chan struct{}),
	}
}

// Advertise inserts or refreshes an agent, resetting its heartbeat.
func (r *CapabilityRegistry) Advertise(adv models.AgentCapabilityAdvertisement, handle AgentHandle) {
	r.mu.Lock()
	record, ok := r.agents[adv.AgentID]
	if !ok {
		record = &agentRecord{}
		r.agents[adv.AgentID] = record
	}
	record.adv = adv
	if handle != nil {
		record.handle = handle
	}
	record.lastHeartbeat = time.Now()
	record.healthy = true
	r.mu.Unlock()

	if r.bb != nil && !ok {
		r.bb.SetGlobal(blackboard.AgentJoinedKey(adv.AgentID), adv.Endpoint)
	}
}

// Heartbeat refreshes an agent's liveness and clears its failure streak.
func (r *CapabilityRegistry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	record.lastHeartbeat = time.Now()
	record.consecutiveFailures = 0
	record.healthy = true
	return nil
}

// MarkFailure counts a failed delivery against the agent.
func (r *CapabilityRegistry) MarkFailure(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.agents[agentID]; ok {
		record.consecutiveFailures++
	}
}

// RecordUsage adds provider-reported token spend to the agent's budget.
func (r *CapabilityRegistry) RecordUsage(agentID string, tokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.agents[agentID]; ok {
		record.adv.Budget.UsedTokens += tokens
	}
}

// Deregister removes an agent.
func (r *CapabilityRegistry) Deregister(agentID string) {
	r.mu.Lock()
	_, existed := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if existed && r.bb != nil {
		r.bb.SetGlobal(blackboard.AgentLeftKey(agentID), "deregistered")
	}
}

// Query enumerates agents filtered by capability. With PreferenceCheapest
// the result is ordered by provider type (subscription before api), then
// by load.
func (r *CapabilityRegistry) Query(capability models.SwarmRole, preference string) []models.AgentCapabilityAdvertisement {
	r.mu.RLock()
	var out []models.AgentCapabilityAdvertisement
	for _, record := range r.agents {
		if capability != "" && !record.adv.HasCapability(capability) {
			continue
		}
		out = append(out, record.adv)
	}
	r.mu.RUnlock()

	if preference == PreferenceCheapest {
		sort.SliceStable(out, func(i, j int) bool {
			ri, rj := providerRank[out[i].Provider.Type], providerRank[out[j].Provider.Type]
			if ri != rj {
				return ri < rj
			}
			return out[i].CurrentLoad < out[j].CurrentLoad
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	}
	return out
}

// circuitOpen reports whether the agent's adapter currently has an open
// circuit on the global blackboard.
func (r *CapabilityRegistry) circuitOpen(adapter string) bool {
	if r.bb == nil || adapter == "" {
		return false
	}
	v, ok := r.bb.GetGlobal(blackboard.AdapterCircuitKey(adapter))
	return ok && v == blackboard.CircuitOpen
}

// selectAgent picks the best eligible agent for a role: capability present,
// budget not exhausted, circuit closed, healthy; healthy-budget candidates
// beat low-budget ones, then lowest load wins.
func (r *CapabilityRegistry) selectAgent(role models.SwarmRole) (*agentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*agentRecord
	capable := 0
	for _, record := range r.agents {
		if !record.adv.HasCapability(role) {
			continue
		}
		capable++
		if record.adv.Budget.Exhausted() {
			continue
		}
		if !record.healthy || r.circuitOpen(record.adv.Provider.Adapter) {
			continue
		}
		candidates = append(candidates, record)
	}
	if len(candidates) == 0 {
		if capable > 0 {
			return nil, ErrBudgetExhausted
		}
		return nil, ErrNoCapableAgent
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].adv.Budget.LowBudget(), candidates[j].adv.Budget.LowBudget()
		if li != lj {
			return !li
		}
		if candidates[i].adv.CurrentLoad != candidates[j].adv.CurrentLoad {
			return candidates[i].adv.CurrentLoad < candidates[j].adv.CurrentLoad
		}
		return candidates[i].adv.AgentID < candidates[j].adv.AgentID
	})
	return candidates[0], nil
}

// ExecuteRoleTask selects the best eligible agent and forwards the task.
// Returns the chosen agent id.
func (r *CapabilityRegistry) ExecuteRoleTask(ctx context.Context, task models.ExecuteRoleTask) (string, error) {
	record, err := r.selectAgent(task.Role)
	if err != nil {
		return "", err
	}
	agentID := record.adv.AgentID
	handle := record.handle
	if handle == nil {
		return "", ErrAgentNotFound
	}
	if err := handle.ExecuteRoleTask(ctx, task); err != nil {
		r.MarkFailure(agentID)
		return agentID, err
	}
	return agentID, nil
}

// ResolvePeerAgent returns the handle and endpoint for a peer agent.
func (r *CapabilityRegistry) ResolvePeerAgent(agentID string) (AgentHandle, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[agentID]
	if !ok {
		return nil, "", false
	}
	return record.handle, record.adv.Endpoint, true
}

// CallForProposals runs a contract-net auction: broadcast to every capable
// agent, collect bids until the window elapses or every solicited agent
// replied, and award the lowest estimated cost. Ties break by lowest
// estimated time, then earliest bid arrival.
func (r *CapabilityRegistry) CallForProposals(ctx context.Context, task models.ExecuteRoleTask, window time.Duration) (*models.ContractNetAward, error) {
	r.mu.RLock()
	var solicited []*agentRecord
	for _, record := range r.agents {
		if record.adv.HasCapability(task.Role) && record.handle != nil {
			solicited = append(solicited, record)
		}
	}
	r.mu.RUnlock()

	if len(solicited) == 0 {
		return nil, ErrNoCapableAgent
	}

	bidCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	bidCh := make(chan models.ContractNetBid, len(solicited))
	var wg sync.WaitGroup
	for _, record := range solicited {
		wg.Add(1)
		go func(rec *agentRecord) {
			defer wg.Done()
			bid, ok := rec.handle.RequestBid(bidCtx, task)
			if !ok {
				return
			}
			bid.AgentID = rec.adv.AgentID
			bid.TaskID = task.TaskID
			if bid.ReceivedAt.IsZero() {
				bid.ReceivedAt = time.Now()
			}
			bidCh <- bid
		}(record)
	}

	// Close the collection channel once every solicited agent has answered
	// or declined, so a full response set ends the auction before the window.
	go func() {
		wg.Wait()
		close(bidCh)
	}()

	var bids []models.ContractNetBid
collect:
	for {
		select {
		case bid, ok := <-bidCh:
			if !ok {
				break collect
			}
			bids = append(bids, bid)
		case <-bidCtx.Done():
			break collect
		}
	}

	if len(bids) == 0 {
		return nil, ErrNoBids
	}

	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].EstimatedCost != bids[j].EstimatedCost {
			return bids[i].EstimatedCost < bids[j].EstimatedCost
		}
		if bids[i].EstimatedTimeMs != bids[j].EstimatedTimeMs {
			return bids[i].EstimatedTimeMs < bids[j].EstimatedTimeMs
		}
		return bids[i].ReceivedAt.Before(bids[j].ReceivedAt)
	})

	winner := bids[0]
	award := &models.ContractNetAward{
		TaskID:  task.TaskID,
		Role:    task.Role,
		AgentID: winner.AgentID,
		Bid:     winner,
	}

	if handle, _, ok := r.ResolvePeerAgent(winner.AgentID); ok && handle != nil {
		handle.Award(ctx, *award)
	}
	if r.stream != nil {
		r.stream.Publish(events.Envelope{
			Type:    "contract_net.award",
			TaskID:  task.TaskID,
			Payload: winner.AgentID,
		})
	}
	return award, nil
}

// Start launches the heartbeat pruner. Agents silent for more than two
// intervals are marked unhealthy; past three intervals they are removed.
func (r *CapabilityRegistry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.prune()
			}
		}
	}()
}

// Stop halts the pruner.
func (r *CapabilityRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *CapabilityRegistry) prune() {
	now := time.Now()
	var removed []string

	r.mu.Lock()
	for id, record := range r.agents {
		silent := now.Sub(record.lastHeartbeat)
		switch {
		case silent > 3*r.heartbeatInterval:
			delete(r.agents, id)
			removed = append(removed, id)
		case silent > 2*r.heartbeatInterval:
			if record.healthy {
				slog.Warn("Agent missed heartbeats, marking unhealthy",
					"agent_id", id, "silent", silent)
			}
			record.healthy = false
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		slog.Info("Pruned agent after heartbeat timeout", "agent_id", id)
		if r.bb != nil {
			r.bb.SetGlobal(blackboard.AgentLeftKey(id), "heartbeat_timeout")
		}
	}
}
