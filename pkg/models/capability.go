package models

import "time"

// SandboxLevel describes how strongly a CLI adapter's process is confined.
type SandboxLevel string

const (
	SandboxBareCli     SandboxLevel = "bare_cli"
	SandboxOsSandboxed SandboxLevel = "os_sandboxed"
	SandboxContainer   SandboxLevel = "container"
)

// ProviderType distinguishes how an agent's execution capacity is paid for.
type ProviderType string

const (
	ProviderTypeAPI          ProviderType = "api"
	ProviderTypeSubscription ProviderType = "subscription"
	ProviderTypeInternal     ProviderType = "internal"
)

// ProviderInfo names the adapter behind an agent and its billing type.
type ProviderInfo struct {
	Adapter string       `json:"adapter"`
	Type    ProviderType `json:"type"`
}

// BudgetInfo tracks an agent's token budget. Ratios are computed as
// usedTokens/totalTokens; a zero TotalTokens means unmetered.
type BudgetInfo struct {
	Type             string  `json:"type"`
	TotalTokens      int64   `json:"total_tokens,omitempty"`
	UsedTokens       int64   `json:"used_tokens,omitempty"`
	WarningThreshold float64 `json:"warning_threshold"`
	HardLimit        float64 `json:"hard_limit"`
}

// Ratio returns usedTokens/totalTokens, or 0 when unmetered.
func (b BudgetInfo) Ratio() float64 {
	if b.TotalTokens <= 0 {
		return 0
	}
	return float64(b.UsedTokens) / float64(b.TotalTokens)
}

// Exhausted reports whether the agent's spend reached its hard limit.
func (b BudgetInfo) Exhausted() bool {
	return b.HardLimit > 0 && b.Ratio() >= b.HardLimit
}

// LowBudget reports whether the agent crossed its warning threshold.
func (b BudgetInfo) LowBudget() bool {
	return b.WarningThreshold > 0 && b.Ratio() >= b.WarningThreshold
}

// AgentCapabilityAdvertisement is what an agent publishes to the
// capability registry: who it is, what it can do, and how loaded it is.
type AgentCapabilityAdvertisement struct {
	AgentID      string       `json:"agent_id"`
	Endpoint     string       `json:"endpoint"`
	Capabilities []SwarmRole  `json:"capabilities"`
	CurrentLoad  int          `json:"current_load"`
	SandboxLevel SandboxLevel `json:"sandbox_level"`
	Provider     ProviderInfo `json:"provider"`
	Budget       BudgetInfo   `json:"budget"`
	// IdleTTL > 0 means the agent self-terminates after that idle window.
	IdleTTL time.Duration `json:"idle_ttl,omitempty"`
}

// HasCapability reports whether the advertisement covers the given role.
func (a *AgentCapabilityAdvertisement) HasCapability(role SwarmRole) bool {
	for _, c := range a.Capabilities {
		if c == role {
			return true
		}
	}
	return false
}

// ContractNetBid is one agent's answer to a call-for-proposals.
type ContractNetBid struct {
	TaskID          string        `json:"task_id"`
	AgentID         string        `json:"agent_id"`
	EstimatedCost   float64       `json:"estimated_cost"`
	EstimatedTimeMs int64         `json:"estimated_time_ms"`
	ReceivedAt      time.Time     `json:"received_at"`
}

// ContractNetAward names the winning bidder of an auction.
type ContractNetAward struct {
	TaskID  string         `json:"task_id"`
	Role    SwarmRole      `json:"role"`
	AgentID string         `json:"agent_id"`
	Bid     ContractNetBid `json:"bid"`
}

// PeerMessageAck acknowledges (or refuses) a forwarded peer message.
type PeerMessageAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}
