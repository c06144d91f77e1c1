package roleengine

import (
	"context"
	"time"

	"github.com/swarmassistant/swarmd/pkg/models"
)

// ModelSpec names a model and the provider prefix that serves it, e.g.
// {Provider: "anthropic", Model: "claude-sonnet-4-5"}.
type ModelSpec struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// ExecuteOptions tune one provider call.
type ExecuteOptions struct {
	MaxTokens       int
	Reasoning       bool
	ReasoningBudget int
}

// ModelResponse is a provider's normalized answer.
type ModelResponse struct {
	Output  string
	ModelID string
	Usage   models.TokenUsage
	Latency time.Duration
}

// ModelProvider is one HTTP model backend.
type ModelProvider interface {
	Name() string
	Probe(ctx context.Context) bool
	Execute(ctx context.Context, spec ModelSpec, prompt string, opts ExecuteOptions) (*ModelResponse, error)
}
