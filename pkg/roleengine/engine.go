// Package roleengine executes single role invocations: it builds the
// prompt for a role, selects a model provider or CLI adapter, runs it,
// and normalizes the response.
package roleengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmassistant/swarmd/pkg/models"
)

// ExecutionMode selects how the engine reaches a model.
type ExecutionMode string

const (
	// ModeAPIDirect resolves the role-to-model mapping and calls the
	// matching provider over HTTP.
	ModeAPIDirect ExecutionMode = "api-direct"
	// ModeCliFallback walks the configured CLI adapter order.
	ModeCliFallback ExecutionMode = "subscription-cli-fallback"
	// ModeHybrid tries api-direct and falls back to the CLI adapters when
	// no provider serves the role's model.
	ModeHybrid ExecutionMode = "hybrid"
)

// ErrNoModelProvider means the role has no model mapping or its provider
// is not registered.
var ErrNoModelProvider = errors.New("No model provider registered")

// Confidence starts from the execution path (API responses carry usage
// and a model identity; CLI output is opaque, so it scores lower) and
// degrades on weak output: an empty response carries no signal, a very
// short one rarely satisfies a role prompt.
const (
	apiConfidence = 0.9
	cliConfidence = 0.75

	emptyOutputConfidence = 0.1
	shortOutputConfidence = 0.4
	shortOutputBytes      = 32
)

func scoreConfidence(base float64, output string) float64 {
	switch {
	case output == "":
		return emptyOutputConfidence
	case len(output) < shortOutputBytes:
		return shortOutputConfidence
	}
	return base
}

// SkillSource matches reusable skills to a task. May be nil.
type SkillSource interface {
	Match(task models.ExecuteRoleTask) []Skill
}

// Engine executes role invocations per the configured mode.
type Engine struct {
	mode       ExecutionMode
	roleModels map[models.SwarmRole]ModelSpec
	providers  map[string]ModelProvider
	cli        *CliExecutor
	skills     SkillSource
	reasoning  bool
	budget     int
}

// NewEngine wires an engine. cli may be nil in api-direct mode; providers
// may be empty in CLI mode.
func NewEngine(mode ExecutionMode, roleModels map[models.SwarmRole]ModelSpec, providers []ModelProvider, cli *CliExecutor) *Engine {
	byName := make(map[string]ModelProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if roleModels == nil {
		roleModels = make(map[models.SwarmRole]ModelSpec)
	}
	return &Engine{
		mode:       mode,
		roleModels: roleModels,
		providers:  byName,
		cli:        cli,
	}
}

// SetSkillSource installs the skill matcher.
func (e *Engine) SetSkillSource(s SkillSource) { e.skills = s }

// SetReasoning enables extended reasoning with the given token budget on
// providers that support it.
func (e *Engine) SetReasoning(enabled bool, budgetTokens int) {
	e.reasoning = enabled
	e.budget = budgetTokens
}

// Execute runs one role invocation and returns the normalized result.
func (e *Engine) Execute(ctx context.Context, task models.ExecuteRoleTask) (*models.RoleResult, error) {
	prompt := e.buildPrompt(task)
	start := time.Now()

	switch e.mode {
	case ModeAPIDirect:
		return e.executeAPI(ctx, task, prompt, start)
	case ModeCliFallback:
		return e.executeCli(ctx, task, prompt, start)
	case ModeHybrid:
		result, err := e.executeAPI(ctx, task, prompt, start)
		if errors.Is(err, ErrNoModelProvider) {
			slog.Debug("No provider for role, falling back to CLI adapters",
				"task_id", task.TaskID, "role", task.Role)
			return e.executeCli(ctx, task, prompt, start)
		}
		return result, err
	default:
		return nil, fmt.Errorf("unknown execution mode %q", e.mode)
	}
}

// ExecuteOrchestrator runs the distinct orchestrator prompt carrying the
// planner analysis and blackboard digest.
func (e *Engine) ExecuteOrchestrator(ctx context.Context, task models.ExecuteRoleTask, goapAnalysis, blackboardDigest string) (*models.RoleResult, error) {
	task.Role = models.RoleOrchestrator
	prompt := BuildOrchestratorPrompt(task, goapAnalysis, blackboardDigest)
	start := time.Now()

	switch e.mode {
	case ModeAPIDirect:
		return e.executeAPI(ctx, task, prompt, start)
	case ModeCliFallback:
		return e.executeCli(ctx, task, prompt, start)
	default:
		result, err := e.executeAPI(ctx, task, prompt, start)
		if errors.Is(err, ErrNoModelProvider) {
			return e.executeCli(ctx, task, prompt, start)
		}
		return result, err
	}
}

func (e *Engine) buildPrompt(task models.ExecuteRoleTask) string {
	var skills []Skill
	if e.skills != nil {
		skills = e.skills.Match(task)
	}
	return BuildPrompt(task, skills)
}

func (e *Engine) executeAPI(ctx context.Context, task models.ExecuteRoleTask, prompt string, start time.Time) (*models.RoleResult, error) {
	spec, ok := e.roleModels[task.Role]
	if !ok || spec.Model == "" {
		return nil, fmt.Errorf("%w: no model mapped for role %s", ErrNoModelProvider, task.Role)
	}
	provider, ok := e.providers[spec.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q unknown", ErrNoModelProvider, spec.Provider)
	}

	resp, err := provider.Execute(ctx, spec, prompt, ExecuteOptions{
		Reasoning:       e.reasoning,
		ReasoningBudget: e.budget,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s failed: %w", spec.Provider, err)
	}

	output := normalizeOutput(resp.Output)
	return &models.RoleResult{
		TaskID:     task.TaskID,
		Role:       task.Role,
		Output:     output,
		Confidence: scoreConfidence(apiConfidence, output),
		AdapterID:  spec.Provider,
		Model:      resp.ModelID,
		Latency:    time.Since(start),
		Usage:      resp.Usage,
	}, nil
}

func (e *Engine) executeCli(ctx context.Context, task models.ExecuteRoleTask, prompt string, start time.Time) (*models.RoleResult, error) {
	if e.cli == nil {
		return nil, ErrNoCliAdapter
	}
	spec := e.roleModels[task.Role]
	output, adapterID, err := e.cli.Execute(ctx, prompt, CliOptions{
		Provider:  spec.Provider,
		Model:     spec.Model,
		Reasoning: e.reasoning,
	})
	if err != nil {
		return nil, err
	}
	return &models.RoleResult{
		TaskID:     task.TaskID,
		Role:       task.Role,
		Output:     output,
		Confidence: scoreConfidence(cliConfidence, output),
		AdapterID:  adapterID,
		Latency:    time.Since(start),
	}, nil
}

// ParseReviewVerdict inspects a reviewer's output. Rejected iff the first
// VERDICT line (or a bare leading APPROVED/REJECTED) says rejected; an
// output with no verdict counts as approved, matching the optimistic
// review effect.
func ParseReviewVerdict(output string) (approved bool, feedback string) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		upper = strings.TrimPrefix(upper, "VERDICT:")
		upper = strings.TrimSpace(upper)
		if strings.HasPrefix(upper, "REJECTED") || upper == "REJECT" {
			return false, output
		}
		if strings.HasPrefix(upper, "APPROVED") || upper == "APPROVE" {
			return true, ""
		}
	}
	return true, ""
}
