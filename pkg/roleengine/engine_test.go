package roleengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmassistant/swarmd/pkg/models"
)

type stubProvider struct {
	name   string
	output string
	err    error
	calls  int
}

func (p *stubProvider) Name() string                   { return p.name }
func (p *stubProvider) Probe(_ context.Context) bool   { return true }
func (p *stubProvider) Execute(_ context.Context, _ ModelSpec, _ string, _ ExecuteOptions) (*ModelResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &ModelResponse{
		Output:  p.output,
		ModelID: "stub-model",
		Usage:   models.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func builderTask() models.ExecuteRoleTask {
	return models.ExecuteRoleTask{TaskID: "t1", Role: models.RoleBuilder, Title: "Smoke", Description: "Verify"}
}

func TestEngine_APIDirect(t *testing.T) {
	provider := &stubProvider{name: "anthropic", output: "built it, wired the handler, and the smoke test passes"}
	e := NewEngine(ModeAPIDirect,
		map[models.SwarmRole]ModelSpec{models.RoleBuilder: {Provider: "anthropic", Model: "claude-sonnet-4-5"}},
		[]ModelProvider{provider}, nil)

	result, err := e.Execute(context.Background(), builderTask())
	require.NoError(t, err)
	assert.Equal(t, "built it, wired the handler, and the smoke test passes", result.Output)
	assert.Equal(t, "anthropic", result.AdapterID)
	assert.Equal(t, "stub-model", result.Model)
	assert.Equal(t, int64(10), result.Usage.InputTokens)
	assert.InDelta(t, apiConfidence, result.Confidence, 0.001)
}

func TestEngine_ConfidenceDegradesOnWeakOutput(t *testing.T) {
	t.Run("empty API output", func(t *testing.T) {
		provider := &stubProvider{name: "anthropic", output: "   \n"}
		e := NewEngine(ModeAPIDirect,
			map[models.SwarmRole]ModelSpec{models.RoleBuilder: {Provider: "anthropic", Model: "claude-sonnet-4-5"}},
			[]ModelProvider{provider}, nil)

		result, err := e.Execute(context.Background(), builderTask())
		require.NoError(t, err)
		assert.InDelta(t, emptyOutputConfidence, result.Confidence, 0.001)
	})

	t.Run("short CLI output", func(t *testing.T) {
		cli := NewCliExecutor([]AdapterDescriptor{{ID: "terse", IsInternal: true}}, nil, 1)
		cli.RegisterInternal("terse", func(_ context.Context, _ string) (string, error) {
			return "ok", nil
		})
		e := NewEngine(ModeCliFallback, nil, nil, cli)

		result, err := e.Execute(context.Background(), builderTask())
		require.NoError(t, err)
		assert.InDelta(t, shortOutputConfidence, result.Confidence, 0.001)
	})

	t.Run("substantial output keeps the path base", func(t *testing.T) {
		assert.InDelta(t, cliConfidence,
			scoreConfidence(cliConfidence, "a response long enough to carry real signal"), 0.001)
	})
}

func TestEngine_CliModelRouting(t *testing.T) {
	adapter := AdapterDescriptor{
		ID:             "routed",
		ExecuteCommand: "routed-exec",
		ExecuteArgs:    []string{"-p", "{{prompt}}"},
		ModelFlag:      "--model",
	}
	runner := &scriptedRunner{output: map[string]string{"routed-exec": "a sufficiently long adapter response"}}
	cli := NewCliExecutor([]AdapterDescriptor{adapter}, nil, 1)
	cli.SetRunner(runner)
	e := NewEngine(ModeCliFallback,
		map[models.SwarmRole]ModelSpec{models.RoleBuilder: {Provider: "anthropic", Model: "claude-haiku-4-5"}},
		nil, cli)

	result, err := e.Execute(context.Background(), builderTask())
	require.NoError(t, err)
	assert.Equal(t, "routed", result.AdapterID)
	require.NotEmpty(t, runner.calls)
	assert.Contains(t, runner.calls[len(runner.calls)-1], "--model claude-haiku-4-5")
}

func TestEngine_APIDirectMissingProvider(t *testing.T) {
	t.Run("no mapping for role", func(t *testing.T) {
		e := NewEngine(ModeAPIDirect, nil, nil, nil)
		_, err := e.Execute(context.Background(), builderTask())
		require.ErrorIs(t, err, ErrNoModelProvider)
		assert.Contains(t, err.Error(), "No model provider registered")
	})

	t.Run("mapped provider absent", func(t *testing.T) {
		e := NewEngine(ModeAPIDirect,
			map[models.SwarmRole]ModelSpec{models.RoleBuilder: {Provider: "openai", Model: "gpt-4o"}},
			nil, nil)
		_, err := e.Execute(context.Background(), builderTask())
		require.ErrorIs(t, err, ErrNoModelProvider)
	})
}

func TestEngine_HybridFallsBackToCli(t *testing.T) {
	cli := NewCliExecutor([]AdapterDescriptor{{ID: "local-echo", IsInternal: true}}, nil, 1)
	e := NewEngine(ModeHybrid, nil, nil, cli)

	result, err := e.Execute(context.Background(), builderTask())
	require.NoError(t, err)
	assert.Equal(t, "local-echo", result.AdapterID)
	assert.NotEmpty(t, result.Output)
	assert.InDelta(t, cliConfidence, result.Confidence, 0.001)
}

func TestEngine_HybridPrefersAPI(t *testing.T) {
	provider := &stubProvider{name: "anthropic", output: "api wins"}
	cli := NewCliExecutor([]AdapterDescriptor{{ID: "local-echo", IsInternal: true}}, nil, 1)
	e := NewEngine(ModeHybrid,
		map[models.SwarmRole]ModelSpec{models.RoleBuilder: {Provider: "anthropic", Model: "claude-sonnet-4-5"}},
		[]ModelProvider{provider}, cli)

	result, err := e.Execute(context.Background(), builderTask())
	require.NoError(t, err)
	assert.Equal(t, "api wins", result.Output)
	assert.Equal(t, 1, provider.calls)
}

func TestEngine_CliModeEmptyOrder(t *testing.T) {
	e := NewEngine(ModeCliFallback, nil, nil, NewCliExecutor(nil, nil, 1))
	_, err := e.Execute(context.Background(), builderTask())
	require.ErrorIs(t, err, ErrNoCliAdapter)
}

func TestEngine_Orchestrator(t *testing.T) {
	cli := NewCliExecutor([]AdapterDescriptor{{ID: "local-echo", IsInternal: true}}, nil, 1)
	e := NewEngine(ModeCliFallback, nil, nil, cli)

	result, err := e.ExecuteOrchestrator(context.Background(), builderTask(), "recommended: Plan", "plan.exists=false")
	require.NoError(t, err)
	assert.Equal(t, models.RoleOrchestrator, result.Role)
	assert.NotEmpty(t, result.Output)
}

func TestParseReviewVerdict(t *testing.T) {
	t.Run("approved", func(t *testing.T) {
		approved, feedback := ParseReviewVerdict("VERDICT: APPROVED\nLooks good.")
		assert.True(t, approved)
		assert.Empty(t, feedback)
	})

	t.Run("rejected carries feedback", func(t *testing.T) {
		output := "VERDICT: REJECTED\nMissing error handling."
		approved, feedback := ParseReviewVerdict(output)
		assert.False(t, approved)
		assert.Equal(t, output, feedback)
	})

	t.Run("bare verdicts", func(t *testing.T) {
		approved, _ := ParseReviewVerdict("Rejected: nil check missing")
		assert.False(t, approved)
		approved, _ = ParseReviewVerdict("approved")
		assert.True(t, approved)
	})

	t.Run("no verdict defaults to approved", func(t *testing.T) {
		approved, _ := ParseReviewVerdict("local-echo ack (42 bytes): Task: Smoke")
		assert.True(t, approved)
	})
}
