package roleengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner answers probe and execute calls per adapter command name.
type scriptedRunner struct {
	probeErr   map[string]error
	output     map[string]string
	executeErr map[string]error
	calls      []string
}

func (r *scriptedRunner) Run(_ context.Context, command string, args ...string) (string, error) {
	r.calls = append(r.calls, command+" "+strings.Join(args, " "))
	if err, ok := r.probeErr[command]; ok && err != nil {
		return "", err
	}
	if err, ok := r.executeErr[command]; ok && err != nil {
		return r.output[command], err
	}
	return r.output[command], nil
}

func cliAdapter(id string) AdapterDescriptor {
	return AdapterDescriptor{
		ID:             id,
		ProbeCommand:   id + "-probe",
		ExecuteCommand: id + "-exec",
		ExecuteArgs:    []string{"-p", "{{prompt}}"},
	}
}

func TestCliExecutor_EmptyAdapterOrder(t *testing.T) {
	e := NewCliExecutor(nil, nil, 1)
	_, _, err := e.Execute(context.Background(), "hi", CliOptions{})
	require.ErrorIs(t, err, ErrNoCliAdapter)
	assert.Contains(t, err.Error(), "No CLI adapter succeeded")
}

func TestCliExecutor_FallsThroughOnProbeFailure(t *testing.T) {
	runner := &scriptedRunner{
		probeErr: map[string]error{"first-probe": errors.New("not installed")},
		output:   map[string]string{"second-exec": "done"},
	}
	e := NewCliExecutor([]AdapterDescriptor{cliAdapter("first"), cliAdapter("second")}, nil, 1)
	e.SetRunner(runner)

	out, adapterID, err := e.Execute(context.Background(), "hi", CliOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", adapterID)
	assert.Equal(t, "done", out)
}

func TestCliExecutor_RejectSubstring(t *testing.T) {
	first := cliAdapter("first")
	first.RejectOutputSubstrings = []string{"usage limit reached"}
	runner := &scriptedRunner{
		output: map[string]string{
			"first-exec":  "Usage limit reached, try later",
			"second-exec": "ok",
		},
	}
	e := NewCliExecutor([]AdapterDescriptor{first, cliAdapter("second")}, nil, 1)
	e.SetRunner(runner)

	out, adapterID, err := e.Execute(context.Background(), "hi", CliOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", adapterID)
	assert.Equal(t, "ok", out)
}

func TestCliExecutor_AuthFailureSubstring(t *testing.T) {
	runner := &scriptedRunner{
		output: map[string]string{"first-exec": "Error: please log in to continue"},
	}
	e := NewCliExecutor([]AdapterDescriptor{cliAdapter("first")}, nil, 1)
	e.SetRunner(runner)

	_, _, err := e.Execute(context.Background(), "hi", CliOptions{})
	require.ErrorIs(t, err, ErrNoCliAdapter)
}

func TestCliExecutor_NonZeroExit(t *testing.T) {
	runner := &scriptedRunner{
		executeErr: map[string]error{"first-exec": fmt.Errorf("exit status 2")},
		output:     map[string]string{"second-exec": "recovered"},
	}
	e := NewCliExecutor([]AdapterDescriptor{cliAdapter("first"), cliAdapter("second")}, nil, 1)
	e.SetRunner(runner)

	out, adapterID, err := e.Execute(context.Background(), "hi", CliOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", adapterID)
	assert.Equal(t, "recovered", out)
}

func TestCliExecutor_InternalLocalEcho(t *testing.T) {
	e := NewCliExecutor([]AdapterDescriptor{{ID: "local-echo", IsInternal: true}}, nil, 1)

	out, adapterID, err := e.Execute(context.Background(), "Task: Smoke\nDescription: Verify", CliOptions{})
	require.NoError(t, err)
	assert.Equal(t, "local-echo", adapterID)
	assert.Contains(t, out, "Task: Smoke")
	assert.NotEmpty(t, out)
}

func TestCliExecutor_PromptPlaceholderQuoting(t *testing.T) {
	runner := &scriptedRunner{output: map[string]string{"first-exec": "ok"}}
	e := NewCliExecutor([]AdapterDescriptor{cliAdapter("first")}, nil, 1)
	e.SetRunner(runner)

	_, _, err := e.Execute(context.Background(), "don't break", CliOptions{})
	require.NoError(t, err)

	// probe call, then execute call with the quoted prompt
	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[1], `'don'\''t break'`)
}

func TestCliExecutor_SkipsOpenCircuit(t *testing.T) {
	runner := &scriptedRunner{
		output: map[string]string{"first-exec": "from first", "second-exec": "from second"},
	}
	e := NewCliExecutor([]AdapterDescriptor{cliAdapter("first"), cliAdapter("second")}, nil, 1)
	e.SetRunner(runner)

	open := map[string]bool{"first": true}
	e.SetCircuitGuard(func(id string) bool { return open[id] })

	out, adapterID, err := e.Execute(context.Background(), "hi", CliOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", adapterID)
	assert.Equal(t, "from second", out)

	open["second"] = true
	_, _, err = e.Execute(context.Background(), "hi", CliOptions{})
	require.ErrorIs(t, err, ErrNoCliAdapter)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestCliExecutor_ModelRoutingFlags(t *testing.T) {
	adapter := cliAdapter("first")
	adapter.ProviderFlag = "--provider"
	adapter.ModelFlag = "--model"
	adapter.ReasoningFlag = "--think"
	runner := &scriptedRunner{output: map[string]string{"first-exec": "ok"}}
	e := NewCliExecutor([]AdapterDescriptor{adapter}, nil, 1)
	e.SetRunner(runner)

	_, _, err := e.Execute(context.Background(), "hi", CliOptions{
		Provider: "anthropic", Model: "claude-sonnet-4-5", Reasoning: true,
	})
	require.NoError(t, err)

	// probe call, then the execute call carrying the routing flags
	require.Len(t, runner.calls, 2)
	assert.Contains(t, runner.calls[1], "--provider anthropic")
	assert.Contains(t, runner.calls[1], "--model claude-sonnet-4-5")
	assert.Contains(t, runner.calls[1], "--think")

	// a zero-value invocation leaves the command line untouched
	runner.calls = nil
	_, _, err = e.Execute(context.Background(), "hi", CliOptions{})
	require.NoError(t, err)
	require.Len(t, runner.calls, 2)
	assert.NotContains(t, runner.calls[1], "--model")
}

func TestCliExecutor_FailureNamesAdapter(t *testing.T) {
	runner := &scriptedRunner{
		executeErr: map[string]error{"first-exec": fmt.Errorf("exit status 1")},
	}
	e := NewCliExecutor([]AdapterDescriptor{cliAdapter("first")}, nil, 1)
	e.SetRunner(runner)

	_, _, err := e.Execute(context.Background(), "hi", CliOptions{})
	require.ErrorIs(t, err, ErrNoCliAdapter)
	assert.Contains(t, err.Error(), "adapter first exited")
}

func TestNormalizeOutput(t *testing.T) {
	raw := "\x1b[32mgreen\x1b[0m line\r\nsecond\r\n  \n"
	assert.Equal(t, "green line\nsecond", normalizeOutput(raw))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
