package roleengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// CLI executor errors.
var (
	ErrNoCliAdapter    = errors.New("No CLI adapter succeeded")
	ErrAdapterRejected = errors.New("adapter rejected the request")
)

// authFailureSubstrings mark a CLI run as failed regardless of exit code:
// the adapter ran but could not authenticate against its provider.
var authFailureSubstrings = []string{
	"authorization failed",
	"please log in",
	"token expired",
	"not logged in",
	"invalid api key",
}

// AdapterDescriptor describes one CLI adapter: how to probe it, how to
// execute it, and which output substrings mean it refused the request.
// Execute args are templated with {{prompt}}, {{args_joined}} and
// {{command}}; placeholders render with shell-safe single quoting.
type AdapterDescriptor struct {
	ID                     string   `yaml:"id" json:"id"`
	ProbeCommand           string   `yaml:"probe_command" json:"probe_command"`
	ProbeArgs              []string `yaml:"probe_args" json:"probe_args"`
	ExecuteCommand         string   `yaml:"execute_command" json:"execute_command"`
	ExecuteArgs            []string `yaml:"execute_args" json:"execute_args"`
	RejectOutputSubstrings []string `yaml:"reject_output_substrings" json:"reject_output_substrings"`
	ProviderFlag           string   `yaml:"provider_flag,omitempty" json:"provider_flag,omitempty"`
	ModelFlag              string   `yaml:"model_flag,omitempty" json:"model_flag,omitempty"`
	ReasoningFlag          string   `yaml:"reasoning_flag,omitempty" json:"reasoning_flag,omitempty"`
	IsInternal             bool     `yaml:"is_internal,omitempty" json:"is_internal,omitempty"`
}

// renderArgs substitutes the placeholders in the execute args.
func (d AdapterDescriptor) renderArgs(prompt string) []string {
	joined := joinQuoted(d.ExecuteArgs)
	out := make([]string, len(d.ExecuteArgs))
	for i, arg := range d.ExecuteArgs {
		arg = strings.ReplaceAll(arg, "{{prompt}}", shellQuote(prompt))
		arg = strings.ReplaceAll(arg, "{{args_joined}}", joined)
		arg = strings.ReplaceAll(arg, "{{command}}", shellQuote(d.ExecuteCommand))
		out[i] = arg
	}
	return out
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// with the '\'' idiom.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinQuoted(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// normalizeOutput strips ANSI escapes, collapses CRLF to LF, and trims
// surrounding whitespace.
func normalizeOutput(raw string) string {
	out := ansiPattern.ReplaceAllString(raw, "")
	out = strings.ReplaceAll(out, "\r\n", "\n")
	return strings.TrimSpace(out)
}

// CommandRunner executes an external command and returns its combined
// output. Tests substitute a fake; production uses os/exec.
type CommandRunner interface {
	Run(ctx context.Context, command string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, command string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// InternalAdapterFunc serves an adapter in-process instead of spawning a
// command. Used for the built-in local-echo adapter and by tests.
type InternalAdapterFunc func(ctx context.Context, prompt string) (string, error)

// CliOptions carries per-invocation model routing for adapters whose
// command line accepts it. The zero value leaves the adapter on its
// configured defaults.
type CliOptions struct {
	Provider  string
	Model     string
	Reasoning bool
}

// CliExecutor walks an ordered adapter list: probe, then execute, moving
// on when an adapter fails. A global semaphore caps concurrent adapter
// processes.
type CliExecutor struct {
	adapters     []AdapterDescriptor
	runner       CommandRunner
	sandbox      *Sandbox
	internal     map[string]InternalAdapterFunc
	circuitOpen  func(adapterID string) bool
	probeTimeout time.Duration
	sem          chan struct{}
}

// NewCliExecutor builds an executor over the ordered adapter list.
// maxConcurrency caps simultaneous adapter processes; zero means 4.
func NewCliExecutor(adapters []AdapterDescriptor, sandbox *Sandbox, maxConcurrency int) *CliExecutor {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	e := &CliExecutor{
		adapters:     adapters,
		runner:       execRunner{},
		sandbox:      sandbox,
		internal:     map[string]InternalAdapterFunc{"local-echo": localEcho},
		probeTimeout: 5 * time.Second,
		sem:          make(chan struct{}, maxConcurrency),
	}
	return e
}

// SetRunner replaces the command runner. Intended for tests.
func (e *CliExecutor) SetRunner(r CommandRunner) { e.runner = r }

// SetCircuitGuard installs a predicate consulted before each adapter in
// the walk; adapters reporting an open circuit are skipped for the
// invocation.
func (e *CliExecutor) SetCircuitGuard(open func(adapterID string) bool) {
	e.circuitOpen = open
}

// RegisterInternal installs an in-process adapter implementation.
func (e *CliExecutor) RegisterInternal(id string, fn InternalAdapterFunc) {
	e.internal[id] = fn
}

// localEcho is the built-in internal adapter: it acknowledges the prompt
// without calling any model. Used for smoke tests and offline runs.
func localEcho(_ context.Context, prompt string) (string, error) {
	first := prompt
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return fmt.Sprintf("local-echo ack (%d bytes): %s", len(prompt), first), nil
}

// Execute tries each adapter in order and returns the first success.
// Failure of one adapter (probe failure, non-zero exit, reject substring,
// auth-failure substring) moves on to the next, as does an open circuit
// reported by the guard; when every adapter fails the executor fails with
// ErrNoCliAdapter.
func (e *CliExecutor) Execute(ctx context.Context, prompt string, opts CliOptions) (output, adapterID string, err error) {
	if len(e.adapters) == 0 {
		return "", "", ErrNoCliAdapter
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	var lastErr error
	for _, adapter := range e.adapters {
		if e.circuitOpen != nil && e.circuitOpen(adapter.ID) {
			slog.Debug("Skipping adapter, circuit open", "adapter", adapter.ID)
			lastErr = fmt.Errorf("adapter %s skipped: circuit open", adapter.ID)
			continue
		}
		out, runErr := e.executeOne(ctx, adapter, prompt, opts)
		if runErr == nil {
			return out, adapter.ID, nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		slog.Debug("CLI adapter failed, trying next", "adapter", adapter.ID, "error", runErr)
		lastErr = runErr
	}
	return "", "", fmt.Errorf("%w: last adapter error: %v", ErrNoCliAdapter, lastErr)
}

func (e *CliExecutor) executeOne(ctx context.Context, adapter AdapterDescriptor, prompt string, opts CliOptions) (string, error) {
	if adapter.IsInternal {
		fn, ok := e.internal[adapter.ID]
		if !ok {
			return "", fmt.Errorf("internal adapter %q has no implementation", adapter.ID)
		}
		out, err := fn(ctx, prompt)
		if err != nil {
			return "", err
		}
		return normalizeOutput(out), nil
	}

	if adapter.ProbeCommand != "" {
		probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
		_, probeErr := e.runner.Run(probeCtx, adapter.ProbeCommand, adapter.ProbeArgs...)
		cancel()
		if probeErr != nil {
			return "", fmt.Errorf("adapter %s probe failed: %w", adapter.ID, probeErr)
		}
	}

	command := adapter.ExecuteCommand
	args := adapter.renderArgs(prompt)
	if adapter.ProviderFlag != "" && opts.Provider != "" {
		args = append(args, adapter.ProviderFlag, opts.Provider)
	}
	if adapter.ModelFlag != "" && opts.Model != "" {
		args = append(args, adapter.ModelFlag, opts.Model)
	}
	if adapter.ReasoningFlag != "" && opts.Reasoning {
		args = append(args, adapter.ReasoningFlag)
	}
	if e.sandbox != nil {
		var wrapErr error
		command, args, wrapErr = e.sandbox.Wrap(command, args)
		if wrapErr != nil {
			return "", wrapErr
		}
	}

	raw, runErr := e.runner.Run(ctx, command, args...)
	out := normalizeOutput(raw)
	if runErr != nil {
		return "", fmt.Errorf("adapter %s exited: %w", adapter.ID, runErr)
	}
	lower := strings.ToLower(out)
	for _, reject := range adapter.RejectOutputSubstrings {
		if reject != "" && strings.Contains(lower, strings.ToLower(reject)) {
			return "", fmt.Errorf("adapter %s rejected: %w (matched %q)", adapter.ID, ErrAdapterRejected, reject)
		}
	}
	for _, authFail := range authFailureSubstrings {
		if strings.Contains(lower, authFail) {
			return "", fmt.Errorf("adapter %s rejected: %w (matched %q)", adapter.ID, ErrAdapterRejected, authFail)
		}
	}
	return out, nil
}
