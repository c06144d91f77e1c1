package roleengine

import (
	"fmt"
	"strings"
)

// SandboxMode selects how strongly adapter processes are confined.
type SandboxMode string

const (
	SandboxHost           SandboxMode = "host"
	SandboxOsSandboxed    SandboxMode = "os-sandboxed"
	SandboxDocker         SandboxMode = "docker"
	SandboxAppleContainer SandboxMode = "apple-container"
)

// WrapperSpec is the container invocation that wraps an adapter command.
// Args may use the {{command}} and {{args_joined}} placeholders.
type WrapperSpec struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
}

func (w WrapperSpec) hasPlaceholder() bool {
	for _, arg := range w.Args {
		if strings.Contains(arg, "{{command}}") || strings.Contains(arg, "{{args_joined}}") {
			return true
		}
	}
	return false
}

// Sandbox rewrites adapter commands according to the configured mode.
type Sandbox struct {
	Mode         SandboxMode
	AllowedHosts []string
	Wrapper      *WrapperSpec
}

// Validate rejects unknown modes and container modes without a wrapper.
// Configuration faults are fatal at startup, so this runs exactly once.
func (s *Sandbox) Validate() error {
	switch s.Mode {
	case SandboxHost, SandboxOsSandboxed:
		return nil
	case SandboxDocker, SandboxAppleContainer:
		if s.Wrapper == nil {
			return fmt.Errorf("sandbox mode %q requires a wrapper specification", s.Mode)
		}
		if !s.Wrapper.hasPlaceholder() {
			return fmt.Errorf("sandbox wrapper for mode %q has no {{command}} or {{args_joined}} placeholder", s.Mode)
		}
		return nil
	default:
		return fmt.Errorf("unknown sandbox mode %q", s.Mode)
	}
}

// Wrap rewrites a raw adapter command per the sandbox mode. Host mode
// returns it unchanged; os-sandboxed wraps it in the OS sandbox tool with
// a network profile derived from the allowed hosts; container modes render
// the configured wrapper.
func (s *Sandbox) Wrap(command string, args []string) (string, []string, error) {
	switch s.Mode {
	case SandboxHost, "":
		return command, args, nil
	case SandboxOsSandboxed:
		wrapped := append([]string{"-p", s.sandboxProfile(), command}, args...)
		return "sandbox-exec", wrapped, nil
	case SandboxDocker, SandboxAppleContainer:
		if s.Wrapper == nil {
			return "", nil, fmt.Errorf("sandbox mode %q requires a wrapper specification", s.Mode)
		}
		full := shellQuote(command)
		if len(args) > 0 {
			full += " " + joinQuoted(args)
		}
		rendered := make([]string, len(s.Wrapper.Args))
		for i, arg := range s.Wrapper.Args {
			arg = strings.ReplaceAll(arg, "{{command}}", full)
			arg = strings.ReplaceAll(arg, "{{args_joined}}", joinQuoted(args))
			rendered[i] = arg
		}
		return s.Wrapper.Command, rendered, nil
	default:
		return "", nil, fmt.Errorf("unknown sandbox mode %q", s.Mode)
	}
}

// sandboxProfile renders a deny-by-default network profile allowing only
// the configured hosts.
func (s *Sandbox) sandboxProfile() string {
	var b strings.Builder
	b.WriteString("(version 1)(allow default)(deny network*)")
	for _, host := range s.AllowedHosts {
		fmt.Fprintf(&b, `(allow network* (remote ip "*:443") (remote domain %q))`, host)
	}
	return b.String()
}

// DockerWrapperOptions parameterize the built-in docker wrapper.
type DockerWrapperOptions struct {
	Image         string
	Workspace     string
	CPUs          string
	Memory        string
	StopTimeout   int
	AllowedHosts  []string
	A2ANetworking bool
}

// DefaultDockerWrapper builds the standard docker invocation: read-write
// workspace mount, resource limits, network disabled when the allow-list
// is empty, and a host-gateway mapping when agent-to-agent networking is
// on.
func DefaultDockerWrapper(opts DockerWrapperOptions) WrapperSpec {
	args := []string{"run", "--rm", "-v", opts.Workspace + ":/workspace:rw", "-w", "/workspace"}
	if opts.CPUs != "" {
		args = append(args, "--cpus", opts.CPUs)
	}
	if opts.Memory != "" {
		args = append(args, "--memory", opts.Memory)
	}
	if opts.StopTimeout > 0 {
		args = append(args, "--stop-timeout", fmt.Sprintf("%d", opts.StopTimeout))
	}
	if len(opts.AllowedHosts) == 0 {
		args = append(args, "--network", "none")
	}
	if opts.A2ANetworking {
		args = append(args, "--add-host", "host.docker.internal:host-gateway")
	}
	args = append(args, opts.Image, "sh", "-c", "{{command}}")
	return WrapperSpec{Command: "docker", Args: args}
}
