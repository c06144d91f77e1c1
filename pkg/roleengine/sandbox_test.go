package roleengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandbox_Validate(t *testing.T) {
	t.Run("host is fine", func(t *testing.T) {
		s := &Sandbox{Mode: SandboxHost}
		require.NoError(t, s.Validate())
	})

	t.Run("unknown mode fails", func(t *testing.T) {
		s := &Sandbox{Mode: "chroot"}
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown sandbox mode")
	})

	t.Run("docker needs a wrapper", func(t *testing.T) {
		s := &Sandbox{Mode: SandboxDocker}
		require.Error(t, s.Validate())

		s.Wrapper = &WrapperSpec{Command: "docker", Args: []string{"run"}}
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "placeholder")

		s.Wrapper.Args = append(s.Wrapper.Args, "{{command}}")
		require.NoError(t, s.Validate())
	})
}

func TestSandbox_HostPassthrough(t *testing.T) {
	s := &Sandbox{Mode: SandboxHost}
	command, args, err := s.Wrap("mytool", []string{"-p", "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mytool", command)
	assert.Equal(t, []string{"-p", "hi"}, args)
}

func TestSandbox_OsSandboxed(t *testing.T) {
	s := &Sandbox{Mode: SandboxOsSandboxed, AllowedHosts: []string{"api.anthropic.com"}}
	command, args, err := s.Wrap("mytool", []string{"-p", "hi"})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-exec", command)
	require.GreaterOrEqual(t, len(args), 4)
	assert.Equal(t, "-p", args[0])
	assert.Contains(t, args[1], "api.anthropic.com")
	assert.Equal(t, "mytool", args[2])
}

func TestSandbox_WrapperRendering(t *testing.T) {
	s := &Sandbox{
		Mode:    SandboxDocker,
		Wrapper: &WrapperSpec{Command: "docker", Args: []string{"run", "--rm", "img", "sh", "-c", "{{command}}"}},
	}
	command, args, err := s.Wrap("mytool", []string{"-p", "it's"})
	require.NoError(t, err)
	assert.Equal(t, "docker", command)
	rendered := args[len(args)-1]
	assert.Contains(t, rendered, "'mytool'")
	assert.Contains(t, rendered, `'it'\''s'`)
}

func TestDefaultDockerWrapper(t *testing.T) {
	t.Run("network disabled without allowed hosts", func(t *testing.T) {
		w := DefaultDockerWrapper(DockerWrapperOptions{Image: "img", Workspace: "/ws"})
		joined := strings.Join(w.Args, " ")
		assert.Contains(t, joined, "--network none")
		assert.Contains(t, joined, "/ws:/workspace:rw")
		assert.NotContains(t, joined, "host-gateway")
	})

	t.Run("allowed hosts keep networking", func(t *testing.T) {
		w := DefaultDockerWrapper(DockerWrapperOptions{
			Image: "img", Workspace: "/ws", AllowedHosts: []string{"api.anthropic.com"},
		})
		assert.NotContains(t, strings.Join(w.Args, " "), "--network none")
	})

	t.Run("a2a adds host gateway", func(t *testing.T) {
		w := DefaultDockerWrapper(DockerWrapperOptions{
			Image: "img", Workspace: "/ws", A2ANetworking: true,
		})
		assert.Contains(t, strings.Join(w.Args, " "), "host.docker.internal:host-gateway")
	})

	t.Run("limits applied", func(t *testing.T) {
		w := DefaultDockerWrapper(DockerWrapperOptions{
			Image: "img", Workspace: "/ws", CPUs: "2", Memory: "1g", StopTimeout: 30,
		})
		joined := strings.Join(w.Args, " ")
		assert.Contains(t, joined, "--cpus 2")
		assert.Contains(t, joined, "--memory 1g")
		assert.Contains(t, joined, "--stop-timeout 30")
	})
}
