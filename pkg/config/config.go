// Package config loads the runtime configuration: swarmd.yaml for the
// server and coordination settings, adapters.yaml for CLI adapter
// descriptors. User files merge over built-in defaults; ${VAR} references
// expand from the environment; validation faults are fatal at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/swarmassistant/swarmd/pkg/models"
	"github.com/swarmassistant/swarmd/pkg/roleengine"
)

// Config is the root runtime configuration.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Server       ServerConfig       `yaml:"server"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Database     DatabaseConfig     `yaml:"database"`
}

// AgentConfig identifies this runtime on the agent mesh.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Capabilities []string `yaml:"capabilities"`
	EndpointURL  string   `yaml:"endpoint_url"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CoordinationConfig tunes the actor mesh.
type CoordinationConfig struct {
	WorkerPoolSize                  int `yaml:"worker_pool_size"`
	ReviewerPoolSize                int `yaml:"reviewer_pool_size"`
	MaxSubTaskDepth                 int `yaml:"max_subtask_depth"`
	MaxRetriesPerTask               int `yaml:"max_retries_per_task"`
	AdapterCircuitThreshold         int `yaml:"adapter_circuit_threshold"`
	AgentHeartbeatIntervalSeconds   int `yaml:"agent_heartbeat_interval_seconds"`
	ContractNetWindowMillis         int `yaml:"contract_net_window_millis"`
	UiStreamRingCapacity            int `yaml:"ui_stream_ring_capacity"`
	EventWriteQueueSize             int `yaml:"event_write_queue_size"`
}

// ExecutionConfig selects how the role engine reaches models.
type ExecutionConfig struct {
	Mode              string                      `yaml:"mode"`
	CliAdapterOrder   []string                    `yaml:"cli_adapter_order"`
	MaxCliConcurrency int                         `yaml:"max_cli_concurrency"`
	RoleModels        map[string]roleengine.ModelSpec `yaml:"role_models"`
	Providers         ProvidersConfig             `yaml:"providers"`
	Reasoning         bool                        `yaml:"reasoning"`
	ReasoningBudget   int                         `yaml:"reasoning_budget"`
}

// ProvidersConfig carries model-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderEndpoint `yaml:"anthropic"`
	OpenAI    ProviderEndpoint `yaml:"openai"`
}

// ProviderEndpoint is one HTTP model backend's address and key.
type ProviderEndpoint struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SandboxConfig confines CLI adapter processes.
type SandboxConfig struct {
	Mode          string                   `yaml:"mode"`
	AllowedHosts  []string                 `yaml:"allowed_hosts"`
	Wrapper       *roleengine.WrapperSpec  `yaml:"wrapper"`
	Workspace     string                   `yaml:"workspace"`
	Image         string                   `yaml:"image"`
	CPUs          string                   `yaml:"cpus"`
	Memory        string                   `yaml:"memory"`
	StopTimeout   int                      `yaml:"stop_timeout"`
	A2ANetworking bool                     `yaml:"a2a_networking"`
}

// DatabaseConfig points at the event-log database. Empty URL disables
// durable persistence; the runtime then keeps events in memory only.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// AdaptersFile is the shape of adapters.yaml.
type AdaptersFile struct {
	Adapters []roleengine.AdapterDescriptor `yaml:"adapters"`
}

// defaults are the built-in settings user YAML merges over.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:      "swarmd",
			Name:    "SwarmAssistant Runtime",
			Version: "0.1.0",
			Capabilities: []string{
				string(models.RoleOrchestrator),
				string(models.RolePlanner),
				string(models.RoleBuilder),
				string(models.RoleReviewer),
			},
		},
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Coordination: CoordinationConfig{
			WorkerPoolSize:                2,
			ReviewerPoolSize:              1,
			MaxSubTaskDepth:               3,
			MaxRetriesPerTask:             3,
			AdapterCircuitThreshold:       3,
			AgentHeartbeatIntervalSeconds: 30,
			ContractNetWindowMillis:       1000,
			UiStreamRingCapacity:          256,
			EventWriteQueueSize:           1024,
		},
		Execution: ExecutionConfig{
			Mode:              string(roleengine.ModeHybrid),
			CliAdapterOrder:   []string{"local-echo"},
			MaxCliConcurrency: 4,
		},
		Sandbox: SandboxConfig{Mode: string(roleengine.SandboxHost)},
	}
}

// builtinAdapters are the adapter descriptors shipped with the runtime.
// adapters.yaml entries with the same id replace them.
func builtinAdapters() []roleengine.AdapterDescriptor {
	return []roleengine.AdapterDescriptor{
		{
			ID:         "local-echo",
			IsInternal: true,
		},
		{
			ID:             "claude-cli",
			ProbeCommand:   "claude",
			ProbeArgs:      []string{"--version"},
			ExecuteCommand: "claude",
			ExecuteArgs:    []string{"-p", "{{prompt}}"},
			RejectOutputSubstrings: []string{
				"usage limit reached",
				"overloaded",
			},
			ModelFlag: "--model",
		},
		{
			ID:             "codex-cli",
			ProbeCommand:   "codex",
			ProbeArgs:      []string{"--version"},
			ExecuteCommand: "codex",
			ExecuteArgs:    []string{"exec", "{{prompt}}"},
			RejectOutputSubstrings: []string{
				"rate limit",
			},
		},
	}
}

// Settings is the fully loaded and validated runtime configuration.
type Settings struct {
	Config   *Config
	Adapters []roleengine.AdapterDescriptor
}

// Load reads swarmd.yaml and adapters.yaml from configDir, merges them
// over built-in defaults, expands ${VAR} environment references, and
// validates. Missing files are fine; invalid content is not.
func Load(configDir string) (*Settings, error) {
	cfg := defaults()

	if err := loadYAML(filepath.Join(configDir, "swarmd.yaml"), cfg); err != nil {
		return nil, err
	}

	adapters := builtinAdapters()
	var userAdapters AdaptersFile
	if err := loadYAML(filepath.Join(configDir, "adapters.yaml"), &userAdapters); err != nil {
		return nil, err
	}
	adapters = mergeAdapters(adapters, userAdapters.Adapters)

	settings := &Settings{Config: cfg, Adapters: adapters}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// loadYAML decodes path into dst after env expansion, merging over the
// values already present. A missing file leaves dst untouched.
func loadYAML(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	// Decode into a fresh value, then merge over dst so user YAML
	// overrides defaults without zeroing untouched fields.
	switch target := dst.(type) {
	case *Config:
		var loaded Config
		if err := yaml.Unmarshal([]byte(expanded), &loaded); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := mergo.Merge(target, loaded, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), dst); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return nil
}

func mergeAdapters(builtin, user []roleengine.AdapterDescriptor) []roleengine.AdapterDescriptor {
	byID := make(map[string]int, len(builtin))
	out := make([]roleengine.AdapterDescriptor, len(builtin))
	copy(out, builtin)
	for i, a := range out {
		byID[a.ID] = i
	}
	for _, a := range user {
		if i, ok := byID[a.ID]; ok {
			out[i] = a
			continue
		}
		byID[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}

// validate rejects configurations the runtime cannot honor. Faults here
// are fatal at startup; once accepted, the core assumes configuration is
// valid.
func (s *Settings) validate() error {
	cfg := s.Config

	sandbox := s.SandboxSpec()
	if err := sandbox.Validate(); err != nil {
		return err
	}

	switch roleengine.ExecutionMode(cfg.Execution.Mode) {
	case roleengine.ModeAPIDirect, roleengine.ModeCliFallback, roleengine.ModeHybrid:
	default:
		return fmt.Errorf("unknown execution mode %q", cfg.Execution.Mode)
	}

	known := make(map[string]bool, len(s.Adapters))
	for _, a := range s.Adapters {
		known[a.ID] = true
	}
	for _, id := range cfg.Execution.CliAdapterOrder {
		if !known[id] {
			return fmt.Errorf("unknown adapter %q in cli_adapter_order", id)
		}
	}

	for role := range cfg.Execution.RoleModels {
		if !models.SwarmRole(role).IsValid() {
			return fmt.Errorf("unknown role %q in role_models", role)
		}
	}

	if cfg.Coordination.MaxSubTaskDepth < 0 || cfg.Coordination.MaxSubTaskDepth > 9 {
		return fmt.Errorf("max_subtask_depth %d out of range [0,9]", cfg.Coordination.MaxSubTaskDepth)
	}
	return nil
}

// SandboxSpec materializes the sandbox from configuration, synthesizing
// the default docker wrapper when container mode has none configured.
func (s *Settings) SandboxSpec() *roleengine.Sandbox {
	cfg := s.Config.Sandbox
	sandbox := &roleengine.Sandbox{
		Mode:         roleengine.SandboxMode(cfg.Mode),
		AllowedHosts: cfg.AllowedHosts,
		Wrapper:      cfg.Wrapper,
	}
	if sandbox.Wrapper == nil &&
		(sandbox.Mode == roleengine.SandboxDocker || sandbox.Mode == roleengine.SandboxAppleContainer) &&
		cfg.Image != "" {
		w := roleengine.DefaultDockerWrapper(roleengine.DockerWrapperOptions{
			Image:         cfg.Image,
			Workspace:     cfg.Workspace,
			CPUs:          cfg.CPUs,
			Memory:        cfg.Memory,
			StopTimeout:   cfg.StopTimeout,
			AllowedHosts:  cfg.AllowedHosts,
			A2ANetworking: cfg.A2ANetworking,
		})
		sandbox.Wrapper = &w
	}
	return sandbox
}

// OrderedAdapters returns the descriptors named by cli_adapter_order, in
// order.
func (s *Settings) OrderedAdapters() []roleengine.AdapterDescriptor {
	byID := make(map[string]roleengine.AdapterDescriptor, len(s.Adapters))
	for _, a := range s.Adapters {
		byID[a.ID] = a
	}
	var out []roleengine.AdapterDescriptor
	for _, id := range s.Config.Execution.CliAdapterOrder {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// RoleModels converts the string-keyed mapping into role keys.
func (s *Settings) RoleModels() map[models.SwarmRole]roleengine.ModelSpec {
	out := make(map[models.SwarmRole]roleengine.ModelSpec, len(s.Config.Execution.RoleModels))
	for role, spec := range s.Config.Execution.RoleModels {
		out[models.SwarmRole(role)] = spec
	}
	return out
}
