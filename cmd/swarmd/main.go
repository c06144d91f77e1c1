// swarmd coordination runtime — serves the a2a HTTP surface, runs the
// task coordination mesh, and executes roles through model providers or
// CLI adapters.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/swarmassistant/swarmd/pkg/api"
	"github.com/swarmassistant/swarmd/pkg/blackboard"
	"github.com/swarmassistant/swarmd/pkg/config"
	"github.com/swarmassistant/swarmd/pkg/database"
	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/goap"
	"github.com/swarmassistant/swarmd/pkg/models"
	"github.com/swarmassistant/swarmd/pkg/registry"
	"github.com/swarmassistant/swarmd/pkg/roleengine"
	"github.com/swarmassistant/swarmd/pkg/swarm"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// sandboxLevelFor maps the configured sandbox mode onto the advertised
// confinement level.
func sandboxLevelFor(mode roleengine.SandboxMode) models.SandboxLevel {
	switch mode {
	case roleengine.SandboxOsSandboxed:
		return models.SandboxOsSandboxed
	case roleengine.SandboxDocker, roleengine.SandboxAppleContainer:
		return models.SandboxContainer
	default:
		return models.SandboxBareCli
	}
}

func buildProviders(cfg config.ProvidersConfig) []roleengine.ModelProvider {
	var providers []roleengine.ModelProvider
	if key := getEnv("ANTHROPIC_API_KEY", cfg.Anthropic.APIKey); key != "" {
		providers = append(providers, roleengine.NewAnthropicProvider(cfg.Anthropic.BaseURL, key))
	}
	if key := getEnv("OPENAI_API_KEY", cfg.OpenAI.APIKey); key != "" {
		providers = append(providers, roleengine.NewOpenAIProvider("openai", cfg.OpenAI.BaseURL, key))
	}
	return providers
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	slog.Info("Starting swarmd", "config_dir", *configDir)

	ctx := context.Background()

	// 1. Load configuration
	settings, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := settings.Config

	// 2. Event repository: Postgres when configured, in-memory otherwise
	var repo events.Repository = events.NewMemoryRepository()
	var dbClient *database.Client
	if url := getEnv("DATABASE_URL", cfg.Database.URL); url != "" {
		dbClient, err = database.NewClient(ctx, url)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		if err := dbClient.Migrate(); err != nil {
			slog.Error("Failed to apply migrations", "error", err)
			os.Exit(1)
		}
		repo = events.NewPostgresRepository(dbClient.DB())
		slog.Info("Connected to PostgreSQL event log")
	} else {
		slog.Info("No database configured, keeping events in memory")
	}

	// 3. Event recorder and UI stream
	stream := events.NewUiStream(cfg.Coordination.UiStreamRingCapacity)
	recorder := events.NewRecorderWithQueue(repo, stream, cfg.Coordination.EventWriteQueueSize)

	// 4. Registries and blackboard
	tasks := registry.NewTaskRegistry(nil)
	runs := registry.NewRunRegistry()
	bb := blackboard.NewStore()
	caps := registry.NewCapabilityRegistry(bb, stream,
		time.Duration(cfg.Coordination.AgentHeartbeatIntervalSeconds)*time.Second)
	caps.Start(ctx)
	defer caps.Stop()

	// 5. Role engine: sandbox, CLI adapters, model providers
	sandbox := settings.SandboxSpec()
	cli := roleengine.NewCliExecutor(settings.OrderedAdapters(), sandbox,
		cfg.Execution.MaxCliConcurrency)
	providers := buildProviders(cfg.Execution.Providers)
	engine := roleengine.NewEngine(roleengine.ExecutionMode(cfg.Execution.Mode),
		settings.RoleModels(), providers, cli)
	engine.SetReasoning(cfg.Execution.Reasoning, cfg.Execution.ReasoningBudget)
	slog.Info("Role engine initialized",
		"mode", cfg.Execution.Mode,
		"adapters", len(settings.OrderedAdapters()),
		"providers", len(providers))

	// 6. Coordination mesh: supervisor, pools, dispatcher
	supervisor := swarm.NewSupervisor(bb, recorder,
		cfg.Coordination.MaxRetriesPerTask, cfg.Coordination.AdapterCircuitThreshold)
	cli.SetCircuitGuard(supervisor.CircuitOpen)
	workers := swarm.NewPool("worker", cfg.Coordination.WorkerPoolSize, engine, recorder)
	reviewers := swarm.NewPool("reviewer", cfg.Coordination.ReviewerPoolSize, engine, recorder)
	dispatcher := swarm.NewDispatcher(tasks, runs, caps, bb, recorder, goap.NewPlanner(),
		workers, reviewers, supervisor, swarm.DispatcherConfig{
			MaxSubTaskDepth:   cfg.Coordination.MaxSubTaskDepth,
			MaxRetries:        cfg.Coordination.MaxRetriesPerTask,
			ContractNetWindow: time.Duration(cfg.Coordination.ContractNetWindowMillis) * time.Millisecond,
		})
	consensus := swarm.NewConsensus(recorder)

	// 7. HTTP server
	server := api.NewServer(api.Deps{
		Card: api.AgentCard{
			AgentID:      cfg.Agent.ID,
			Name:         cfg.Agent.Name,
			Version:      cfg.Agent.Version,
			Protocol:     "a2a",
			Capabilities: cfg.Agent.Capabilities,
			SandboxLevel: string(sandboxLevelFor(sandbox.Mode)),
			EndpointURL:  cfg.Agent.EndpointURL,
		},
		Dispatcher: dispatcher,
		Tasks:      tasks,
		Runs:       runs,
		Repo:       repo,
		Stream:     stream,
		Supervisor: supervisor,
		Consensus:  consensus,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("swarmd started",
		"agent_id", cfg.Agent.ID,
		"workers", cfg.Coordination.WorkerPoolSize,
		"reviewers", cfg.Coordination.ReviewerPoolSize)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: dispatcher, pools, recorder, then HTTP
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		dispatcher.Stop()
		workers.Stop()
		reviewers.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Coordination mesh stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, coordinators may be incomplete")
	}

	recorder.Close()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
