package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/szzii/full-self-coding/internal/agent"
	"github.com/szzii/full-self-coding/internal/analyzer"
	"github.com/szzii/full-self-coding/internal/config"
	"github.com/szzii/full-self-coding/internal/container"
	"github.com/szzii/full-self-coding/internal/events"
	"github.com/szzii/full-self-coding/internal/orchestrator"
	"github.com/szzii/full-self-coding/internal/patchcommit"
	"github.com/szzii/full-self-coding/internal/persistence"
	"github.com/szzii/full-self-coding/internal/resilience"
	"github.com/szzii/full-self-coding/internal/scheduler"
	"github.com/szzii/full-self-coding/internal/solver"
)

func main() {
	// Signal-aware context for graceful shutdown; a second Ctrl+C restores
	// default signal handling and force-exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := configFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	repoPath := envOr("FSC_REPO_PATH", ".")

	store, err := persistence.NewSQLiteStore(ctx, envOr("FSC_HISTORY_DB", defaultHistoryDB()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening run history store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	o, err := orchestrator.New(buildOrchestratorConfig(cfg, repoPath, store, bus))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring orchestrator: %v\n", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		_, runErr := o.Run(ctx)
		errChan <- runErr
	}()

	select {
	case err := <-errChan:
		if err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C force-exits.
		stop()
		log.Println("shutdown signal received, waiting for the in-flight run to wind down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		select {
		case err := <-errChan:
			if err != nil {
				log.Printf("run exited with error during shutdown: %v", err)
			}
		case <-shutdownCtx.Done():
			log.Println("shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}

	log.Println("shutdown complete")
}

func buildOrchestratorConfig(cfg config.Config, repoPath string, store persistence.Store, bus *events.EventBus) orchestrator.Config {
	cred := cfg.Credentials[cfg.AgentFamily]

	invocation := agent.InvocationConfig{
		RepoURL:          envOr("FSC_AGENT_REPO_URL", ""),
		InstallSource:    envOr("FSC_AGENT_INSTALL_SOURCE", ""),
		RegistryOverride: os.Getenv("FSC_AGENT_REGISTRY_OVERRIDE"),
		Credential:       cred.Value,
		EndpointOverride: cred.EndpointOverride,
		WorkStyle:        cfg.WorkStyle,
		CodingStyle:      cfg.CodingStyle,
	}

	var credentials []byte
	if path := os.Getenv("FSC_CREDENTIALS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("reading host credentials file (best-effort, continuing without it): %v", err)
		} else {
			credentials = data
		}
	}

	registry := container.NewRegistry()
	breakers := resilience.NewBreakerRegistry()

	return orchestrator.Config{
		RepoPath:              repoPath,
		LogDir:                os.Getenv("FSC_LOG_DIR"),
		MaxParallelContainers: cfg.MaxParallelContainers,
		UseSSHRemote:          cfg.UseSSHRemote,
		Registry:              registry,
		Store:                 store,
		Bus:                   bus,
		RecoveryPolicy: patchcommit.RecoveryPolicy{
			AutoStash:       envBool("FSC_AUTO_STASH", true),
			AutoCommit:      envBool("FSC_AUTO_COMMIT", false),
			IgnoreUntracked: envBool("FSC_IGNORE_UNTRACKED", true),
			BackupBranch:    os.Getenv("FSC_BACKUP_BRANCH"),
		},
		Analyzer: analyzer.Config{
			Image:                    cfg.BaseImage,
			Runtime:                  envOr("FSC_CONTAINER_RUNTIME", "docker"),
			MemoryMB:                 cfg.MemoryMB,
			CPUs:                     cfg.CPUs,
			ProxyEnv:                 cfg.ProxyEnv,
			ContainerTimeoutSeconds:  cfg.ContainerTimeoutSeconds,
			Family:                   cfg.AgentFamily,
			Invocation:               invocation,
			Credentials:              credentials,
			CredentialsContainerPath: envOr("FSC_CREDENTIALS_CONTAINER_PATH", "/root/.git-credentials"),
			PromptContents:           mustPrompt(envOr("FSC_ANALYZER_PROMPT_FILE", "")),
			MinTasks:                 cfg.MinTasks,
			MaxTasks:                 cfg.MaxTasks,
		},
		Solver: solver.Config{
			Image:                    cfg.BaseImage,
			Runtime:                  envOr("FSC_CONTAINER_RUNTIME", "docker"),
			MemoryMB:                 cfg.MemoryMB,
			CPUs:                     cfg.CPUs,
			ProxyEnv:                 cfg.ProxyEnv,
			ContainerTimeoutSeconds:  cfg.ContainerTimeoutSeconds,
			Family:                   cfg.AgentFamily,
			Invocation:               invocation,
			Credentials:              credentials,
			CredentialsContainerPath: envOr("FSC_CREDENTIALS_CONTAINER_PATH", "/root/.git-credentials"),
			RenderPrompt:             solverPromptRenderer(envOr("FSC_SOLVER_PROMPT_FILE", "")),
			Breakers:                 breakers,
			RetryConfig:              resilience.DefaultRetryConfig(),
		},
	}
}

func configFromEnv() (config.Config, error) {
	family := agent.Family(envOr("FSC_AGENT_FAMILY", string(agent.FamilyA)))
	if !family.Valid() {
		return config.Config{}, fmt.Errorf("unknown agent family %q", family)
	}

	credentials := map[agent.Family]config.CredentialConfig{}
	if v := os.Getenv("FSC_AGENT_CREDENTIAL"); v != "" {
		credentials[family] = config.CredentialConfig{
			Value:            v,
			ExportRequired:   true,
			EndpointOverride: os.Getenv("FSC_AGENT_ENDPOINT_OVERRIDE"),
		}
	}

	return config.Config{
		AgentFamily:             family,
		BaseImage:               envOr("FSC_BASE_IMAGE", "ubuntu:22.04"),
		MaxContainers:           envInt("FSC_MAX_CONTAINERS", 10),
		MaxParallelContainers:   envInt("FSC_MAX_PARALLEL_CONTAINERS", 4),
		ContainerTimeoutSeconds: envInt("FSC_CONTAINER_TIMEOUT_SECONDS", 1800),
		MemoryMB:                envInt("FSC_MEMORY_MB", 2048),
		CPUs:                    envFloat("FSC_CPUS", 2.0),
		MinTasks:                envInt("FSC_MIN_TASKS", 1),
		MaxTasks:                envInt("FSC_MAX_TASKS", 20),
		WorkStyle:               os.Getenv("FSC_WORK_STYLE"),
		CodingStyle:             os.Getenv("FSC_CODING_STYLE"),
		Credentials:             credentials,
		ProxyEnv:                proxyEnvFromHost(),
		UseSSHRemote:            envBool("FSC_USE_SSH_REMOTE", false),
	}, nil
}

func proxyEnvFromHost() map[string]string {
	proxy := map[string]string{}
	for _, name := range []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy"} {
		if v := os.Getenv(name); v != "" {
			proxy[name] = v
		}
	}
	return proxy
}

func solverPromptRenderer(path string) func(t scheduler.Task) []byte {
	template := mustPrompt(path)
	return func(t scheduler.Task) []byte {
		return append(append([]byte{}, template...), []byte("\n\ntask: "+t.Title+"\n"+t.Description+"\n")...)
	}
}

func mustPrompt(path string) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("reading prompt file %s: %v", path, err)
		return nil
	}
	return data
}

func defaultHistoryDB() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "full-self-coding.db"
	}
	return dir + "/full-self-coding/history.db"
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
