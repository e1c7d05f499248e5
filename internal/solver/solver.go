// Package solver drives one dedicated Container Handle through the
// solver role for exactly one Task, producing a terminal TaskResult
// (spec.md §4.6).
package solver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/szzii/full-self-coding/internal/agent"
	"github.com/szzii/full-self-coding/internal/container"
	"github.com/szzii/full-self-coding/internal/parser"
	"github.com/szzii/full-self-coding/internal/resilience"
	"github.com/szzii/full-self-coding/internal/scheduler"
)

// ErrSolverEnvironment is returned when a provisioning step (clone,
// base tooling, agent install) fails after retry is exhausted.
var ErrSolverEnvironment = errors.New("solver environment setup failed")

// Config is everything a Task Solver needs to provision and run one
// solver container. RenderPrompt turns a Task into the task-specific
// solver prompt text (spec.md §4.6 step 3): it is supplied by the
// caller rather than fixed here, since prompt wording is presentation,
// not solver mechanics.
type Config struct {
	Image                   string
	Runtime                 string
	MemoryMB                int
	CPUs                    float64
	ProxyEnv                map[string]string
	ContainerTimeoutSeconds int

	Family     agent.Family
	Invocation agent.InvocationConfig

	Credentials              []byte
	CredentialsContainerPath string
	RenderPrompt             func(scheduler.Task) []byte

	Breakers    *resilience.BreakerRegistry
	RetryConfig resilience.RetryConfig

	// Registry, if set, tracks the solver container so the Orchestrator
	// can force-remove it on cancellation (spec.md §4.2).
	Registry *container.Registry
}

// finalReport mirrors the agent report schema (spec.md §6): a JSON
// object the solver-role agent writes after it finishes.
type finalReport struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Report      string `json:"report"`
}

// Solve runs task through a dedicated container and returns a terminal
// TaskResult. It never returns an error itself — every failure mode is
// captured into the TaskResult so the Scheduler can isolate it from
// sibling solvers (spec.md §4.5 failure isolation).
func Solve(ctx context.Context, cfg Config, task scheduler.Task) scheduler.TaskResult {
	failf := func(format string, args ...any) scheduler.TaskResult {
		return scheduler.TaskResult{
			Task:        task,
			Status:      scheduler.StatusFailure,
			Report:      fmt.Sprintf(format, args...),
			CompletedAt: time.Now(),
		}
	}

	commands, err := agent.BuildCommands(cfg.Family, agent.RoleSolver, cfg.Invocation)
	if err != nil {
		return failf("building solver commands: %v", err)
	}
	if len(commands) < 2 {
		return failf("solver command sequence too short: %d", len(commands))
	}

	h, err := container.Start(ctx, container.StartConfig{
		Image:    cfg.Image,
		Name:     "task-" + task.ID,
		Runtime:  cfg.Runtime,
		MemoryMB: cfg.MemoryMB,
		CPUs:     cfg.CPUs,
		Env:      cfg.ProxyEnv,
	})
	if err != nil {
		return failf("starting container: %v", err)
	}
	if cfg.Registry != nil {
		cfg.Registry.Track(h)
	}
	defer func() {
		if err := h.Shutdown(context.Background()); err != nil {
			log.Printf("solver[%s]: shutdown container %s: %v", task.ID, h.Name(), err)
		}
		if cfg.Registry != nil {
			cfg.Registry.Untrack(h)
		}
	}()

	if len(cfg.Credentials) > 0 {
		if err := h.CopyInFile(ctx, cfg.Credentials, cfg.CredentialsContainerPath); err != nil {
			log.Printf("solver[%s]: copying host credentials (best-effort): %v", task.ID, err)
		}
	}

	prompt := cfg.RenderPrompt(task)
	if err := h.CopyInFile(ctx, prompt, agent.SolverPromptPath); err != nil {
		return failf("staging solver prompt: %v", err)
	}

	provisioning, final := commands[:len(commands)-1], commands[len(commands)-1]

	for _, cmd := range provisioning {
		cmd := cmd
		var result container.CommandResult
		retryErr := resilience.Do(ctx, cfg.Breakers, string(cfg.Family), cfg.RetryConfig, func() error {
			result = h.ExecStreaming(ctx, cmd, 0)
			if result.Status != container.StatusSuccess {
				return fmt.Errorf("%s: %s", result.Status, result.ErrorDetail)
			}
			return nil
		})
		if retryErr != nil {
			return failf("%v: command %q: %v", ErrSolverEnvironment, cmd, retryErr)
		}
	}

	var finalResult container.CommandResult
	breakerErr := resilience.Once(cfg.Breakers, string(cfg.Family), func() error {
		finalResult = h.ExecStreaming(ctx, final, cfg.ContainerTimeoutSeconds)
		if finalResult.Status != container.StatusSuccess {
			return fmt.Errorf("%s: %s", finalResult.Status, finalResult.ErrorDetail)
		}
		return nil
	})
	if breakerErr != nil {
		return failf("agent invocation: %v", breakerErr)
	}

	raw, err := h.CopyOutFile(ctx, agent.FinalReportPath)
	if err != nil {
		return failf("reading final report: %v", err)
	}

	var report finalReport
	if err := parser.ExtractObject(raw, &report); err != nil {
		return failf("%v: %v", parser.ErrParse, err)
	}

	status, err := toResultStatus(report.Status)
	if err != nil {
		return failf("%v", err)
	}

	result := scheduler.TaskResult{
		Task:        task,
		Status:      status,
		Report:      report.Report,
		CompletedAt: time.Now(),
	}

	if status == scheduler.StatusSuccess {
		patch, err := h.CopyOutFile(ctx, agent.PatchOutputPath)
		if err != nil {
			log.Printf("solver[%s]: reading patch (treated as no-op success): %v", task.ID, err)
		} else {
			result.Patch = patch
		}
	}

	return result
}

func toResultStatus(s string) (scheduler.ResultStatus, error) {
	switch s {
	case "success":
		return scheduler.StatusSuccess, nil
	case "skipped":
		return scheduler.StatusSkipped, nil
	case "failed":
		return scheduler.StatusFailure, nil
	default:
		return "", fmt.Errorf("unrecognized agent-reported status %q", s)
	}
}
