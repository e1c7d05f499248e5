// Package analyzer runs one Container Handle in the analyzer role against
// a remote repository and turns its output into an ordered list of Tasks
// (spec.md §4.4).
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/szzii/full-self-coding/internal/agent"
	"github.com/szzii/full-self-coding/internal/container"
	"github.com/szzii/full-self-coding/internal/parser"
	"github.com/szzii/full-self-coding/internal/scheduler"
)

// Named failure kinds. All are fatal to the run (spec.md §4.4).
var (
	ErrAgentTimeout   = errors.New("analyzer agent timed out")
	ErrAgentFailed    = errors.New("analyzer agent invocation failed")
	ErrTaskValidation = errors.New("analyzer produced an invalid task list")
)

// Config is everything the Analyzer needs to provision and run one
// analyzer container.
type Config struct {
	Image                   string
	Runtime                 string
	MemoryMB                int
	CPUs                    float64
	ProxyEnv                map[string]string
	ContainerTimeoutSeconds int

	Family     agent.Family
	Invocation agent.InvocationConfig

	// Credentials is the host's version-control credential file content,
	// best-effort: its absence is logged, not fatal (spec.md §4.4 step 2).
	Credentials              []byte
	CredentialsContainerPath string
	PromptContents           []byte

	MinTasks int
	MaxTasks int

	// Registry, if set, tracks the analyzer container so the Orchestrator
	// can force-remove it on cancellation even if this call never reaches
	// its own deferred shutdown (spec.md §4.2: no container outlives the
	// component that started it).
	Registry *container.Registry
}

// taskDescriptor mirrors the agent report schema (spec.md §6): a JSON
// array of objects with id, title, description, priority, and an
// optional followingTasks list.
type taskDescriptor struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Priority       int      `json:"priority"`
	FollowingTasks []string `json:"followingTasks"`
}

// Run provisions an analyzer container, runs the agent against cfg, and
// returns the parsed, validated task list.
func Run(ctx context.Context, cfg Config) ([]scheduler.Task, error) {
	h, err := container.Start(ctx, container.StartConfig{
		Image:    cfg.Image,
		Runtime:  cfg.Runtime,
		MemoryMB: cfg.MemoryMB,
		CPUs:     cfg.CPUs,
		Env:      cfg.ProxyEnv,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Registry != nil {
		cfg.Registry.Track(h)
	}
	defer func() {
		if err := h.Shutdown(context.Background()); err != nil {
			log.Printf("analyzer: shutdown container %s: %v", h.Name(), err)
		}
		if cfg.Registry != nil {
			cfg.Registry.Untrack(h)
		}
	}()

	if len(cfg.Credentials) > 0 {
		path := cfg.CredentialsContainerPath
		if err := h.CopyInFile(ctx, cfg.Credentials, path); err != nil {
			log.Printf("analyzer: copying host credentials (best-effort): %v", err)
		}
	}

	if err := h.CopyInFile(ctx, cfg.PromptContents, agent.AnalyzerPromptPath); err != nil {
		return nil, fmt.Errorf("staging analyzer prompt: %w", err)
	}

	commands, err := agent.BuildCommands(cfg.Family, agent.RoleAnalyzer, cfg.Invocation)
	if err != nil {
		return nil, fmt.Errorf("building analyzer commands: %w", err)
	}

	result := h.ExecBlocking(ctx, commands, cfg.ContainerTimeoutSeconds)
	switch result.Status {
	case container.StatusTimeout:
		return nil, fmt.Errorf("%w: %s", ErrAgentTimeout, result.ErrorDetail)
	case container.StatusFailure:
		return nil, fmt.Errorf("%w: %s", ErrAgentFailed, result.ErrorDetail)
	}

	raw, err := h.CopyOutFile(ctx, agent.TasksOutputPath)
	if err != nil {
		return nil, fmt.Errorf("reading analyzer output: %w", err)
	}

	var descriptors []taskDescriptor
	if err := parser.ExtractArray(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("%w: %v", parser.ErrParse, err)
	}

	return validateAndConvert(descriptors, cfg.MinTasks, cfg.MaxTasks)
}

func validateAndConvert(descriptors []taskDescriptor, minTasks, maxTasks int) ([]scheduler.Task, error) {
	if len(descriptors) < minTasks || len(descriptors) > maxTasks {
		return nil, fmt.Errorf("%w: got %d tasks, want between %d and %d", ErrTaskValidation, len(descriptors), minTasks, maxTasks)
	}

	tasks := make([]scheduler.Task, 0, len(descriptors))
	for i, d := range descriptors {
		if d.Title == "" || d.Description == "" {
			return nil, fmt.Errorf("%w: task at index %d missing title or description", ErrTaskValidation, i)
		}
		if d.Priority < 1 || d.Priority > 5 {
			return nil, fmt.Errorf("%w: task %q has out-of-range priority %d", ErrTaskValidation, d.Title, d.Priority)
		}

		id := d.ID
		if id == "" {
			var err error
			id, err = deterministicID(d)
			if err != nil {
				return nil, fmt.Errorf("%w: assigning id to task %q: %v", ErrTaskValidation, d.Title, err)
			}
		}

		tasks = append(tasks, scheduler.Task{
			ID:             id,
			Title:          d.Title,
			Description:    d.Description,
			Priority:       d.Priority,
			FollowingTasks: d.FollowingTasks,
		})
	}

	return tasks, nil
}

// deterministicID hashes the fields that make a task descriptor unique
// when the agent omits an id (spec.md §4.4 step 6: "never silently
// deduplicate").
func deterministicID(d taskDescriptor) (string, error) {
	h, err := hashstructure.Hash(struct {
		Title       string
		Description string
		Priority    int
	}{d.Title, d.Description, d.Priority}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("task-%x", h), nil
}
