// Package config defines the effective run configuration (spec.md §3).
// Loading it from a global file, a per-project overlay, and environment
// variables is thin glue over well-known file/env conventions and is out
// of scope (spec.md §1): callers construct a Config directly and call
// Validate.
package config

import (
	"fmt"

	"github.com/szzii/full-self-coding/internal/agent"
)

// CredentialConfig is the per-family credential setup: either the family
// requires no credentials, or a value is supplied and ExportRequired is
// true (spec.md §3 invariant).
type CredentialConfig struct {
	Value          string
	ExportRequired bool
	EndpointOverride string
}

// Config is the effective configuration for a run (spec.md §3, §6).
type Config struct {
	AgentFamily agent.Family
	BaseImage   string

	MaxContainers         int
	MaxParallelContainers int

	ContainerTimeoutSeconds int
	MemoryMB                int
	CPUs                    float64

	MinTasks int
	MaxTasks int

	WorkStyle   string // opaque hint passed through to prompts
	CodingStyle string // opaque hint passed through to prompts

	Credentials map[agent.Family]CredentialConfig

	ProxyEnv map[string]string

	UseSSHRemote bool
}

// Validate checks the invariants of spec.md §3. It does not validate
// that AgentFamily names a known family — callers that need that check
// use agent.Family.Valid, since an unrecognized family is a build-command
// error (internal/agent), not a configuration error.
func (c Config) Validate() error {
	if c.MinTasks > c.MaxTasks {
		return fmt.Errorf("minTasks (%d) must be <= maxTasks (%d)", c.MinTasks, c.MaxTasks)
	}
	if c.MaxParallelContainers > c.MaxContainers {
		return fmt.Errorf("maxParallelContainers (%d) must be <= maxContainers (%d)", c.MaxParallelContainers, c.MaxContainers)
	}
	if c.MaxParallelContainers < 1 {
		return fmt.Errorf("maxParallelContainers must be at least 1, got %d", c.MaxParallelContainers)
	}

	for family, cred := range c.Credentials {
		if cred.Value != "" && !cred.ExportRequired {
			return fmt.Errorf("agent family %q: a credential value is set but export-required is false", family)
		}
	}

	return nil
}
