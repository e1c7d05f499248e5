package agent

import (
	"fmt"
	"strings"
)

// InvocationConfig carries the configuration data (spec §4.3: "the exact
// install URL, registry override, and credential env var names are
// configuration data, not code constants") needed to project a Family+Role
// pair into a concrete command sequence.
type InvocationConfig struct {
	RepoURL          string // git remote to clone
	InstallSource    string // URL or package reference for the agent binary
	RegistryOverride string // optional package registry override
	Credential       string // credential value for the family's env var; empty if none required
	EndpointOverride string // optional backend endpoint override value
	WorkStyle        string // opaque hint passed through to the prompt, not interpreted here
	CodingStyle      string // opaque hint passed through to the prompt, not interpreted here
}

// BuildCommands produces the ordered shell command sequence that
// provisions a blank container and invokes the agent, for the given
// family and role (spec §4.3). The sequence shares a common preamble
// (clone, base tooling, agent binary install) and diverges in the final
// invocation command and, for the solver role, an additional diff-harness
// staging step in the preamble.
func BuildCommands(family Family, role Role, cfg InvocationConfig) ([]string, error) {
	s, ok := specs[family]
	if !ok {
		return nil, fmt.Errorf("unknown agent family %q", family)
	}

	var cmds []string
	cmds = append(cmds, cloneCommand(cfg.RepoURL))
	cmds = append(cmds, baseToolingCommand())
	cmds = append(cmds, installCommand(s, cfg))

	if role == RoleSolver {
		cmds = append(cmds, stageDiffHarnessCommand())
	}

	cmds = append(cmds, invokeCommand(s, role, cfg))

	return cmds, nil
}

func cloneCommand(repoURL string) string {
	return fmt.Sprintf("git clone --depth 1 %s %s", shQuote(repoURL), RepoPath)
}

func baseToolingCommand() string {
	return "apt-get update -qq && apt-get install -y -qq curl git ca-certificates && " +
		"curl -fsSL https://deb.nodesource.com/setup_lts.x | bash - && apt-get install -y -qq nodejs"
}

// installCommand builds the agent-family binary install step. A family
// whose install source is not expected to be reachable through the
// caller's proxy must temporarily clear any inherited proxy env vars —
// this is a property of the family (spec.clearProxyForInstall), not of
// the caller.
func installCommand(s spec, cfg InvocationConfig) string {
	install := fmt.Sprintf("curl -fsSL %s", shQuote(cfg.InstallSource))
	if cfg.RegistryOverride != "" {
		install = fmt.Sprintf("NPM_CONFIG_REGISTRY=%s %s", shQuote(cfg.RegistryOverride), install)
	}
	install += " | sh"

	if s.clearProxyForInstall {
		install = "env -u http_proxy -u https_proxy -u HTTP_PROXY -u HTTPS_PROXY " + install
	}

	return install
}

func stageDiffHarnessCommand() string {
	script := fmt.Sprintf(
		`#!/bin/sh
cd %s && git diff > %s
`, RepoPath, PatchOutputPath)
	return fmt.Sprintf("cat > %s <<'DIFF_HARNESS_EOF'\n%sDIFF_HARNESS_EOF\nchmod +x %s", DiffHarnessPath, script, DiffHarnessPath)
}

// invokeCommand builds the final per-family agent invocation. Per-role
// differences are minimal: the analyzer role points the agent at the
// analyzer prompt; the solver role points it at the solver prompt.
func invokeCommand(s spec, role Role, cfg InvocationConfig) string {
	promptPath := AnalyzerPromptPath
	if role == RoleSolver {
		promptPath = SolverPromptPath
	}

	env := []string{}
	if cfg.Credential != "" {
		env = append(env, fmt.Sprintf("%s=%s", s.credentialEnvVar, shQuote(cfg.Credential)))
	}
	if s.endpointEnvVar != "" && cfg.EndpointOverride != "" {
		env = append(env, fmt.Sprintf("%s=%s", s.endpointEnvVar, shQuote(cfg.EndpointOverride)))
	}
	if s.hardeningKind == hardeningEnvVar {
		env = append(env, fmt.Sprintf("SANDBOX=%s", s.hardeningValue))
	}

	args := []string{s.binary, "--prompt-file", promptPath, "--workdir", RepoPath}
	if s.hardeningKind == hardeningFlag {
		args = append(args, s.hardeningValue)
	}

	cmd := ""
	for _, e := range env {
		cmd += e + " "
	}
	for i, a := range args {
		if i > 0 {
			cmd += " "
		}
		cmd += shQuote(a)
	}

	return cmd
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
