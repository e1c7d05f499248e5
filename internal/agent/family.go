// Package agent builds the ordered shell command sequence that provisions
// a blank container and invokes a third-party coding agent inside it,
// for one of four agent families in either the analyzer or solver role.
package agent

// Family is a closed enumeration of supported agent families, handled with
// per-variant data (below) rather than dynamic dispatch, per spec design
// note §9 ("handle with tagged variants and per-variant functions").
type Family string

const (
	FamilyA Family = "A"
	FamilyB Family = "B"
	FamilyC Family = "C"
	FamilyD Family = "D"
)

// Role is the container's purpose for this invocation.
type Role string

const (
	RoleAnalyzer Role = "analyzer"
	RoleSolver   Role = "solver"
)

// Fixed container-side paths from the prompt file contract (spec §6).
const (
	RepoPath            = "/app/repo"
	AnalyzerPromptPath  = "/app/codeAnalyzerPrompt.txt"
	SolverPromptPath    = "/app/taskSolverPrompt.txt"
	TasksOutputPath     = "/app/tasks.json"
	FinalReportPath     = "/app/finalReport.json"
	DiffHarnessPath     = "/app/diff_harness.sh"
	PatchOutputPath     = "/app/git_diff.txt"
)

// hardeningKind distinguishes how a family's "extra hardening" column
// (spec §4.3) is applied: as an env var assignment vs. a CLI flag vs.
// nothing (reserved).
type hardeningKind int

const (
	hardeningNone hardeningKind = iota
	hardeningEnvVar
	hardeningFlag
)

// spec is the per-family code-level behavior: which credential env var
// name the family expects, whether it accepts an endpoint override env
// var, how its "extra hardening" column is expressed, and whether its
// install step must clear inherited proxy env vars (spec §4.3: "a
// property of the family, not of the caller").
type spec struct {
	binary               string
	credentialEnvVar     string
	endpointEnvVar       string // empty if the family has no override (spec table: B, C, D have none)
	hardeningKind        hardeningKind
	hardeningValue       string // env var value ("1") or flag ("--yolo")
	clearProxyForInstall bool
}

var specs = map[Family]spec{
	FamilyA: {
		binary:               "agent-a",
		credentialEnvVar:     "API_KEY_A",
		endpointEnvVar:       "BASE_URL_A",
		hardeningKind:        hardeningEnvVar,
		hardeningValue:       "1", // SANDBOX=1
		clearProxyForInstall: true,
	},
	FamilyB: {
		binary:               "agent-b",
		credentialEnvVar:     "API_KEY_B",
		hardeningKind:        hardeningFlag,
		hardeningValue:       "--yolo",
		clearProxyForInstall: false,
	},
	FamilyC: {
		binary:               "agent-c",
		credentialEnvVar:     "API_KEY_C",
		hardeningKind:        hardeningNone, // reserved
		clearProxyForInstall: false,
	},
	FamilyD: {
		binary:               "agent-d",
		credentialEnvVar:     "API_KEY_D",
		hardeningKind:        hardeningFlag,
		hardeningValue:       "--family-d-mode",
		clearProxyForInstall: true,
	},
}

// Families lists the closed set of supported agent families, in table
// order (spec §4.3).
func Families() []Family {
	return []Family{FamilyA, FamilyB, FamilyC, FamilyD}
}

// Valid reports whether f is one of the four supported families.
func (f Family) Valid() bool {
	_, ok := specs[f]
	return ok
}
