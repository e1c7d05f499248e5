package container

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of one command or command batch run inside a container.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// CommandResult is the outcome of one command (or command batch) run inside
// a container. Output is prefixed per-command with "$ <command>\n" to
// preserve provenance across a batch.
type CommandResult struct {
	Status      Status
	Output      string
	ErrorDetail string
}

// StartConfig configures container creation.
type StartConfig struct {
	Image    string
	Name     string // optional; a random suffix is appended on collision
	MemoryMB int    // 0 means no limit passed
	CPUs     float64
	Env      map[string]string // http_proxy, https_proxy, no_proxy and uppercase aliases, when provided
	Runtime  string            // container runtime binary, defaults to "docker"
}

// Handle owns exactly one running container. It is not safe to call two
// exec* methods on the same Handle concurrently — by convention, a Handle
// is exclusively owned by the caller that started it.
type Handle struct {
	runtime string
	name    string
	id      string
}

// Start creates a detached container running a sleep-forever process.
// Duplicate container names are retried once with a random suffix.
func Start(ctx context.Context, cfg StartConfig) (*Handle, error) {
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "docker"
	}

	name := cfg.Name
	if name == "" {
		name = "task-" + uuid.NewString()[:8]
	}

	id, err := startOnce(ctx, runtime, name, cfg)
	if err != nil {
		if isNameConflict(err) {
			name = fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
			id, err = startOnce(ctx, runtime, name, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContainerStart, err)
		}
	}

	return &Handle{runtime: runtime, name: name, id: id}, nil
}

func isNameConflict(err error) bool {
	return strings.Contains(err.Error(), "already in use") || strings.Contains(err.Error(), "Conflict.")
}

func startOnce(ctx context.Context, runtime, name string, cfg StartConfig) (string, error) {
	args := []string{"run", "-d", "--name", name}

	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	if cfg.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", cfg.CPUs))
	}

	for _, key := range proxyEnvKeys() {
		if v, ok := cfg.Env[key]; ok && v != "" {
			args = append(args, "-e", fmt.Sprintf("%s=%s", key, v))
		}
	}

	args = append(args, cfg.Image, "sleep", "infinity")

	cmd := newCommand(ctx, runtime, args...)
	stdout, stderr, err := runCommand(cmd)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)", runtime, strings.Join(args, " "), err, strings.TrimSpace(string(stderr)))
	}

	return strings.TrimSpace(string(stdout)), nil
}

// proxyEnvKeys are the environment variables passed through when configured
// (spec: http_proxy/https_proxy/no_proxy and their uppercase aliases).
func proxyEnvKeys() []string {
	return []string{
		"http_proxy", "https_proxy", "no_proxy",
		"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
	}
}

// ID returns the container id assigned at start.
func (h *Handle) ID() string { return h.id }

// Name returns the (possibly suffixed) container name.
func (h *Handle) Name() string { return h.name }

// ExecBlocking runs commands in order, accumulating output. The first
// command whose exit code is non-zero terminates the batch with
// status=failure; remaining commands are not executed. A per-batch
// wall-clock timeout (0 means none) yields status=timeout.
//
// A small randomized delay is interleaved before each invocation to cope
// with the container not yet being ready to accept exec requests
// immediately after start — a deliberate retry-free backoff, not a code
// smell: the first exec call genuinely races container readiness.
func (h *Handle) ExecBlocking(ctx context.Context, commands []string, timeoutSeconds int) CommandResult {
	runCtx, cancel := withOptionalTimeout(ctx, timeoutSeconds)
	defer cancel()

	var out strings.Builder
	for _, c := range commands {
		if runCtx.Err() != nil {
			return CommandResult{Status: StatusTimeout, Output: out.String(), ErrorDetail: "timeout before executing: " + c}
		}

		readinessDelay()

		cmd := newCommand(runCtx, h.runtime, execArgs(h.name, c)...)
		stop := killOnCancel(runCtx, cmd)
		stdout, stderr, err := runCommand(cmd)
		stop()
		out.WriteString("$ " + c + "\n")
		out.Write(stdout)

		if err != nil {
			if runCtx.Err() != nil {
				return CommandResult{Status: StatusTimeout, Output: out.String(), ErrorDetail: fmt.Sprintf("timeout running %q: %v", c, err)}
			}
			return CommandResult{
				Status:      StatusFailure,
				Output:      out.String(),
				ErrorDetail: fmt.Sprintf("%v: %s", err, strings.TrimSpace(string(stderr))),
			}
		}
	}

	return CommandResult{Status: StatusSuccess, Output: out.String()}
}

// ExecStreaming runs a single long-running command, draining stdout and
// stderr concurrently to completion before reading the exit code, so
// multi-megabyte output is never truncated.
func (h *Handle) ExecStreaming(ctx context.Context, command string, timeoutSeconds int) CommandResult {
	runCtx, cancel := withOptionalTimeout(ctx, timeoutSeconds)
	defer cancel()

	readinessDelay()

	cmd := newCommand(runCtx, h.runtime, execArgs(h.name, command)...)
	stop := killOnCancel(runCtx, cmd)
	stdout, stderr, err := runCommandStreaming(cmd, nil, nil)
	stop()

	output := "$ " + command + "\n" + string(stdout)

	if err != nil {
		if runCtx.Err() != nil {
			return CommandResult{Status: StatusTimeout, Output: output, ErrorDetail: fmt.Sprintf("timeout running %q: %v", command, err)}
		}
		return CommandResult{
			Status:      StatusFailure,
			Output:      output,
			ErrorDetail: fmt.Sprintf("%v: %s", err, strings.TrimSpace(string(stderr))),
		}
	}

	return CommandResult{Status: StatusSuccess, Output: output}
}

func execArgs(name, command string) []string {
	return []string{"exec", name, "sh", "-c", command}
}

func withOptionalTimeout(ctx context.Context, timeoutSeconds int) (context.Context, context.CancelFunc) {
	if timeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
}

// readinessDelay sleeps a randomized 100ms-2s interval before an exec
// invocation. See ExecBlocking: this is a true race with the container
// runtime, preserved deliberately rather than replaced with a retry loop.
func readinessDelay() {
	delay := 100*time.Millisecond + time.Duration(rand.Int63n(int64(1900*time.Millisecond)))
	time.Sleep(delay)
}

// CopyInFile materializes contents inside the container at containerPath,
// creating intermediate directories, staged at a temporary path and moved
// into place so the destination write is atomic.
func (h *Handle) CopyInFile(ctx context.Context, contents []byte, containerPath string) error {
	tmpFile, err := os.CreateTemp("", "container-copyin-*")
	if err != nil {
		return fmt.Errorf("%w: staging temp file: %v", ErrCopyIn, err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(contents); err != nil {
		tmpFile.Close()
		return fmt.Errorf("%w: writing staging file: %v", ErrCopyIn, err)
	}
	tmpFile.Close()

	dir := filepath.Dir(containerPath)
	mkdirCmd := newCommand(ctx, h.runtime, execArgs(h.name, fmt.Sprintf("mkdir -p %s", shellQuote(dir)))...)
	if _, stderr, err := runCommand(mkdirCmd); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v (%s)", ErrCopyIn, dir, err, strings.TrimSpace(string(stderr)))
	}

	stagedPath := containerPath + ".tmp-" + uuid.NewString()[:8]
	cpCmd := newCommand(ctx, h.runtime, "cp", tmpFile.Name(), fmt.Sprintf("%s:%s", h.name, stagedPath))
	if _, stderr, err := runCommand(cpCmd); err != nil {
		return fmt.Errorf("%w: cp into %s: %v (%s)", ErrCopyIn, stagedPath, err, strings.TrimSpace(string(stderr)))
	}

	mvCmd := newCommand(ctx, h.runtime, execArgs(h.name, fmt.Sprintf("mv %s %s", shellQuote(stagedPath), shellQuote(containerPath)))...)
	if _, stderr, err := runCommand(mvCmd); err != nil {
		return fmt.Errorf("%w: mv to %s: %v (%s)", ErrCopyIn, containerPath, err, strings.TrimSpace(string(stderr)))
	}

	return nil
}

// CopyInTree recursively copies a host directory (or single file) into the
// container. Fails with ErrLocalPathMissing if the host source does not
// exist, before issuing any container-side command.
func (h *Handle) CopyInTree(ctx context.Context, localPath, containerDestDir string) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLocalPathMissing, localPath, err)
	}

	mkdirCmd := newCommand(ctx, h.runtime, execArgs(h.name, fmt.Sprintf("mkdir -p %s", shellQuote(containerDestDir)))...)
	if _, stderr, err := runCommand(mkdirCmd); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v (%s)", ErrCopyIn, containerDestDir, err, strings.TrimSpace(string(stderr)))
	}

	cpCmd := newCommand(ctx, h.runtime, "cp", localPath, fmt.Sprintf("%s:%s", h.name, containerDestDir))
	if _, stderr, err := runCommand(cpCmd); err != nil {
		return fmt.Errorf("%w: cp %s into %s: %v (%s)", ErrCopyIn, localPath, containerDestDir, err, strings.TrimSpace(string(stderr)))
	}

	return nil
}

// CopyOutFile reads a container file into host memory, deleting any
// temporary host staging file before returning.
func (h *Handle) CopyOutFile(ctx context.Context, containerPath string) (string, error) {
	tmpFile, err := os.CreateTemp("", "container-copyout-*")
	if err != nil {
		return "", fmt.Errorf("%w: staging temp file: %v", ErrCopyOut, err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cpCmd := newCommand(ctx, h.runtime, "cp", fmt.Sprintf("%s:%s", h.name, containerPath), tmpPath)
	if _, stderr, err := runCommand(cpCmd); err != nil {
		return "", fmt.Errorf("%w: cp %s: %v (%s)", ErrCopyOut, containerPath, err, strings.TrimSpace(string(stderr)))
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", fmt.Errorf("%w: reading staged file: %v", ErrCopyOut, err)
	}

	return string(data), nil
}

// Shutdown forcibly removes the container. Idempotent; safe to call after
// a failed Start (no-op if the container never came up).
func (h *Handle) Shutdown(ctx context.Context) error {
	if h.name == "" {
		return nil
	}
	cmd := newCommand(ctx, h.runtime, "rm", "-f", h.name)
	_, stderr, err := runCommand(cmd)
	if err != nil && !strings.Contains(string(stderr), "No such container") {
		return fmt.Errorf("removing container %s: %w (%s)", h.name, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
