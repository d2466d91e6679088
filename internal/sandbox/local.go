package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultTimeout bounds a command's runtime when ExecOptions.TimeoutSeconds
// is unset, grounded on DockerEnvironmentConfig.timeout's 30-second default
// in original_source/docker.py.
const DefaultTimeout = 30 * time.Second

// LocalExec runs commands on the host via os/exec and reads files directly
// off disk, standing in for the out-of-scope container runtime (spec.md §1
// Non-goals, SPEC_FULL.md §6). It satisfies Sandbox.
type LocalExec struct {
	cwd string
	env map[string]string
}

// NewLocalExec returns a LocalExec rooted at cwd. Relative command working
// directories and file reads resolve against cwd.
func NewLocalExec(cwd string) *LocalExec {
	return &LocalExec{cwd: cwd, env: map[string]string{}}
}

// SetEnv sets an environment variable forwarded to every executed command,
// mirroring DockerEnvironmentConfig.env.
func (l *LocalExec) SetEnv(key, value string) {
	l.env[key] = value
}

func (l *LocalExec) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.cwd, path)
}

// Execute runs command through "bash -lc" in opts.Cwd (or the sandbox's own
// cwd), combining stdout and stderr the way original_source/docker.py's
// execute() does.
func (l *LocalExec) Execute(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	dir := l.cwd
	if opts.Cwd != "" {
		dir = l.resolve(opts.Cwd)
	}

	timeout := DefaultTimeout
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-lc", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range l.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return ExecResult{Output: combined.String(), ReturnCode: -1}, context.DeadlineExceeded
	}
	returnCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, fmt.Errorf("sandbox: exec %q: %w", command, err)
		}
	}
	return ExecResult{Output: combined.String(), ReturnCode: returnCode}, nil
}

// ReadFile reads path relative to the sandbox's cwd (or absolute as given).
func (l *LocalExec) ReadFile(ctx context.Context, path string) (string, error) {
	b, err := os.ReadFile(l.resolve(path))
	if err != nil {
		return "", fmt.Errorf("sandbox: read %q: %w", path, err)
	}
	return string(b), nil
}

// TemplateVars returns the variables original_source/docker.py exposes via
// get_template_vars for prompt/script templating: at minimum "cwd".
func (l *LocalExec) TemplateVars(ctx context.Context) (map[string]any, error) {
	vars := map[string]any{"cwd": l.cwd}
	for k, v := range l.env {
		vars[k] = v
	}
	return vars, nil
}

// Glob expands a doublestar pattern against the sandbox's cwd, used by
// agentloop.Loop.seedDefaultChunks to resolve a reproduction target given as
// a glob (SPEC_FULL.md DOMAIN STACK: github.com/bmatcuk/doublestar/v4).
func (l *LocalExec) Glob(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(l.cwd), pattern)
	if err != nil {
		return nil, fmt.Errorf("sandbox: glob %q: %w", pattern, err)
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = strings.TrimPrefix(m, "./")
	}
	return out, nil
}
