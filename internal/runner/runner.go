// Package runner spawns long-lived interpreter processes within a workspace
// boundary and reports when they exit.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxOutput bounds the stdout/stderr retained per process.
const DefaultMaxOutput = 64 << 10

// Runner starts processes in a workspace.
type Runner struct {
	Workspace string
	MaxOutput int // bytes retained per stream
	Log       *zap.Logger
}

// Spec describes one process to spawn.
type Spec struct {
	Executable string
	Args       []string
	// Name is a human-readable label used in logs.
	Name string
	// Dir is resolved relative to the workspace and must remain within it.
	Dir string
	// Env entries are appended to the current environment.
	Env []string
}

// Spawn starts the process described by spec and returns without waiting for
// it to exit. The process is not bound to ctx; use Kill to stop it.
func (r *Runner) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Executable == "" {
		return nil, fmt.Errorf("empty executable")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := r.resolveDir(spec.Dir)
	if err != nil {
		return nil, err
	}

	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	p := &Process{
		ID:     uuid.New().String(),
		Name:   spec.Name,
		cmd:    cmd,
		stdout: &limitWriter{limit: maxOutput},
		stderr: &limitWriter{limit: maxOutput},
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executing %s: %w", spec.Executable, err)
	}

	log := r.logger().With(zap.String("process", p.Name), zap.Int("pid", cmd.Process.Pid))
	log.Info("process started")

	go func() {
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				log.Warn("waiting for process", zap.Error(err))
			}
		}
		p.exitCode = cmd.ProcessState.ExitCode()
		log.Info("process exited", zap.Int("exit_code", p.exitCode))
		close(p.done)
	}()

	return p, nil
}

// resolveDir resolves cwd relative to the workspace and validates it
// is within the workspace boundary.
func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return r.Workspace, nil
	}

	var dir string
	if filepath.IsAbs(cwd) {
		dir = filepath.Clean(cwd)
	} else {
		dir = filepath.Clean(filepath.Join(r.Workspace, cwd))
	}

	rel, err := filepath.Rel(r.Workspace, dir)
	if err != nil {
		return "", fmt.Errorf("resolving cwd: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("cwd %q is outside workspace %q", cwd, r.Workspace)
	}
	return dir, nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Process is a running (or exited) child process.
type Process struct {
	ID   string // unique identifier for this spawn
	Name string

	cmd    *exec.Cmd
	stdout *limitWriter
	stderr *limitWriter

	done     chan struct{}
	exitCode int
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit status, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Kill terminates the process. Killing an exited process is a no-op.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing %s: %w", p.Name, err)
	}
	return nil
}

// Stdout returns the retained standard output.
func (p *Process) Stdout() []byte { return p.stdout.Bytes() }

// Stderr returns the retained standard error.
func (p *Process) Stderr() []byte { return p.stderr.Bytes() }

// Truncated reports whether either stream exceeded the retention limit.
func (p *Process) Truncated() bool {
	return p.stdout.Truncated() || p.stderr.Truncated()
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = len(p) > 0 || w.truncated
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed
		// to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.buf.Bytes())
}

func (w *limitWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
