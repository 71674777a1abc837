package kernel

import (
	"context"
	"os"
	"time"

	"github.com/deixis/cellkernel/internal/config"
	"github.com/deixis/cellkernel/internal/runner"
	"github.com/deixis/cellkernel/internal/transport"
)

// DisplayNamePrefix prefixes the interpreter process name.
const DisplayNamePrefix = "Julia Kernel: "

// Process is a running interpreter.
type Process interface {
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Kill terminates the process. Killing an exited process is a no-op.
	Kill() error
}

// SpawnRequest describes the interpreter launch.
type SpawnRequest struct {
	Executable string
	Args       []string
	Name       string
	Dir        string
	Env        []string
}

// Spawner launches interpreter processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, req SpawnRequest) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	return f(ctx, req)
}

// RunnerSpawner launches the interpreter as a child process through r.
func RunnerSpawner(r *runner.Runner) Spawner {
	return SpawnerFunc(func(ctx context.Context, req SpawnRequest) (Process, error) {
		p, err := r.Spawn(ctx, runner.Spec{
			Executable: req.Executable,
			Args:       req.Args,
			Name:       req.Name,
			Dir:        req.Dir,
			Env:        req.Env,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// EnvironmentResolver answers where the interpreter and its environment live.
type EnvironmentResolver interface {
	ExecutablePath(ctx context.Context) (string, error)
	EnvironmentPath(ctx context.Context) (string, error)
}

// DiagnosticsProvider supplies the crash-report address handed to the
// interpreter.
type DiagnosticsProvider interface {
	DiagnosticsAddress() string
}

// Settings are read when a session starts. Changes apply to the next session.
type Settings struct {
	Namespace    string
	SocketDir    string
	Driver       string
	Color        bool
	ExtraArgs    []string
	StartTimeout time.Duration
	// Dir and Env are passed through to the spawner untouched.
	Dir string
	Env []string
}

// SettingsFromConfig derives session settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Namespace:    cfg.Namespace(),
		SocketDir:    cfg.Session.SocketDir,
		Driver:       cfg.Interpreter.Driver,
		Color:        cfg.Color(),
		ExtraArgs:    append([]string(nil), cfg.Interpreter.Args...),
		StartTimeout: cfg.StartTimeout(),
		Dir:          cfg.Interpreter.Dir,
		Env:          append([]string(nil), cfg.Interpreter.Env...),
	}
}

func (s Settings) withDefaults() Settings {
	if s.Namespace == "" {
		s.Namespace = transport.DefaultNamespace
	}
	if s.SocketDir == "" {
		s.SocketDir = os.TempDir()
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = config.DefaultStartTimeout
	}
	return s
}

// interpreterArgs builds the argument vector for one launch. The driver and
// both addresses always come last, in that order.
func interpreterArgs(s Settings, env, addr, diagAddr string) []string {
	color := "--color=no"
	if s.Color {
		color = "--color=yes"
	}
	args := []string{
		color,
		"--project=" + env,
		"--startup-file=no",
		"--history-file=no",
	}
	args = append(args, s.ExtraArgs...)
	return append(args, s.Driver, addr, diagAddr)
}
