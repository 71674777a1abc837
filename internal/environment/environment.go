// Package environment resolves the interpreter executable and the project
// environment a session runs in, and shortens paths for display.
package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/deixis/cellkernel/internal/config"
)

// SearchEnvironment asks the interpreter to search upward from its working
// directory for a project, used when no project is configured or found.
const SearchEnvironment = "@."

// ErrExecutableNotFound is returned when the interpreter cannot be located.
var ErrExecutableNotFound = errors.New("interpreter executable not found")

// Resolver resolves paths from the current configuration. Config is read on
// every call so that reloaded settings apply to the next session.
type Resolver struct {
	Config   func() *config.Config
	RepoRoot string // project root discovered by config.Load
	// HasProject reports whether RepoRoot holds a project marker.
	HasProject bool
}

// ExecutablePath returns an absolute path to the interpreter. Absolute
// configured paths must exist; bare names are looked up on PATH.
func (r *Resolver) ExecutablePath(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := r.config().Executable()

	if filepath.IsAbs(name) {
		info, err := os.Stat(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, name, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, name)
		}
		return name, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not on PATH", ErrExecutableNotFound, name)
	}
	return path, nil
}

// EnvironmentPath returns the project environment. A configured relative
// project is resolved against the project root; without configuration the
// discovered project root is used, or SearchEnvironment when there is none.
func (r *Resolver) EnvironmentPath(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	project := r.config().Interpreter.Project

	switch {
	case project == "":
		if r.HasProject && r.RepoRoot != "" {
			return r.RepoRoot, nil
		}
		return SearchEnvironment, nil
	case strings.HasPrefix(project, "@"):
		// Named or search environments are passed through untouched.
		return project, nil
	case filepath.IsAbs(project):
	default:
		project = filepath.Join(r.RepoRoot, project)
	}

	info, err := os.Stat(project)
	if err != nil {
		return "", fmt.Errorf("project environment %s: %w", project, err)
	}
	if !info.IsDir() {
		// A path to Project.toml names its directory.
		project = filepath.Dir(project)
	}
	return filepath.Clean(project), nil
}

func (r *Resolver) config() *config.Config {
	if r.Config == nil {
		return &config.Config{}
	}
	if c := r.Config(); c != nil {
		return c
	}
	return &config.Config{}
}

// DisplayPath replaces the home directory prefix of path with "~".
func DisplayPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return displayPath(path, home)
}

func displayPath(path, home string) string {
	home = filepath.Clean(home)
	clean := filepath.Clean(path)
	if clean == home {
		return "~"
	}
	if strings.HasPrefix(clean, home+string(filepath.Separator)) {
		return "~" + clean[len(home):]
	}
	return path
}
