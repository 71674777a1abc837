// Package config loads and validates the optional .cellkernel YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up at the project root.
const FileName = ".cellkernel"

// Default values for kernel configuration.
const (
	DefaultExecutable   = "julia"
	DefaultNamespace    = "cellkernel"
	DefaultStartTimeout = 60 * time.Second
	DefaultMaxOutput    = 64 << 10 // 64 KiB
	DefaultHistory      = 20
	DefaultLogLevel     = "info"
)

// ProjectMarkers identify the root of an interpreter project.
var ProjectMarkers = []string{"JuliaProject.toml", "Project.toml"}

// Config holds the parsed .cellkernel configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int               `yaml:"version"`
	Interpreter  InterpreterConfig `yaml:"interpreter"`
	Session      SessionConfig     `yaml:"session"`
	RawMaxOutput int               `yaml:"max_output"` // bytes
	RawHistory   int               `yaml:"history"`    // finished cells kept for inspection
	Log          LogConfig         `yaml:"log"`
}

// InterpreterConfig controls how the interpreter process is launched.
type InterpreterConfig struct {
	Executable string   `yaml:"executable"` // absolute path or name on PATH
	Project    string   `yaml:"project"`    // environment path passed as --project
	Driver     string   `yaml:"driver"`     // interpreter-side driver script
	Color      *bool    `yaml:"color"`      // default: true
	Args       []string `yaml:"args"`       // extra flags inserted before the driver
	Dir        string   `yaml:"dir"`        // working directory, relative to the project root
	Env        []string `yaml:"env"`        // KEY=VALUE entries added to the environment
}

// SessionConfig controls the rendezvous endpoint and startup.
type SessionConfig struct {
	Namespace       string `yaml:"namespace"`     // socket name prefix
	SocketDir       string `yaml:"socket_dir"`    // default: OS temp dir
	RawStartTimeout string `yaml:"start_timeout"` // e.g. "60s", "2m"
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Color reports whether the interpreter should emit colored output.
func (c *Config) Color() bool {
	if c.Interpreter.Color != nil {
		return *c.Interpreter.Color
	}
	return true
}

// Executable returns the configured interpreter executable or the default.
func (c *Config) Executable() string {
	if c.Interpreter.Executable != "" {
		return c.Interpreter.Executable
	}
	return DefaultExecutable
}

// Namespace returns the configured socket namespace or the default.
func (c *Config) Namespace() string {
	if c.Session.Namespace != "" {
		return c.Session.Namespace
	}
	return DefaultNamespace
}

// StartTimeout returns the configured startup timeout or the default.
func (c *Config) StartTimeout() time.Duration {
	if c.Session.RawStartTimeout != "" {
		d, err := time.ParseDuration(c.Session.RawStartTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultStartTimeout
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// History returns the configured transcript capacity or the default.
func (c *Config) History() int {
	if c.RawHistory > 0 {
		return c.RawHistory
	}
	return DefaultHistory
}

// LogLevel returns the configured log level or the default.
func (c *Config) LogLevel() string {
	if c.Log.Level != "" {
		return c.Log.Level
	}
	return DefaultLogLevel
}

// LoadResult holds the parsed config and the discovered project root.
type LoadResult struct {
	Config *Config
	// RepoRoot is the directory containing a project marker; falls back to
	// the workspace.
	RepoRoot string
	// Path is the config file location, whether or not it exists.
	Path string
	// HasProject reports whether RepoRoot contains a project marker.
	HasProject bool
}

// Load reads the .cellkernel file from the project root.
// The project root is discovered by walking upward from workspace looking for
// a project marker. If no .cellkernel file exists, a default Config is
// returned.
func Load(workspace string) (*LoadResult, error) {
	root, err := FindProjectRoot(workspace)
	hasProject := err == nil
	if err != nil {
		// No project marker found; use workspace as root.
		root, err = filepath.Abs(workspace)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace: %w", err)
		}
	}

	path := filepath.Join(root, FileName)
	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, RepoRoot: root, Path: path, HasProject: hasProject}, nil
}

// ReadFile parses one config file. A missing file yields the default Config.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	return cfg, nil
}

// FindProjectRoot walks upward from dir looking for a directory containing a
// project marker.
func FindProjectRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range ProjectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("project file not found")
		}
		dir = parent
	}
}
