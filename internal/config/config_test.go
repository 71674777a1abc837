package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestLoad_FromProjectRoot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Project.toml"), []byte("name = \"Test\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("version: 1\nsession:\n  start_timeout: 10s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.RepoRoot != dir {
		t.Errorf("RepoRoot = %q, want %q", res.RepoRoot, dir)
	}
	if !res.HasProject {
		t.Error("HasProject = false, want true")
	}
	if res.Config.Version != 1 {
		t.Errorf("Config.Version = %d, want 1", res.Config.Version)
	}
	if got := res.Config.StartTimeout(); got != 10*time.Second {
		t.Errorf("StartTimeout() = %v, want 10s", got)
	}
}

func TestLoad_FromSubdirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "JuliaProject.toml"), []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("version: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sub := filepath.Join(root, "src", "notebooks")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := Load(sub)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.RepoRoot != root {
		t.Errorf("RepoRoot = %q, want %q", res.RepoRoot, root)
	}
	if res.Config.Version != 2 {
		t.Errorf("Config.Version = %d, want 2", res.Config.Version)
	}
}

func TestLoad_NoProject(t *testing.T) {
	dir := t.TempDir()

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.RepoRoot != dir {
		t.Errorf("RepoRoot = %q, want %q (fallback to workspace)", res.RepoRoot, dir)
	}
	if res.HasProject {
		t.Error("HasProject = true, want false")
	}
	if res.Path != filepath.Join(dir, FileName) {
		t.Errorf("Path = %q, want %q", res.Path, filepath.Join(dir, FileName))
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("interpreter: [unclosed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaults(t *testing.T) {
	c := &Config{}
	if c.Executable() != DefaultExecutable {
		t.Errorf("Executable() = %q, want %q", c.Executable(), DefaultExecutable)
	}
	if c.Namespace() != DefaultNamespace {
		t.Errorf("Namespace() = %q, want %q", c.Namespace(), DefaultNamespace)
	}
	if c.StartTimeout() != DefaultStartTimeout {
		t.Errorf("StartTimeout() = %v, want %v", c.StartTimeout(), DefaultStartTimeout)
	}
	if c.MaxOutputBytes() != DefaultMaxOutput {
		t.Errorf("MaxOutputBytes() = %d, want %d", c.MaxOutputBytes(), DefaultMaxOutput)
	}
	if c.History() != DefaultHistory {
		t.Errorf("History() = %d, want %d", c.History(), DefaultHistory)
	}
	if !c.Color() {
		t.Error("Color() = false, want true")
	}
	if c.LogLevel() != DefaultLogLevel {
		t.Errorf("LogLevel() = %q, want %q", c.LogLevel(), DefaultLogLevel)
	}

	c.Session.RawStartTimeout = "not-a-duration"
	if c.StartTimeout() != DefaultStartTimeout {
		t.Errorf("StartTimeout() with bad value = %v, want default", c.StartTimeout())
	}
}

func TestReadFile_AllFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := `version: 1
interpreter:
  executable: /opt/julia/bin/julia
  project: /work/env
  driver: /opt/kernel/main.jl
  color: false
  args: ["--threads=4"]
  dir: notebooks
  env: ["JULIA_NUM_THREADS=4"]
session:
  namespace: nb
  socket_dir: /run/nb
max_output: 1024
history: 3
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if c.Executable() != "/opt/julia/bin/julia" {
		t.Errorf("Executable() = %q", c.Executable())
	}
	if c.Interpreter.Project != "/work/env" || c.Interpreter.Driver != "/opt/kernel/main.jl" {
		t.Errorf("Interpreter = %+v", c.Interpreter)
	}
	if c.Color() {
		t.Error("Color() = true, want false")
	}
	if len(c.Interpreter.Args) != 1 || c.Interpreter.Args[0] != "--threads=4" {
		t.Errorf("Args = %v", c.Interpreter.Args)
	}
	if c.Interpreter.Dir != "notebooks" || len(c.Interpreter.Env) != 1 || c.Interpreter.Env[0] != "JULIA_NUM_THREADS=4" {
		t.Errorf("Dir = %q, Env = %v", c.Interpreter.Dir, c.Interpreter.Env)
	}
	if c.Namespace() != "nb" || c.Session.SocketDir != "/run/nb" {
		t.Errorf("Session = %+v", c.Session)
	}
	if c.MaxOutputBytes() != 1024 || c.History() != 3 || c.LogLevel() != "debug" {
		t.Errorf("MaxOutputBytes=%d History=%d LogLevel=%q", c.MaxOutputBytes(), c.History(), c.LogLevel())
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *Config, 4)
	w, err := Watch(path, zaptest.NewLogger(t), func(c *Config) { changes <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("version: 2\ninterpreter:\n  executable: /bin/julia\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		if c.Version != 2 || c.Executable() != "/bin/julia" {
			t.Errorf("reloaded config = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatch_CloseIsIdempotent(t *testing.T) {
	w, err := Watch(filepath.Join(t.TempDir(), FileName), zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
