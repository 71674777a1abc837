package environment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/cellkernel/internal/config"
)

func resolverWith(c *config.Config, root string, hasProject bool) *Resolver {
	return &Resolver{
		Config:     func() *config.Config { return c },
		RepoRoot:   root,
		HasProject: hasProject,
	}
}

func TestExecutablePath_OnPath(t *testing.T) {
	r := resolverWith(&config.Config{Interpreter: config.InterpreterConfig{Executable: "sh"}}, "", false)
	path, err := r.ExecutablePath(context.Background())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path), path)
}

func TestExecutablePath_NotOnPath(t *testing.T) {
	r := resolverWith(&config.Config{Interpreter: config.InterpreterConfig{Executable: "nonexistent-interpreter-xyz"}}, "", false)
	_, err := r.ExecutablePath(context.Background())
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestExecutablePath_Absolute(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "julia")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))

	r := resolverWith(&config.Config{Interpreter: config.InterpreterConfig{Executable: exe}}, "", false)
	path, err := r.ExecutablePath(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exe, path)

	r = resolverWith(&config.Config{Interpreter: config.InterpreterConfig{Executable: filepath.Join(dir, "missing")}}, "", false)
	_, err = r.ExecutablePath(context.Background())
	assert.ErrorIs(t, err, ErrExecutableNotFound)

	r = resolverWith(&config.Config{Interpreter: config.InterpreterConfig{Executable: dir}}, "", false)
	_, err = r.ExecutablePath(context.Background())
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestExecutablePath_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Resolver{}).ExecutablePath(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnvironmentPath(t *testing.T) {
	root := t.TempDir()
	env := filepath.Join(root, "env")
	require.NoError(t, os.MkdirAll(env, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env, "Project.toml"), []byte("\n"), 0o644))

	cases := []struct {
		name       string
		project    string
		hasProject bool
		want       string
	}{
		{"discovered project", "", true, root},
		{"no project", "", false, SearchEnvironment},
		{"named environment", "@v1.10", false, "@v1.10"},
		{"relative dir", "env", false, env},
		{"absolute dir", env, false, env},
		{"project file", filepath.Join(env, "Project.toml"), false, env},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := resolverWith(&config.Config{Interpreter: config.InterpreterConfig{Project: tc.project}}, root, tc.hasProject)
			got, err := r.EnvironmentPath(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEnvironmentPath_Missing(t *testing.T) {
	r := resolverWith(&config.Config{Interpreter: config.InterpreterConfig{Project: "missing"}}, t.TempDir(), false)
	_, err := r.EnvironmentPath(context.Background())
	assert.Error(t, err)
}

func TestResolver_NilConfig(t *testing.T) {
	r := &Resolver{Config: func() *config.Config { return nil }}
	got, err := r.EnvironmentPath(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SearchEnvironment, got)
}

func TestDisplayPath(t *testing.T) {
	home := filepath.FromSlash("/home/ada")
	assert.Equal(t, "~", displayPath(home, home))
	assert.Equal(t, filepath.FromSlash("~/proj/env"), displayPath(filepath.Join(home, "proj", "env"), home))
	assert.Equal(t, filepath.FromSlash("/home/adam/x"), displayPath(filepath.FromSlash("/home/adam/x"), home))
	assert.Equal(t, "@.", displayPath("@.", home))
}
