package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/deixis/cellkernel/internal/config"
	"github.com/deixis/cellkernel/internal/diagnostics"
	"github.com/deixis/cellkernel/internal/environment"
	"github.com/deixis/cellkernel/internal/kernel"
	"github.com/deixis/cellkernel/internal/report"
	"github.com/deixis/cellkernel/internal/runner"
)

// stack wires a kernel to its collaborators for one workspace. The workspace
// can be switched; the change applies to the next session.
type stack struct {
	log    *zap.Logger
	kernel *kernel.Kernel
	store  *report.LRUStore
	diag   *diagnostics.Pipe

	runner   atomic.Pointer[runner.Runner]
	resolver atomic.Pointer[environment.Resolver]
	config   atomic.Pointer[config.Config]

	mu      sync.Mutex
	loaded  *config.LoadResult
	watcher *config.Watcher
}

func newStack(loaded *config.LoadResult, log *zap.Logger) (*stack, error) {
	cfg := loaded.Config
	diag, err := diagnostics.Open(cfg.Session.SocketDir, cfg.Namespace(), log.Named("diagnostics"))
	if err != nil {
		return nil, fmt.Errorf("opening diagnostics pipe: %w", err)
	}

	s := &stack{
		log:    log,
		store:  report.NewLRUStore(cfg.History()),
		diag:   diag,
		loaded: loaded,
	}
	s.use(loaded)

	spawner := kernel.SpawnerFunc(func(ctx context.Context, req kernel.SpawnRequest) (kernel.Process, error) {
		return kernel.RunnerSpawner(s.runner.Load()).Spawn(ctx, req)
	})
	s.kernel = kernel.New(spawner, s, driverSettings(loaded),
		kernel.WithLogger(log.Named("kernel")),
		kernel.WithDiagnostics(diag),
		kernel.WithDisplayPath(environment.DisplayPath))
	return s, nil
}

// use points the collaborators at loaded.
func (s *stack) use(loaded *config.LoadResult) {
	s.config.Store(loaded.Config)
	s.runner.Store(&runner.Runner{
		Workspace: loaded.RepoRoot,
		MaxOutput: loaded.Config.MaxOutputBytes(),
		Log:       s.log.Named("runner"),
	})
	s.resolver.Store(&environment.Resolver{
		Config:     s.config.Load,
		RepoRoot:   loaded.RepoRoot,
		HasProject: loaded.HasProject,
	})
}

func (s *stack) ExecutablePath(ctx context.Context) (string, error) {
	return s.resolver.Load().ExecutablePath(ctx)
}

func (s *stack) EnvironmentPath(ctx context.Context) (string, error) {
	return s.resolver.Load().EnvironmentPath(ctx)
}

// driverSettings derives kernel settings, resolving a relative driver path
// against the project root.
func driverSettings(loaded *config.LoadResult) kernel.Settings {
	st := kernel.SettingsFromConfig(loaded.Config)
	if st.Driver != "" && !filepath.IsAbs(st.Driver) {
		st.Driver = filepath.Join(loaded.RepoRoot, st.Driver)
	}
	return st
}

// watch reloads the config file on change.
func (s *stack) watch() error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	return s.rewatch(loaded)
}

// rewatch replaces the watcher with one for loaded.Path. The old watcher is
// closed without holding mu: its callback takes mu.
func (s *stack) rewatch(loaded *config.LoadResult) error {
	w, err := config.Watch(loaded.Path, s.log.Named("config"), func(cfg *config.Config) {
		s.reload(loaded, cfg)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.watcher
	s.watcher = w
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *stack) reload(from *config.LoadResult, cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded.Path != from.Path {
		// The workspace moved on since this watcher was started.
		return
	}
	next := *s.loaded
	next.Config = cfg
	s.loaded = &next
	s.use(&next)
	s.kernel.SetSettings(driverSettings(&next))
	s.log.Info("config reloaded; changes apply to the next interpreter session",
		zap.String("path", next.Path))
}

// switchWorkspace moves to a new workspace, typically the client's root.
func (s *stack) switchWorkspace(ctx context.Context, workspace string) {
	loaded, err := config.Load(workspace)
	if err != nil {
		s.log.Warn("ignoring workspace", zap.String("workspace", workspace), zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.loaded.RepoRoot == loaded.RepoRoot {
		s.mu.Unlock()
		return
	}
	s.loaded = loaded
	s.use(loaded)
	s.kernel.SetSettings(driverSettings(loaded))
	watching := s.watcher != nil
	s.mu.Unlock()

	s.log.Info("workspace changed", zap.String("root", loaded.RepoRoot))
	if watching {
		if err := s.rewatch(loaded); err != nil {
			s.log.Warn("watching config", zap.Error(err))
		}
	}
}

func (s *stack) Close(ctx context.Context) error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}

	err := s.kernel.Close(ctx)
	if cerr := s.diag.Close(); err == nil {
		err = cerr
	}
	return err
}
