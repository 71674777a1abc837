// Package kernel drives a remote interpreter: it owns the session (one
// interpreter process plus its connection) and the lifecycle of every cell
// execution submitted to it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/deixis/cellkernel/internal/protocol"
	"github.com/deixis/cellkernel/internal/registry"
	"github.com/deixis/cellkernel/internal/transport"
)

// Kernel is safe for concurrent use. At most one session is live at a time;
// it is started lazily by the first submission.
type Kernel struct {
	log         *zap.Logger
	spawner     Spawner
	env         EnvironmentResolver
	diag        DiagnosticsProvider
	displayPath func(string) string
	now         func() time.Time

	starts singleflight.Group
	events observers

	mu       sync.Mutex
	settings Settings
	sess     *session
	closed   bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithDiagnostics sets the crash-report endpoint passed to the interpreter.
func WithDiagnostics(d DiagnosticsProvider) Option {
	return func(k *Kernel) { k.diag = d }
}

// WithDisplayPath sets how the environment path is shown in the process name.
func WithDisplayPath(fn func(string) string) Option {
	return func(k *Kernel) { k.displayPath = fn }
}

// WithClock overrides the wall clock used for execution timestamps.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) { k.now = now }
}

// New returns a stopped kernel.
func New(spawner Spawner, env EnvironmentResolver, settings Settings, opts ...Option) *Kernel {
	k := &Kernel{
		log:         zap.NewNop(),
		spawner:     spawner,
		env:         env,
		displayPath: func(p string) string { return p },
		now:         time.Now,
		settings:    settings,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// SetSettings replaces the settings used by the next session start.
func (k *Kernel) SetSettings(s Settings) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.settings = s
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it. fn must not block; it may run on the connection's dispatch
// goroutine.
func (k *Kernel) Subscribe(fn func(Event)) (unsubscribe func()) {
	return k.events.add(fn)
}

// session is one interpreter process and its connection. Request ids are
// scoped to it and restart at 1.
type session struct {
	id        string
	label     string
	startedAt time.Time
	log       *zap.Logger

	listener *transport.Listener
	proc     Process
	ch       *protocol.Channel
	requests *registry.Registry[*execution]

	lastID int64 // guarded by Kernel.mu

	ended   chan struct{} // closed by teardown
	watched chan struct{} // closed when the watcher returns
}

func (k *Kernel) current() *session {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sess
}

// EnsureStarted returns once a session is live, starting one if needed.
// Concurrent callers share a single start attempt. A caller whose ctx ends
// stops waiting, but the start itself carries on under the start timeout.
func (k *Kernel) EnsureStarted(ctx context.Context) error {
	if k.current() != nil {
		return nil
	}
	res := k.starts.DoChan("session", func() (any, error) {
		if k.current() != nil {
			return nil, nil
		}
		return nil, k.start(context.WithoutCancel(ctx))
	})
	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kernel) start(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	settings := k.settings.withDefaults()
	k.mu.Unlock()

	if settings.Driver == "" {
		return ErrEnvironmentResolution{What: "driver", Err: errors.New("no driver script configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, settings.StartTimeout)
	defer cancel()

	sess := &session{
		id:       uuid.NewString(),
		requests: registry.New[*execution](),
		ended:    make(chan struct{}),
		watched:  make(chan struct{}),
	}
	sess.log = k.log.With(zap.String("session", sess.id))

	addr := transport.AllocateAddress(settings.SocketDir, settings.Namespace)
	sess.listener = &transport.Listener{Log: sess.log.Named("transport")}

	fail := func(err error) error {
		if sess.proc != nil {
			_ = sess.proc.Kill()
		}
		_ = sess.listener.Close()
		sess.log.Warn("session start failed", zap.Error(err))
		return err
	}

	// The session is usable once both gates open: the endpoint is listening
	// and the interpreter has connected back. Binding runs alongside
	// environment resolution; the spawn waits for the bind so the
	// interpreter always finds the endpoint.
	listening := make(chan struct{})
	var conn net.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.listener.Listen(addr); err != nil {
			return err
		}
		close(listening)
		return nil
	})
	g.Go(func() error {
		exe, envPath, err := k.resolve(gctx)
		if err != nil {
			return err
		}
		select {
		case <-listening:
		case <-gctx.Done():
			return gctx.Err()
		}
		if err := k.spawn(gctx, sess, settings, exe, envPath, addr); err != nil {
			return err
		}
		conn, err = k.acceptOrExit(gctx, sess)
		return err
	})
	if err := g.Wait(); err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return fail(err)
	}

	ch, err := protocol.NewChannel(conn, sess.log.Named("channel"))
	if err != nil {
		_ = conn.Close()
		return fail(err)
	}
	sess.ch = ch
	k.bind(sess)
	if err := ch.Listen(); err != nil {
		_ = ch.Close()
		return fail(err)
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		_ = ch.Close()
		return fail(ErrClosed)
	}
	sess.startedAt = k.now()
	k.sess = sess
	k.mu.Unlock()

	go k.watch(sess)

	sess.log.Info("interpreter connected", zap.String("name", sess.label))
	k.events.publish(Event{Kind: EventConnected, SessionID: sess.id})
	return nil
}

// resolve locates the interpreter executable and its environment.
func (k *Kernel) resolve(ctx context.Context) (exe, envPath string, err error) {
	exe, err = k.env.ExecutablePath(ctx)
	if err != nil {
		return "", "", ErrEnvironmentResolution{What: "executable", Err: err}
	}
	envPath, err = k.env.EnvironmentPath(ctx)
	if err != nil {
		return "", "", ErrEnvironmentResolution{What: "environment", Err: err}
	}
	return exe, envPath, nil
}

// spawn launches the interpreter for sess, pointing it at addr.
func (k *Kernel) spawn(ctx context.Context, sess *session, settings Settings, exe, envPath, addr string) error {
	diagAddr := ""
	if k.diag != nil {
		diagAddr = k.diag.DiagnosticsAddress()
	}
	sess.label = DisplayNamePrefix + k.displayPath(envPath)
	proc, err := k.spawner.Spawn(ctx, SpawnRequest{
		Executable: exe,
		Args:       interpreterArgs(settings, envPath, addr, diagAddr),
		Name:       sess.label,
		Dir:        settings.Dir,
		Env:        settings.Env,
	})
	if err != nil {
		return fmt.Errorf("spawning interpreter: %w", err)
	}
	sess.proc = proc

	fields := []zap.Field{
		zap.String("executable", exe),
		zap.String("environment", envPath),
		zap.String("address", addr),
	}
	if p, ok := proc.(interface{ Pid() int }); ok {
		fields = append(fields, zap.Int("pid", p.Pid()))
	}
	sess.log.Info("interpreter spawned", fields...)
	return nil
}

// acceptOrExit waits for the interpreter to connect, giving up early if the
// process dies first.
func (k *Kernel) acceptOrExit(ctx context.Context, sess *session) (net.Conn, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.proc.Done():
			cancel()
		case <-actx.Done():
		}
	}()

	conn, err := sess.listener.AcceptOnce(actx)
	if err == nil {
		return conn, nil
	}
	select {
	case <-sess.proc.Done():
		return nil, exitError(sess.proc)
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("interpreter did not connect in time: %w", err)
	}
	return nil, fmt.Errorf("waiting for interpreter to connect: %w", err)
}

// exitError wraps ErrProcessExited with the exit status and the last words
// of the process: its stderr, or its stdout when stderr is empty. Processes
// that do not retain output contribute what they can.
func exitError(p Process) error {
	err := ErrProcessExited
	if x, ok := p.(interface{ ExitCode() int }); ok {
		if code := x.ExitCode(); code >= 0 {
			err = fmt.Errorf("%w with status %d", ErrProcessExited, code)
		}
	}

	var msg string
	if s, ok := p.(interface{ Stderr() []byte }); ok {
		msg = strings.TrimSpace(string(s.Stderr()))
	}
	if s, ok := p.(interface{ Stdout() []byte }); ok && msg == "" {
		msg = strings.TrimSpace(string(s.Stdout()))
	}
	if msg == "" {
		return err
	}
	if t, ok := p.(interface{ Truncated() bool }); ok && t.Truncated() {
		msg += " [output truncated]"
	}
	return fmt.Errorf("%w: %s", err, msg)
}

// watch tears the session down when either half of it goes away.
func (k *Kernel) watch(sess *session) {
	defer close(sess.watched)
	select {
	case <-sess.proc.Done():
		k.teardown(sess, exitError(sess.proc), false)
	case <-sess.ch.Done():
		cause := ErrConnectionLost
		if err := sess.ch.Err(); err != nil {
			cause = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		k.teardown(sess, cause, true)
	case <-sess.ended:
	}
}

// teardown destroys sess if it is still current and fails every execution
// still registered to it. It reports whether it did anything.
func (k *Kernel) teardown(sess *session, cause error, kill bool) bool {
	k.mu.Lock()
	if k.sess != sess {
		k.mu.Unlock()
		return false
	}
	k.sess = nil
	k.mu.Unlock()

	close(sess.ended)
	_ = sess.ch.Close()
	_ = sess.listener.Close()
	if kill {
		if err := sess.proc.Kill(); err != nil {
			sess.log.Warn("killing interpreter", zap.Error(err))
		}
	}

	orphans := sess.requests.Drain()
	at := k.now()
	for _, entry := range orphans {
		out := &Output{
			Kind:         OutputError,
			ErrorName:    "OrphanedExecution",
			ErrorMessage: ErrOrphanedExecution.Error(),
		}
		if entry.Handle.complete(StateFailed, at, out, ErrOrphanedExecution) {
			k.events.publish(Event{
				Kind:      EventRunFinished,
				SessionID: sess.id,
				RequestID: entry.ID,
				State:     StateFailed,
				Err:       ErrOrphanedExecution,
			})
		}
	}

	sess.log.Info("session ended",
		zap.NamedError("cause", cause),
		zap.Int("orphaned", len(orphans)))
	k.events.publish(Event{Kind: EventSessionEnded, SessionID: sess.id, Err: cause})
	return true
}

// Stop kills the live session, if any, and waits for the interpreter to
// exit. Stopping a stopped kernel is a no-op.
func (k *Kernel) Stop(ctx context.Context) error {
	sess := k.current()
	if sess == nil {
		return nil
	}
	if !k.teardown(sess, ErrStopped, true) {
		return nil
	}
	for _, ch := range []<-chan struct{}{sess.proc.Done(), sess.watched} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Restart stops the live session and starts a new one.
func (k *Kernel) Restart(ctx context.Context) error {
	if err := k.Stop(ctx); err != nil {
		return err
	}
	return k.EnsureStarted(ctx)
}

// Close stops the kernel for good. Later starts fail with ErrClosed.
func (k *Kernel) Close(ctx context.Context) error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	return k.Stop(ctx)
}

// Status describes the kernel at one instant.
type Status struct {
	Live          bool      `json:"live"`
	SessionID     string    `json:"session_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	LastRequestID int64     `json:"last_request_id"`
	InFlight      int       `json:"in_flight"`
}

// Status reports the live session, if any.
func (k *Kernel) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sess == nil {
		return Status{}
	}
	return Status{
		Live:          true,
		SessionID:     k.sess.id,
		Name:          k.sess.label,
		StartedAt:     k.sess.startedAt,
		LastRequestID: k.sess.lastID,
		InFlight:      k.sess.requests.Len(),
	}
}
