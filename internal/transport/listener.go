// Package transport owns the rendezvous endpoint that a spawned interpreter
// process connects back to. Each session gets a freshly named Unix domain
// socket and accepts exactly one peer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultNamespace tags rendezvous addresses created by this package.
const DefaultNamespace = "cellkernel"

var (
	// ErrNotListening is returned by AcceptOnce before Listen succeeded.
	ErrNotListening = errors.New("transport: listener is not bound")
	// ErrAlreadyAccepted is returned by a second AcceptOnce call.
	ErrAlreadyAccepted = errors.New("transport: connection already accepted")
	// ErrClosed is returned once the listener has been closed.
	ErrClosed = errors.New("transport: listener closed")
)

// ErrBind reports that a rendezvous address could not be bound.
type ErrBind struct {
	Addr string
	Err  error
}

func (e ErrBind) Error() string {
	return fmt.Sprintf("binding %s: %v", e.Addr, e.Err)
}

func (e ErrBind) Unwrap() error { return e.Err }

// AllocateAddress returns a socket path in dir that is unique across
// concurrently open sessions. An empty dir means the OS temp directory and an
// empty namespace means DefaultNamespace.
func AllocateAddress(dir, namespace string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	// sun_path is limited to ~104 bytes on some platforms; hex without dashes
	// keeps the name short.
	id := uuid.New()
	return filepath.Join(dir, fmt.Sprintf("%s-%x.sock", namespace, id[:]))
}

// Listener accepts a single interpreter connection per session.
type Listener struct {
	Log *zap.Logger

	mu       sync.Mutex
	addr     string
	ln       net.Listener
	accepted bool
	closed   bool
	wg       sync.WaitGroup
}

// Listen binds addr and begins accepting. It returns once the socket is bound
// and accepting, not once a peer connects. An address that is already in use
// yields ErrBind.
func (l *Listener) Listen(addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.ln != nil {
		return ErrBind{Addr: addr, Err: fmt.Errorf("listener already bound to %s", l.addr)}
	}
	if _, err := os.Lstat(addr); err == nil {
		return ErrBind{Addr: addr, Err: errors.New("address already in use")}
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return ErrBind{Addr: addr, Err: err}
	}
	l.addr = addr
	l.ln = ln
	l.logger().Debug("rendezvous listening", zap.String("address", addr))
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// AcceptOnce blocks until the first peer connects or ctx is done. Any later
// connection attempt is logged and closed immediately; it does not disturb
// the accepted connection.
func (l *Listener) AcceptOnce(ctx context.Context) (net.Conn, error) {
	l.mu.Lock()
	ln := l.ln
	switch {
	case l.closed:
		l.mu.Unlock()
		return nil, ErrClosed
	case ln == nil:
		l.mu.Unlock()
		return nil, ErrNotListening
	case l.accepted:
		l.mu.Unlock()
		return nil, ErrAlreadyAccepted
	}
	l.accepted = true
	l.mu.Unlock()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if l.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("accepting on %s: %w", l.Addr(), res.err)
		}
		// Close waits on wg once closed is set, so Add only while open.
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = res.conn.Close()
			return nil, ErrClosed
		}
		l.wg.Add(1)
		l.mu.Unlock()
		go l.rejectLoop(ln)
		l.logger().Debug("interpreter connected", zap.String("address", l.Addr()))
		return res.conn, nil
	case <-ctx.Done():
		// Closing the listener unblocks the pending Accept.
		_ = l.Close()
		if res := <-ch; res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, ctx.Err()
	}
}

// rejectLoop drains and refuses further peers until the listener closes.
func (l *Listener) rejectLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		l.logger().Warn("rejecting second connection to rendezvous address",
			zap.String("address", l.Addr()))
		_ = conn.Close()
	}
}

// Close stops accepting and removes the socket file. It is idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	l.mu.Unlock()

	if ln == nil {
		return nil
	}
	// net.UnixListener unlinks the socket path on Close.
	err := ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) logger() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}
