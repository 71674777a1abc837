// Package diagnostics owns the secondary pipe an interpreter uses to report
// crashes. Its address is opaque to the kernel; every line received on it is
// logged.
package diagnostics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/deixis/cellkernel/internal/transport"
)

const maxLineBytes = 1 << 20

// Pipe accepts any number of reporter connections until closed.
type Pipe struct {
	log  *zap.Logger
	addr string
	ln   net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	// Reports receives each line, when non-nil. Sends never block.
	Reports chan string
}

// Open binds a fresh crash-report address in dir.
func Open(dir, namespace string, log *zap.Logger) (*Pipe, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if namespace == "" {
		namespace = transport.DefaultNamespace
	}
	addr := transport.AllocateAddress(dir, namespace+"-crash")
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, transport.ErrBind{Addr: addr, Err: err}
	}
	p := &Pipe{
		log:   log.With(zap.String("address", addr)),
		addr:  addr,
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// DiagnosticsAddress returns the address passed to the interpreter.
func (p *Pipe) DiagnosticsAddress() string {
	return p.addr
}

func (p *Pipe) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.Warn("diagnostics accept failed", zap.Error(err))
			}
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.conns[conn] = struct{}{}
		p.wg.Add(1)
		p.mu.Unlock()
		go p.read(conn)
	}
}

func (p *Pipe) read(conn net.Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		_ = conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		p.log.Error("interpreter crash report", zap.String("report", line))
		if p.Reports != nil {
			select {
			case p.Reports <- line:
			default:
			}
		}
	}
}

// Close stops accepting, drops open reporters and waits for the readers.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	err := p.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("closing diagnostics pipe: %w", err)
	}
	return nil
}
