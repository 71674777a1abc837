package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when sending on a closed channel.
	ErrClosed = errors.New("protocol: channel closed")
	// ErrAlreadyListening is returned by a second Listen call.
	ErrAlreadyListening = errors.New("protocol: channel already listening")
)

// Handler processes the raw params of one inbound notification.
type Handler func(ctx context.Context, params json.RawMessage) error

// Channel is a duplex notification stream over a raw connection. Messages are
// newline-delimited JSON-RPC 2.0; sends are FIFO and inbound notifications are
// dispatched one at a time, in arrival order, from a single goroutine.
type Channel struct {
	log  *zap.Logger
	conn mcp.Connection
	src  *sourceReader

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handlers  map[string]Handler
	listening bool
	closed    bool

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

// NewChannel wraps rwc. Nothing is dispatched until Listen is called; inbound
// messages wait on the connection until then.
func NewChannel(rwc io.ReadWriteCloser, log *zap.Logger) (*Channel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// The writer side must not close rwc a second time.
	src := &sourceReader{ReadCloser: rwc}
	t := &mcp.IOTransport{Reader: src, Writer: nopWriteCloser{rwc}}
	conn, err := t.Connect(context.Background())
	if err != nil {
		return nil, fmt.Errorf("connecting channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		log:      log,
		conn:     conn,
		src:      src,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}, nil
}

// OnNotification registers h for method, replacing any earlier handler.
// Handlers registered before Listen observe every message from connection
// start.
func (c *Channel) OnNotification(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Handle registers a typed handler for method. Params that fail to decode are
// logged and dropped.
func Handle[T any](c *Channel, method string, fn func(ctx context.Context, params T) error) {
	c.OnNotification(method, func(ctx context.Context, raw json.RawMessage) error {
		var params T
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("decoding %s params: %w", method, err)
		}
		return fn(ctx, params)
	})
}

// SendNotification writes a fire-and-forget notification.
func (c *Channel) SendNotification(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}
	if err := c.conn.Write(ctx, &jsonrpc.Request{Method: method, Params: raw}); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}
	return nil
}

// Listen starts dispatching inbound notifications. It returns immediately.
func (c *Channel) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.listening {
		return ErrAlreadyListening
	}
	c.listening = true
	go c.readLoop()
	return nil
}

func (c *Channel) readLoop() {
	for {
		msg, err := c.conn.Read(c.ctx)
		if err != nil {
			if ended, cause := c.streamEnded(err); ended {
				c.finish(cause)
				return
			}
			c.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		req, ok := msg.(*jsonrpc.Request)
		if !ok {
			c.log.Debug("ignoring response from interpreter")
			continue
		}
		if req.ID.IsValid() {
			c.log.Warn("ignoring call from interpreter", zap.String("method", req.Method))
			continue
		}
		c.dispatch(req)
	}
}

func (c *Channel) dispatch(req *jsonrpc.Request) {
	c.mu.Lock()
	h := c.handlers[req.Method]
	c.mu.Unlock()
	if h == nil {
		c.log.Debug("ignoring unhandled notification", zap.String("method", req.Method))
		return
	}
	if err := h(c.ctx, req.Params); err != nil {
		c.log.Error("dropping notification",
			zap.String("method", req.Method),
			zap.Error(err))
	}
}

// streamEnded reports whether err means no further message can arrive, along
// with the error to record for it. A well-framed line that is not a valid
// JSON-RPC envelope only costs that line; the transport keeps decoding after
// it.
func (c *Channel) streamEnded(err error) (bool, error) {
	if rerr := c.src.err(); rerr != nil {
		return true, rerr
	}
	if c.ctx.Err() != nil {
		return true, err
	}
	var syntax *json.SyntaxError
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.As(err, &syntax),
		// The transport stops decoding once a line carries trailing data.
		strings.Contains(err.Error(), "trailing data"):
		return true, err
	}
	return false, err
}

// finish records why the read loop stopped and releases the connection.
func (c *Channel) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		closed := c.closed
		c.closed = true
		c.mu.Unlock()

		if !closed && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			c.err = err
		}
		c.cancel()
		_ = c.conn.Close()
		close(c.done)
	})
}

// Done is closed once the connection is gone, whether through Close or
// because the peer hung up.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports the read error that ended the channel. It is nil for a clean
// shutdown and only meaningful after Done is closed.
func (c *Channel) Err() error {
	<-c.done
	return c.err
}

// Close releases the connection. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listening := c.listening
	c.mu.Unlock()

	// A running read loop observes the cancellation and closes done itself;
	// Close may be called from a handler so it must not wait for that.
	c.cancel()
	err := c.conn.Close()
	if !listening {
		c.finish(nil)
	}
	return err
}

// sourceReader remembers the first error of the underlying connection.
type sourceReader struct {
	io.ReadCloser

	mu      sync.Mutex
	readErr error
}

func (r *sourceReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil {
		r.mu.Lock()
		if r.readErr == nil {
			r.readErr = err
		}
		r.mu.Unlock()
	}
	return n, err
}

func (r *sourceReader) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readErr
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
