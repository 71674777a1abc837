// Package fakeinterp is an in-process stand-in for the interpreter. Spawn
// dials the rendezvous address found in the launch arguments and answers
// run-cell notifications with a small scripted evaluator.
package fakeinterp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/deixis/cellkernel/internal/protocol"
)

// Launch records one Spawn call.
type Launch struct {
	Executable string
	Args       []string
	Name       string
}

// Address returns the rendezvous address passed in the launch arguments.
func (l Launch) Address() string {
	if len(l.Args) < 2 {
		return ""
	}
	return l.Args[len(l.Args)-2]
}

// Interpreter spawns fake interpreter processes.
type Interpreter struct {
	// Log receives the fake side's channel logs. Nil discards them.
	Log *zap.Logger
	// OnRun handles each run-cell notification. Nil means Evaluate.
	OnRun func(p *Process, req protocol.RunCell)
	// SpawnErr, when set, is returned by every Spawn call.
	SpawnErr error
	// ExitBeforeConnect makes the process die without connecting, writing
	// Stderr as its last words.
	ExitBeforeConnect bool
	// Stderr is what Process.Stderr returns.
	Stderr string

	spawns atomic.Int32

	mu        sync.Mutex
	launches  []Launch
	processes []*Process
}

// Spawn starts a fake process connected to the address in args.
func (f *Interpreter) Spawn(ctx context.Context, exe string, args []string, name string) (*Process, error) {
	f.spawns.Add(1)
	launch := Launch{Executable: exe, Args: append([]string(nil), args...), Name: name}
	f.mu.Lock()
	f.launches = append(f.launches, launch)
	f.mu.Unlock()
	if f.SpawnErr != nil {
		return nil, f.SpawnErr
	}

	p := &Process{
		stderr: f.Stderr,
		done:   make(chan struct{}),
		runs:   make(chan protocol.RunCell, 64),
	}
	f.mu.Lock()
	f.processes = append(f.processes, p)
	f.mu.Unlock()

	if f.ExitBeforeConnect {
		p.Exit()
		return p, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", launch.Address())
	if err != nil {
		return nil, fmt.Errorf("fake interpreter dialing %s: %w", launch.Address(), err)
	}
	log := f.Log
	if log == nil {
		log = zap.NewNop()
	}
	ch, err := protocol.NewChannel(conn, log.Named("fakeinterp"))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.ch = ch
	p.conn = conn
	protocol.Handle(ch, protocol.MethodRunCell, func(_ context.Context, req protocol.RunCell) error {
		select {
		case p.runs <- req:
		default:
		}
		if f.OnRun != nil {
			f.OnRun(p, req)
		} else {
			Evaluate(p, req)
		}
		return nil
	})
	if err := ch.Listen(); err != nil {
		_ = ch.Close()
		return nil, err
	}
	go func() {
		// An interpreter whose connection drops exits.
		select {
		case <-ch.Done():
			p.Exit()
		case <-p.done:
		}
	}()
	return p, nil
}

// Spawns counts Spawn calls.
func (f *Interpreter) Spawns() int {
	return int(f.spawns.Load())
}

// Launches returns every recorded launch in order.
func (f *Interpreter) Launches() []Launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Launch(nil), f.launches...)
}

// Last returns the most recently spawned process.
func (f *Interpreter) Last() *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.processes) == 0 {
		return nil
	}
	return f.processes[len(f.processes)-1]
}

// Process is one fake interpreter.
type Process struct {
	ch     *protocol.Channel
	conn   net.Conn
	stderr string
	runs   chan protocol.RunCell

	once sync.Once
	done chan struct{}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Kill terminates the process.
func (p *Process) Kill() error {
	p.Exit()
	return nil
}

// Exit simulates the process terminating on its own.
func (p *Process) Exit() {
	p.once.Do(func() {
		if p.ch != nil {
			_ = p.ch.Close()
		}
		close(p.done)
	})
}

// Stderr returns the configured stderr text.
func (p *Process) Stderr() []byte { return []byte(p.stderr) }

// Runs yields the run-cell notifications received so far.
func (p *Process) Runs() <-chan protocol.RunCell { return p.runs }

// Send writes an arbitrary notification to the client.
func (p *Process) Send(method string, params any) error {
	if p.ch == nil {
		return errors.New("fake interpreter not connected")
	}
	return p.ch.SendNotification(context.Background(), method, params)
}

// WriteLine writes line to the client verbatim, bypassing the protocol
// encoder. It must not race with the notification helpers.
func (p *Process) WriteLine(line string) error {
	if p.conn == nil {
		return errors.New("fake interpreter not connected")
	}
	_, err := p.conn.Write([]byte(line + "\n"))
	return err
}

// Stream sends stream output for id.
func (p *Process) Stream(id int64, name, data string) error {
	return p.Send(protocol.MethodStream, protocol.Stream{RequestID: id, StreamName: name, Data: data})
}

// Display sends rich output for id.
func (p *Process) Display(id int64, mime, data string) error {
	return p.Send(protocol.MethodDisplay, protocol.Display{RequestID: id, MimeType: mime, Data: data})
}

// Succeed ends id successfully.
func (p *Process) Succeed(id int64) error {
	return p.Send(protocol.MethodRunSucceeded, protocol.RunSucceeded{RequestID: id})
}

// Fail ends id with an error.
func (p *Process) Fail(id int64, name, msg, trace string) error {
	return p.Send(protocol.MethodRunFailed, protocol.RunFailed{
		RequestID:    id,
		ErrorName:    name,
		ErrorMessage: msg,
		StackTrace:   trace,
	})
}

var (
	sumExpr   = regexp.MustCompile(`^\s*(-?\d+)\s*\+\s*(-?\d+)\s*$`)
	errorExpr = regexp.MustCompile(`^\s*error\("(.*)"\)\s*$`)
	printExpr = regexp.MustCompile(`^\s*println\("(.*)"\)\s*$`)
	warnExpr  = regexp.MustCompile(`^\s*@warn\s+"(.*)"\s*$`)
	showExpr  = regexp.MustCompile(`^\s*display\("([^"]+)",\s*"(.*)"\)\s*$`)
)

// StackTrace is the trace attached to failures raised by Evaluate.
const StackTrace = "Stacktrace:\n [1] top-level scope\n   @ none:1"

// Evaluate understands a handful of expressions:
//
//	1+1                 stdout "2\n", then success
//	println("x")        stdout "x\n", then success
//	@warn "x"           stderr "x\n", then success
//	display("m", "d")   display output, then success
//	error("msg")        failure named ErrorException
//	exit()              the process exits without a terminal notification
//	sleep()             never answers
//
// Anything else succeeds with no output.
func Evaluate(p *Process, req protocol.RunCell) {
	id := req.RequestID
	code := strings.TrimSpace(req.Code)
	switch {
	case code == "exit()":
		p.Exit()
		return
	case code == "sleep()":
		return
	case sumExpr.MatchString(code):
		m := sumExpr.FindStringSubmatch(code)
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		_ = p.Stream(id, protocol.StreamStdout, strconv.Itoa(a+b)+"\n")
	case printExpr.MatchString(code):
		_ = p.Stream(id, protocol.StreamStdout, printExpr.FindStringSubmatch(code)[1]+"\n")
	case warnExpr.MatchString(code):
		_ = p.Stream(id, protocol.StreamStderr, warnExpr.FindStringSubmatch(code)[1]+"\n")
	case showExpr.MatchString(code):
		m := showExpr.FindStringSubmatch(code)
		_ = p.Display(id, m[1], m[2])
	case errorExpr.MatchString(code):
		_ = p.Fail(id, "ErrorException", errorExpr.FindStringSubmatch(code)[1], StackTrace)
		return
	}
	_ = p.Succeed(id)
}
