package kernel

import (
	"sync"
	"time"
)

// Execution is the caller-visible object for one cell run. The kernel only
// calls these methods; rendering is up to the implementation. Calls for one
// execution are serialized.
type Execution interface {
	Start(at time.Time)
	ClearOutput()
	AppendOutput(out Output)
	End(success bool, at time.Time)
}

// OutputKind discriminates Output records.
type OutputKind string

const (
	OutputDisplay OutputKind = "display"
	OutputStream  OutputKind = "stream"
	OutputError   OutputKind = "error"
)

// Output is one record appended to an execution.
type Output struct {
	Kind OutputKind `json:"kind"`

	// Display.
	MimeType string `json:"mimetype,omitempty"`
	// Stream: "stdout" or "stderr". Both are rendered as standard output
	// today; the name is kept so renderers can tell them apart.
	Stream string `json:"stream,omitempty"`
	// Display and stream payload.
	Data string `json:"data,omitempty"`

	// Error.
	ErrorName    string `json:"error_name,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
}

// State is the lifecycle state of an execution.
type State int

const (
	StateSubmitted State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// execution tracks one registered request. Its mutex serializes every call
// into the handle.
type execution struct {
	id     int64
	handle Execution
	done   chan struct{}

	mu        sync.Mutex
	state     State
	submitted time.Time
	ended     time.Time
	err       error
}

func newExecution(id int64, h Execution) *execution {
	return &execution{id: id, handle: h, done: make(chan struct{})}
}

func (e *execution) start(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return
	}
	e.submitted = at
	e.handle.Start(at)
	e.handle.ClearOutput()
}

// markRunning moves a freshly sent request to Running unless a terminal
// notification already raced ahead of it.
func (e *execution) markRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSubmitted {
		e.state = StateRunning
	}
}

// appendOutput adds out unless the execution already ended.
func (e *execution) appendOutput(out Output) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	e.handle.AppendOutput(out)
	return true
}

// complete performs the terminal transition exactly once. errOut, when set,
// is appended before the handle is ended. It reports whether this call made
// the transition.
func (e *execution) complete(state State, at time.Time, errOut *Output, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	if errOut != nil {
		e.handle.AppendOutput(*errOut)
	}
	e.ended = at
	e.state = state
	e.err = cause
	e.handle.End(state == StateSucceeded, at)
	close(e.done)
	return true
}

func (e *execution) snapshot() (State, time.Time, time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.submitted, e.ended, e.err
}
