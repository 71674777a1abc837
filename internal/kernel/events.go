package kernel

import "sync"

// EventKind identifies a lifecycle event.
type EventKind int

const (
	// EventConnected fires once a session's interpreter is connected and
	// ready for work.
	EventConnected EventKind = iota
	// EventRunFinished fires when an execution reaches a terminal state.
	EventRunFinished
	// EventSessionEnded fires after a session has been torn down.
	EventSessionEnded
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventRunFinished:
		return "run_finished"
	case EventSessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. RequestID and State are set for
// EventRunFinished. Err carries the orphan error for a run ended by a dying
// session and the cause for EventSessionEnded.
type Event struct {
	Kind      EventKind
	SessionID string
	RequestID int64
	State     State
	Err       error
}

type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (o *observers) add(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(Event))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

// publish calls every subscriber outside the lock, so subscribers may
// unsubscribe from within the callback.
func (o *observers) publish(ev Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
