package kernel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deixis/cellkernel/internal/protocol"
)

// Submit starts a session if needed, registers h under a fresh request id
// and sends the code to the interpreter. It returns once the code is sent;
// outputs and the terminal transition arrive on h asynchronously.
func (k *Kernel) Submit(ctx context.Context, code string, h Execution) (int64, error) {
	e, err := k.submit(ctx, code, h)
	if err != nil {
		return 0, err
	}
	return e.id, nil
}

func (k *Kernel) submit(ctx context.Context, code string, h Execution) (*execution, error) {
	if err := k.EnsureStarted(ctx); err != nil {
		return nil, err
	}

	k.mu.Lock()
	sess := k.sess
	if sess == nil {
		k.mu.Unlock()
		return nil, fmt.Errorf("submitting cell: %w", ErrConnectionLost)
	}
	sess.lastID++
	e := newExecution(sess.lastID, h)
	if err := sess.requests.Register(e.id, e); err != nil {
		k.mu.Unlock()
		return nil, err
	}
	k.mu.Unlock()

	e.start(k.now())
	err := sess.ch.SendNotification(ctx, protocol.MethodRunCell, protocol.RunCell{
		RequestID: e.id,
		Code:      code,
	})
	if err != nil {
		sess.requests.Release(e.id)
		out := &Output{Kind: OutputError, ErrorName: "SubmitError", ErrorMessage: err.Error()}
		if e.complete(StateFailed, k.now(), out, err) {
			k.events.publish(Event{Kind: EventRunFinished, SessionID: sess.id, RequestID: e.id, State: StateFailed, Err: err})
		}
		return nil, fmt.Errorf("submitting cell %d: %w", e.id, err)
	}
	e.markRunning()
	sess.log.Debug("cell submitted", zap.Int64("request", e.id))
	return e, nil
}

// RunResult is the outcome of a finished execution.
type RunResult struct {
	RequestID int64
	State     State
	Submitted time.Time
	Ended     time.Time
}

// Duration is the wall-clock time between submission and the terminal
// transition.
func (r RunResult) Duration() time.Duration {
	return r.Ended.Sub(r.Submitted)
}

// Run submits code and waits for it to finish. A cell ended because its
// session died returns ErrOrphanedExecution alongside the failed result. If
// ctx ends first the execution keeps running and ctx's error is returned.
func (k *Kernel) Run(ctx context.Context, code string, h Execution) (RunResult, error) {
	e, err := k.submit(ctx, code, h)
	if err != nil {
		return RunResult{}, err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return RunResult{RequestID: e.id, State: StateRunning}, ctx.Err()
	}
	state, submitted, ended, cause := e.snapshot()
	return RunResult{
		RequestID: e.id,
		State:     state,
		Submitted: submitted,
		Ended:     ended,
	}, cause
}

// bind routes the session's inbound notifications to their executions.
// Everything runs on the channel's dispatch goroutine, in arrival order.
func (k *Kernel) bind(sess *session) {
	protocol.Handle(sess.ch, protocol.MethodDisplay, func(_ context.Context, p protocol.Display) error {
		k.appendOutput(sess, p.RequestID, Output{
			Kind:     OutputDisplay,
			MimeType: p.MimeType,
			Data:     p.Data,
		})
		return nil
	})
	protocol.Handle(sess.ch, protocol.MethodStream, func(_ context.Context, p protocol.Stream) error {
		if err := p.Validate(); err != nil {
			return err
		}
		k.appendOutput(sess, p.RequestID, Output{
			Kind:   OutputStream,
			Stream: p.StreamName,
			Data:   p.Data,
		})
		return nil
	})
	protocol.Handle(sess.ch, protocol.MethodRunSucceeded, func(_ context.Context, p protocol.RunSucceeded) error {
		k.finish(sess, p.RequestID, StateSucceeded, nil)
		return nil
	})
	protocol.Handle(sess.ch, protocol.MethodRunFailed, func(_ context.Context, p protocol.RunFailed) error {
		k.finish(sess, p.RequestID, StateFailed, &Output{
			Kind:         OutputError,
			ErrorName:    p.ErrorName,
			ErrorMessage: p.ErrorMessage,
			StackTrace:   p.StackTrace,
		})
		return nil
	})
}

func (k *Kernel) appendOutput(sess *session, id int64, out Output) {
	e, err := sess.requests.Lookup(id)
	if err != nil {
		sess.log.Debug("dropping output", zap.String("kind", string(out.Kind)), zap.Error(err))
		return
	}
	if !e.appendOutput(out) {
		sess.log.Debug("dropping output for finished cell", zap.Int64("request", id))
	}
}

func (k *Kernel) finish(sess *session, id int64, state State, errOut *Output) {
	e, err := sess.requests.Lookup(id)
	if err != nil {
		sess.log.Debug("dropping terminal notification", zap.Stringer("state", state), zap.Error(err))
		return
	}
	sess.requests.Release(id)
	if e.complete(state, k.now(), errOut, nil) {
		k.events.publish(Event{Kind: EventRunFinished, SessionID: sess.id, RequestID: id, State: state})
	}
}
