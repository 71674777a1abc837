// Package report keeps the caller-visible record of each cell run. A Cell
// receives outputs from the kernel as they arrive; cells are kept in an
// LRUStore for later inspection.
package report

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deixis/cellkernel/internal/kernel"
)

// ErrNotFound is returned by LRUStore.Load for an unknown cell id.
var ErrNotFound = errors.New("report: cell not found")

// Status is the coarse state shown to callers.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

// Cell implements kernel.Execution and records everything it is told.
type Cell struct {
	ID   string
	Code string

	mu        sync.Mutex
	requestID int64
	status    Status
	started   time.Time
	ended     time.Time
	outputs   []kernel.Output
}

// NewCell returns a pending cell for code.
func NewCell(code string) *Cell {
	return &Cell{ID: uuid.NewString(), Code: code, status: Pending}
}

// Start marks the cell as running.
func (c *Cell) Start(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = at
	c.status = Running
}

// ClearOutput drops previously recorded outputs.
func (c *Cell) ClearOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = nil
}

// AppendOutput records out.
func (c *Cell) AppendOutput(out kernel.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = append(c.outputs, out)
}

// End records the terminal state.
func (c *Cell) End(success bool, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = at
	if success {
		c.status = Succeeded
	} else {
		c.status = Failed
	}
}

// SetRequestID records the kernel request id the cell ran under.
func (c *Cell) SetRequestID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID = id
}

// Transcript is a point-in-time copy of a Cell.
type Transcript struct {
	ID        string          `json:"id"`
	RequestID int64           `json:"request_id,omitempty"`
	Code      string          `json:"code"`
	Status    Status          `json:"status"`
	Started   time.Time       `json:"started,omitzero"`
	Ended     time.Time       `json:"ended,omitzero"`
	Outputs   []kernel.Output `json:"outputs"`
}

// Transcript snapshots the cell.
func (c *Cell) Transcript() Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Transcript{
		ID:        c.ID,
		RequestID: c.requestID,
		Code:      c.Code,
		Status:    c.status,
		Started:   c.started,
		Ended:     c.ended,
		Outputs:   append([]kernel.Output{}, c.outputs...),
	}
}

// Duration is zero until the cell has ended.
func (t Transcript) Duration() time.Duration {
	if t.Ended.IsZero() || t.Started.IsZero() {
		return 0
	}
	return t.Ended.Sub(t.Started)
}

// Stream concatenates the stream outputs named name.
func (t Transcript) Stream(name string) string {
	var b strings.Builder
	for _, o := range t.Outputs {
		if o.Kind == kernel.OutputStream && o.Stream == name {
			b.WriteString(o.Data)
		}
	}
	return b.String()
}

// Failure returns the error output of a failed cell.
func (t Transcript) Failure() (kernel.Output, bool) {
	for _, o := range t.Outputs {
		if o.Kind == kernel.OutputError {
			return o, true
		}
	}
	return kernel.Output{}, false
}

// ByKind returns the outputs of the given kind, in arrival order.
func ByKind(t Transcript, kind kernel.OutputKind) []kernel.Output {
	var out []kernel.Output
	for _, o := range t.Outputs {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// Summary is a one-line description of the cell.
func (t Transcript) Summary() string {
	switch t.Status {
	case Succeeded:
		return fmt.Sprintf("cell %s (request %d) succeeded in %s", t.ID, t.RequestID, t.Duration().Round(time.Millisecond))
	case Failed:
		if e, ok := t.Failure(); ok {
			return fmt.Sprintf("cell %s (request %d) failed: %s: %s", t.ID, t.RequestID, e.ErrorName, e.ErrorMessage)
		}
		return fmt.Sprintf("cell %s (request %d) failed", t.ID, t.RequestID)
	default:
		return fmt.Sprintf("cell %s is %s", t.ID, t.Status)
	}
}
