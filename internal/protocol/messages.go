// Package protocol defines the notifications exchanged with the interpreter
// process and the Channel that carries them.
//
// Every message is a JSON-RPC 2.0 notification (no id, no reply). Correlation
// with a cell execution happens through the requestId field in the params.
package protocol

import (
	"errors"
	"fmt"
)

// Notification methods.
const (
	// MethodRunCell is sent client -> interpreter to submit a cell.
	MethodRunCell = "notebook/runcell"
	// MethodDisplay carries rich output for a request.
	MethodDisplay = "notebook/display"
	// MethodStream carries plain-text stdout/stderr output for a request.
	MethodStream = "notebook/stream"
	// MethodRunSucceeded terminates a request without error.
	MethodRunSucceeded = "notebook/runcellsucceeded"
	// MethodRunFailed terminates a request with an error.
	MethodRunFailed = "notebook/runcellfailed"
)

// Stream names accepted in a stream notification.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ErrUnknownStreamName is returned for stream output naming anything other
// than stdout or stderr.
var ErrUnknownStreamName = errors.New("protocol: unknown stream name")

// RunCell submits code for execution under RequestID.
type RunCell struct {
	RequestID int64  `json:"requestId"`
	Code      string `json:"code"`
}

// Display is rich output; it may occur any number of times per request.
type Display struct {
	RequestID int64  `json:"requestId"`
	MimeType  string `json:"mimetype"`
	Data      string `json:"data"`
}

// Stream is incremental plain-text output.
type Stream struct {
	RequestID  int64  `json:"requestId"`
	StreamName string `json:"streamName"`
	Data       string `json:"data"`
}

// Validate rejects stream names other than stdout and stderr.
func (s Stream) Validate() error {
	switch s.StreamName {
	case StreamStdout, StreamStderr:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStreamName, s.StreamName)
	}
}

// RunSucceeded is the terminal notification for a successful request.
type RunSucceeded struct {
	RequestID int64 `json:"requestId"`
}

// RunFailed is the terminal notification for a request that raised.
type RunFailed struct {
	RequestID    int64  `json:"requestId"`
	ErrorName    string `json:"errorName"`
	ErrorMessage string `json:"errorMessage"`
	StackTrace   string `json:"stackTrace"`
}
