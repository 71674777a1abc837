package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// recentCells is how many stored cells kernel_status lists.
const recentCells = 5

type statusParams struct{}

func (h *handler) statusHandler(ctx context.Context, req *mcp.CallToolRequest, _ statusParams) (*mcp.CallToolResult, any, error) {
	var b strings.Builder

	st := h.kernel.Status()
	if st.Live {
		fmt.Fprintln(&b, "Interpreter: running")
		fmt.Fprintf(&b, "Name: %s\n", st.Name)
		fmt.Fprintf(&b, "Session: %s\n", st.SessionID)
		if !st.StartedAt.IsZero() {
			fmt.Fprintf(&b, "Up: %s\n", time.Since(st.StartedAt).Round(time.Second))
		}
		fmt.Fprintf(&b, "Cells run: %d (%d in flight)\n", st.LastRequestID, st.InFlight)
	} else {
		fmt.Fprintln(&b, "Interpreter: stopped (starts on the next kernel_run)")
	}

	cells := h.store.Recent(recentCells)
	if len(cells) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Recent cells (%d):\n", len(cells))
		for _, c := range cells {
			tr := c.Transcript()
			fmt.Fprintf(&b, "  %s  %-9s  %s\n", tr.ID, tr.Status, firstLine(tr.Code))
		}
	}

	return textResult(b.String())
}

type restartParams struct{}

func (h *handler) restartHandler(ctx context.Context, req *mcp.CallToolRequest, _ restartParams) (*mcp.CallToolResult, any, error) {
	if err := h.kernel.Restart(ctx); err != nil {
		h.log.Warn("kernel_restart failed", zap.Error(err))
		return errorResult(fmt.Sprintf("Failed to restart interpreter: %v", err))
	}
	st := h.kernel.Status()
	return textResult(fmt.Sprintf("Interpreter restarted.\nName: %s\nSession: %s\n", st.Name, st.SessionID))
}

type stopParams struct{}

func (h *handler) stopHandler(ctx context.Context, req *mcp.CallToolRequest, _ stopParams) (*mcp.CallToolResult, any, error) {
	if !h.kernel.Status().Live {
		return textResult("Interpreter is not running.")
	}
	if err := h.kernel.Stop(ctx); err != nil {
		return errorResult(fmt.Sprintf("Failed to stop interpreter: %v", err))
	}
	return textResult("Interpreter stopped.")
}

func firstLine(s string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return ""
	}
	if len(lines) > 1 {
		return lines[0] + " ..."
	}
	return lines[0]
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
