package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deixis/cellkernel/internal/kernel"
	"github.com/deixis/cellkernel/internal/report"
)

type runParams struct {
	Code           string `json:"code" jsonschema:"source code to run as one cell"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"seconds to wait for the cell before returning its id while it keeps running. Defaults to the server's run timeout."`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.Code) == "" {
		return errorResult("code is required")
	}

	timeout := h.timeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Saved up front so kernel_inspect can follow a cell that outlives this call.
	cell := report.NewCell(params.Code)
	_ = h.store.Save(cell)

	res, err := h.kernel.Run(runCtx, params.Code, cell)
	if res.RequestID != 0 {
		cell.SetRequestID(res.RequestID)
	}
	switch {
	case err == nil, errors.Is(err, kernel.ErrOrphanedExecution):
	case errors.Is(err, context.DeadlineExceeded) && res.RequestID != 0:
		return textResult(formatStillRunning(cell.Transcript(), timeout))
	default:
		h.log.Warn("kernel_run failed", zap.String("cell", cell.ID), zap.Error(err))
		return errorResult(fmt.Sprintf("Failed to run cell: %v", err))
	}

	tr := cell.Transcript()
	out := formatRun(tr)
	if tr.Status == report.Failed {
		return errorResult(out)
	}
	return textResult(out)
}

func formatRun(tr report.Transcript) string {
	var b strings.Builder
	b.WriteString(report.Format(tr))
	fmt.Fprintln(&b)
	if tr.Status == report.Failed {
		fmt.Fprintf(&b, "Inspect with kernel_inspect(cell_id=%q, kind=\"error\").\n", tr.ID)
	} else {
		fmt.Fprintf(&b, "Inspect with kernel_inspect(cell_id=%q).\n", tr.ID)
	}
	return b.String()
}

func formatStillRunning(tr report.Transcript, waited time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cell: %s (request %d)\n", tr.ID, tr.RequestID)
	fmt.Fprintf(&b, "Status: %s after %s\n", tr.Status, waited)
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "The cell keeps running. Poll with kernel_inspect(cell_id=%q), or call kernel_restart to abandon it.\n", tr.ID)
	return b.String()
}
