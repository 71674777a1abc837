package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/cellkernel/internal/kernel"
	"github.com/deixis/cellkernel/internal/report"
)

type inspectParams struct {
	CellID string `json:"cell_id" jsonschema:"the cell ID from a kernel_run result"`
	Kind   string `json:"kind,omitempty" jsonschema:"only show outputs of this kind: display, stream or error"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.CellID == "" {
		return errorResult("cell_id is required")
	}

	cell, err := h.store.Load(params.CellID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load cell %s: %v", params.CellID, err))
	}
	tr := cell.Transcript()

	if params.Kind == "" {
		return textResult(formatInspect(tr))
	}
	kind := kernel.OutputKind(params.Kind)
	switch kind {
	case kernel.OutputDisplay, kernel.OutputStream, kernel.OutputError:
	default:
		return errorResult(fmt.Sprintf("unknown output kind %q: want display, stream or error", params.Kind))
	}

	tr.Outputs = report.ByKind(tr, kind)
	if len(tr.Outputs) == 0 {
		return textResult(fmt.Sprintf("No %s outputs in cell %s (%s).", kind, tr.ID, tr.Status))
	}
	return textResult(formatInspect(tr))
}

func formatInspect(tr report.Transcript) string {
	out := report.Format(tr)
	out += "\nCode:\n"
	for _, line := range splitLines(tr.Code) {
		out += "    " + line + "\n"
	}
	return out
}
