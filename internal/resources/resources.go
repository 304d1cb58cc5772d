// Package resources implements the read-only MCP resources.
//
// Resources expose live routine state under routine:// URIs so the host can
// pull it into context without calling a tool.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HendryAvila/routine/internal/execution"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	ContextURI    = "routine://context/current"
	ExecutionsURI = "routine://executions"
)

// ContextSource supplies the latest snapshot.
type ContextSource interface {
	Current() *situation.Snapshot
}

// ExecutionSource lists executions.
type ExecutionSource interface {
	List() []*execution.Execution
}

// Handler serves the routine resources.
type Handler struct {
	context    ContextSource
	executions ExecutionSource
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(ctxSrc ContextSource, execSrc ExecutionSource) *Handler {
	return &Handler{context: ctxSrc, executions: execSrc}
}

// ContextResource returns the MCP resource definition for the current
// context snapshot.
func (h *Handler) ContextResource() mcp.Resource {
	return mcp.NewResource(
		ContextURI,
		"Current Context",
		mcp.WithResourceDescription("Latest situational snapshot: fragments, score and tags"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleContext returns the current snapshot as JSON.
func (h *Handler) HandleContext(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	snap := h.context.Current()
	if snap == nil {
		return errorResource(req.Params.URI, "no context snapshot yet"), nil
	}
	return jsonResource(req.Params.URI, snap)
}

// ExecutionsResource returns the MCP resource definition for executions.
func (h *Handler) ExecutionsResource() mcp.Resource {
	return mcp.NewResource(
		ExecutionsURI,
		"SOP Executions",
		mcp.WithResourceDescription("Every SOP execution of this session with progress and step records"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleExecutions returns all executions as JSON.
func (h *Handler) HandleExecutions(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	list := h.executions.List()
	if list == nil {
		list = []*execution.Execution{}
	}
	return jsonResource(req.Params.URI, list)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
