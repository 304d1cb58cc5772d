package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/routine/internal/sop"
	"github.com/mark3labs/mcp-go/mcp"
)

// --- sop_list ---

// SOPListTool handles the sop_list MCP tool.
type SOPListTool struct {
	registry *sop.Registry
}

// NewSOPListTool creates a SOPListTool.
func NewSOPListTool(reg *sop.Registry) *SOPListTool {
	return &SOPListTool{registry: reg}
}

// Definition returns the MCP tool definition for sop_list.
func (t *SOPListTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_list",
		mcp.WithDescription("List SOPs with shape, priority, state and execution stats. Filter by category or minimum priority."),
		mcp.WithString("category",
			mcp.Description("Only SOPs in this category"),
		),
		mcp.WithNumber("min_priority",
			mcp.Description("Only SOPs with at least this priority, highest first"),
		),
	)
}

// Handle processes the sop_list tool call.
func (t *SOPListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var list []*sop.SOP
	switch {
	case req.GetString("category", "") != "":
		list = t.registry.ListByCategory(req.GetString("category", ""))
	case intArg(req, "min_priority", -1) >= 0:
		list = t.registry.ListByPriority(intArg(req, "min_priority", 0))
	default:
		list = t.registry.List()
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No SOPs found. Create one with `sop_save` or `sop_from_template`."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# SOPs (%d)\n\n| ID | Name | Shape | Priority | Active | Runs | Success | Avg (s) |\n|----|------|-------|----------|--------|------|---------|---------|\n", len(list))
	for _, s := range list {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %t | %d | %.0f%% | %.0f |\n",
			s.ID, s.Name, s.Shape, s.Priority, s.IsActive,
			s.Stats.TotalExecutions, s.Stats.SuccessRate, s.Stats.AverageDuration)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// --- sop_get ---

// SOPGetTool handles the sop_get MCP tool.
type SOPGetTool struct {
	registry *sop.Registry
}

// NewSOPGetTool creates a SOPGetTool.
func NewSOPGetTool(reg *sop.Registry) *SOPGetTool {
	return &SOPGetTool{registry: reg}
}

// Definition returns the MCP tool definition for sop_get.
func (t *SOPGetTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_get",
		mcp.WithDescription("Show the full definition and stats of one SOP as JSON."),
		mcp.WithString("sop_id",
			mcp.Required(),
			mcp.Description("SOP to show"),
		),
	)
}

// Handle processes the sop_get tool call.
func (t *SOPGetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("sop_id", "")
	if id == "" {
		return mcp.NewToolResultError("'sop_id' is required"), nil
	}
	s, err := t.registry.Get(id)
	if err != nil {
		return failure(err)
	}
	return withJSON("# SOP "+s.Name, s)
}

// --- sop_save ---

// SOPSaveTool handles the sop_save MCP tool.
type SOPSaveTool struct {
	registry *sop.Registry
}

// NewSOPSaveTool creates a SOPSaveTool.
func NewSOPSaveTool(reg *sop.Registry) *SOPSaveTool {
	return &SOPSaveTool{registry: reg}
}

// Definition returns the MCP tool definition for sop_save.
func (t *SOPSaveTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_save",
		mcp.WithDescription(
			"Create or replace an SOP from a YAML or JSON definition. `type` selects the shape: "+
				"checklist (checklist.items), ordered_steps (steps.steps, steps.executionMode confirm|timed) or "+
				"flowchart (flowchart.nodes, flowchart.startNodeId). An existing id is replaced and keeps its stats. "+
				"Invalid definitions are rejected with the offending field.",
		),
		mcp.WithString("definition",
			mcp.Required(),
			mcp.Description("SOP definition as YAML or JSON"),
		),
	)
}

// Handle processes the sop_save tool call.
func (t *SOPSaveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := req.GetString("definition", "")
	if raw == "" {
		return mcp.NewToolResultError("'definition' is required"), nil
	}
	def, err := sop.Parse([]byte(raw))
	if err != nil {
		return failure(err)
	}
	saved, err := t.registry.Put(ctx, def)
	if err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Saved SOP **%s** (`%s`), %s with %d steps.", saved.Name, saved.ID, saved.Shape, saved.TotalSteps(),
	)), nil
}

// --- sop_remove ---

// SOPRemoveTool handles the sop_remove MCP tool.
type SOPRemoveTool struct {
	registry *sop.Registry
}

// NewSOPRemoveTool creates a SOPRemoveTool.
func NewSOPRemoveTool(reg *sop.Registry) *SOPRemoveTool {
	return &SOPRemoveTool{registry: reg}
}

// Definition returns the MCP tool definition for sop_remove.
func (t *SOPRemoveTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_remove",
		mcp.WithDescription("Delete an SOP permanently. Use `sop_activate` to only disable it."),
		mcp.WithString("sop_id",
			mcp.Required(),
			mcp.Description("SOP to delete"),
		),
	)
}

// Handle processes the sop_remove tool call.
func (t *SOPRemoveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("sop_id", "")
	if id == "" {
		return mcp.NewToolResultError("'sop_id' is required"), nil
	}
	if err := t.registry.Remove(ctx, id); err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed SOP %s.", id)), nil
}

// --- sop_activate ---

// SOPActivateTool handles the sop_activate MCP tool.
type SOPActivateTool struct {
	registry *sop.Registry
}

// NewSOPActivateTool creates a SOPActivateTool.
func NewSOPActivateTool(reg *sop.Registry) *SOPActivateTool {
	return &SOPActivateTool{registry: reg}
}

// Definition returns the MCP tool definition for sop_activate.
func (t *SOPActivateTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_activate",
		mcp.WithDescription("Activate or deactivate an SOP. Inactive SOPs cannot be triggered."),
		mcp.WithString("sop_id",
			mcp.Required(),
			mcp.Description("SOP to switch"),
		),
		mcp.WithBoolean("active",
			mcp.Required(),
			mcp.Description("New state"),
		),
	)
}

// Handle processes the sop_activate tool call.
func (t *SOPActivateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("sop_id", "")
	if id == "" {
		return mcp.NewToolResultError("'sop_id' is required"), nil
	}
	active, ok := req.GetArguments()["active"].(bool)
	if !ok {
		return mcp.NewToolResultError("'active' is required"), nil
	}
	if err := t.registry.SetActive(ctx, id, active); err != nil {
		return failure(err)
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	return mcp.NewToolResultText(fmt.Sprintf("SOP %s %s.", id, state)), nil
}

// --- sop_templates ---

// SOPTemplatesTool handles the sop_templates MCP tool.
type SOPTemplatesTool struct {
	registry *sop.Registry
}

// NewSOPTemplatesTool creates a SOPTemplatesTool.
func NewSOPTemplatesTool(reg *sop.Registry) *SOPTemplatesTool {
	return &SOPTemplatesTool{registry: reg}
}

// Definition returns the MCP tool definition for sop_templates.
func (t *SOPTemplatesTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_templates",
		mcp.WithDescription("List reusable SOP templates with their usage counts."),
	)
}

// Handle processes the sop_templates tool call.
func (t *SOPTemplatesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := t.registry.Templates()
	if len(list) == 0 {
		return mcp.NewToolResultText("No templates available."), nil
	}
	var b strings.Builder
	b.WriteString("# SOP Templates\n\n| ID | Name | Category | Shape | Used |\n|----|------|----------|-------|------|\n")
	for _, tpl := range list {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d |\n", tpl.ID, tpl.Name, tpl.Category, tpl.Definition.Shape, tpl.UsageCount)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// --- sop_from_template ---

// SOPFromTemplateTool handles the sop_from_template MCP tool.
type SOPFromTemplateTool struct {
	registry *sop.Registry
}

// NewSOPFromTemplateTool creates a SOPFromTemplateTool.
func NewSOPFromTemplateTool(reg *sop.Registry) *SOPFromTemplateTool {
	return &SOPFromTemplateTool{registry: reg}
}

// Definition returns the MCP tool definition for sop_from_template.
func (t *SOPFromTemplateTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_from_template",
		mcp.WithDescription("Create a new SOP from a template."),
		mcp.WithString("template_id",
			mcp.Required(),
			mcp.Description("Template to instantiate"),
		),
		mcp.WithString("sop_id",
			mcp.Description("Id for the new SOP (default: generated)"),
		),
		mcp.WithString("name",
			mcp.Description("Name for the new SOP (default: the template's)"),
		),
	)
}

// Handle processes the sop_from_template tool call.
func (t *SOPFromTemplateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tplID := req.GetString("template_id", "")
	if tplID == "" {
		return mcp.NewToolResultError("'template_id' is required"), nil
	}
	s, err := t.registry.Instantiate(ctx, tplID, req.GetString("sop_id", ""), req.GetString("name", ""))
	if err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Created SOP **%s** (`%s`) from template %s.", s.Name, s.ID, tplID)), nil
}
