package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HendryAvila/routine/internal/aggregator"
	"github.com/HendryAvila/routine/internal/providers"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/mark3labs/mcp-go/mcp"
)

// Reporter looks up the reported provider for a dimension.
type Reporter interface {
	Reported(dim situation.Dimension) (*providers.Reported, bool)
}

// ReportedSet is a Reporter over a fixed set of providers.
type ReportedSet map[situation.Dimension]*providers.Reported

func (s ReportedSet) Reported(dim situation.Dimension) (*providers.Reported, bool) {
	r, ok := s[dim]
	return r, ok
}

// --- ctx_update ---

// CtxUpdateTool handles the ctx_update MCP tool. It optionally records a
// reported fragment and then runs one aggregation cycle.
type CtxUpdateTool struct {
	agg      *aggregator.Aggregator
	reporter Reporter
}

// NewCtxUpdateTool creates a CtxUpdateTool.
func NewCtxUpdateTool(agg *aggregator.Aggregator, reporter Reporter) *CtxUpdateTool {
	return &CtxUpdateTool{agg: agg, reporter: reporter}
}

// Definition returns the MCP tool definition for ctx_update.
func (t *CtxUpdateTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_update",
		mcp.WithDescription(
			"Refresh the situational context now and evaluate every enabled rule against it. "+
				"Optionally report one dimension first (e.g. location, physiology, psychology, taskQueue) "+
				"when no provider can observe it. Matching rules fire their actions, which may start SOPs.",
		),
		mcp.WithString("dimension",
			mcp.Description("Dimension to report before refreshing"),
			mcp.Enum("location", "person", "event", "device", "physiology", "psychology", "taskQueue", "externalData"),
		),
		mcp.WithObject("data",
			mcp.Description("Fragment fields for the reported dimension, e.g. {\"enabled\": true, \"type\": \"work\"} for location"),
		),
		mcp.WithBoolean("clear",
			mcp.Description("Forget the reported value for the dimension instead of setting it"),
		),
	)
}

// Handle processes the ctx_update tool call.
func (t *CtxUpdateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if dim := req.GetString("dimension", ""); dim != "" {
		if msg := t.report(situation.Dimension(dim), req); msg != "" {
			return mcp.NewToolResultError(msg), nil
		}
	}

	snap, matches := t.agg.Update(ctx)
	return mcp.NewToolResultText(describeSnapshot(snap, matches)), nil
}

// report applies the reported fragment and returns a user-facing error
// message, or "" on success.
func (t *CtxUpdateTool) report(dim situation.Dimension, req mcp.CallToolRequest) string {
	r, ok := t.reporter.Reported(dim)
	if !ok {
		return fmt.Sprintf("Dimension %q cannot be reported", dim)
	}
	if boolArg(req, "clear", false) {
		r.Clear()
		if err := t.agg.Enable(r.Name(), false); err != nil {
			return err.Error()
		}
		return ""
	}
	data, err := objectArg(req, "data")
	if err != nil {
		return err.Error()
	}
	if data == nil {
		return "'data' is required when reporting a dimension"
	}
	if err := r.Set(data); err != nil {
		return fmt.Sprintf("Invalid %s data: %v", dim, err)
	}
	if err := t.agg.Enable(r.Name(), true); err != nil {
		return err.Error()
	}
	return ""
}

// --- ctx_current ---

// CtxCurrentTool handles the ctx_current MCP tool.
type CtxCurrentTool struct {
	agg *aggregator.Aggregator
}

// NewCtxCurrentTool creates a CtxCurrentTool.
func NewCtxCurrentTool(agg *aggregator.Aggregator) *CtxCurrentTool {
	return &CtxCurrentTool{agg: agg}
}

// Definition returns the MCP tool definition for ctx_current.
func (t *CtxCurrentTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_current",
		mcp.WithDescription("Show the latest context snapshot as JSON, or the most recent history when `history` is set."),
		mcp.WithNumber("history",
			mcp.Description("Number of recent snapshots to return instead of only the latest"),
		),
	)
}

// Handle processes the ctx_current tool call.
func (t *CtxCurrentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if n := intArg(req, "history", 0); n > 0 {
		h := t.agg.History(n)
		return withJSON(fmt.Sprintf("# Context History (%d)", len(h)), h)
	}
	snap := t.agg.Current()
	if snap == nil {
		return mcp.NewToolResultError("No context yet. Run `ctx_update` first."), nil
	}
	return withJSON("# Current Context", snap)
}

// --- ctx_providers ---

// CtxProvidersTool handles the ctx_providers MCP tool.
type CtxProvidersTool struct {
	agg *aggregator.Aggregator
}

// NewCtxProvidersTool creates a CtxProvidersTool.
func NewCtxProvidersTool(agg *aggregator.Aggregator) *CtxProvidersTool {
	return &CtxProvidersTool{agg: agg}
}

// Definition returns the MCP tool definition for ctx_providers.
func (t *CtxProvidersTool) Definition() mcp.Tool {
	return mcp.NewTool("ctx_providers",
		mcp.WithDescription("List context providers, or switch one on or off when `name` and `enabled` are given."),
		mcp.WithString("name",
			mcp.Description("Provider to switch"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("New state for the provider"),
		),
	)
}

// Handle processes the ctx_providers tool call.
func (t *CtxProvidersTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if name := req.GetString("name", ""); name != "" {
		on, ok := req.GetArguments()["enabled"].(bool)
		if !ok {
			return mcp.NewToolResultError("'enabled' is required when 'name' is given"), nil
		}
		if err := t.agg.Enable(name, on); err != nil {
			if errors.Is(err, aggregator.ErrUnknownProvider) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return nil, err
		}
	}

	var b strings.Builder
	b.WriteString("# Context Providers\n\n| Name | Dimension | Enabled |\n|------|-----------|---------|\n")
	for _, p := range t.agg.Providers() {
		fmt.Fprintf(&b, "| %s | %s | %t |\n", p.Name, p.Dimension, p.Enabled)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// describeSnapshot renders the score, tags and matches of one cycle.
func describeSnapshot(snap *situation.Snapshot, matches []rules.Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Context %s\n\n", snap.ID)
	fmt.Fprintf(&b, "- **Taken**: %s\n", snap.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- **Score**: productivity %d, energy %d, focus %d, stress %d\n",
		snap.Score.Productivity, snap.Score.Energy, snap.Score.Focus, snap.Score.Stress)
	fmt.Fprintf(&b, "- **Tags**: %s\n", strings.Join(snap.Tags, ", "))

	if len(matches) == 0 {
		b.WriteString("\nNo rules matched.\n")
		return b.String()
	}
	b.WriteString("\n## Matched Rules\n\n| Rule | Score | Actions | Why |\n|------|-------|---------|-----|\n")
	for _, m := range matches {
		actions := make([]string, len(m.SuggestedActions))
		for i, a := range m.SuggestedActions {
			actions[i] = string(a.Type)
		}
		fmt.Fprintf(&b, "| %s | %.2f | %s | %s |\n", m.Rule.Name, m.MatchScore, strings.Join(actions, ", "), m.Explanation)
	}
	return b.String()
}
