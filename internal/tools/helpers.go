// Package tools implements the MCP tool handlers over the routine services.
//
// Each tool is a struct holding the services it needs, with Definition()
// returning the mcp.Tool schema and Handle() processing a call. User
// mistakes come back as tool errors; only infrastructure failures are
// returned as Go errors.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/HendryAvila/routine/internal/execution"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/sop"
	"github.com/mark3labs/mcp-go/mcp"
)

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// objectArg extracts an object argument. A JSON string holding an object
// is accepted too, since some hosts flatten nested arguments.
func objectArg(req mcp.CallToolRequest, key string) (map[string]any, error) {
	switch v := req.GetArguments()[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("'%s' is not a JSON object: %w", key, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("'%s' must be an object", key)
	}
}

// jsonBlock renders v as an indented JSON code block.
func jsonBlock(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling result: %w", err)
	}
	return "```json\n" + string(data) + "\n```", nil
}

// withJSON appends v as a JSON block under a markdown header.
func withJSON(header string, v any) (*mcp.CallToolResult, error) {
	block, err := jsonBlock(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(header + "\n\n" + block), nil
}

// userError reports whether err is the caller's fault rather than an
// infrastructure failure.
func userError(err error) bool {
	var defErr *sop.DefinitionError
	switch {
	case errors.As(err, &defErr),
		errors.Is(err, sop.ErrNotFound),
		errors.Is(err, sop.ErrExists),
		errors.Is(err, rules.ErrNotFound),
		errors.Is(err, rules.ErrExists),
		errors.Is(err, rules.ErrInvalid),
		errors.Is(err, execution.ErrSOPNotFound),
		errors.Is(err, execution.ErrSOPInactive),
		errors.Is(err, execution.ErrConstrained),
		errors.Is(err, execution.ErrInvalidTransition),
		errors.Is(err, execution.ErrNotFound),
		errors.Is(err, execution.ErrUnknownStep),
		errors.Is(err, execution.ErrNotSkippable),
		errors.Is(err, execution.ErrWrongShape),
		errors.Is(err, execution.ErrClosed):
		return true
	}
	return false
}

// failure turns err into a tool error when it is a user error and into a
// Go error otherwise.
func failure(err error) (*mcp.CallToolResult, error) {
	if userError(err) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

// executionSummary renders one execution as a short markdown block.
func executionSummary(x *execution.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n\n", x.SOPName, x.ID)
	fmt.Fprintf(&b, "- **Status**: %s\n", x.Status)
	fmt.Fprintf(&b, "- **Progress**: %d/%d (%d%%)\n", x.Progress.CompletedSteps, x.Progress.TotalSteps, x.Progress.PercentComplete)
	if x.Progress.CurrentStep != "" {
		fmt.Fprintf(&b, "- **Current step**: %s\n", x.Progress.CurrentStep)
	}
	if x.Context.TriggeredBy != "" {
		fmt.Fprintf(&b, "- **Triggered by**: %s", x.Context.TriggeredBy)
		if x.Context.RuleID != "" {
			fmt.Fprintf(&b, " (rule %s)", x.Context.RuleID)
		}
		b.WriteString("\n")
	}
	if x.Result != nil {
		fmt.Fprintf(&b, "- **Success**: %t, completion %d%%\n", x.Result.Success, x.Result.CompletionRate)
	}
	b.WriteString("\n| Step | Status |\n|------|--------|\n")
	for _, r := range x.StepRecords {
		fmt.Fprintf(&b, "| %s | %s |\n", r.StepID, r.Status)
	}
	return b.String()
}
