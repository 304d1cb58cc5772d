package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/routine/internal/aggregator"
	"github.com/HendryAvila/routine/internal/execution"
	"github.com/mark3labs/mcp-go/mcp"
)

// --- sop_trigger ---

// SOPTriggerTool handles the sop_trigger MCP tool.
type SOPTriggerTool struct {
	engine *execution.Engine
	agg    *aggregator.Aggregator
}

// NewSOPTriggerTool creates a SOPTriggerTool. agg may be nil; when set the
// current snapshot is attached so skip conditions can be evaluated.
func NewSOPTriggerTool(engine *execution.Engine, agg *aggregator.Aggregator) *SOPTriggerTool {
	return &SOPTriggerTool{engine: engine, agg: agg}
}

// Definition returns the MCP tool definition for sop_trigger.
func (t *SOPTriggerTool) Definition() mcp.Tool {
	return mcp.NewTool("sop_trigger",
		mcp.WithDescription(
			"Start an SOP manually. The SOP must be active and within its daily cap and cooldown. "+
				"Returns the execution id used by the exec_* tools.",
		),
		mcp.WithString("sop_id",
			mcp.Required(),
			mcp.Description("SOP to start"),
		),
		mcp.WithString("executor",
			mcp.Description("Who is running it (default: user)"),
		),
	)
}

// Handle processes the sop_trigger tool call.
func (t *SOPTriggerTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("sop_id", "")
	if id == "" {
		return mcp.NewToolResultError("'sop_id' is required"), nil
	}
	src := execution.Source{
		TriggeredBy: execution.TriggeredManually,
		Executor:    req.GetString("executor", "user"),
	}
	if t.agg != nil {
		src.Snapshot = t.agg.Current()
	}
	x, err := t.engine.Trigger(ctx, id, src)
	if err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText("# Execution started\n\n" + executionSummary(x)), nil
}

// --- exec_status ---

// ExecStatusTool handles the exec_status MCP tool.
type ExecStatusTool struct {
	engine *execution.Engine
}

// NewExecStatusTool creates an ExecStatusTool.
func NewExecStatusTool(engine *execution.Engine) *ExecStatusTool {
	return &ExecStatusTool{engine: engine}
}

// Definition returns the MCP tool definition for exec_status.
func (t *ExecStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("exec_status",
		mcp.WithDescription("Show one execution in detail, or every active execution when `execution_id` is omitted."),
		mcp.WithString("execution_id",
			mcp.Description("Execution to show"),
		),
		mcp.WithBoolean("all",
			mcp.Description("Include finished executions in the listing"),
		),
	)
}

// Handle processes the exec_status tool call.
func (t *ExecStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("execution_id", ""); id != "" {
		x, err := t.engine.Get(id)
		if err != nil {
			return failure(err)
		}
		return withJSON(executionSummary(x), x)
	}

	list := t.engine.Active()
	title := "Active Executions"
	if boolArg(req, "all", false) {
		list = t.engine.List()
		title = "Executions"
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No executions. Start one with `sop_trigger`."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%d)\n\n| ID | SOP | Status | Progress | Current |\n|----|-----|--------|----------|---------|\n", title, len(list))
	for _, x := range list {
		fmt.Fprintf(&b, "| %s | %s | %s | %d%% | %s |\n", x.ID, x.SOPName, x.Status, x.Progress.PercentComplete, x.Progress.CurrentStep)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// --- exec_control ---

// ExecControlTool handles the exec_control MCP tool.
type ExecControlTool struct {
	engine *execution.Engine
}

// NewExecControlTool creates an ExecControlTool.
func NewExecControlTool(engine *execution.Engine) *ExecControlTool {
	return &ExecControlTool{engine: engine}
}

// Definition returns the MCP tool definition for exec_control.
func (t *ExecControlTool) Definition() mcp.Tool {
	return mcp.NewTool("exec_control",
		mcp.WithDescription("Pause, resume or cancel an execution. Pausing records an interruption with the reason."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution to control"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("What to do"),
			mcp.Enum("pause", "resume", "cancel"),
		),
		mcp.WithString("reason",
			mcp.Description("Why, for pause and cancel"),
		),
	)
}

// Handle processes the exec_control tool call.
func (t *ExecControlTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("execution_id", "")
	if id == "" {
		return mcp.NewToolResultError("'execution_id' is required"), nil
	}
	reason := req.GetString("reason", "")

	var (
		x   *execution.Execution
		err error
	)
	switch action := req.GetString("action", ""); action {
	case "pause":
		x, err = t.engine.Pause(id, reason)
	case "resume":
		x, err = t.engine.Resume(id)
	case "cancel":
		x, err = t.engine.Cancel(id, reason)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Unknown action %q: use pause, resume or cancel", action)), nil
	}
	if err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(executionSummary(x)), nil
}

// --- exec_check ---

// ExecCheckTool handles the exec_check MCP tool.
type ExecCheckTool struct {
	engine *execution.Engine
}

// NewExecCheckTool creates an ExecCheckTool.
func NewExecCheckTool(engine *execution.Engine) *ExecCheckTool {
	return &ExecCheckTool{engine: engine}
}

// Definition returns the MCP tool definition for exec_check.
func (t *ExecCheckTool) Definition() mcp.Tool {
	return mcp.NewTool("exec_check",
		mcp.WithDescription("Check or uncheck a checklist item. The execution completes once every required item is checked."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Checklist execution"),
		),
		mcp.WithString("item_id",
			mcp.Required(),
			mcp.Description("Item to check"),
		),
		mcp.WithBoolean("done",
			mcp.Description("false to uncheck (default: true)"),
		),
	)
}

// Handle processes the exec_check tool call.
func (t *ExecCheckTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("execution_id", "")
	item := req.GetString("item_id", "")
	if id == "" || item == "" {
		return mcp.NewToolResultError("'execution_id' and 'item_id' are required"), nil
	}
	x, err := t.engine.CheckItem(id, item, boolArg(req, "done", true))
	if err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(executionSummary(x)), nil
}

// --- exec_step ---

// ExecStepTool handles the exec_step MCP tool.
type ExecStepTool struct {
	engine *execution.Engine
}

// NewExecStepTool creates an ExecStepTool.
func NewExecStepTool(engine *execution.Engine) *ExecStepTool {
	return &ExecStepTool{engine: engine}
}

// Definition returns the MCP tool definition for exec_step.
func (t *ExecStepTool) Definition() mcp.Tool {
	return mcp.NewTool("exec_step",
		mcp.WithDescription(
			"Confirm the current step of an ordered-steps or flowchart execution, or skip an optional step. "+
				"Confirming a checklist item checks it.",
		),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Execution"),
		),
		mcp.WithString("step_id",
			mcp.Required(),
			mcp.Description("Step or node id"),
		),
		mcp.WithString("action",
			mcp.Description("confirm (default) or skip"),
			mcp.Enum("confirm", "skip"),
		),
	)
}

// Handle processes the exec_step tool call.
func (t *ExecStepTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("execution_id", "")
	step := req.GetString("step_id", "")
	if id == "" || step == "" {
		return mcp.NewToolResultError("'execution_id' and 'step_id' are required"), nil
	}

	var (
		x   *execution.Execution
		err error
	)
	switch action := req.GetString("action", "confirm"); action {
	case "confirm":
		x, err = t.engine.ConfirmStep(id, step)
	case "skip":
		x, err = t.engine.SkipStep(id, step)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Unknown action %q: use confirm or skip", action)), nil
	}
	if err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(executionSummary(x)), nil
}

// --- exec_decide ---

// ExecDecideTool handles the exec_decide MCP tool.
type ExecDecideTool struct {
	engine *execution.Engine
}

// NewExecDecideTool creates an ExecDecideTool.
func NewExecDecideTool(engine *execution.Engine) *ExecDecideTool {
	return &ExecDecideTool{engine: engine}
}

// Definition returns the MCP tool definition for exec_decide.
func (t *ExecDecideTool) Definition() mcp.Tool {
	return mcp.NewTool("exec_decide",
		mcp.WithDescription("Answer a flowchart decision node with one of its option values. A value matching no option ends the traversal."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("Flowchart execution"),
		),
		mcp.WithString("node_id",
			mcp.Required(),
			mcp.Description("Decision node"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("Chosen option value"),
		),
	)
}

// Handle processes the exec_decide tool call.
func (t *ExecDecideTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("execution_id", "")
	node := req.GetString("node_id", "")
	val := req.GetString("value", "")
	if id == "" || node == "" || val == "" {
		return mcp.NewToolResultError("'execution_id', 'node_id' and 'value' are required"), nil
	}
	x, err := t.engine.Decide(id, node, val)
	if err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(executionSummary(x)), nil
}
