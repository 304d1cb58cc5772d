// Package prompts implements the MCP prompt handlers.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// RunPrompt handles the routine-run MCP prompt.
// It guides the AI through starting an SOP and walking the user through it.
type RunPrompt struct{}

// NewRunPrompt creates a RunPrompt.
func NewRunPrompt() *RunPrompt {
	return &RunPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RunPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("routine-run",
		mcp.WithPromptDescription(
			"Run an SOP step by step. Starts it, then guides you through "+
				"each step, decision and checklist item until it completes.",
		),
		mcp.WithArgument("sop_id",
			mcp.ArgumentDescription("SOP to run. If omitted you will be asked to pick one."),
		),
	)
}

// Handle processes the routine-run prompt request.
func (p *RunPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	sopID := ""
	if args := req.Params.Arguments; args != nil {
		sopID = args["sop_id"]
	}

	first := "1. Run `sop_list` and ask me which SOP to run, then start it with `sop_trigger`\n"
	desc := "Run an SOP"
	if sopID != "" {
		first = fmt.Sprintf("1. Run `sop_trigger` with sop_id='%s'\n", sopID)
		desc = fmt.Sprintf("Run SOP: %s", sopID)
	}

	return &mcp.GetPromptResult{
		Description: desc,
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"I want to work through one of my SOPs.\n\n" +
						"Please:\n" +
						first +
						"2. Show me the current step and wait for me to say it is done, then confirm it with `exec_step`\n" +
						"3. For checklists use `exec_check`; for flowchart decisions ask me and answer with `exec_decide`\n" +
						"4. If I get interrupted, pause with `exec_control` and resume when I am back\n" +
						"5. When it completes, show the result from `exec_status`",
				),
			},
		},
	}, nil
}
