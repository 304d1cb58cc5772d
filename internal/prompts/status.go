package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// StatusPrompt handles the routine-status MCP prompt.
// It asks the AI to summarize the current situation and running SOPs.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("routine-status",
		mcp.WithPromptDescription(
			"Check where you stand: current context, matching rules, "+
				"and progress of every running SOP.",
		),
	)
}

// Handle processes the routine-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Routine Status",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `ctx_current` to read my context (report anything new I told you with `ctx_update` first), " +
						"then `exec_status` to list running SOPs.\n\n" +
						"Then:\n" +
						"1. Summarize my situation in one or two lines (time of day, energy, focus, stress)\n" +
						"2. List the rules that matched and what they suggest\n" +
						"3. For each running SOP, show progress and the step I am on\n" +
						"4. Tell me the single next thing I should do",
				),
			},
		},
	}, nil
}
