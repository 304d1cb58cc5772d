package prompts

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func promptText(t *testing.T, res *mcp.GetPromptResult) string {
	t.Helper()
	if len(res.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(res.Messages))
	}
	tc, ok := res.Messages[0].Content.(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T", res.Messages[0].Content)
	}
	return tc.Text
}

func TestStatusPrompt(t *testing.T) {
	p := NewStatusPrompt()
	if got := p.Definition().Name; got != "routine-status" {
		t.Errorf("name = %s", got)
	}
	res, err := p.Handle(context.Background(), mcp.GetPromptRequest{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	text := promptText(t, res)
	for _, tool := range []string{"ctx_current", "ctx_update", "exec_status"} {
		if !strings.Contains(text, tool) {
			t.Errorf("prompt should mention %s", tool)
		}
	}
}

func TestRunPrompt(t *testing.T) {
	p := NewRunPrompt()
	if got := p.Definition().Name; got != "routine-run" {
		t.Errorf("name = %s", got)
	}

	res, err := p.Handle(context.Background(), mcp.GetPromptRequest{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(promptText(t, res), "sop_list") {
		t.Error("without sop_id the prompt should list SOPs first")
	}

	req := mcp.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"sop_id": "evening-routine"}
	res, err = p.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Description != "Run SOP: evening-routine" {
		t.Errorf("description = %s", res.Description)
	}
	if !strings.Contains(promptText(t, res), "sop_id='evening-routine'") {
		t.Error("prompt should trigger the given sop")
	}
}
