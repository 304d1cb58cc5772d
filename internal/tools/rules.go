package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/HendryAvila/routine/internal/rules"
	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"
)

// --- rule_list ---

// RuleListTool handles the rule_list MCP tool.
type RuleListTool struct {
	rules *rules.RuleSet
}

// NewRuleListTool creates a RuleListTool.
func NewRuleListTool(rs *rules.RuleSet) *RuleListTool {
	return &RuleListTool{rules: rs}
}

// Definition returns the MCP tool definition for rule_list.
func (t *RuleListTool) Definition() mcp.Tool {
	return mcp.NewTool("rule_list",
		mcp.WithDescription("List context rules with their priority, state and trigger count. Pass `rule_id` for the full definition."),
		mcp.WithString("rule_id",
			mcp.Description("Rule to show in full"),
		),
	)
}

// Handle processes the rule_list tool call.
func (t *RuleListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("rule_id", ""); id != "" {
		r, err := t.rules.Get(id)
		if err != nil {
			return failure(err)
		}
		return withJSON("# Rule "+r.Name, r)
	}

	all := t.rules.List()
	if len(all) == 0 {
		return mcp.NewToolResultText("No rules defined. Create one with `rule_save`."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Context Rules (%d)\n\n| ID | Name | Priority | Enabled | Logic | Fired |\n|----|------|----------|---------|-------|-------|\n", len(all))
	for _, r := range all {
		fmt.Fprintf(&b, "| %s | %s | %d | %t | %s | %d |\n", r.ID, r.Name, r.Priority, r.Enabled, r.ConditionLogic, r.Stats.TriggerCount)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// --- rule_save ---

// RuleSaveTool handles the rule_save MCP tool.
type RuleSaveTool struct {
	rules *rules.RuleSet
}

// NewRuleSaveTool creates a RuleSaveTool.
func NewRuleSaveTool(rs *rules.RuleSet) *RuleSaveTool {
	return &RuleSaveTool{rules: rs}
}

// Definition returns the MCP tool definition for rule_save.
func (t *RuleSaveTool) Definition() mcp.Tool {
	return mcp.NewTool("rule_save",
		mcp.WithDescription(
			"Create or replace a context rule. The definition is YAML or JSON with "+
				"name, priority, conditionLogic (AND|OR), conditions [{field, operator, value, weight}], "+
				"actions [{type, payload, delaySeconds}] and constraints {maxTriggersPerDay, cooldownMinutes}. "+
				"An existing id replaces that rule; stats are kept.",
		),
		mcp.WithString("definition",
			mcp.Required(),
			mcp.Description("Rule definition as YAML or JSON"),
		),
	)
}

// Handle processes the rule_save tool call.
func (t *RuleSaveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def := req.GetString("definition", "")
	if def == "" {
		return mcp.NewToolResultError("'definition' is required"), nil
	}

	r := rules.Rule{Enabled: true, ConditionLogic: rules.LogicAND}
	if err := yaml.Unmarshal([]byte(def), &r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cannot parse rule: %v", err)), nil
	}

	verb, save := "Created", t.rules.Create
	if r.ID != "" {
		if _, err := t.rules.Get(r.ID); err == nil {
			verb, save = "Updated", t.rules.Update
		}
	}
	saved, err := save(ctx, r)
	if err != nil {
		return failure(err)
	}
	return withJSON(fmt.Sprintf("# %s rule %s", verb, saved.ID), saved)
}

// --- rule_delete ---

// RuleDeleteTool handles the rule_delete MCP tool.
type RuleDeleteTool struct {
	rules *rules.RuleSet
}

// NewRuleDeleteTool creates a RuleDeleteTool.
func NewRuleDeleteTool(rs *rules.RuleSet) *RuleDeleteTool {
	return &RuleDeleteTool{rules: rs}
}

// Definition returns the MCP tool definition for rule_delete.
func (t *RuleDeleteTool) Definition() mcp.Tool {
	return mcp.NewTool("rule_delete",
		mcp.WithDescription("Delete a context rule permanently."),
		mcp.WithString("rule_id",
			mcp.Required(),
			mcp.Description("Rule to delete"),
		),
	)
}

// Handle processes the rule_delete tool call.
func (t *RuleDeleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("rule_id", "")
	if id == "" {
		return mcp.NewToolResultError("'rule_id' is required"), nil
	}
	if err := t.rules.Delete(ctx, id); err != nil {
		return failure(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted rule %s.", id)), nil
}

// --- rule_toggle ---

// RuleToggleTool handles the rule_toggle MCP tool.
type RuleToggleTool struct {
	rules *rules.RuleSet
}

// NewRuleToggleTool creates a RuleToggleTool.
func NewRuleToggleTool(rs *rules.RuleSet) *RuleToggleTool {
	return &RuleToggleTool{rules: rs}
}

// Definition returns the MCP tool definition for rule_toggle.
func (t *RuleToggleTool) Definition() mcp.Tool {
	return mcp.NewTool("rule_toggle",
		mcp.WithDescription("Enable or disable a context rule. Disabled rules are never matched."),
		mcp.WithString("rule_id",
			mcp.Required(),
			mcp.Description("Rule to switch"),
		),
		mcp.WithBoolean("enabled",
			mcp.Required(),
			mcp.Description("New state"),
		),
	)
}

// Handle processes the rule_toggle tool call.
func (t *RuleToggleTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("rule_id", "")
	if id == "" {
		return mcp.NewToolResultError("'rule_id' is required"), nil
	}
	on, ok := req.GetArguments()["enabled"].(bool)
	if !ok {
		return mcp.NewToolResultError("'enabled' is required"), nil
	}
	if err := t.rules.SetEnabled(ctx, id, on); err != nil {
		return failure(err)
	}
	state := "disabled"
	if on {
		state = "enabled"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rule %s %s.", id, state)), nil
}
