package sop

import (
	"errors"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checklistDef() SOP {
	return SOP{
		ID: "morning", Name: "Morning", IsActive: true, Shape: ShapeChecklist,
		Checklist: &Checklist{Items: []Item{
			{ID: "a", Title: "A", Required: true},
			{ID: "b", Title: "B"},
		}},
	}
}

func stepsDef() SOP {
	return SOP{
		ID: "evening", Name: "Evening", IsActive: true, Shape: ShapeSteps,
		Steps: &Steps{Steps: []Step{
			{ID: "s1", Title: "One"},
			{ID: "s2", Title: "Two", Optional: true},
		}},
	}
}

func flowDef() SOP {
	return SOP{
		ID: "flow", Name: "Flow", IsActive: true, Shape: ShapeFlowchart,
		Flowchart: &Flowchart{
			StartNodeID: "start",
			Nodes: []Node{
				{ID: "start", Type: NodeStart, Connections: []string{"ask"}},
				{ID: "ask", Type: NodeDecision, Decision: &Decision{Options: []DecisionOption{
					{Value: "yes", NextNodeID: "work"},
					{Value: "no", NextNodeID: "end"},
				}}},
				{ID: "work", Type: NodeProcess, Connections: []string{"end"}},
				{ID: "end", Type: NodeEnd},
			},
		},
	}
}

func TestBuild_FillsDerivedFields(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)
	orig := timeNow
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = orig }()

	def := checklistDef()
	def.ID = ""
	s, err := Build(def)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, DefaultVersion, s.Version)
	assert.Equal(t, fixed, s.CreatedAt)
	assert.NotNil(t, s.Checklist.CompletionCriteria.RequiredItems)
	assert.Empty(t, s.Checklist.CompletionCriteria.RequiredItems)
	assert.Equal(t, 2, s.TotalSteps())
	assert.Equal(t, "", def.ID, "input left untouched")

	st, err := Build(stepsDef())
	require.NoError(t, err)
	assert.Equal(t, ModeConfirm, st.Steps.ExecutionMode)
	assert.Equal(t, 2, st.TotalSteps())

	fl, err := Build(flowDef())
	require.NoError(t, err)
	assert.Equal(t, 4, fl.TotalSteps())
}

func TestBuild_UnsupportedShape(t *testing.T) {
	def := checklistDef()
	def.Shape = "kanban"
	_, err := Build(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedShape)

	var de *DefinitionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "type", de.Field)
}

func TestBuild_Rejects(t *testing.T) {
	tests := []struct {
		name string
		def  func() SOP
	}{
		{"missing payload", func() SOP { d := checklistDef(); d.Checklist = nil; return d }},
		{"two payloads", func() SOP { d := checklistDef(); d.Steps = stepsDef().Steps; return d }},
		{"no name", func() SOP { d := checklistDef(); d.Name = ""; return d }},
		{"empty checklist", func() SOP { d := checklistDef(); d.Checklist.Items = nil; return d }},
		{"duplicate item", func() SOP {
			d := checklistDef()
			d.Checklist.Items = append(d.Checklist.Items, Item{ID: "a", Title: "again"})
			return d
		}},
		{"unknown required item", func() SOP {
			d := checklistDef()
			d.Checklist.CompletionCriteria.RequiredItems = []string{"zzz"}
			return d
		}},
		{"duplicate step", func() SOP { d := stepsDef(); d.Steps.Steps[1].ID = "s1"; return d }},
		{"bad execution mode", func() SOP { d := stepsDef(); d.Steps.ExecutionMode = "eventually"; return d }},
		{"bad skip condition", func() SOP {
			d := stepsDef()
			d.Steps.Steps[0].SkipCondition = &rules.Condition{Field: "x", Operator: "like"}
			return d
		}},
		{"automatic validation without predicate", func() SOP {
			d := stepsDef()
			d.Steps.Steps[0].Validation = &StepValidation{Type: ValidationAutomatic}
			return d
		}},
		{"rule trigger without rule", func() SOP {
			d := stepsDef()
			d.Triggers = []Trigger{{Type: TriggerRule}}
			return d
		}},
		{"unknown start node", func() SOP { d := flowDef(); d.Flowchart.StartNodeID = "nope"; return d }},
		{"dangling connection", func() SOP { d := flowDef(); d.Flowchart.Nodes[2].Connections = []string{"nope"}; return d }},
		{"end with connection", func() SOP { d := flowDef(); d.Flowchart.Nodes[3].Connections = []string{"start"}; return d }},
		{"process with two connections", func() SOP {
			d := flowDef()
			d.Flowchart.Nodes[2].Connections = []string{"end", "start"}
			return d
		}},
		{"decision without payload", func() SOP { d := flowDef(); d.Flowchart.Nodes[1].Decision = nil; return d }},
		{"decision to unknown node", func() SOP {
			d := flowDef()
			d.Flowchart.Nodes[1].Decision = &Decision{Options: []DecisionOption{{Value: "x", NextNodeID: "nope"}}}
			return d
		}},
		{"loop without bound", func() SOP {
			d := flowDef()
			d.Flowchart.Nodes[2] = Node{ID: "work", Type: NodeLoop, Loop: &Loop{MaxIterations: 0}, Connections: []string{"end"}}
			return d
		}},
		{"parallel branch of non-process", func() SOP {
			d := flowDef()
			d.Flowchart.Nodes = append(d.Flowchart.Nodes, Node{
				ID: "par", Type: NodeParallel, Parallel: &Parallel{Branches: [][]string{{"end"}}},
			})
			return d
		}},
		{"parallel empty branch", func() SOP {
			d := flowDef()
			d.Flowchart.Nodes = append(d.Flowchart.Nodes, Node{
				ID: "par", Type: NodeParallel, Parallel: &Parallel{Branches: [][]string{{}}},
			})
			return d
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.def())
			require.Error(t, err)
			var de *DefinitionError
			assert.True(t, errors.As(err, &de), "want *DefinitionError, got %T", err)
		})
	}
}

func TestBuild_AllowsCycles(t *testing.T) {
	def := SOP{
		Name: "cycle", Shape: ShapeFlowchart,
		Flowchart: &Flowchart{StartNodeID: "a", Nodes: []Node{
			{ID: "a", Type: NodeProcess, Connections: []string{"b"}},
			{ID: "b", Type: NodeProcess, Connections: []string{"a"}},
		}},
	}
	_, err := Build(def)
	assert.NoError(t, err, "cycles are bounded at run time, not rejected")
}

func TestParse_YAMLAndJSON(t *testing.T) {
	yamlDef := []byte(`
name: Evening
type: ordered_steps
steps:
  executionMode: timed
  steps:
    - id: s1
      title: Review
      estimatedDuration: 60
      skipCondition:
        field: time.isWeekend
        operator: equals
        value: true
`)
	def, err := Parse(yamlDef)
	require.NoError(t, err)
	assert.True(t, def.IsActive, "isActive defaults to true")
	assert.Equal(t, ShapeSteps, def.Shape)
	require.NotNil(t, def.Steps.Steps[0].SkipCondition)
	assert.True(t, value.Equal(def.Steps.Steps[0].SkipCondition.Value, value.Bool(true)))
	s, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, ModeTimed, s.Steps.ExecutionMode)

	jsonDef := []byte(`{"name":"Morning","type":"checklist","isActive":false,
		"checklist":{"items":[{"id":"a","title":"A","required":true}]}}`)
	def, err = Parse(jsonDef)
	require.NoError(t, err)
	assert.False(t, def.IsActive)
	assert.Equal(t, ShapeChecklist, def.Shape)

	_, err = Parse([]byte("name: [unclosed"))
	var de *DefinitionError
	assert.True(t, errors.As(err, &de))
}

func TestDefaultTemplates_Build(t *testing.T) {
	tpls, err := DefaultTemplates()
	require.NoError(t, err)
	require.Len(t, tpls, 3)
	for _, tpl := range tpls {
		_, err := Build(tpl.Definition)
		assert.NoError(t, err, tpl.ID)
	}
}
