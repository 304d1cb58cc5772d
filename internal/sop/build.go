package sop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HendryAvila/routine/internal/rules"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultVersion is assigned to definitions that omit one.
const DefaultVersion = "1.0"

// timeNow is replaced in tests.
var timeNow = time.Now

var validate = validator.New()

// Parse decodes one definition from JSON or YAML. Definitions that omit
// isActive are active. The result still has to go through Build.
func Parse(data []byte) (SOP, error) {
	def := SOP{IsActive: true}
	trimmed := bytes.TrimSpace(data)
	var err error
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &def)
	} else {
		err = yaml.Unmarshal(trimmed, &def)
	}
	if err != nil {
		return SOP{}, &DefinitionError{Reason: "decode: " + err.Error(), Err: err}
	}
	return def, nil
}

// Build validates a definition and fills its derived fields. The input is
// not modified; on error nothing is returned.
func Build(def SOP) (*SOP, error) {
	s := def.Clone()

	if err := checkPayload(s); err != nil {
		return nil, err
	}
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &DefinitionError{Field: verrs[0].Namespace(), Reason: "failed " + verrs[0].Tag(), Err: err}
		}
		return nil, &DefinitionError{Reason: err.Error(), Err: err}
	}

	var err error
	switch s.Shape {
	case ShapeChecklist:
		err = checkChecklist(s.Checklist)
	case ShapeSteps:
		err = checkSteps(s.Steps)
	case ShapeFlowchart:
		err = checkFlowchart(s.Flowchart)
	}
	if err != nil {
		return nil, err
	}

	fillDerived(s)
	return s, nil
}

func checkPayload(s *SOP) error {
	var want bool
	switch s.Shape {
	case ShapeChecklist:
		want = s.Checklist != nil
	case ShapeSteps:
		want = s.Steps != nil
	case ShapeFlowchart:
		want = s.Flowchart != nil
	default:
		return &DefinitionError{
			Field:  "type",
			Reason: fmt.Sprintf("%q is not one of checklist, ordered_steps, flowchart", s.Shape),
			Err:    ErrUnsupportedShape,
		}
	}
	if !want {
		return defErr(string(s.Shape), "payload missing for shape %s", s.Shape)
	}
	n := 0
	for _, set := range []bool{s.Checklist != nil, s.Steps != nil, s.Flowchart != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return defErr("type", "exactly one shape payload allowed, got %d", n)
	}
	return nil
}

func checkChecklist(c *Checklist) error {
	ids := map[string]bool{}
	for _, it := range c.Items {
		if ids[it.ID] {
			return defErr("checklist.items", "duplicate item id %q", it.ID)
		}
		ids[it.ID] = true
	}
	for _, id := range c.CompletionCriteria.RequiredItems {
		if !ids[id] {
			return defErr("checklist.completionCriteria.requiredItems", "unknown item %q", id)
		}
	}
	return nil
}

func checkSteps(st *Steps) error {
	ids := map[string]bool{}
	for _, step := range st.Steps {
		if ids[step.ID] {
			return defErr("steps.steps", "duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
		if step.SkipCondition != nil {
			if err := rules.ValidateCondition(*step.SkipCondition); err != nil {
				return &DefinitionError{Field: "steps." + step.ID + ".skipCondition", Reason: err.Error(), Err: err}
			}
		}
		if err := checkValidation("steps."+step.ID, step.Validation); err != nil {
			return err
		}
	}
	return nil
}

func checkValidation(field string, v *StepValidation) error {
	if v == nil || v.Type != ValidationAutomatic {
		return nil
	}
	if v.Predicate == "" && v.Condition == nil {
		return defErr(field+".validation", "automatic validation needs a predicate or condition")
	}
	if v.Condition != nil {
		if err := rules.ValidateCondition(*v.Condition); err != nil {
			return &DefinitionError{Field: field + ".validation.condition", Reason: err.Error(), Err: err}
		}
	}
	return nil
}

func checkFlowchart(f *Flowchart) error {
	nodes := map[string]Node{}
	for _, n := range f.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return defErr("flowchart.nodes", "duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
	}
	if _, ok := nodes[f.StartNodeID]; !ok {
		return defErr("flowchart.startNodeId", "unknown node %q", f.StartNodeID)
	}

	inBranch := map[string]string{}
	for _, n := range f.Nodes {
		field := "flowchart.nodes." + n.ID
		for _, c := range n.Connections {
			if _, ok := nodes[c]; !ok {
				return defErr(field+".connections", "unknown node %q", c)
			}
		}
		switch n.Type {
		case NodeEnd:
			if len(n.Connections) > 0 {
				return defErr(field, "end node cannot have connections")
			}
		case NodeStart, NodeProcess:
			if len(n.Connections) > 1 {
				return defErr(field, "%s node has more than one connection", n.Type)
			}
		case NodeDecision:
			if n.Decision == nil {
				return defErr(field, "decision node needs a decision payload")
			}
			seen := map[string]bool{}
			for _, opt := range n.Decision.Options {
				if _, ok := nodes[opt.NextNodeID]; !ok {
					return defErr(field+".decision", "option %q targets unknown node %q", opt.Value, opt.NextNodeID)
				}
				if seen[opt.Value] {
					return defErr(field+".decision", "duplicate option value %q", opt.Value)
				}
				seen[opt.Value] = true
			}
		case NodeLoop:
			if n.Loop == nil {
				return defErr(field, "loop node needs a loop payload")
			}
			if len(n.Connections) > 1 {
				return defErr(field, "loop node has more than one connection")
			}
		case NodeParallel:
			if n.Parallel == nil {
				return defErr(field, "parallel node needs a parallel payload")
			}
			if len(n.Connections) > 1 {
				return defErr(field, "parallel node has more than one connection")
			}
			for i, branch := range n.Parallel.Branches {
				if len(branch) == 0 {
					return defErr(field+".parallel", "branch %d is empty", i)
				}
				for _, id := range branch {
					target, ok := nodes[id]
					if !ok {
						return defErr(field+".parallel", "branch %d references unknown node %q", i, id)
					}
					if target.Type != NodeProcess {
						return defErr(field+".parallel", "branch %d node %q is %s, want process", i, id, target.Type)
					}
					if owner, taken := inBranch[id]; taken {
						return defErr(field+".parallel", "node %q already belongs to a branch of %q", id, owner)
					}
					inBranch[id] = n.ID
				}
			}
		}
		if err := checkValidation(field, n.Validation); err != nil {
			return err
		}
	}
	return nil
}

func fillDerived(s *SOP) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Version == "" {
		s.Version = DefaultVersion
	}
	now := timeNow().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	switch s.Shape {
	case ShapeChecklist:
		if s.Checklist.CompletionCriteria.RequiredItems == nil {
			s.Checklist.CompletionCriteria.RequiredItems = []string{}
		}
	case ShapeSteps:
		if s.Steps.ExecutionMode == "" {
			s.Steps.ExecutionMode = ModeConfirm
		}
	case ShapeFlowchart:
		if s.Flowchart.ExecutionMode == "" {
			s.Flowchart.ExecutionMode = ModeConfirm
		}
	}
}
