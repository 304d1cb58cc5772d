package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/value"
)

// DefaultThreshold is the score a rule must strictly exceed to match.
const DefaultThreshold = 0.5

// Matcher scores rules against snapshots. It holds no rule state and is
// safe for concurrent use.
type Matcher struct {
	threshold float64
}

// NewMatcher returns a matcher. A threshold outside (0, 1) falls back to
// DefaultThreshold.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Threshold returns the effective match threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match evaluates every enabled rule and returns those scoring above the
// threshold, sorted by priority then score, both descending. Equal keys
// keep input order.
func (m *Matcher) Match(rules []*Rule, snap *situation.Snapshot) []Match {
	var out []Match
	for _, r := range rules {
		if r == nil || !r.Enabled {
			continue
		}
		match := Evaluate(r, snap)
		if match.MatchScore > m.threshold {
			out = append(out, match)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rule.Priority != out[j].Rule.Priority {
			return out[i].Rule.Priority > out[j].Rule.Priority
		}
		return out[i].MatchScore > out[j].MatchScore
	})
	return out
}

// Evaluate scores one rule regardless of its enabled flag or the threshold.
func Evaluate(r *Rule, snap *situation.Snapshot) Match {
	var score, total float64
	var matched []Condition
	for _, c := range r.Conditions {
		w := c.EffectiveWeight()
		total += w
		if EvaluateCondition(c, snap.Lookup(c.Field)) {
			score += w
			matched = append(matched, c)
		}
	}

	matchScore := 0.0
	if total > 0 {
		matchScore = score / total
	}
	switch r.ConditionLogic {
	case LogicOR:
		if len(matched) == 0 {
			matchScore = 0
		}
	default:
		if len(matched) != len(r.Conditions) {
			matchScore = 0
		}
	}

	return Match{
		Rule:              r,
		MatchScore:        matchScore,
		MatchedConditions: matched,
		SuggestedActions:  r.Actions,
		Confidence:        matchScore,
		Explanation:       explain(r, matched, matchScore),
	}
}

// EvaluateCondition applies the condition's operator to the resolved field.
// A missing field fails every operator except notEquals.
func EvaluateCondition(c Condition, field value.Value) bool {
	if field.IsNull() {
		if c.Operator == OpNotEquals {
			return !value.Equal(field, c.Value)
		}
		return false
	}

	switch c.Operator {
	case OpEquals:
		return value.Equal(field, c.Value)
	case OpNotEquals:
		return !value.Equal(field, c.Value)
	case OpContains:
		return strings.Contains(field.Text(), c.Value.Text())
	case OpGreaterThan:
		a, b, ok := numbers(field, c.Value)
		return ok && a > b
	case OpLessThan:
		a, b, ok := numbers(field, c.Value)
		return ok && a < b
	case OpBetween:
		bounds := c.Value.Items()
		if c.Value.Kind() != value.KindList || len(bounds) != 2 {
			return false
		}
		x, okX := field.Float()
		lo, okLo := bounds[0].Float()
		hi, okHi := bounds[1].Float()
		return okX && okLo && okHi && x >= lo && x <= hi
	case OpIn:
		if c.Value.Kind() != value.KindList {
			return false
		}
		for _, item := range c.Value.Items() {
			if value.Equal(field, item) {
				return true
			}
		}
		return false
	case OpRegex:
		re, err := compileRegex(c.Value.Text())
		if err != nil {
			return false
		}
		return re.MatchString(field.Text())
	}
	return false
}

func numbers(a, b value.Value) (float64, float64, bool) {
	x, okA := a.Float()
	y, okB := b.Float()
	return x, y, okA && okB
}

// --- regex cache ---

var regexCache sync.Map // pattern -> *regexp.Regexp

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func explain(r *Rule, matched []Condition, score float64) string {
	logic := r.ConditionLogic
	if logic == "" {
		logic = LogicAND
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d/%d conditions matched (%s), score %.2f",
		r.Name, len(matched), len(r.Conditions), logic, score)
	if len(matched) > 0 {
		parts := make([]string, len(matched))
		for i, c := range matched {
			parts[i] = fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value.Text())
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, "; "))
	}
	return b.String()
}
