// Package parser extracts tagged JSON blocks from free-form agent output.
//
// Agents are prompted to wrap structured results in XML-ish tags
// (<resolution>, <question>, <plan>, <review>, <novel>, <model>) embedded in
// otherwise free text. The parser pulls out the first occurrence of each tag,
// validates the JSON inside, and silently discards invalid entries so a
// malformed block never fails a job.
package parser

import "math"

// Scope breadth values.
const (
	BreadthInstance = "instance"
	BreadthPattern  = "pattern"
)

// Scope target values.
const (
	TargetElement   = "element"
	TargetComponent = "component"
	TargetToken     = "token"
)

// Resolution statuses.
const (
	StatusResolved    = "resolved"
	StatusNeedsReview = "needs_review"
)

// Review verdicts.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// Scope classifies a change along breadth x target. The (instance, token)
// combination is invalid: a token change is never single-instance.
type Scope struct {
	Breadth string `json:"breadth"`
	Target  string `json:"target"`
}

// Valid reports whether the scope uses known values and a legal combination.
func (s *Scope) Valid() bool {
	if s == nil {
		return true
	}
	if s.Breadth != BreadthInstance && s.Breadth != BreadthPattern {
		return false
	}
	if s.Target != TargetElement && s.Target != TargetComponent && s.Target != TargetToken {
		return false
	}
	return !(s.Breadth == BreadthInstance && s.Target == TargetToken)
}

// Resolution ties one annotation id to the action the agent took.
type Resolution struct {
	AnnotationID  string   `json:"annotationId"`
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	Files         []string `json:"files,omitempty"`
	DeclaredScope *Scope   `json:"declaredScope,omitempty"`
	InferredScope *Scope   `json:"inferredScope,omitempty"`
	FinalScope    *Scope   `json:"finalScope,omitempty"`
}

// valid applies the §4.5 entry rules.
func (r *Resolution) valid() bool {
	if r.AnnotationID == "" || r.Summary == "" {
		return false
	}
	if r.Status != StatusResolved && r.Status != StatusNeedsReview {
		return false
	}
	return r.DeclaredScope.Valid() && r.InferredScope.Valid() && r.FinalScope.Valid()
}

// Region is the screen rectangle a plan task targets.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PlanTask is one step of a parsed plan.
type PlanTask struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	Region      Region `json:"region"`
}

// Review is the reviewer verdict over an executed plan.
type Review struct {
	Verdict string   `json:"verdict"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues,omitempty"`
}

// NovelPattern records a design decision the agent flagged as new.
type NovelPattern struct {
	Category string `json:"category"` // token, component, element
	Element  string `json:"element"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (n *NovelPattern) valid() bool {
	switch n.Category {
	case TargetToken, TargetComponent, TargetElement:
	default:
		return false
	}
	return n.Element != "" && n.Decision != "" && n.Reason != ""
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
