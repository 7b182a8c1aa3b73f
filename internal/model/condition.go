package model

// SourceKind discriminates ConditionSource variants (spec §3/§4.4).
type SourceKind string

const (
	SourceFact     SourceKind = "fact"
	SourceEvent    SourceKind = "event"
	SourceContext  SourceKind = "context"
	SourceLookup   SourceKind = "lookup"
	SourceBaseline SourceKind = "baseline"
	// SourceExpr is a SPEC_FULL addition grounded on the teacher's
	// antonmedv/expr-based condition compilation (see SPEC_FULL.md §3).
	SourceExpr SourceKind = "expr"
)

// ConditionSource is a tagged variant describing where a condition's
// left-hand value comes from.
type ConditionSource struct {
	Kind SourceKind `json:"kind"`

	Pattern string `json:"pattern,omitempty"` // fact
	Field   string `json:"field,omitempty"`   // event
	Key     string `json:"key,omitempty"`     // context
	Name    string `json:"name,omitempty"`    // lookup (name[.field] split at eval time)

	// baseline
	Metric      string  `json:"metric,omitempty"`
	Comparison  string  `json:"comparison,omitempty"`
	Sensitivity float64 `json:"sensitivity,omitempty"`

	// expr (SPEC_FULL addition)
	Expression string `json:"expression,omitempty"`
}

// Operator enumerates the fixed comparison operators (spec §3).
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpContains   Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches    Operator = "matches"
	OpExists     Operator = "exists"
	OpNotExists  Operator = "not_exists"
)

// Ref is the `{ref: "<root>.<path>"}` reference form (spec §4.4/§9).
type Ref struct {
	Root string // event | fact | var | context | lookup
	Path string // dotted path within Root
}

// Value is either a literal or a Ref, resolved at evaluation time.
type Value struct {
	Literal any
	Ref     *Ref
	IsRef   bool
}

// Lit wraps a literal value.
func Lit(v any) Value { return Value{Literal: v} }

// RefTo builds a reference value of the form {ref: root.path}.
func RefTo(root, path string) Value { return Value{IsRef: true, Ref: &Ref{Root: root, Path: path}} }

// RuleCondition is one entry of a rule's ordered AND-condition list.
type RuleCondition struct {
	Source   ConditionSource `json:"source"`
	Operator Operator        `json:"operator"`
	Value    Value           `json:"value,omitempty"`
	Negate   bool            `json:"negate,omitempty"`
}
