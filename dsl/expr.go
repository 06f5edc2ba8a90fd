// Package dsl compiles the declarative detection-rule DSL into analytic
// queries for the ClickHouse event store. Compilation is pure: the same
// input always yields the same (SQL, args) pair, and failures are returned
// as errors, never panics.
package dsl

// Op identifies a leaf predicate operator.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpIn          Op = "in"
	OpNin         Op = "nin"
	OpContains    Op = "contains"
	OpContainsAny Op = "contains_any"
	OpStartswith  Op = "startswith"
	OpEndswith    Op = "endswith"
	OpRegex       Op = "regex"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpBetween     Op = "between"
	OpIPInCIDR    Op = "ip_in_cidr"
	OpExists      Op = "exists"
	OpMissing     Op = "missing"
	OpIsNull      Op = "is_null"
	OpNotNull     Op = "not_null"
	OpJSONEq      Op = "json_eq"
)

// ExprKind discriminates the closed set of expression variants.
type ExprKind int

const (
	KindInvalid ExprKind = iota
	KindAnd
	KindOr
	KindNot
	KindLeaf
)

// Expr is one node of a boolean filter tree. Exactly one variant group
// (And, Or, Not, or Field+Op) may be populated per node; Kind reports
// KindInvalid for ambiguous or empty nodes.
type Expr struct {
	And []*Expr `json:"and,omitempty" yaml:"and,omitempty"`
	Or  []*Expr `json:"or,omitempty" yaml:"or,omitempty"`
	Not *Expr   `json:"not,omitempty" yaml:"not,omitempty"`

	Field  string        `json:"field,omitempty" yaml:"field,omitempty"`
	Op     Op            `json:"op,omitempty" yaml:"op,omitempty"`
	Values []interface{} `json:"values,omitempty" yaml:"values,omitempty"`
}

// Kind returns which variant this node is.
func (e *Expr) Kind() ExprKind {
	if e == nil {
		return KindInvalid
	}

	populated := 0
	kind := KindInvalid
	if len(e.And) > 0 {
		populated++
		kind = KindAnd
	}
	if len(e.Or) > 0 {
		populated++
		kind = KindOr
	}
	if e.Not != nil {
		populated++
		kind = KindNot
	}
	if e.Field != "" || e.Op != "" {
		populated++
		kind = KindLeaf
	}
	if populated != 1 {
		return KindInvalid
	}
	return kind
}

// Leaf is a convenience constructor for predicate nodes.
func Leaf(field string, op Op, values ...interface{}) *Expr {
	return &Expr{Field: field, Op: op, Values: values}
}

// AndOf combines children under a conjunction.
func AndOf(children ...*Expr) *Expr { return &Expr{And: children} }

// OrOf combines children under a disjunction.
func OrOf(children ...*Expr) *Expr { return &Expr{Or: children} }

// NotOf negates a single child.
func NotOf(child *Expr) *Expr { return &Expr{Not: child} }
