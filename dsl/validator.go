package dsl

import (
	"fmt"
	"sort"
	"strings"
)

// Validation error codes.
const (
	CodeMalformedNode      = "malformed_node"
	CodeUnknownField       = "unknown_field"
	CodeUnknownOperator    = "unknown_operator"
	CodeOperatorNotAllowed = "operator_not_allowed"
	CodeBadArguments       = "bad_arguments"
)

// maxSuggestions caps the number of near-match field names returned.
const maxSuggestions = 3

// ValidationError describes a preflight failure for a single node. For
// unknown fields, Suggestions holds edit-distance near-matches from the
// catalog.
type ValidationError struct {
	Code        string   `json:"code"`
	Field       string   `json:"field,omitempty"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("%s: %s (did you mean: %s)", e.Code, e.Message, strings.Join(e.Suggestions, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validator resolves every leaf of a filter tree against the field catalog
// before compilation. Any failure aborts the compile entirely.
type Validator struct {
	catalog *Catalog
}

// NewValidator creates a preflight validator over the given catalog.
func NewValidator(catalog *Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate walks the expression tree. A nil expression is valid (it compiles
// to an always-true fragment). Returns nil on success.
func (v *Validator) Validate(expr *Expr) *ValidationError {
	if expr == nil {
		return nil
	}

	switch expr.Kind() {
	case KindAnd:
		for _, child := range expr.And {
			if err := v.Validate(child); err != nil {
				return err
			}
		}
		return nil

	case KindOr:
		for _, child := range expr.Or {
			if err := v.Validate(child); err != nil {
				return err
			}
		}
		return nil

	case KindNot:
		return v.Validate(expr.Not)

	case KindLeaf:
		return v.validateLeaf(expr)

	default:
		return &ValidationError{
			Code:    CodeMalformedNode,
			Message: "expression node must populate exactly one of and/or/not/field",
		}
	}
}

func (v *Validator) validateLeaf(leaf *Expr) *ValidationError {
	if leaf.Field == "" {
		return &ValidationError{Code: CodeMalformedNode, Message: "leaf predicate is missing a field name"}
	}

	// json_eq paths are rooted in a JSON column, not the catalog.
	if leaf.Op == OpJSONEq {
		return v.validateJSONPath(leaf)
	}

	spec, ok := v.catalog.Lookup(leaf.Field)
	if !ok {
		return &ValidationError{
			Code:        CodeUnknownField,
			Field:       leaf.Field,
			Message:     fmt.Sprintf("field %q is not in the catalog", leaf.Field),
			Suggestions: v.suggest(leaf.Field),
		}
	}

	if !knownOperator(leaf.Op) {
		return &ValidationError{
			Code:    CodeUnknownOperator,
			Field:   leaf.Field,
			Message: fmt.Sprintf("operator %q is not recognized", leaf.Op),
		}
	}

	if !operatorAllowed(leaf.Op, spec.Type) {
		return &ValidationError{
			Code:    CodeOperatorNotAllowed,
			Field:   leaf.Field,
			Message: fmt.Sprintf("operator %q is not allowed on %s field %q", leaf.Op, spec.Type, leaf.Field),
		}
	}

	return v.validateArity(leaf)
}

func (v *Validator) validateJSONPath(leaf *Expr) *ValidationError {
	root, _, ok := splitJSONPath(leaf.Field)
	if !ok {
		return &ValidationError{
			Code:    CodeBadArguments,
			Field:   leaf.Field,
			Message: fmt.Sprintf("json_eq path %q must be metadata.<path> or raw_event.<path>", leaf.Field),
		}
	}
	_ = root
	if len(leaf.Values) != 1 {
		return &ValidationError{
			Code:    CodeBadArguments,
			Field:   leaf.Field,
			Message: "json_eq requires exactly one value",
		}
	}
	return nil
}

// validateArity checks value counts and basic value types per operator.
func (v *Validator) validateArity(leaf *Expr) *ValidationError {
	bad := func(msg string) *ValidationError {
		return &ValidationError{Code: CodeBadArguments, Field: leaf.Field, Message: msg}
	}

	switch leaf.Op {
	case OpExists, OpMissing, OpIsNull, OpNotNull:
		if len(leaf.Values) != 0 {
			return bad(fmt.Sprintf("operator %q takes no values", leaf.Op))
		}
	case OpBetween:
		if len(leaf.Values) != 2 {
			return bad("between requires exactly two values")
		}
		for _, val := range leaf.Values {
			if !isNumeric(val) {
				return bad("between bounds must be numeric")
			}
		}
	case OpGt, OpGte, OpLt, OpLte:
		if len(leaf.Values) != 1 || !isNumeric(leaf.Values[0]) {
			return bad(fmt.Sprintf("operator %q requires one numeric value", leaf.Op))
		}
	case OpIn, OpNin, OpContainsAny:
		if len(leaf.Values) == 0 {
			return bad(fmt.Sprintf("operator %q requires at least one value", leaf.Op))
		}
	case OpRegex, OpIPInCIDR, OpContains, OpStartswith, OpEndswith:
		if len(leaf.Values) != 1 {
			return bad(fmt.Sprintf("operator %q requires exactly one value", leaf.Op))
		}
		if _, ok := leaf.Values[0].(string); !ok {
			return bad(fmt.Sprintf("operator %q requires a string value", leaf.Op))
		}
	default:
		if len(leaf.Values) != 1 {
			return bad(fmt.Sprintf("operator %q requires exactly one value", leaf.Op))
		}
	}
	return nil
}

// suggest returns up to maxSuggestions catalog names within edit distance 3,
// closest first.
func (v *Validator) suggest(field string) []string {
	type candidate struct {
		name string
		dist int
	}
	var candidates []candidate
	for _, name := range v.catalog.Names() {
		d := editDistance(strings.ToLower(field), strings.ToLower(name))
		if d <= 3 {
			candidates = append(candidates, candidate{name: name, dist: d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})
	var out []string
	for _, c := range candidates {
		out = append(out, c.name)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

func knownOperator(op Op) bool {
	switch op {
	case OpEq, OpNe, OpIn, OpNin, OpContains, OpContainsAny, OpStartswith,
		OpEndswith, OpRegex, OpGt, OpGte, OpLt, OpLte, OpBetween, OpIPInCIDR,
		OpExists, OpMissing, OpIsNull, OpNotNull, OpJSONEq:
		return true
	}
	return false
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// editDistance computes the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
