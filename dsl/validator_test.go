package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsNilExpression(t *testing.T) {
	v := NewValidator(DefaultCatalog())
	assert.Nil(t, v.Validate(nil))
}

func TestValidateUnknownFieldSuggestions(t *testing.T) {
	v := NewValidator(DefaultCatalog())

	verr := v.Validate(Leaf("hostnme", OpEq, "web-01"))
	require.NotNil(t, verr)
	assert.Equal(t, CodeUnknownField, verr.Code)
	assert.Contains(t, verr.Suggestions, "hostname")
	assert.LessOrEqual(t, len(verr.Suggestions), 3)
	assert.Contains(t, verr.Error(), "did you mean")
}

func TestValidateUnknownFieldNoNearMatch(t *testing.T) {
	v := NewValidator(DefaultCatalog())

	verr := v.Validate(Leaf("completely_different", OpEq, "x"))
	require.NotNil(t, verr)
	assert.Equal(t, CodeUnknownField, verr.Code)
	assert.Empty(t, verr.Suggestions)
}

func TestValidateLeafChecks(t *testing.T) {
	tests := []struct {
		name     string
		expr     *Expr
		wantCode string
	}{
		{"valid eq", Leaf("event_type", OpEq, "login"), ""},
		{"valid cidr", Leaf("src_ip", OpIPInCIDR, "10.0.0.0/8"), ""},
		{"valid json_eq", Leaf("metadata.request.method", OpJSONEq, "GET"), ""},
		{"missing field name", &Expr{Op: OpEq, Values: []interface{}{"x"}}, CodeMalformedNode},
		{"unknown operator", Leaf("event_type", Op("approximately"), "x"), CodeUnknownOperator},
		{"contains on int field", Leaf("src_port", OpContains, "22"), CodeOperatorNotAllowed},
		{"cidr on string field", Leaf("message", OpIPInCIDR, "10.0.0.0/8"), CodeOperatorNotAllowed},
		{"exists with values", Leaf("hostname", OpExists, "x"), CodeBadArguments},
		{"between arity", Leaf("src_port", OpBetween, 1), CodeBadArguments},
		{"between non-numeric", Leaf("src_port", OpBetween, "a", "b"), CodeBadArguments},
		{"gt non-numeric", Leaf("src_port", OpGt, "high"), CodeBadArguments},
		{"in without values", Leaf("event_type", OpIn), CodeBadArguments},
		{"regex non-string", Leaf("message", OpRegex, 42), CodeBadArguments},
		{"json_eq bad root", Leaf("fields.action", OpJSONEq, "x"), CodeBadArguments},
		{"json_eq without value", Leaf("metadata.action", OpJSONEq), CodeBadArguments},
	}

	v := NewValidator(DefaultCatalog())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := v.Validate(tt.expr)
			if tt.wantCode == "" {
				assert.Nil(t, verr)
				return
			}
			require.NotNil(t, verr)
			assert.Equal(t, tt.wantCode, verr.Code)
		})
	}
}

func TestValidateWalksNestedTrees(t *testing.T) {
	v := NewValidator(DefaultCatalog())

	verr := v.Validate(AndOf(
		Leaf("event_type", OpEq, "login"),
		OrOf(
			Leaf("severity", OpEq, "high"),
			NotOf(Leaf("hostnme", OpEq, "web-01")),
		),
	))
	require.NotNil(t, verr)
	assert.Equal(t, CodeUnknownField, verr.Code)
	assert.Equal(t, "hostnme", verr.Field)
}

func TestValidateMalformedNode(t *testing.T) {
	v := NewValidator(DefaultCatalog())

	// A node mixing variants is ambiguous.
	verr := v.Validate(&Expr{
		And:   []*Expr{Leaf("event_type", OpEq, "x")},
		Field: "severity",
		Op:    OpEq,
	})
	require.NotNil(t, verr)
	assert.Equal(t, CodeMalformedNode, verr.Code)
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"hostnme", "hostname", 1},
		{"src_ip", "dest_ip", 3},
		{"", "abc", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, editDistance(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
