package dsl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckRegexSafety(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"simple literal", "failed login", false},
		{"anchored alternation", "^(ssh|rdp|vnc)-session$", false},
		{"character class repeat", "user=[a-z0-9_]+", false},
		{"bounded repeat", "[0-9]{1,64}", false},
		{"empty pattern", "", true},
		{"over length cap", strings.Repeat("a", 257), true},
		{"nested quantifier", "(a+)+$", true},
		{"star over group star", "(ab*)*c", true},
		{"stacked quantifiers", "a++", true},
		{"group repeat", "(ab){2,}+", true},
		{"exponential dot shape", "x(.*)+y", true},
		{"huge bounded repeat", "a{1,100000}", true},
		{"huge exact repeat", "a{5000}", true},
		{"unbalanced paren", "(abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRegexSafety(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckRegexSafetyLengthBoundary(t *testing.T) {
	assert.NoError(t, CheckRegexSafety(strings.Repeat("a", MaxRegexLength)))
	assert.Error(t, CheckRegexSafety(strings.Repeat("a", MaxRegexLength+1)))
}
