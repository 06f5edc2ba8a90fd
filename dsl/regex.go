package dsl

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// MaxRegexLength is the maximum accepted pattern length.
const MaxRegexLength = 256

// probeMatchTimeout bounds the probe match used to catch patterns the shape
// heuristics miss. The heuristics are not a proof, only a filter.
const probeMatchTimeout = 50 * time.Millisecond

// CheckRegexSafety rejects patterns that are too long, fail to compile, or
// exhibit known catastrophic-backtracking shapes (nested or stacked
// quantifiers, exponential repetition, oversized bounded repeats).
func CheckRegexSafety(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("regex pattern must not be empty")
	}
	if len(pattern) > MaxRegexLength {
		return fmt.Errorf("regex pattern length %d exceeds maximum %d", len(pattern), MaxRegexLength)
	}

	if hasNestedQuantifiers(pattern) {
		return fmt.Errorf("regex pattern contains nested quantifiers (potential catastrophic backtracking)")
	}
	if hasExponentialRepetition(pattern) {
		return fmt.Errorf("regex pattern contains an exponential repetition shape")
	}
	if hasLargeRepetitionRange(pattern) {
		return fmt.Errorf("regex pattern contains a very large repetition range")
	}

	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %v", err)
	}

	// Probe with an adversarial non-matching input; a timeout here means the
	// pattern backtracks badly even though the shape checks passed.
	re.MatchTimeout = probeMatchTimeout
	probe := strings.Repeat("a", 128) + "!"
	if _, err := re.MatchString(probe); err != nil {
		return fmt.Errorf("regex pattern exceeded the backtracking budget on a probe input")
	}

	return nil
}

// hasNestedQuantifiers detects shapes like (a+)+ or stacked quantifiers (a++).
func hasNestedQuantifiers(pattern string) bool {
	depth := 0
	i := 0
	for i < len(pattern) {
		char := pattern[i]

		if char == '\\' && i+1 < len(pattern) {
			i += 2
			continue
		}

		switch char {
		case '(':
			depth++
		case ')':
			if i+1 < len(pattern) {
				next := pattern[i+1]
				if (next == '+' || next == '*' || next == '{') && depth > 1 {
					return true
				}
			}
			depth--
		case '+', '*':
			if i > 0 {
				prev := pattern[i-1]
				if prev == '+' || prev == '*' || prev == '}' {
					return true
				}
			}
		case '{':
			if i > 0 && pattern[i-1] == ')' && depth >= 1 {
				return true
			}
			for i < len(pattern) && pattern[i] != '}' {
				i++
			}
		}
		i++
	}
	return false
}

// hasExponentialRepetition matches the textbook exponential shapes.
func hasExponentialRepetition(pattern string) bool {
	dangerous := []string{
		"(a+)+", "(a*)*", "(a+)*", "(a*)+",
		"(.*)+", "(.*)*", "(.+)+", "(.+)*",
		"(a|a)+", "(a|a)*",
	}
	for _, shape := range dangerous {
		if strings.Contains(pattern, shape) {
			return true
		}
	}
	return false
}

// hasLargeRepetitionRange detects {n,m} repeats with bounds above 1000.
func hasLargeRepetitionRange(pattern string) bool {
	const limit = 1000
	i := 0
	for i < len(pattern) {
		if pattern[i] == '\\' {
			i += 2
			continue
		}
		if pattern[i] != '{' {
			i++
			continue
		}
		j := i + 1
		start := 0
		for j < len(pattern) && pattern[j] >= '0' && pattern[j] <= '9' {
			start = start*10 + int(pattern[j]-'0')
			j++
		}
		if start > limit {
			return true
		}
		if j < len(pattern) && pattern[j] == ',' {
			j++
			if j < len(pattern) && pattern[j] == '}' && start > limit {
				return true
			}
			end := 0
			digits := false
			for j < len(pattern) && pattern[j] >= '0' && pattern[j] <= '9' {
				end = end*10 + int(pattern[j]-'0')
				digits = true
				j++
			}
			if digits && end > limit {
				return true
			}
		}
		i = j + 1
	}
	return false
}
