package rules

import (
	"regexp"

	"github.com/flowgate/flowgate/internal/fault"
)

// Regex guard limits. These are a hard safety contract against ReDoS and
// catastrophic backtracking, not a style choice: patterns are authored by
// rule editors and matched against caller-supplied payload strings.
const (
	maxPatternLength = 256
	maxInputLength   = 4000
)

// RegexGuard validates regex patterns at parse time and match inputs at
// evaluation time. Shared by the parser (fail fast on bad patterns) and the
// evaluator (re-check input length on every call).
type RegexGuard struct{}

// ValidatePattern rejects empty patterns, patterns over 256 chars, lookbehind
// constructs and backreferences. Violations are InvalidDefinition faults
// attributed to path.
func (RegexGuard) ValidatePattern(pattern, path string) error {
	if pattern == "" {
		return fault.Invalid(path, "regex pattern must be non-empty")
	}
	if len(pattern) > maxPatternLength {
		return fault.Invalid(path, "regex pattern exceeds max length of %d", maxPatternLength)
	}
	if containsLookbehind(pattern) {
		return fault.Invalid(path, "lookbehind constructs are not allowed")
	}
	if containsBackreference(pattern) {
		return fault.Invalid(path, "backreference constructs are not allowed")
	}
	return nil
}

// ValidateInput rejects candidate match inputs longer than 4,000 chars.
func (RegexGuard) ValidateInput(value, path string) error {
	if len(value) > maxInputLength {
		return fault.Invalid(path, "regex input exceeds max length of %d", maxInputLength)
	}
	return nil
}

// Compile validates the pattern and compiles it anchored: the full input must
// match, not a substring.
func (g RegexGuard) Compile(pattern, path string) (*regexp.Regexp, error) {
	if err := g.ValidatePattern(pattern, path); err != nil {
		return nil, err
	}
	compiled, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		return nil, fault.Invalid(path, "invalid regex syntax")
	}
	return compiled, nil
}

func containsLookbehind(pattern string) bool {
	for i := 0; i+4 <= len(pattern); i++ {
		if pattern[i] == '(' && pattern[i+1] == '?' && pattern[i+2] == '<' {
			if pattern[i+3] == '=' || pattern[i+3] == '!' {
				return true
			}
		}
	}
	return false
}

func containsBackreference(pattern string) bool {
	for i := 0; i+1 < len(pattern); i++ {
		if pattern[i] == '\\' && pattern[i+1] >= '0' && pattern[i+1] <= '9' {
			return true
		}
	}
	return false
}
