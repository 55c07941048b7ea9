package metafs

import (
	"fmt"
	"regexp"
)

// Validator decides whether a connection URI may be registered. Rules are
// full-match regular expressions combined with OR. Validation is pure and
// never consults registry state.
type Validator struct {
	rules []*regexp.Regexp
	opts  ValidatorOptions
}

// ValidatorOptions configures the Validator behavior.
type ValidatorOptions struct {
	// DenyWhenEmpty makes an empty rule set deny every URI instead of
	// allowing all of them.
	DenyWhenEmpty bool
}

// ValidatorOption is a functional option for configuring a Validator.
type ValidatorOption func(*ValidatorOptions)

// WithDenyWhenEmpty makes a validator without rules deny everything.
func WithDenyWhenEmpty(deny bool) ValidatorOption {
	return func(o *ValidatorOptions) {
		o.DenyWhenEmpty = deny
	}
}

// NewValidator compiles patterns. Each pattern must match the entire URI.
//
// Example:
//
//	// local paths only, and never with a password in the URI
//	v, err := NewValidator([]string{`osfs://([^@]*|[^:]*[:][@].*)`})
func NewValidator(patterns []string, options ...ValidatorOption) (*Validator, error) {
	v := &Validator{rules: make([]*regexp.Regexp, 0, len(patterns))}
	for _, opt := range options {
		opt(&v.opts)
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid resource validator %q: %w", p, err)
		}
		v.rules = append(v.rules, re)
	}
	return v, nil
}

// Allow reports whether uri passes the rule set.
func (v *Validator) Allow(uri string) bool {
	if v == nil {
		return true
	}
	if len(v.rules) == 0 {
		return !v.opts.DenyWhenEmpty
	}
	for _, re := range v.rules {
		if re.MatchString(uri) {
			return true
		}
	}
	return false
}

// Validate returns ErrRegistrationDenied when uri does not pass. The error
// carries no detail about the rules.
func (v *Validator) Validate(uri string) error {
	if v.Allow(uri) {
		return nil
	}
	return ErrRegistrationDenied
}

// Len returns the number of configured rules.
func (v *Validator) Len() int {
	if v == nil {
		return 0
	}
	return len(v.rules)
}
