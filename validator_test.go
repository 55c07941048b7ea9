package metafs

import (
	"errors"
	"testing"
)

func TestValidatorEmptyRuleSet(t *testing.T) {
	v, err := NewValidator(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, uri := range []string{"osfs:///tmp", "s3://k:s@bucket", "anything"} {
		if !v.Allow(uri) {
			t.Errorf("empty rule set should allow %q", uri)
		}
	}

	deny, _ := NewValidator(nil, WithDenyWhenEmpty(true))
	if deny.Allow("osfs:///tmp") {
		t.Error("DenyWhenEmpty should deny everything")
	}

	var nilValidator *Validator
	if !nilValidator.Allow("osfs:///tmp") || nilValidator.Len() != 0 {
		t.Error("nil validator should allow everything")
	}
}

func TestValidatorOrSemantics(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		allowed  []string
		denied   []string
	}{
		{
			name:     "disjoint rules",
			patterns: []string{`osfs://.*/test-valid-A.*`, `.*://.*/test-valid-B`},
			allowed: []string{
				"osfs:///tmp/test-valid-A",
				"osfs:///tmp/test-valid-A/non-existant",
				"mem://host/test-valid-B",
			},
			denied: []string{
				"osfs:///tmp/test-invalid",
				"mem://host/test-valid-A",
				"mem://host/test-valid-B/extra",
			},
		},
		{
			name:     "overlapping rules",
			patterns: []string{`osfs:///srv/.*`, `osfs:///srv/data/.*`},
			allowed:  []string{"osfs:///srv/data/x", "osfs:///srv/other"},
			denied:   []string{"osfs:///tmp/x"},
		},
		{
			name:     "full match not substring",
			patterns: []string{`osfs:///tmp`},
			allowed:  []string{"osfs:///tmp"},
			denied:   []string{"osfs:///tmp/sub", "xosfs:///tmp"},
		},
		{
			name:     "no password",
			patterns: []string{`osfs://([^@]*|[^:]*[:][@].*)`},
			allowed:  []string{"osfs:///tmp", "osfs://username:@/tmp"},
			denied:   []string{"osfs://username:pwd@/tmp", "osfs://:pwd@/tmp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(tt.patterns)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Len() != len(tt.patterns) {
				t.Errorf("expected %d rules, got %d", len(tt.patterns), v.Len())
			}
			for _, uri := range tt.allowed {
				if err := v.Validate(uri); err != nil {
					t.Errorf("%q should be allowed: %v", uri, err)
				}
			}
			for _, uri := range tt.denied {
				if err := v.Validate(uri); !errors.Is(err, ErrRegistrationDenied) {
					t.Errorf("%q should be denied, got %v", uri, err)
				}
			}
		})
	}
}

func TestValidatorInvalidPattern(t *testing.T) {
	if _, err := NewValidator([]string{`osfs://(unclosed`}); err == nil {
		t.Error("expected compile error")
	}
}

func TestValidatorDenialCarriesNoDetail(t *testing.T) {
	v, _ := NewValidator([]string{`secret-rule-.*`})
	err := v.Validate("osfs:///tmp")
	if err != ErrRegistrationDenied {
		t.Errorf("denial should be the bare sentinel, got %v", err)
	}
}
