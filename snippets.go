package metafs

import (
	"fmt"
	"regexp"
)

// Snippet is a server-configured code template offered for files whose
// path matches Pattern, e.g. a pandas loader for "*.csv" entries.
type Snippet struct {
	Label    string `mapstructure:"label" json:"label" validate:"required"`
	Caption  string `mapstructure:"caption" json:"caption,omitempty"`
	Pattern  string `mapstructure:"pattern" json:"pattern,omitempty"`
	Template string `mapstructure:"template" json:"template" validate:"required"`

	re *regexp.Regexp
}

func compileSnippets(snippets []Snippet) ([]Snippet, error) {
	out := make([]Snippet, len(snippets))
	for i, s := range snippets {
		if s.Pattern != "" {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, fmt.Errorf("snippets[%d]: %w", i, err)
			}
			s.re = re
		}
		out[i] = s
	}
	return out, nil
}

// Matches reports whether the snippet applies to path. A snippet without a
// pattern applies everywhere.
func (s Snippet) Matches(path string) bool {
	if s.Pattern == "" {
		return true
	}
	re := s.re
	if re == nil {
		var err error
		if re, err = regexp.Compile(s.Pattern); err != nil {
			return false
		}
	}
	return re.MatchString(path)
}

// Snippets returns the configured snippets that apply to path, or all of
// them when path is empty.
func (s *Service) Snippets(path string) []Snippet {
	out := make([]Snippet, 0, len(s.snippets))
	for _, sn := range s.snippets {
		if path == "" || sn.Matches(path) {
			out = append(out, sn)
		}
	}
	return out
}
