package metafs

import (
	"strings"
)

// DefaultHiddenPrefix marks hidden path segments.
const DefaultHiddenPrefix = "."

// HiddenPolicy decides visibility of hidden entries independently of what
// "hidden" means to a backend. The dispatcher applies it after adapters
// return; adapters never see it.
type HiddenPolicy struct {
	// AllowHidden exposes hidden entries in listings and to direct access.
	AllowHidden bool
	// Prefix marks a hidden segment. Empty means DefaultHiddenPrefix.
	Prefix string
	// Strict reports denied direct access as ErrNotExist instead of
	// ErrHiddenAccessDenied.
	Strict bool
}

func (h HiddenPolicy) prefix() string {
	if h.Prefix == "" {
		return DefaultHiddenPrefix
	}
	return h.Prefix
}

// IsHidden reports whether any segment of subpath begins with the prefix.
func (h HiddenPolicy) IsHidden(subpath string) bool {
	prefix := h.prefix()
	for _, seg := range strings.Split(CleanPath(subpath), "/") {
		if seg != "" && strings.HasPrefix(seg, prefix) {
			return true
		}
	}
	return false
}

// Check returns the policy error for a direct access to p, or nil when the
// access is allowed.
func (h HiddenPolicy) Check(op string, p NamespacedPath) error {
	if h.AllowHidden || p.IsRoot() || !h.IsHidden(p.Subpath) {
		return nil
	}
	err := ErrHiddenAccessDenied
	if h.Strict {
		err = ErrNotExist
	}
	return &PathError{Op: op, Selector: p.Selector, Path: p.Clean(), Err: err}
}

// Filter drops hidden entries unless hidden entries are allowed. Entries
// are tested on their full backend-relative path. The input slice is not
// modified.
func (h HiddenPolicy) Filter(entries []FileInfo) []FileInfo {
	if h.AllowHidden {
		return entries
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		p := e.Path
		if p == "" {
			p = e.Name
		}
		if h.IsHidden(p) {
			continue
		}
		out = append(out, e)
	}
	return out
}
