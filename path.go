package metafs

import (
	"fmt"
	"path"
	"strings"
)

// Delimiter separates the selector from the subpath in a namespaced path.
const Delimiter = ':'

// RootSelector addresses the synthetic root whose entries are the
// registered selectors.
const RootSelector = ""

// NamespacedPath is a parsed selector:subpath pair. Subpath is kept as
// given so String reproduces the input, minus the leading slash ParsePath
// strips; use Clean for dispatch.
type NamespacedPath struct {
	Selector string
	Subpath  string
}

// ParsePath splits p on the first delimiter. A path without a delimiter
// addresses the synthetic root. A single leading slash is dropped and not
// restored by String: "/d:x" parses as "d:x". A second one makes the
// selector invalid, so "//d:x" fails with ErrMalformedPath.
//
// Example:
//
//	np, _ := ParsePath("drive1:dir/a:b.txt")
//	// np.Selector == "drive1", np.Subpath == "dir/a:b.txt"
func ParsePath(p string) (NamespacedPath, error) {
	p = strings.TrimPrefix(p, "/")

	selector, subpath, found := strings.Cut(p, string(Delimiter))
	if !found {
		return NamespacedPath{Selector: RootSelector, Subpath: p}, nil
	}
	if selector == "" {
		return NamespacedPath{}, fmt.Errorf("%w: empty selector in %q", ErrMalformedPath, p)
	}
	if strings.ContainsAny(selector, "/\\") {
		return NamespacedPath{}, fmt.Errorf("%w: invalid selector %q", ErrMalformedPath, selector)
	}
	return NamespacedPath{Selector: selector, Subpath: subpath}, nil
}

// MustParsePath is like ParsePath but panics on error.
func MustParsePath(p string) NamespacedPath {
	np, err := ParsePath(p)
	if err != nil {
		panic(err)
	}
	return np
}

// String re-joins the selector and subpath. Root paths render as the bare
// subpath.
func (p NamespacedPath) String() string {
	if p.IsRoot() {
		return p.Subpath
	}
	return p.Selector + string(Delimiter) + p.Subpath
}

// IsRoot reports whether p addresses the synthetic root selector.
func (p NamespacedPath) IsRoot() bool {
	return p.Selector == RootSelector
}

// Clean returns the canonical backend-relative form of the subpath:
// forward slashes, no leading or trailing slash, "." and ".." resolved
// without escaping the resource root. The resource root is "".
func (p NamespacedPath) Clean() string {
	return CleanPath(p.Subpath)
}

// Segments returns the cleaned subpath split on the canonical separator.
func (p NamespacedPath) Segments() []string {
	c := p.Clean()
	if c == "" {
		return nil
	}
	return strings.Split(c, "/")
}

// Name returns the last segment of the path, or the selector for a
// resource root.
func (p NamespacedPath) Name() string {
	c := p.Clean()
	if c == "" {
		return p.Selector
	}
	return path.Base(c)
}

// Join returns a path on the same selector with elem appended to the subpath.
func (p NamespacedPath) Join(elem ...string) NamespacedPath {
	parts := append([]string{p.Clean()}, elem...)
	return NamespacedPath{Selector: p.Selector, Subpath: CleanPath(path.Join(parts...))}
}

// Dir returns the parent of p on the same selector.
func (p NamespacedPath) Dir() NamespacedPath {
	c := p.Clean()
	if c == "" {
		return p
	}
	parent := path.Dir(c)
	if parent == "." {
		parent = ""
	}
	return NamespacedPath{Selector: p.Selector, Subpath: parent}
}

// CleanPath normalizes a backend-relative path. Backslashes are treated as
// separators so paths from Windows clients resolve the same way.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
