package metafs

import (
	"strings"

	"github.com/gobwas/glob"
)

// EntryMatcher filters entries during Find and polling watches. Entries
// carry their path relative to the resource root in FileInfo.Path.
//
// Example:
//
//	m := metafs.And(
//	    metafs.MustGlob("notebooks/**.ipynb"),
//	    metafs.MatchFunc(func(e *metafs.FileInfo) bool { return e.Size < 1<<20 }),
//	)
//	models, err := d.Find(ctx, "work:notebooks", m)
type EntryMatcher interface {
	// Match reports whether the entry belongs in the result.
	Match(entry *FileInfo) bool

	// TraverseDescendants reports whether the children of a directory are
	// visited. Returning false prunes the whole subtree.
	TraverseDescendants(dir *FileInfo) bool
}

type allMatcher struct{}

func (allMatcher) Match(*FileInfo) bool               { return true }
func (allMatcher) TraverseDescendants(*FileInfo) bool { return true }

// All matches every entry.
func All() EntryMatcher {
	return allMatcher{}
}

type globMatcher struct {
	g glob.Glob
}

// Glob compiles a pattern matched against the resource-relative path with
// '/' as separator: '*' stays within one segment, '**' crosses segments.
// Character classes and {a,b} alternatives are supported.
func Glob(pattern string) (EntryMatcher, error) {
	g, err := glob.Compile(strings.TrimPrefix(CleanPath(pattern), "/"), '/')
	if err != nil {
		return nil, err
	}
	return &globMatcher{g: g}, nil
}

// MustGlob is like Glob but panics on an invalid pattern.
func MustGlob(pattern string) EntryMatcher {
	m, err := Glob(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *globMatcher) Match(entry *FileInfo) bool {
	return m.g.Match(entry.Path)
}

func (m *globMatcher) TraverseDescendants(*FileInfo) bool { return true }

type depthMatcher struct {
	base     string
	maxDepth int
}

// Depth limits traversal to maxDepth levels below base. Direct children of
// base are at depth 1.
func Depth(base string, maxDepth int) EntryMatcher {
	return &depthMatcher{base: CleanPath(base), maxDepth: maxDepth}
}

func (m *depthMatcher) depth(p string) int {
	rel := strings.TrimPrefix(strings.TrimPrefix(p, m.base), "/")
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func (m *depthMatcher) Match(entry *FileInfo) bool {
	return m.depth(entry.Path) <= m.maxDepth
}

func (m *depthMatcher) TraverseDescendants(dir *FileInfo) bool {
	return m.depth(dir.Path) < m.maxDepth
}

type andMatcher []EntryMatcher

// And matches when every matcher matches. Descent stops as soon as one
// matcher prunes.
func And(matchers ...EntryMatcher) EntryMatcher {
	return andMatcher(matchers)
}

func (a andMatcher) Match(entry *FileInfo) bool {
	for _, m := range a {
		if !m.Match(entry) {
			return false
		}
	}
	return true
}

func (a andMatcher) TraverseDescendants(dir *FileInfo) bool {
	for _, m := range a {
		if !m.TraverseDescendants(dir) {
			return false
		}
	}
	return true
}

type orMatcher []EntryMatcher

// Or matches when any matcher matches.
func Or(matchers ...EntryMatcher) EntryMatcher {
	return orMatcher(matchers)
}

func (o orMatcher) Match(entry *FileInfo) bool {
	for _, m := range o {
		if m.Match(entry) {
			return true
		}
	}
	return false
}

func (o orMatcher) TraverseDescendants(dir *FileInfo) bool {
	for _, m := range o {
		if m.TraverseDescendants(dir) {
			return true
		}
	}
	return false
}

type notMatcher struct {
	m EntryMatcher
}

// Not inverts Match. Traversal is left to the wrapped matcher.
func Not(m EntryMatcher) EntryMatcher {
	return notMatcher{m: m}
}

func (n notMatcher) Match(entry *FileInfo) bool { return !n.m.Match(entry) }

func (n notMatcher) TraverseDescendants(dir *FileInfo) bool {
	return n.m.TraverseDescendants(dir)
}

type funcMatcher struct {
	match    func(*FileInfo) bool
	traverse func(*FileInfo) bool
}

// MatchFunc adapts a predicate. Every directory is traversed.
func MatchFunc(fn func(*FileInfo) bool) EntryMatcher {
	return funcMatcher{match: fn}
}

// MatchFuncs adapts a predicate and a traversal rule.
func MatchFuncs(match, traverse func(*FileInfo) bool) EntryMatcher {
	return funcMatcher{match: match, traverse: traverse}
}

func (f funcMatcher) Match(entry *FileInfo) bool { return f.match(entry) }

func (f funcMatcher) TraverseDescendants(dir *FileInfo) bool {
	if f.traverse == nil {
		return true
	}
	return f.traverse(dir)
}
