package metafs

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in       string
		selector string
		subpath  string
		wantErr  bool
	}{
		{in: "drive1:dir/file.txt", selector: "drive1", subpath: "dir/file.txt"},
		{in: "drive1:dir/a:b.txt", selector: "drive1", subpath: "dir/a:b.txt"},
		{in: "drive1:", selector: "drive1", subpath: ""},
		{in: "/drive1:x", selector: "drive1", subpath: "x"},
		{in: "", selector: RootSelector, subpath: ""},
		{in: "no-delimiter", selector: RootSelector, subpath: "no-delimiter"},
		{in: ":file.txt", wantErr: true},
		{in: "a/b:file.txt", wantErr: true},
		{in: "//drive1:x", wantErr: true},
		{in: `a\b:file.txt`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePath(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPath) {
					t.Errorf("expected ErrMalformedPath, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Selector != tt.selector || got.Subpath != tt.subpath {
				t.Errorf("got (%q, %q), want (%q, %q)", got.Selector, got.Subpath, tt.selector, tt.subpath)
			}
		})
	}
}

func TestParsePathRoundTrip(t *testing.T) {
	for _, in := range []string{
		"a:b",
		"drive:",
		"drive:dir/sub/file.txt",
		"drive:dir/with:colons:inside",
		"drive:trailing/",
		"d-1_x:.hidden/../odd//path",
		"s:\u00fcn\u00efc\u00f6d\u00e9",
	} {
		p, err := ParsePath(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if p.String() != in {
			t.Errorf("round trip %q -> %q", in, p.String())
		}
	}
}

func TestParsePathLeadingSlash(t *testing.T) {
	p, err := ParsePath("/d:x")
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != "d:x" {
		t.Errorf("String() = %q, want the slash dropped", p.String())
	}
	again, err := ParsePath(p.String())
	if err != nil || again != p {
		t.Errorf("reparse = %+v, %v; want %+v", again, err, p)
	}
}

func TestNamespacedPathClean(t *testing.T) {
	tests := []struct {
		subpath string
		want    string
	}{
		{"", ""},
		{"/", ""},
		{"a/b/", "a/b"},
		{"a//b", "a/b"},
		{`a\b\c.txt`, "a/b/c.txt"},
		{"a/./b", "a/b"},
		{"../../etc/passwd", "etc/passwd"},
		{"a/../../b", "b"},
	}

	for _, tt := range tests {
		p := NamespacedPath{Selector: "d", Subpath: tt.subpath}
		if got := p.Clean(); got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.subpath, got, tt.want)
		}
	}
}

func TestNamespacedPathHelpers(t *testing.T) {
	p := MustParsePath("d:dir/sub/file.txt")

	if p.Name() != "file.txt" {
		t.Errorf("Name() = %q", p.Name())
	}
	if got := p.Dir().String(); got != "d:dir/sub" {
		t.Errorf("Dir() = %q", got)
	}
	if got := p.Dir().Dir().Dir().String(); got != "d:" {
		t.Errorf("Dir() to root = %q", got)
	}
	if got := MustParsePath("d:dir").Join("a", "b.txt").String(); got != "d:dir/a/b.txt" {
		t.Errorf("Join() = %q", got)
	}
	if segs := p.Segments(); len(segs) != 3 || segs[2] != "file.txt" {
		t.Errorf("Segments() = %v", segs)
	}
	if MustParsePath("d:").Name() != "d" {
		t.Error("resource root should be named after its selector")
	}
	if !MustParsePath("").IsRoot() || MustParsePath("d:").IsRoot() {
		t.Error("IsRoot mismatch")
	}
}

func TestMustParsePathPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustParsePath(":x")
}
