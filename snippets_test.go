package metafs

import (
	"context"
	"testing"
)

func TestServiceSnippets(t *testing.T) {
	svc, err := New(context.Background(), &Config{
		Snippets: []Snippet{
			{Label: "Read CSV", Pattern: `\.csv$`, Template: `pd.read_csv("{{path}}")`},
			{Label: "Read parquet", Pattern: `\.parquet$`, Template: `pd.read_parquet("{{path}}")`},
			{Label: "Open", Template: `open("{{path}}")`},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	tests := []struct {
		path string
		want []string
	}{
		{path: "", want: []string{"Read CSV", "Read parquet", "Open"}},
		{path: "d1:data/a.csv", want: []string{"Read CSV", "Open"}},
		{path: "d1:data/a.parquet", want: []string{"Read parquet", "Open"}},
		{path: "d1:notes.txt", want: []string{"Open"}},
	}
	for _, tt := range tests {
		got := svc.Snippets(tt.path)
		if len(got) != len(tt.want) {
			t.Errorf("Snippets(%q) = %d entries, want %d", tt.path, len(got), len(tt.want))
			continue
		}
		for i, sn := range got {
			if sn.Label != tt.want[i] {
				t.Errorf("Snippets(%q)[%d] = %q, want %q", tt.path, i, sn.Label, tt.want[i])
			}
		}
	}
}

func TestSnippetMatchesUncompiled(t *testing.T) {
	sn := Snippet{Label: "x", Template: "y", Pattern: `^d1:`}
	if !sn.Matches("d1:a") || sn.Matches("d2:a") {
		t.Error("uncompiled pattern not applied")
	}
	if (Snippet{Pattern: "("}).Matches("anything") {
		t.Error("invalid pattern should match nothing")
	}
}
