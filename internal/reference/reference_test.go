package reference

import (
	"strings"
	"testing"

	"github.com/niczy/p4bridge/internal/models"
)

const (
	nodeA = models.NodeID("1111111111111111111111111111111111111111")
	nodeB = models.NodeID("abcdefabcdefabcdefabcdefabcdefabcdef0123")
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		ref  Ref
		text string
	}{
		{"single", Single(nodeA), "{{mercurial " + string(nodeA) + "}}"},
		{"range", Range(nodeA, nodeB), "{{mercurial " + string(nodeA) + ":" + string(nodeB) + "}}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ref.String(); got != tc.text {
				t.Fatalf("String = %q, want %q", got, tc.text)
			}
			desc := Describe([]string{"first", "second"}, tc.ref)
			got, ok := Parse(desc)
			if !ok {
				t.Fatalf("no token found in %q", desc)
			}
			if got != tc.ref {
				t.Fatalf("Parse = %+v, want %+v", got, tc.ref)
			}
		})
	}
}

func TestDescribeLayout(t *testing.T) {
	desc := Describe([]string{"one", "two"}, Single(nodeB))
	want := "one\n* * *\ntwo\n\n{{mercurial " + string(nodeB) + "}}\n"
	if desc != want {
		t.Fatalf("Describe = %q, want %q", desc, want)
	}
}

func TestParseRejectsShortIDs(t *testing.T) {
	if _, ok := Parse("fix {{mercurial abc123}}"); ok {
		t.Fatal("abbreviated ids must not parse")
	}
	if _, ok := Parse("plain description"); ok {
		t.Fatal("unexpected token")
	}
}

func TestMask(t *testing.T) {
	a := Describe([]string{"fix"}, Single(nodeA))
	b := Describe([]string{"fix"}, Range(nodeA, nodeB))
	if Mask(a) != Mask(b) {
		t.Fatalf("masked descriptions differ: %q vs %q", Mask(a), Mask(b))
	}
	if !strings.Contains(Mask(a), Placeholder) {
		t.Fatalf("placeholder missing from %q", Mask(a))
	}
}

func TestStrip(t *testing.T) {
	desc := Describe([]string{"fix"}, Single(nodeA))
	if got := Strip(desc); got != "fix\n" {
		t.Fatalf("Strip = %q", got)
	}
	if got := Strip("untouched\n"); got != "untouched\n" {
		t.Fatalf("Strip changed a description without a token: %q", got)
	}
}
