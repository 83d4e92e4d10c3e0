// Package reference embeds local node ids in remote changelist
// descriptions and recovers them again.
package reference

import (
	"regexp"
	"strings"

	"github.com/niczy/p4bridge/internal/models"
)

// VCS is the name written into every token.
const VCS = "mercurial"

// Placeholder replaces a token when comparing descriptions.
const Placeholder = "{{}}"

var tokenRe = regexp.MustCompile(`\{\{` + VCS + ` (([0-9a-f]{40})(:([0-9a-f]{40}))?)\}\}`)

// Ref is an inclusive contiguous range of local nodes. First equals Last
// for a single node.
type Ref struct {
	First models.NodeID
	Last  models.NodeID
}

// Single returns a reference to one node.
func Single(n models.NodeID) Ref { return Ref{First: n, Last: n} }

// Range returns a reference from first to last. A one-element range
// collapses to Single.
func Range(first, last models.NodeID) Ref { return Ref{First: first, Last: last} }

// IsSingle reports whether the reference names one node.
func (r Ref) IsSingle() bool { return r.First == r.Last }

// String renders the token, e.g. "{{mercurial a[:b]}}".
func (r Ref) String() string {
	if r.IsSingle() {
		return "{{" + VCS + " " + string(r.Last) + "}}"
	}
	return "{{" + VCS + " " + string(r.First) + ":" + string(r.Last) + "}}"
}

// Match is a token found in a description.
type Match struct {
	Ref
	Start, End int
}

// Find returns the first token in desc.
func Find(desc string) (Match, bool) {
	m := tokenRe.FindStringSubmatchIndex(desc)
	if m == nil {
		return Match{}, false
	}
	first := models.NodeID(desc[m[4]:m[5]])
	last := first
	if m[8] >= 0 {
		last = models.NodeID(desc[m[8]:m[9]])
	}
	return Match{Ref: Ref{First: first, Last: last}, Start: m[0], End: m[1]}, true
}

// Parse returns the reference embedded in desc.
func Parse(desc string) (Ref, bool) {
	m, ok := Find(desc)
	return m.Ref, ok
}

// Mask replaces every token with Placeholder, so two descriptions of the
// same changes compare equal regardless of the nodes they name.
func Mask(desc string) string {
	return tokenRe.ReplaceAllString(desc, Placeholder)
}

// Strip removes the first token from desc and collapses the blank lines
// it leaves at the end.
func Strip(desc string) string {
	m, ok := Find(desc)
	if !ok {
		return desc
	}
	out := desc[:m.Start] + desc[m.End:]
	if strings.HasSuffix(out, "\n\n\n") {
		out = out[:len(out)-2]
	}
	return out
}

// Describe joins node descriptions into one changelist description and
// appends the token for ref.
func Describe(descs []string, ref Ref) string {
	return strings.Join(descs, "\n* * *\n") + "\n\n" + ref.String() + "\n"
}
