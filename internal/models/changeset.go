package models

import "time"

// NodeID is the full hex id of a local changeset. The empty string is the
// null node.
type NodeID string

// ExtraChangelist is the reserved extra-metadata key holding the remote
// changelist id a changeset was converted from.
const ExtraChangelist = "p4"

// IsNull reports whether n is the null node.
func (n NodeID) IsNull() bool { return n == "" }

// Short returns the abbreviated form used in listings.
func (n NodeID) Short() string {
	if len(n) > 12 {
		return string(n[:12])
	}
	return string(n)
}

// Changeset represents an immutable local commit.
type Changeset struct {
	ID          NodeID
	Parents     []NodeID
	Files       []string
	Description string
	Author      string
	Date        time.Time
	Extra       map[string]string
}

// Changelist returns the remote changelist id recorded on the changeset.
func (c *Changeset) Changelist() (string, bool) {
	if c == nil || c.Extra == nil {
		return "", false
	}
	v, ok := c.Extra[ExtraChangelist]
	return v, ok
}

// FileMode is the host flag string of a file: "" regular, "x" executable,
// "l" symlink.
type FileMode string

const (
	ModeRegular FileMode = ""
	ModeExec    FileMode = "x"
	ModeLink    FileMode = "l"
)

// PathMode pairs a repository path with its mode.
type PathMode struct {
	Path string
	Mode FileMode
}
