package depot

import (
	"regexp"
	"strings"

	"github.com/niczy/p4bridge/internal/models"
)

var (
	typeRe        = regexp.MustCompile(`^([a-z]+)?(text|binary|symlink|apple|resource|unicode|utf\d+)(\+\w+)?$`)
	keywordsRe    = regexp.MustCompile(`\$(Id|Header|Date|DateTime|Change|File|Revision|Author):[^$\n]*\$`)
	keywordsOldRe = regexp.MustCompile(`\$(Id|Header):[^$\n]*\$`)
)

// FileType is a decoded server file type such as "xtext" or "text+ko".
type FileType struct {
	Base     string
	Mode     models.FileMode
	keywords *regexp.Regexp
	UTF16    bool
}

// ParseFileType decodes a server type string. Unknown types decode to a
// zero FileType.
func ParseFileType(t string) FileType {
	m := typeRe.FindStringSubmatch(t)
	if m == nil {
		return FileType{}
	}
	ft := FileType{Base: m[2]}
	flags := m[1] + m[3]
	if strings.Contains(flags, "x") {
		ft.Mode = models.ModeExec
	}
	if ft.Base == "symlink" {
		ft.Mode = models.ModeLink
	}
	if ft.Base == "utf16" {
		ft.UTF16 = true
	}
	switch {
	case strings.Contains(flags, "ko"):
		ft.keywords = keywordsOldRe
	case strings.Contains(flags, "k"):
		ft.keywords = keywordsRe
	}
	return ft
}

// Expands reports whether the server expands RCS keywords in this type.
func (ft FileType) Expands() bool { return ft.keywords != nil }

// CollapseKeywords turns expanded keywords like "$Id: //a#3 $" back into
// "$Id$".
func (ft FileType) CollapseKeywords(data []byte) []byte {
	if ft.keywords == nil {
		return data
	}
	return ft.keywords.ReplaceAll(data, []byte("$$${1}$$"))
}

// TypeFlag returns the -t argument for opening a file with mode m, or ""
// for a regular file.
func TypeFlag(m models.FileMode) string {
	switch m {
	case models.ModeLink:
		return "symlink"
	case models.ModeExec:
		return "+x"
	default:
		return ""
	}
}

// WithoutExec returns the type t with the executable modifier removed, for
// files that lost their exec bit.
func WithoutExec(t string) string {
	m := typeRe.FindStringSubmatch(t)
	if m == nil {
		return t
	}
	prefix := strings.ReplaceAll(m[1], "x", "")
	mods := strings.ReplaceAll(m[3], "x", "")
	if mods == "+" {
		mods = ""
	}
	return prefix + m[2] + mods
}
