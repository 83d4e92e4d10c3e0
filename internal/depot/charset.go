package depot

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// charsets maps P4CHARSET names onto encodings. A nil entry means the
// server text is already UTF-8.
var charsets = map[string]encoding.Encoding{
	"none":       nil,
	"auto":       nil,
	"utf8":       nil,
	"utf8-bom":   unicode.UTF8BOM,
	"utf16":      unicode.UTF16(unicode.LittleEndian, unicode.UseBOM),
	"iso8859-1":  charmap.ISO8859_1,
	"iso8859-5":  charmap.ISO8859_5,
	"iso8859-7":  charmap.ISO8859_7,
	"iso8859-15": charmap.ISO8859_15,
	"winansi":    charmap.Windows1252,
	"cp1251":     charmap.Windows1251,
	"cp1253":     charmap.Windows1253,
	"cp850":      charmap.CodePage850,
	"cp858":      charmap.CodePage858,
	"koi8-r":     charmap.KOI8R,
	"macosroman": charmap.Macintosh,
	"shiftjis":   japanese.ShiftJIS,
	"eucjp":      japanese.EUCJP,
	"cp936":      simplifiedchinese.GBK,
	"cp949":      korean.EUCKR,
	"cp950":      traditionalchinese.Big5,
}

// Charset converts description and user text between the server
// character set and UTF-8. File names are never converted.
type Charset struct {
	name string
	enc  encoding.Encoding
}

// LookupCharset resolves a P4CHARSET style name, falling back to IANA
// names. An empty name is UTF-8.
func LookupCharset(name string) (*Charset, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return &Charset{}, nil
	}
	if enc, ok := charsets[name]; ok {
		return &Charset{name: name, enc: enc}, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unknown p4 character set %q, please check your locale settings", name)
	}
	return &Charset{name: name, enc: enc}, nil
}

// CharsetFromEnv prefers P4CHARSET over the configured name.
func CharsetFromEnv(configured string) (*Charset, error) {
	if e := os.Getenv("P4CHARSET"); e != "" {
		return LookupCharset(e)
	}
	return LookupCharset(configured)
}

// Name returns the configured name, empty for UTF-8.
func (c *Charset) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Decode converts server text to UTF-8.
func (c *Charset) Decode(s string) (string, error) {
	if c == nil || c.enc == nil {
		return s, nil
	}
	out, err := c.enc.NewDecoder().String(s)
	if err != nil {
		return "", fmt.Errorf("decode %s text: %w", c.name, err)
	}
	return out, nil
}

// Encode converts UTF-8 text to the server character set.
func (c *Charset) Encode(s string) (string, error) {
	if c == nil || c.enc == nil {
		return s, nil
	}
	out, err := c.enc.NewEncoder().String(s)
	if err != nil {
		return "", fmt.Errorf("encode %s text: %w", c.name, err)
	}
	return out, nil
}
