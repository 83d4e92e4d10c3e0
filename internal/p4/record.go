package p4

import (
	"strconv"
	"strings"
)

// Record codes carried in the "code" field.
const (
	CodeStat   = "stat"
	CodeInfo   = "info"
	CodeError  = "error"
	CodeText   = "text"
	CodeBinary = "binary"
)

// Severity levels reported on error records.
const (
	SeverityEmpty  = 0
	SeverityInfo   = 1
	SeverityWarn   = 2
	SeverityFailed = 3
	SeverityFatal  = 4
)

// GenericEmpty is the generic code for benign "nothing to do" replies such as
// "file(s) up-to-date".
const GenericEmpty = 17

// Record is one dictionary returned by the server.
type Record map[string]any

// Code returns the record's status field.
func (r Record) Code() string { return r.Get("code") }

// Data returns the trimmed message text of info/error records.
func (r Record) Data() string { return strings.TrimSpace(r.Get("data")) }

// Get returns the field as a string; ints are formatted in decimal.
func (r Record) Get(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Has reports whether the field is present.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Int returns the field as an int. String values are parsed.
func (r Record) Int(key string) (int, bool) {
	switch v := r[key].(type) {
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Indexed returns the values of key0, key1, ... until the first gap.
func (r Record) Indexed(key string) []string {
	var out []string
	for i := 0; ; i++ {
		k := key + strconv.Itoa(i)
		if !r.Has(k) {
			return out
		}
		out = append(out, r.Get(k))
	}
}

// IsBenign reports whether an error record is a no-op or warning that
// callers may log instead of aborting on.
func IsBenign(r Record) bool {
	generic, _ := r.Int("generic")
	severity, _ := r.Int("severity")
	return generic == GenericEmpty || severity == SeverityWarn
}
