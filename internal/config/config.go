// Package config reads and writes the bridge's settings, kept in the
// [p4bridge] section of a git-config-format file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	format "github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/niczy/p4bridge/internal/depot"
)

// Section is the config section holding the bridge keys.
const Section = "p4bridge"

// Options are the bridge settings. Move and Copy are nil until configured
// or probed.
type Options struct {
	// Default is the remote location recorded by clone.
	Default        string
	Keep           bool
	Submit         bool
	LowercasePaths bool
	IgnoreCase     bool
	Tags           bool
	PullTrimLog    bool
	ClientUser     string
	Encoding       string
	MaxArgs        int
	Move           *bool
	Copy           *bool
	// P4 is the p4 binary, empty for the one on PATH.
	P4 string
}

// Default returns the settings used when no file exists.
func Default() Options {
	return Options{Keep: true, Tags: true}
}

// PathFor returns the config file of the repository at dir: the git config
// when dir is a git work tree, a standalone file otherwise.
func PathFor(dir string) string {
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err == nil && fi.IsDir() {
		return filepath.Join(dir, ".git", "config")
	}
	return filepath.Join(dir, ".p4bridge")
}

// Load reads the options from path. A missing file yields the defaults.
func Load(path string) (Options, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Options{}, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes options from a git-config-format stream.
func Parse(r io.Reader) (Options, error) {
	raw := format.New()
	if err := format.NewDecoder(r).Decode(raw); err != nil {
		return Options{}, fmt.Errorf("parse config: %w", err)
	}
	return FromRaw(raw)
}

// FromRaw extracts the options from a decoded config.
func FromRaw(raw *format.Config) (Options, error) {
	o := Default()
	if raw.HasSection("paths") {
		o.Default = raw.Section("paths").Option("default")
	}
	if !raw.HasSection(Section) {
		return o, nil
	}
	s := raw.Section(Section)

	var err error
	bools := []struct {
		key string
		dst *bool
	}{
		{"keep", &o.Keep},
		{"submit", &o.Submit},
		{"lowercasepaths", &o.LowercasePaths},
		{"ignorecase", &o.IgnoreCase},
		{"tags", &o.Tags},
		{"pull_trim_log", &o.PullTrimLog},
	}
	for _, b := range bools {
		if !s.HasOption(b.key) {
			continue
		}
		if *b.dst, err = parseBool(s.Option(b.key)); err != nil {
			return Options{}, fmt.Errorf("%s.%s: %w", Section, b.key, err)
		}
	}
	for _, t := range []struct {
		key string
		dst **bool
	}{{"move", &o.Move}, {"copy", &o.Copy}} {
		if !s.HasOption(t.key) {
			continue
		}
		v, err := parseBool(s.Option(t.key))
		if err != nil {
			return Options{}, fmt.Errorf("%s.%s: %w", Section, t.key, err)
		}
		*t.dst = &v
	}
	if s.HasOption("maxargs") {
		// an unparsable value selects the platform default
		if n, err := strconv.Atoi(strings.TrimSpace(s.Option("maxargs"))); err == nil {
			o.MaxArgs = n
		}
	}
	o.ClientUser = s.Option("clientuser")
	o.Encoding = s.Option("encoding")
	o.P4 = s.Option("p4")
	return o, nil
}

// Charset resolves the text character set, P4CHARSET taking precedence
// over the configured encoding.
func (o Options) Charset() (*depot.Charset, error) {
	return depot.CharsetFromEnv(o.Encoding)
}

// Save writes the options into path, keeping every other section.
func Save(path string, o Options) error {
	raw := format.New()
	if data, err := os.ReadFile(path); err == nil {
		if err := format.NewDecoder(bytes.NewReader(data)).Decode(raw); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	Apply(raw, o)

	var buf bytes.Buffer
	if err := format.NewEncoder(&buf).Encode(raw); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Apply sets the options into raw, replacing the [p4bridge] section.
func Apply(raw *format.Config, o Options) {
	if o.Default != "" {
		raw.Section("paths").SetOption("default", o.Default)
	}
	raw.RemoveSection(Section)
	s := raw.Section(Section)
	s.SetOption("ignorecase", strconv.FormatBool(o.IgnoreCase))
	s.SetOption("keep", strconv.FormatBool(o.Keep))
	s.SetOption("lowercasepaths", strconv.FormatBool(o.LowercasePaths))
	s.SetOption("tags", strconv.FormatBool(o.Tags))
	if o.Submit {
		s.SetOption("submit", "true")
	}
	if o.PullTrimLog {
		s.SetOption("pull_trim_log", "true")
	}
	if o.Encoding != "" {
		s.SetOption("encoding", o.Encoding)
	}
	if o.ClientUser != "" {
		s.SetOption("clientuser", o.ClientUser)
	}
	if o.MaxArgs > 0 {
		s.SetOption("maxargs", strconv.Itoa(o.MaxArgs))
	}
	if o.Move != nil {
		s.SetOption("move", strconv.FormatBool(*o.Move))
	}
	if o.Copy != nil {
		s.SetOption("copy", strconv.FormatBool(*o.Copy))
	}
	if o.P4 != "" {
		s.SetOption("p4", o.P4)
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "true", "on", "always":
		return true, nil
	case "0", "no", "false", "off", "never", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}
