// Package p4 runs commands against a Perforce server. Every call spawns one
// `p4 -G` subprocess and streams the marshalled records it prints.
package p4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/logging"
)

// DefaultMaxArgs returns the file-argument threshold above which arguments
// are passed through a list file.
func DefaultMaxArgs() int {
	if runtime.GOOS == "windows" {
		return 25
	}
	return 250
}

// Options configures a Session.
type Options struct {
	// Server is the P4PORT, "host:port".
	Server string
	// Client is the client spec name, if any.
	Client string
	// Root is the client workspace root passed with -d.
	Root string
	// MaxArgs is the command-line file threshold; 0 selects DefaultMaxArgs.
	MaxArgs   int
	Transport Transport
	Logger    logging.Logger
}

// Session issues commands to one server on behalf of one client.
type Session struct {
	opts Options
	log  logging.Logger
}

// NewSession creates a session.
func NewSession(opts Options) *Session {
	if opts.MaxArgs < 1 {
		opts.MaxArgs = DefaultMaxArgs()
	}
	if opts.Transport == nil {
		opts.Transport = NewExecTransport("")
	}
	return &Session{opts: opts, log: logging.OrNop(opts.Logger)}
}

// Server returns the server address.
func (s *Session) Server() string { return s.opts.Server }

// Client returns the client name.
func (s *Session) Client() string { return s.opts.Client }

// Bind returns a copy of the session bound to a client and workspace root.
func (s *Session) Bind(client, root string) *Session {
	opts := s.opts
	opts.Client = client
	opts.Root = root
	return &Session{opts: opts, log: s.log}
}

type runConfig struct {
	files   []string
	noAbort bool
	input   Record
	client  string
}

// RunOption configures a single command.
type RunOption func(*runConfig)

// WithFiles appends file arguments, moving them to a list file when there
// are more than MaxArgs.
func WithFiles(files ...string) RunOption {
	return func(c *runConfig) { c.files = append(c.files, files...) }
}

// WithoutAbort returns error records to the caller instead of failing.
func WithoutAbort() RunOption {
	return func(c *runConfig) { c.noAbort = true }
}

// WithInput sends rec marshalled on stdin.
func WithInput(rec Record) RunOption {
	return func(c *runConfig) { c.input = rec }
}

// WithClient overrides the client name for this command.
func WithClient(client string) RunOption {
	return func(c *runConfig) { c.client = client }
}

// Run starts a command and returns an iterator over its records. args[0]
// is the p4 subcommand.
func (s *Session) Run(ctx context.Context, args []string, opts ...RunOption) *RecordIter {
	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	it := &RecordIter{command: strings.Join(args, " "), abort: !cfg.noAbort, log: s.log}

	argv := []string{"-G"}
	if s.opts.Server != "" {
		argv = append(argv, "-p", s.opts.Server)
	}
	client := s.opts.Client
	if cfg.client != "" {
		client = cfg.client
	}
	if client != "" {
		argv = append(argv, "-c", client)
	}
	if s.opts.Root != "" {
		argv = append(argv, "-d", s.opts.Root)
	}

	files := cfg.files
	if len(files) > s.opts.MaxArgs {
		name, err := writeListFile(files)
		if err != nil {
			it.err = fmt.Errorf("write p4 argument file: %w", err)
			return it
		}
		it.cleanup = func() { _ = os.Remove(name) }
		for _, f := range files {
			s.log.Debug("p4 list file entry", "file", f)
		}
		argv = append(argv, "-x", name)
		files = nil
	}
	argv = append(argv, args...)
	argv = append(argv, files...)

	inv := Invocation{Args: argv}
	if cfg.input != nil {
		var buf bytes.Buffer
		if err := Encode(&buf, cfg.input); err != nil {
			it.finish()
			it.err = fmt.Errorf("encode p4 input: %w", err)
			return it
		}
		inv.Stdin = buf.Bytes()
	}

	s.log.Debug("p4 run", "args", strings.Join(argv, " "))
	body, err := s.opts.Transport.Start(ctx, inv)
	if err != nil {
		it.finish()
		it.err = errs.Wrap(errs.RemoteCommandError, err, fmt.Sprintf("p4 %s", it.command))
		return it
	}
	it.body = body
	it.dec = NewDecoder(body)
	return it
}

// Collect runs a command and returns all of its records.
func (s *Session) Collect(ctx context.Context, args []string, opts ...RunOption) ([]Record, error) {
	it := s.Run(ctx, args, opts...)
	defer it.Close()

	var out []Record
	err := it.ForEach(func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// RunDiscard runs a command, discarding its output except errors.
func (s *Session) RunDiscard(ctx context.Context, args []string, opts ...RunOption) error {
	_, err := s.Collect(ctx, args, opts...)
	return err
}

// RunOne runs a command that must return exactly one record.
func (s *Session) RunOne(ctx context.Context, args []string, opts ...RunOption) (Record, error) {
	recs, err := s.Collect(ctx, args, opts...)
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
		return nil, errs.Ef(errs.RemoteCommandError, "p4 %s returned no objects", args[0])
	case 1:
		return recs[0], nil
	default:
		return nil, errs.Ef(errs.RemoteCommandError, "p4 %s returned more than one object", args[0])
	}
}

func writeListFile(files []string) (string, error) {
	f, err := os.CreateTemp("", "p4b-args-")
	if err != nil {
		return "", err
	}
	for _, name := range files {
		if _, err := fmt.Fprintln(f, name); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// RecordIter iterates over the records of one command.
type RecordIter struct {
	command string
	abort   bool
	log     logging.Logger

	body    io.ReadCloser
	dec     *Decoder
	cleanup func()
	count   int
	done    bool
	err     error
}

// Next returns the next record, or io.EOF when the command has finished.
func (it *RecordIter) Next() (Record, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.done {
		return nil, io.EOF
	}

	rec, err := it.dec.Decode()
	if errors.Is(err, io.EOF) {
		waitErr := it.finish()
		if waitErr != nil && it.count == 0 {
			it.err = errs.Wrap(errs.RemoteCommandError, waitErr, fmt.Sprintf("p4 %s", it.command))
			return nil, it.err
		}
		return nil, io.EOF
	}
	if err != nil {
		it.finish()
		it.err = errs.Wrap(errs.RemoteCommandError, err, fmt.Sprintf("p4 %s", it.command))
		return nil, it.err
	}
	if len(rec) == 0 {
		it.finish()
		return nil, io.EOF
	}

	it.count++
	it.log.Debug("p4 record", "command", it.command, "record", rec)
	switch rec.Code() {
	case CodeError:
		if it.abort {
			it.finish()
			it.err = NewServerError(it.command, rec)
			return nil, it.err
		}
	case CodeInfo:
		it.log.Debug("p4 info", "data", rec.Data())
	}
	return rec, nil
}

// ForEach calls fn for each remaining record.
func (it *RecordIter) ForEach(fn func(Record) error) error {
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close stops the command and releases its resources.
func (it *RecordIter) Close() error {
	it.finish()
	return nil
}

func (it *RecordIter) finish() error {
	if it.done {
		return nil
	}
	it.done = true
	var err error
	if it.body != nil {
		err = it.body.Close()
	}
	if it.cleanup != nil {
		it.cleanup()
	}
	return err
}
