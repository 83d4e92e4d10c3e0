// Package p4test provides an in-process fake of the p4 command line for
// tests. Handlers are registered per command and answer with records that
// are marshalled exactly as `p4 -G` would print them.
package p4test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/niczy/p4bridge/internal/p4"
)

// Call is one recorded invocation.
type Call struct {
	Command  string
	Args     []string
	Client   string
	Root     string
	ListFile bool
	Input    p4.Record
}

// String renders the call as "command arg1 arg2".
func (c Call) String() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

// Handler answers a call.
type Handler func(call Call) ([]p4.Record, error)

// Server is a scripted p4.Transport.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// New returns an empty fake server.
func New() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Handle registers h for command, replacing any previous handler.
func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Reply registers a handler that always answers with recs.
func (s *Server) Reply(command string, recs ...p4.Record) {
	s.Handle(command, func(Call) ([]p4.Record, error) { return recs, nil })
}

// Calls returns every call received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the calls received for command.
func (s *Server) CallsTo(command string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Command == command {
			out = append(out, c)
		}
	}
	return out
}

// Commands returns the rendered form of every call.
func (s *Server) Commands() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.String())
	}
	return out
}

// Start implements p4.Transport.
func (s *Server) Start(ctx context.Context, inv p4.Invocation) (io.ReadCloser, error) {
	call, err := parseArgs(inv.Args)
	if err != nil {
		return nil, err
	}
	if len(inv.Stdin) > 0 {
		rec, err := p4.NewDecoder(bytes.NewReader(inv.Stdin)).Decode()
		if err != nil {
			return nil, fmt.Errorf("p4test: decode stdin: %w", err)
		}
		call.Input = rec
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	h := s.handlers[call.Command]
	s.mu.Unlock()

	var buf bytes.Buffer
	if h == nil {
		return io.NopCloser(&buf), nil
	}
	recs, err := h(call)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := p4.Encode(&buf, rec); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(&buf), nil
}

func parseArgs(args []string) (Call, error) {
	var call Call
	var listed []string
	i := 0
	for ; i < len(args); i++ {
		switch args[i] {
		case "-G":
		case "-p":
			i++
		case "-c":
			i++
			call.Client = args[i]
		case "-d":
			i++
			call.Root = args[i]
		case "-x":
			i++
			lines, err := readLines(args[i])
			if err != nil {
				return call, err
			}
			call.ListFile = true
			listed = lines
		default:
			call.Command = args[i]
			call.Args = append(call.Args, args[i+1:]...)
			call.Args = append(call.Args, listed...)
			return call, nil
		}
	}
	return call, fmt.Errorf("p4test: no command in %v", args)
}

func readLines(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("p4test: read list file: %w", err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

// Stat builds a stat record from alternating key/value pairs.
func Stat(kv ...any) p4.Record {
	rec := p4.Record{"code": p4.CodeStat}
	for i := 0; i+1 < len(kv); i += 2 {
		rec[kv[i].(string)] = kv[i+1]
	}
	return rec
}

// Info builds an info record.
func Info(data string) p4.Record {
	return p4.Record{"code": p4.CodeInfo, "data": data, "level": 0}
}

// Error builds an error record.
func Error(data string, severity, generic int) p4.Record {
	return p4.Record{"code": p4.CodeError, "data": data, "severity": severity, "generic": generic}
}

// Text builds a text record as returned by print.
func Text(data string) p4.Record {
	return p4.Record{"code": p4.CodeText, "data": data}
}
