package p4

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Invocation describes one subprocess call.
type Invocation struct {
	Args  []string
	Stdin []byte
	Dir   string
	Env   map[string]string
}

// Transport starts a p4 process and returns its stdout. Closing the stream
// waits for the process and reports its exit status.
type Transport interface {
	Start(ctx context.Context, inv Invocation) (io.ReadCloser, error)
}

// ExecTransport executes the configured p4 binary.
type ExecTransport struct {
	Bin string
}

// NewExecTransport returns a transport for bin, defaulting to "p4".
func NewExecTransport(bin string) *ExecTransport {
	if strings.TrimSpace(bin) == "" {
		bin = "p4"
	}
	return &ExecTransport{Bin: bin}
}

// Start spawns the binary with the invocation's arguments.
func (e *ExecTransport) Start(ctx context.Context, inv Invocation) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, e.Bin, inv.Args...)
	if inv.Dir != "" {
		cmd.Dir = inv.Dir
	}
	if len(inv.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range inv.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("p4 stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Bin, err)
	}
	return &procStream{ReadCloser: stdout, cmd: cmd, stderr: &stderr}, nil
}

type procStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (p *procStream) Close() error {
	// drain so the process is not blocked on a full pipe
	_, _ = io.Copy(io.Discard, p.ReadCloser)
	if err := p.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(p.stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("p4 %s: %s", commandName(p.cmd.Args[1:]), msg)
	}
	return nil
}

// commandName returns the p4 subcommand from a full argument list, skipping
// global options.
func commandName(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch a {
		case "-G":
			continue
		case "-p", "-c", "-d", "-x", "-u", "-C":
			i++
			continue
		}
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return "<none>"
}
