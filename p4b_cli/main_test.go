package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/niczy/p4bridge/internal/config"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/host/memrepo"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/p4/p4test"
	bridgeservice "github.com/niczy/p4bridge/internal/services/bridge"
)

const location = "p4://perforce/ws"

type testEnv struct {
	repo  *memrepo.Repo
	srv   *p4test.Server
	store *p4test.Changes
	dir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := filepath.ToSlash(t.TempDir())
	srv := p4test.New()
	srv.Reply("client", p4test.Stat("Client", "ws", "Root", root))
	srv.Reply("info", p4test.Stat("clientName", "ws", "clientRoot", root))
	srv.Handle("where", func(c p4test.Call) ([]p4.Record, error) {
		var out []p4.Record
		for _, a := range c.Args {
			out = append(out, p4test.Stat("depotFile", a, "path", a))
		}
		return out, nil
	})

	dir := t.TempDir()
	o := config.Default()
	o.Keep = false
	if err := config.Save(config.PathFor(dir), o); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return &testEnv{repo: memrepo.New(), srv: srv, store: srv.InstallChanges("ws", 50), dir: dir}
}

func (e *testEnv) commit(t *testing.T, parent models.NodeID, change, path string) models.NodeID {
	t.Helper()
	req := host.CommitRequest{Description: "edit " + path + "\n", Author: "me", Date: time.Unix(int64(e.repo.Len()+1), 0),
		Files: []host.FileChange{{Path: path, Data: []byte(path + "\n")}}}
	if !parent.IsNull() {
		req.Parents = []models.NodeID{parent}
	}
	if change != "" {
		req.Extra = map[string]string{models.ExtraChangelist: change}
	}
	id, err := e.repo.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return id
}

// run executes one command line and returns what it printed.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := newCLI(&out)
	cli.transport = e.srv
	cli.openRepo = func(string) (host.Repository, error) { return e.repo, nil }
	defer cli.Close()

	cmd := newRootCmd(cli)
	cmd.SetArgs(append([]string{"-R", e.dir, "-L", location}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestIdentifyCommand(t *testing.T) {
	env := newTestEnv(t)
	base := env.commit(t, "", "7", "a.txt")
	env.commit(t, base, "", "b.txt")

	out, err := env.run(t, "identify")
	if err != nil {
		t.Fatalf("identify failed: %v", err)
	}
	if want := "7 " + base.Short() + "\n"; out != want {
		t.Fatalf("identify printed %q, want %q", out, want)
	}

	if _, err := env.run(t, "identify", "-c", "8"); err == nil {
		t.Fatal("expected an error for an unknown changelist")
	}
}

func TestPushPendingSubmitCommands(t *testing.T) {
	env := newTestEnv(t)
	n := env.commit(t, "", "", "b.txt")

	out, err := env.run(t, "push")
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if out != "pending changelist 50\n" {
		t.Fatalf("push printed %q", out)
	}

	out, err = env.run(t, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if want := "50 p " + n.Short() + "\n"; out != want {
		t.Fatalf("pending printed %q, want %q", out, want)
	}

	out, err = env.run(t, "pending", "--summary")
	if err != nil {
		t.Fatalf("pending --summary failed: %v", err)
	}
	for _, want := range []string{"changelist:  50\n", "status:      pending\n", "revision:    " + n.Short() + "\n", "summary:     edit b.txt\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("pending --summary output %q lacks %q", out, want)
		}
	}

	out, err = env.run(t, "submit", "--all")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if out != "submitting: 50\n" {
		t.Fatalf("submit printed %q", out)
	}
	if ch, _ := env.store.Get(50); ch.Status != "submitted" {
		t.Fatalf("changelist status = %q", ch.Status)
	}
}

func TestRevertCommand(t *testing.T) {
	env := newTestEnv(t)
	env.commit(t, "", "", "b.txt")
	if _, err := env.run(t, "push"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	out, err := env.run(t, "revert", "50")
	if err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if out != "reverting: 50\n" {
		t.Fatalf("revert printed %q", out)
	}
	if ids := env.store.IDs(); len(ids) != 0 {
		t.Fatalf("changelists left behind: %v", ids)
	}
}

func TestChangelistArguments(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"not a number", []string{"submit", "abc"}, `changelist must be a number, got "abc"`},
		{"nothing selected", []string{"submit"}, "no changelists specified"},
		{"nothing pending", []string{"revert", "--all"}, "no pending changelists to revert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errorMessage(err); !strings.Contains(got, tt.want) {
				t.Fatalf("error %q does not mention %q", got, tt.want)
			}
		})
	}
}

func TestRunsWithoutJournal(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "runs")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if out != "no runs recorded\n" {
		t.Fatalf("runs printed %q", out)
	}
}

func TestPrintOutgoing(t *testing.T) {
	var out bytes.Buffer
	cli := newCLI(&out)
	printOutgoing(cli, &bridgeservice.OutgoingResponse{
		Description: "fix the frobnicator\n\n{{mercurial aaaa}}\n",
		Nodes:       []string{"aaaa"},
		Files:       []bridgeservice.OutgoingFile{{Action: "M", Path: "a.txt"}, {Action: "A", Path: "b.txt"}},
	})
	want := "aaaa\nfix the frobnicator\n\n{{mercurial aaaa}}\n\naffected files:\nM a.txt\nA b.txt\n\n"
	if out.String() != want {
		t.Fatalf("printOutgoing wrote %q, want %q", out.String(), want)
	}
}

func TestPrintPendingAlignsChangelists(t *testing.T) {
	var out bytes.Buffer
	cli := newCLI(&out)
	printPending(cli, []bridgeservice.PendingChange{
		{Change: 9, Nodes: []string{"0123456789abcdef"}},
		{Change: 1234, Submitted: true, Nodes: []string{"fedcba9876543210"}},
	}, false)
	want := "9    p 0123456789ab\n1234 s fedcba987654\n"
	if out.String() != want {
		t.Fatalf("printPending wrote %q, want %q", out.String(), want)
	}
}

func TestExecuteClosesConnectionOnFailure(t *testing.T) {
	conn, err := grpc.Dial("passthrough:///unused", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	var out, stderr bytes.Buffer
	cli := newCLI(&out)
	cli.conn = conn

	if code := execute(cli, []string{"identify", "-c", "seven"}, &stderr); code != 1 {
		t.Fatalf("execute = %d, want 1", code)
	}
	if !strings.HasPrefix(stderr.String(), "abort: ") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if cli.conn != nil || conn.GetState() != connectivity.Shutdown {
		t.Fatalf("connection left open: %v", conn.GetState())
	}
}
