package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/depot/depottest"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/host/memrepo"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/p4/p4test"
	"github.com/niczy/p4bridge/internal/reference"
)

// remoteChange is one submitted changelist served by fakeServer.
type remoteChange struct {
	id     int
	desc   string
	files  map[string]string // depot-relative name -> action
	labels []string
}

func fakeServer(t *testing.T, root string, srv *p4test.Server, changes ...remoteChange) {
	t.Helper()
	byID := make(map[string]remoteChange)
	for _, c := range changes {
		byID[strconv.Itoa(c.id)] = c
	}
	srv.Handle("changes", func(c p4test.Call) ([]p4.Record, error) {
		var out []p4.Record
		for _, ch := range changes {
			out = append(out, p4test.Stat("change", ch.id, "status", "submitted", "desc", ch.desc, "user", "bob", "client", "ws", "time", "1700000000"))
		}
		return out, nil
	})
	srv.Handle("describe", func(c p4test.Call) ([]p4.Record, error) {
		ch, ok := byID[c.Args[len(c.Args)-1]]
		if !ok {
			return []p4.Record{p4test.Error("no such changelist", p4.SeverityFailed, 0)}, nil
		}
		return []p4.Record{p4test.Stat("change", ch.id, "status", "submitted", "desc", ch.desc, "user", "bob", "client", "ws", "time", "1700000000")}, nil
	})
	srv.Handle("fstat", func(c p4test.Call) ([]p4.Record, error) {
		ch := byID[c.Args[1]]
		var out []p4.Record
		for name, action := range ch.files {
			out = append(out, p4test.Stat(
				"depotFile", "//depot/"+name, "clientFile", root+"/"+name,
				"headAction", action, "headRev", "1", "headType", "text"))
		}
		return out, nil
	})
	srv.Handle("print", func(c p4test.Call) ([]p4.Record, error) {
		spec := c.Args[len(c.Args)-1]
		return []p4.Record{p4test.Stat("depotFile", spec), p4test.Text("content of " + spec + "\n")}, nil
	})
	srv.Handle("labels", func(c p4test.Call) ([]p4.Record, error) {
		at := strings.TrimPrefix(c.Args[0], "...@")
		id, _, _ := strings.Cut(at, ",")
		var out []p4.Record
		for _, l := range byID[id].labels {
			out = append(out, p4test.Stat("label", l))
		}
		return out, nil
	})
}

func seed(t *testing.T, r *memrepo.Repo, change string) models.NodeID {
	t.Helper()
	req := host.CommitRequest{Description: "seed", Author: "a", Date: time.Unix(1, 0),
		Files: []host.FileChange{{Path: "seed.txt", Data: []byte("seed")}}}
	if change != "" {
		req.Extra = map[string]string{models.ExtraChangelist: change}
	}
	id, err := r.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return id
}

func TestPullSingleChangelist(t *testing.T) {
	ctx := context.Background()
	r := memrepo.New()
	prior := seed(t, r, "100")

	srv := p4test.New()
	d, root := depottest.Open(t, srv, depot.Options{})
	fakeServer(t, root, srv,
		remoteChange{id: 100, desc: "old\n"},
		remoteChange{id: 101, desc: "fix\n", files: map[string]string{"a.txt": "add"}},
	)

	res, err := New(r, d, Options{}).Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(res.Imported) != 1 || res.Imported[0].Change != 101 {
		t.Fatalf("unexpected imports %+v", res.Imported)
	}

	cs, err := r.Changeset(ctx, res.Head)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := cs.Changelist(); id != "101" {
		t.Fatalf("changelist marker = %q", id)
	}
	if len(cs.Parents) != 1 || cs.Parents[0] != prior {
		t.Fatalf("parents = %v, want [%s]", cs.Parents, prior)
	}
	if len(cs.Files) != 1 || cs.Files[0] != "a.txt" {
		t.Fatalf("files = %v", cs.Files)
	}
	if cs.Description != "fix\n" || cs.Author != "bob" {
		t.Fatalf("unexpected changeset %+v", cs)
	}
	f, err := r.ReadFile(ctx, res.Head, "a.txt")
	if err != nil || string(f.Data) != "content of //depot/a.txt#1\n" {
		t.Fatalf("ReadFile = %v, %v", f, err)
	}
	if got := srv.CallsTo("changes")[0].String(); got != "changes -s submitted -L ...@100,#head" {
		t.Fatalf("unexpected query %q", got)
	}
}

func TestPullOrdering(t *testing.T) {
	ctx := context.Background()
	r := memrepo.New()

	srv := p4test.New()
	d, root := depottest.Open(t, srv, depot.Options{Tags: true})
	fakeServer(t, root, srv,
		remoteChange{id: 3, desc: "c3\n", files: map[string]string{"a.txt": "edit"}},
		remoteChange{id: 1, desc: "c1\n", files: map[string]string{"a.txt": "add"}},
		remoteChange{id: 2, desc: "c2\n", files: map[string]string{"b.txt": "add"}, labels: []string{"v1"}},
	)

	res, err := New(r, d, Options{}).Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(res.Imported) != 3 {
		t.Fatalf("imported %d changelists", len(res.Imported))
	}
	var prev models.NodeID
	for i, imp := range res.Imported {
		if imp.Change != i+1 {
			t.Fatalf("import %d is changelist %d", i, imp.Change)
		}
		cs, err := r.Changeset(ctx, imp.Node)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 && len(cs.Parents) != 0 {
			t.Fatalf("first import has parents %v", cs.Parents)
		}
		if i > 0 && (len(cs.Parents) != 1 || cs.Parents[0] != prev) {
			t.Fatalf("changelist %d parents = %v, want [%s]", imp.Change, cs.Parents, prev)
		}
		prev = imp.Node
	}

	// the label lands in a trailing tag changeset on top of the last import
	tagCS, err := r.Changeset(ctx, res.Head)
	if err != nil {
		t.Fatal(err)
	}
	if len(tagCS.Parents) != 1 || tagCS.Parents[0] != prev {
		t.Fatalf("tag changeset parents = %v", tagCS.Parents)
	}
	tags, err := ReadTags(ctx, r, res.Head)
	if err != nil || tags["v1"] != res.Imported[1].Node {
		t.Fatalf("ReadTags = %v, %v", tags, err)
	}
	if r.Tags()["v1"] != res.Imported[1].Node {
		t.Fatalf("native tag not set: %v", r.Tags())
	}

	// nothing left to import once the tag changeset is skipped
	again, err := New(r, d, Options{}).Pull(ctx, PullOptions{})
	if err != nil || len(again.Imported) != 0 {
		t.Fatalf("second Pull = %+v, %v", again, err)
	}
}

func TestPullFailureKeepsLabels(t *testing.T) {
	ctx := context.Background()
	r := memrepo.New()

	srv := p4test.New()
	d, root := depottest.Open(t, srv, depot.Options{Tags: true})
	fakeServer(t, root, srv,
		remoteChange{id: 1, desc: "c1\n", files: map[string]string{"a.txt": "add"}, labels: []string{"rel"}},
		remoteChange{id: 2, desc: "c2\n", files: map[string]string{"a.txt": "edit"}},
	)
	srv.Handle("print", func(c p4test.Call) ([]p4.Record, error) {
		if strings.HasSuffix(c.Args[0], "#1") && len(srv.CallsTo("print")) > 1 {
			return []p4.Record{p4test.Error("file not found", p4.SeverityFailed, 0)}, nil
		}
		return []p4.Record{p4test.Text("x")}, nil
	})

	res, err := New(r, d, Options{}).Pull(ctx, PullOptions{})
	if err == nil {
		t.Fatal("expected the second changelist to fail")
	}
	if len(res.Imported) != 1 {
		t.Fatalf("imported %+v", res.Imported)
	}
	tags, terr := ReadTags(ctx, r, res.Head)
	if terr != nil || tags["rel"] != res.Imported[0].Node {
		t.Fatalf("labels lost after failure: %v, %v", tags, terr)
	}
	if n := r.Len(); n != 2 {
		t.Fatalf("repository has %d changesets, want import plus tags", n)
	}
}

func TestPullKeepRefreshesWorkspace(t *testing.T) {
	ctx := context.Background()
	r := memrepo.New()

	srv := p4test.New()
	d, root := depottest.Open(t, srv, depot.Options{Keep: true})
	fakeServer(t, root, srv,
		remoteChange{id: 7, desc: "c7\n", files: map[string]string{"run.sh": "add"}},
	)
	srv.Handle("sync", func(c p4test.Call) ([]p4.Record, error) {
		var out []p4.Record
		for _, a := range c.Args {
			if strings.HasPrefix(a, "//") {
				out = append(out, p4test.Stat("depotFile", a))
			}
		}
		return out, nil
	})
	if err := os.WriteFile(filepath.Join(root, "run.sh"), []byte("echo hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := New(r, d, Options{}).Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	f, err := r.ReadFile(ctx, res.Head, "run.sh")
	if err != nil || string(f.Data) != "echo hi\n" {
		t.Fatalf("ReadFile = %v, %v", f, err)
	}
	want := []string{"revert -k //depot/run.sh", "sync -f //depot/run.sh@7"}
	var got []string
	for _, c := range srv.Calls() {
		if c.Command == "revert" || c.Command == "sync" {
			got = append(got, c.String())
		}
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("workspace calls = %v, want %v", got, want)
	}
	if len(srv.CallsTo("print")) != 0 {
		t.Fatal("keep mode must not print")
	}
}

func TestPullMergesPushedRange(t *testing.T) {
	ctx := context.Background()
	r := memrepo.New()
	base := seed(t, r, "10")
	local, err := r.Commit(ctx, host.CommitRequest{
		Parents: []models.NodeID{base}, Description: "local", Author: "me", Date: time.Unix(2, 0),
		Files: []host.FileChange{{Path: "b.txt", Data: []byte("b")}, {Path: ".hgignore", Data: []byte("*.o\n")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := p4test.New()
	d, root := depottest.Open(t, srv, depot.Options{})
	desc := reference.Describe([]string{"local"}, reference.Single(local))
	fakeServer(t, root, srv,
		remoteChange{id: 11, desc: desc, files: map[string]string{"b.txt": "add"}},
	)
	srv.Handle("change", func(c p4test.Call) ([]p4.Record, error) {
		if c.Args[0] == "-o" {
			return []p4.Record{p4test.Stat("Change", "11", "Description", desc)}, nil
		}
		return []p4.Record{p4test.Info("Change 11 updated.")}, nil
	})

	res, err := New(r, d, Options{TrimLog: true}).Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	cs, err := r.Changeset(ctx, res.Head)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Parents) != 2 || cs.Parents[0] != base || cs.Parents[1] != local {
		t.Fatalf("parents = %v", cs.Parents)
	}
	if strings.Contains(cs.Description, "{{") {
		t.Fatalf("token not trimmed: %q", cs.Description)
	}
	if _, err := r.ReadFile(ctx, res.Head, ".hgignore"); err != nil {
		t.Fatalf("metadata not carried over: %v", err)
	}
	upd := srv.CallsTo("change")
	if len(upd) != 2 || upd[1].String() != "change -i -u" || strings.Contains(upd[1].Input.Get("Description"), "{{") {
		t.Fatalf("remote description not rewritten: %v", srv.Commands())
	}
}

func TestPlanStartRev(t *testing.T) {
	ctx := context.Background()
	srv := p4test.New()
	d, root := depottest.Open(t, srv, depot.Options{})
	fakeServer(t, root, srv,
		remoteChange{id: 1}, remoteChange{id: 4}, remoteChange{id: 9}, remoteChange{id: 12},
	)
	e := New(memrepo.New(), d, Options{})

	for _, tc := range []struct {
		start int
		want  string
	}{
		{0, "[1 4 9 12]"},
		{4, "[4 9 12]"},
		{9, "[9 12]"},
		{-2, "[9 12]"},
		{-10, "[1 4 9 12]"},
	} {
		p, err := e.Plan(ctx, PullOptions{StartRev: tc.start})
		if err != nil {
			t.Fatalf("Plan(%d) failed: %v", tc.start, err)
		}
		if got := fmt.Sprint(p.Changes); got != tc.want {
			t.Fatalf("Plan(%d) = %s, want %s", tc.start, got, tc.want)
		}
		if p.Snapshot != (tc.start != 0) {
			t.Fatalf("Plan(%d).Snapshot = %v", tc.start, p.Snapshot)
		}
	}

	for _, tc := range []struct {
		start int
		want  string
	}{
		{5, "changelist for --startrev not found, first changelist is 9"},
		{13, "changelist 13 for --startrev not found"},
		{12, "at least two changelists"},
		{-1, "at least two changelists"},
	} {
		_, err := e.Plan(ctx, PullOptions{StartRev: tc.start})
		if errs.KindOf(err) != errs.InvalidArgument || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("Plan(%d) error = %v, want %q", tc.start, err, tc.want)
		}
	}

	r := memrepo.New()
	seed(t, r, "1")
	if _, err := New(r, d, Options{}).Plan(ctx, PullOptions{StartRev: 4}); errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("startrev must be refused once the repository is correlated, got %v", err)
	}
}

func TestIncoming(t *testing.T) {
	ctx := context.Background()
	srv := p4test.New()
	d, root := depottest.Open(t, srv, depot.Options{Tags: true})
	fakeServer(t, root, srv,
		remoteChange{id: 5, desc: "first line\nmore\n", labels: []string{"beta"}},
	)
	in, err := New(memrepo.New(), d, Options{}).Incoming(ctx, PullOptions{})
	if err != nil {
		t.Fatalf("Incoming failed: %v", err)
	}
	if len(in) != 1 || in[0].Change != 5 || in[0].Summary != "first line" || in[0].User != "bob" || len(in[0].Labels) != 1 {
		t.Fatalf("Incoming = %+v", in)
	}
}
