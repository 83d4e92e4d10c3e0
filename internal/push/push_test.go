package push

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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
	"github.com/niczy/p4bridge/internal/pending"
	"github.com/niczy/p4bridge/internal/reference"
)

type fixture struct {
	repo  *memrepo.Repo
	srv   *p4test.Server
	store *p4test.Changes
	depot *depot.Depot
	root  string
}

func newFixture(t *testing.T, opts depot.Options) *fixture {
	t.Helper()
	srv := p4test.New()
	d, root := depottest.Open(t, srv, opts)
	store := srv.InstallChanges(depottest.Client, 50)
	return &fixture{repo: memrepo.New(), srv: srv, store: store, depot: d, root: root}
}

func (f *fixture) engine() *Engine {
	return New(f.repo, f.depot, pending.New(f.repo, f.depot, nil), Options{})
}

func (f *fixture) commit(t *testing.T, parent models.NodeID, change string, files ...host.FileChange) models.NodeID {
	t.Helper()
	req := host.CommitRequest{Description: "work on " + files[0].Path, Author: "me", Date: time.Unix(int64(f.repo.Len()+1), 0), Files: files}
	if !parent.IsNull() {
		req.Parents = []models.NodeID{parent}
	}
	if change != "" {
		req.Extra = map[string]string{models.ExtraChangelist: change}
	}
	id, err := f.repo.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return id
}

func file(path, data string) host.FileChange {
	return host.FileChange{Path: path, Data: []byte(data)}
}

func (f *fixture) commands(names ...string) []string {
	var out []string
	for _, c := range f.srv.Calls() {
		for _, n := range names {
			if c.Command == n {
				out = append(out, strings.ReplaceAll(c.String(), f.root+"/", ""))
			}
		}
	}
	return out
}

func TestPushNewChangelist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	n := f.commit(t, "", "", file("b.txt", "bee\n"))

	res, err := f.engine().Push(ctx, PushOptions{})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if res.Change != 50 || res.Submitted {
		t.Fatalf("unexpected result %+v", res)
	}
	if ids := f.store.IDs(); len(ids) != 1 || ids[0] != 50 {
		t.Fatalf("changelists = %v", ids)
	}
	ch, _ := f.store.Get(50)
	if ch.Status != "pending" || !strings.Contains(ch.Description, reference.Single(n).String()) {
		t.Fatalf("unexpected changelist %+v", ch)
	}
	if len(ch.Files) != 1 || ch.Files[0].Action != "add" || ch.Files[0].Path != f.root+"/b.txt" {
		t.Fatalf("opened files = %+v", ch.Files)
	}
	data, err := os.ReadFile(filepath.Join(f.root, "b.txt"))
	if err != nil || string(data) != "bee\n" {
		t.Fatalf("workspace file = %q, %v", data, err)
	}
	if got := f.commands("sync"); len(got) != 1 || got[0] != "sync -k ...@0" {
		t.Fatalf("sync calls = %v", got)
	}
}

func TestPushIdempotentAfterSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	base := f.commit(t, "", "10", file("a.txt", "a\n"))
	f.store.Add(p4test.Change{ID: 10, Status: "submitted", Description: "import\n"})
	n := f.commit(t, base, "", file("b.txt", "b\n"))

	res, err := f.engine().Push(ctx, PushOptions{Submit: true})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !res.Submitted || len(res.Nodes) != 1 || res.Nodes[0] != n {
		t.Fatalf("unexpected result %+v", res)
	}

	again, err := f.engine().Push(ctx, PushOptions{Submit: true})
	if err != nil {
		t.Fatalf("second Push failed: %v", err)
	}
	if again.Change != 0 || len(again.Nodes) != 0 {
		t.Fatalf("second push exported %+v", again)
	}
	out, err := f.engine().Outgoing(ctx, PushOptions{}, false)
	if err != nil || len(out.Nodes) != 0 || len(out.Files) != 0 {
		t.Fatalf("Outgoing = %+v, %v", out, err)
	}
	if ids := f.store.IDs(); len(ids) != 2 {
		t.Fatalf("changelists = %v", ids)
	}
}

func TestPushMove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	base := f.commit(t, "", "10", file("a.txt", "a\n"))
	f.commit(t, base, "",
		host.FileChange{Path: "c.txt", Data: []byte("a\n"), CopiedFrom: "a.txt"},
		host.FileChange{Path: "a.txt", Removed: true},
	)

	res, err := f.engine().Push(ctx, PushOptions{})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(res.Plan.Move) != 1 || len(res.Plan.Remove) != 0 || len(res.Plan.Add) != 0 {
		t.Fatalf("unexpected plan %+v", res.Plan)
	}
	want := []string{"edit -c 50 a.txt", "move -c 50 a.txt c.txt"}
	got := f.commands("edit", "move", "add", "delete")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	if got := f.commands("sync"); len(got) != 2 || got[1] != "sync -f a.txt@10" {
		t.Fatalf("sync calls = %v", got)
	}
}

func TestPushReusesPendingChangelist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	n := f.commit(t, "", "", file("b.txt", "b\n"))
	e := f.engine()
	if _, err := e.Push(ctx, PushOptions{}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	res, err := e.Push(ctx, PushOptions{Force: true, Rev: n})
	if err != nil {
		t.Fatalf("forced Push failed: %v", err)
	}
	if res.Change != 50 {
		t.Fatalf("expected changelist 50 to be reused, got %d", res.Change)
	}
	if ids := f.store.IDs(); len(ids) != 1 {
		t.Fatalf("changelists = %v", ids)
	}
	ch, _ := f.store.Get(50)
	if len(ch.Files) != 1 {
		t.Fatalf("opened files = %+v", ch.Files)
	}
}

func TestPushRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	f.commit(t, "", "", file("b.txt", "b\n"))
	f.srv.Reply("add", p4test.Error("//depot/b.txt - can't add existing file", p4.SeverityFailed, 0))

	_, err := f.engine().Push(ctx, PushOptions{})
	if errs.KindOf(err) != errs.RemoteCommandError || !strings.Contains(err.Error(), "can't add existing file") {
		t.Fatalf("expected the server error, got %v", err)
	}
	var rb *RolledBack
	if !errors.As(err, &rb) || rb.Change != 50 {
		t.Fatalf("expected rollback of changelist 50, got %v", err)
	}
	if ids := f.store.IDs(); len(ids) != 0 {
		t.Fatalf("changelist left behind: %v", ids)
	}
	if got := f.commands("change"); got[len(got)-1] != "change -d 50" {
		t.Fatalf("change calls = %v", got)
	}
}

func TestPushReopenAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	base := f.commit(t, "", "10", file("a.txt", "a\n"))
	f.commit(t, base, "", file("a.txt", "a2\n"))
	f.srv.Reply("edit", p4test.Info("//depot/a.txt - can't change from change 7 - use 'reopen'"))

	if _, err := f.engine().Push(ctx, PushOptions{}); errs.KindOf(err) != errs.RemoteCommandError {
		t.Fatalf("expected RemoteCommandError, got %v", err)
	}
	if len(f.store.IDs()) != 0 {
		t.Fatalf("changelist left behind: %v", f.store.IDs())
	}
}

func TestPushAlreadyExported(t *testing.T) {
	ctx := context.Background()

	t.Run("interior node pending", func(t *testing.T) {
		f := newFixture(t, depot.Options{})
		base := f.commit(t, "", "10", file("a.txt", "a"))
		a := f.commit(t, base, "", file("x.txt", "x"))
		b := f.commit(t, a, "", file("y.txt", "y"))
		f.commit(t, b, "", file("z.txt", "z"))
		f.store.Add(p4test.Change{ID: 20, Status: "pending", Description: "y\n\n" + reference.Single(b).String() + "\n"})

		_, err := f.engine().Prepare(ctx, PushOptions{})
		if errs.KindOf(err) != errs.AlreadyExported {
			t.Fatalf("expected AlreadyExported, got %v", err)
		}
		p, err := f.engine().Prepare(ctx, PushOptions{Force: true})
		if err != nil || len(p.Nodes) != 3 {
			t.Fatalf("forced Prepare = %+v, %v", p, err)
		}
	})

	t.Run("outer nodes trimmed", func(t *testing.T) {
		f := newFixture(t, depot.Options{})
		base := f.commit(t, "", "10", file("a.txt", "a"))
		a := f.commit(t, base, "", file("x.txt", "x"))
		b := f.commit(t, a, "", file("y.txt", "y"))
		f.store.Add(p4test.Change{ID: 20, Status: "pending", Description: "x\n\n" + reference.Single(a).String() + "\n"})

		p, err := f.engine().Prepare(ctx, PushOptions{})
		if err != nil || len(p.Nodes) != 1 || p.Nodes[0] != b {
			t.Fatalf("Prepare = %+v, %v", p, err)
		}
		if len(p.Diff.Added) != 1 || p.Diff.Added[0].Path != "y.txt" {
			t.Fatalf("diff = %+v", p.Diff)
		}
	})

	t.Run("descendant carries a marker", func(t *testing.T) {
		f := newFixture(t, depot.Options{})
		base := f.commit(t, "", "10", file("a.txt", "a"))
		a := f.commit(t, base, "", file("x.txt", "x"))
		f.commit(t, a, "11", file("x.txt", "x2"))

		_, err := f.engine().Prepare(ctx, PushOptions{From: a, Rev: a})
		if errs.KindOf(err) != errs.AlreadyExported {
			t.Fatalf("expected AlreadyExported, got %v", err)
		}
	})
}

func TestPrepareSkipsMetadataAndDescribesRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	base := f.commit(t, "", "10", file("a.txt", "a"))
	a := f.commit(t, base, "", file("x.txt", "x"), file(".hgignore", "*.o"))
	b := f.commit(t, a, "", file("y.txt", "y"))

	p, err := f.engine().Prepare(ctx, PushOptions{})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if p.Parent != base || len(p.Nodes) != 2 {
		t.Fatalf("unexpected range %+v", p)
	}
	for _, pm := range p.Diff.Added {
		if pm.Path == ".hgignore" {
			t.Fatal("metadata file exported")
		}
	}
	want := "work on x.txt\n* * *\nwork on y.txt\n\n" + reference.Range(a, b).String() + "\n"
	if p.Description != want {
		t.Fatalf("description = %q, want %q", p.Description, want)
	}
}

func TestOutgoingPatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	base := f.commit(t, "", "10", file("a.txt", "one\ntwo\n"))
	f.commit(t, base, "", file("a.txt", "one\nthree\n"), file("new.txt", "hello\n"))

	out, err := f.engine().Outgoing(ctx, PushOptions{}, true)
	if err != nil {
		t.Fatalf("Outgoing failed: %v", err)
	}
	if len(out.Files) != 2 || out.Files[0] != (FileStatus{Action: models.ActionModify, Path: "a.txt"}) ||
		out.Files[1] != (FileStatus{Action: models.ActionAdd, Path: "new.txt"}) {
		t.Fatalf("files = %+v", out.Files)
	}
	for _, want := range []string{"--- a/a.txt", "+++ b/a.txt", "-two", "+three", "--- /dev/null", "+++ b/new.txt", "+hello"} {
		if !strings.Contains(out.Patch, want) {
			t.Fatalf("patch missing %q:\n%s", want, out.Patch)
		}
	}
}

func TestPushAddsWildcardNamesLiterally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	base := f.commit(t, "", "10", file("a@1.txt", "a\n"))
	f.store.Add(p4test.Change{ID: 10, Status: "submitted", Description: "import\n"})
	f.commit(t, base, "", file("a@1.txt", "a2\n"), file("v@2.txt", "v\n"))

	if _, err := f.engine().Push(ctx, PushOptions{}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	want := []string{"edit -c 50 a%401.txt", "add -f -c 50 v@2.txt"}
	got := f.commands("edit", "add")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	data, err := os.ReadFile(filepath.Join(f.root, "v@2.txt"))
	if err != nil || string(data) != "v\n" {
		t.Fatalf("workspace file = %q, %v", data, err)
	}
}

func TestPushIntegratePropagatesType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, depot.Options{})
	base := f.commit(t, "", "10", file("a.txt", "a\n"))
	f.store.Add(p4test.Change{ID: 10, Status: "submitted", Description: "import\n"})
	f.commit(t, base, "", host.FileChange{Path: "c.txt", Data: []byte("a\n"), CopiedFrom: "a.txt"})

	off := false
	e := New(f.repo, f.depot, pending.New(f.repo, f.depot, nil), Options{Move: &off, Copy: &off})
	res, err := e.Push(ctx, PushOptions{})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(res.Plan.Integrate) != 1 {
		t.Fatalf("unexpected plan %+v", res.Plan)
	}
	got := f.commands("integrate", "copy", "add")
	if len(got) != 1 || got[0] != "integrate -c 50 -t a.txt c.txt" {
		t.Fatalf("commands = %v", got)
	}
	ch, _ := f.store.Get(50)
	if len(ch.Files) != 1 || ch.Files[0].Action != "integrate" || ch.Files[0].Path != f.root+"/c.txt" {
		t.Fatalf("opened files = %+v", ch.Files)
	}
}
