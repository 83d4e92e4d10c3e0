package pending

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/depot/depottest"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/host/memrepo"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/p4/p4test"
	"github.com/niczy/p4bridge/internal/reference"
)

func commit(t *testing.T, r *memrepo.Repo, parent models.NodeID, change, path string) models.NodeID {
	t.Helper()
	req := host.CommitRequest{Description: path, Author: "a", Date: time.Unix(1, 0),
		Files: []host.FileChange{{Path: path, Data: []byte(path)}}}
	if !parent.IsNull() {
		req.Parents = []models.NodeID{parent}
	}
	if change != "" {
		req.Extra = map[string]string{models.ExtraChangelist: change}
	}
	id, err := r.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return id
}

func changeRec(id int, status string, desc string) p4.Record {
	return p4test.Stat("change", id, "status", status, "desc", desc, "user", "bob", "client", depottest.Client, "time", "1")
}

func TestTracker(t *testing.T) {
	ctx := context.Background()
	r := memrepo.New()
	base := commit(t, r, "", "10", "a.txt")
	n1 := commit(t, r, base, "", "b.txt")
	n2 := commit(t, r, n1, "", "c.txt")
	n3 := commit(t, r, n2, "", "d.txt")

	srv := p4test.New()
	d, _ := depottest.Open(t, srv, depot.Options{})
	srv.Handle("changes", func(c p4test.Call) ([]p4.Record, error) {
		if strings.Contains(c.String(), "-s pending") {
			return []p4.Record{
				changeRec(14, "pending", "more\n\n"+reference.Single(n3).String()+"\n"),
				changeRec(13, "pending", "unrelated work"),
			}, nil
		}
		return []p4.Record{
			// the base changelist names a node too but must never count
			changeRec(10, "submitted", "base\n\n"+reference.Single(base).String()+"\n"),
			changeRec(12, "submitted", "range\n\n"+reference.Range(n1, n2).String()+"\n"),
			changeRec(14, "pending", "more\n\n"+reference.Single(n3).String()+"\n"),
			changeRec(15, "pending", "stale\n\n"+reference.Single("ffffffffffffffffffffffffffffffffffffffff").String()+"\n"),
		}, nil
	})

	tr := New(r, d, nil)
	for _, tc := range []struct {
		node models.NodeID
		want bool
	}{{base, false}, {n1, true}, {n2, true}, {n3, true}} {
		got, err := tr.Contains(ctx, tc.node)
		if err != nil {
			t.Fatalf("Contains failed: %v", err)
		}
		if got != tc.want {
			t.Fatalf("Contains(%s) = %v, want %v", tc.node.Short(), got, tc.want)
		}
	}

	recs, err := tr.Records(ctx)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 2 || recs[0].Change != 12 || recs[1].Change != 14 {
		t.Fatalf("unexpected records %+v", recs)
	}
	if !recs[0].Submitted || recs[1].Submitted {
		t.Fatalf("unexpected submitted flags %+v", recs)
	}
	if len(recs[0].Nodes) != 2 || recs[0].Nodes[0] != n1 || recs[0].Nodes[1] != n2 {
		t.Fatalf("range not expanded: %v", recs[0].Nodes)
	}

	if got := srv.CallsTo("changes")[0].String(); got != "changes -l -c ws ...@10,#head" {
		t.Fatalf("unexpected query %q", got)
	}
	if n := len(srv.CallsTo("changes")); n != 2 {
		t.Fatalf("index built %d times", n/2)
	}

	tr.Invalidate()
	if _, err := tr.Records(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(srv.CallsTo("changes")); n != 4 {
		t.Fatalf("expected rebuild after Invalidate, got %d queries", n)
	}
}
