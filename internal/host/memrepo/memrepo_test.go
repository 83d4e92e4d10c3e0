package memrepo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

func commit(t *testing.T, r *Repo, parents []models.NodeID, desc string, files ...host.FileChange) models.NodeID {
	t.Helper()
	id, err := r.Commit(context.Background(), host.CommitRequest{
		Parents:     parents,
		Description: desc,
		Author:      "alice",
		Date:        time.Unix(1700000000, 0),
		Files:       files,
	})
	if err != nil {
		t.Fatalf("Commit %q failed: %v", desc, err)
	}
	return id
}

func TestNodesBetweenAndChildren(t *testing.T) {
	ctx := context.Background()
	r := New()
	a := commit(t, r, nil, "a", host.FileChange{Path: "a.txt", Data: []byte("a")})
	b := commit(t, r, []models.NodeID{a}, "b", host.FileChange{Path: "b.txt", Data: []byte("b")})
	side := commit(t, r, []models.NodeID{a}, "side", host.FileChange{Path: "s.txt", Data: []byte("s")})
	c := commit(t, r, []models.NodeID{b}, "c", host.FileChange{Path: "c.txt", Data: []byte("c")})

	nodes, err := r.NodesBetween(ctx, a, c)
	if err != nil {
		t.Fatalf("NodesBetween failed: %v", err)
	}
	if len(nodes) != 3 || nodes[0] != a || nodes[1] != b || nodes[2] != c {
		t.Fatalf("NodesBetween = %v", nodes)
	}
	if nodes, _ := r.NodesBetween(ctx, side, c); len(nodes) != 0 {
		t.Fatalf("side branch is not an ancestor of c, got %v", nodes)
	}
	if nodes, _ := r.NodesBetween(ctx, "", b); len(nodes) != 2 {
		t.Fatalf("null root should select all ancestors, got %v", nodes)
	}

	children, err := r.Children(ctx, a)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 2 || children[0] != b || children[1] != side {
		t.Fatalf("Children = %v", children)
	}

	if _, err := r.Changeset(ctx, "missing"); !errors.Is(err, host.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestDiffTracksCopies(t *testing.T) {
	ctx := context.Background()
	r := New()
	base := commit(t, r, nil, "base",
		host.FileChange{Path: "old.txt", Data: []byte("same")},
		host.FileChange{Path: "keep.txt", Data: []byte("k")},
		host.FileChange{Path: "tool.sh", Data: []byte("#!/bin/sh")},
	)
	moved := commit(t, r, []models.NodeID{base}, "move",
		host.FileChange{Path: "mid.txt", Data: []byte("same"), CopiedFrom: "old.txt"},
		host.FileChange{Path: "old.txt", Removed: true},
		host.FileChange{Path: "tool.sh", Data: []byte("#!/bin/sh"), Mode: models.ModeExec},
	)
	tip := commit(t, r, []models.NodeID{moved}, "rename again",
		host.FileChange{Path: "new.txt", Data: []byte("changed"), CopiedFrom: "mid.txt"},
		host.FileChange{Path: "mid.txt", Removed: true},
	)

	d, err := r.Diff(ctx, base, tip)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(d.Added) != 1 || d.Added[0].Path != "new.txt" {
		t.Fatalf("Added = %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].Path != "old.txt" {
		t.Fatalf("Removed = %v", d.Removed)
	}
	if len(d.Modified) != 1 || d.Modified[0] != (models.PathMode{Path: "tool.sh", Mode: models.ModeExec}) {
		t.Fatalf("Modified = %v", d.Modified)
	}
	cp, ok := d.Copies["new.txt"]
	if !ok || cp.Source != "old.txt" || !cp.Changed {
		t.Fatalf("Copies = %v", d.Copies)
	}

	f, err := r.ReadFile(ctx, tip, "new.txt")
	if err != nil || string(f.Data) != "changed" {
		t.Fatalf("ReadFile = %v, %v", f, err)
	}
	if _, err := r.ReadFile(ctx, tip, "old.txt"); !errors.Is(err, host.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}
