// Package depottest opens depots against a p4test server rooted in a
// temporary workspace.
package depottest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/niczy/p4bridge/internal/clientview"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/p4/p4test"
)

// Client is the client name every depot is opened with.
const Client = "ws"

// Open registers a client spec for Client on srv and opens a depot on it.
// It returns the depot and the workspace root.
func Open(t testing.TB, srv *p4test.Server, opts depot.Options) (*depot.Depot, string) {
	t.Helper()
	root := filepath.ToSlash(t.TempDir())
	srv.Reply("client", p4test.Stat("Client", Client, "Root", root))
	v, err := clientview.Open(context.Background(), "p4://perforce/"+Client, p4.Options{Transport: srv}, clientview.Options{})
	if err != nil {
		t.Fatalf("clientview.Open failed: %v", err)
	}
	d, err := depot.New(v, opts)
	if err != nil {
		t.Fatalf("depot.New failed: %v", err)
	}
	return d, root
}
