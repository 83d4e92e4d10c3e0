package bridgeservice

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/p4bridge/internal/bridge"
	"github.com/niczy/p4bridge/internal/config"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/host/memrepo"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/p4/p4test"
	"github.com/niczy/p4bridge/internal/storage"
)

const location = "p4://perforce/ws"

func newTestBridge(t *testing.T, repo *memrepo.Repo) (*bridge.Bridge, *p4test.Changes) {
	t.Helper()
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
	store := srv.InstallChanges("ws", 50)

	o := config.Default()
	o.Keep = false
	b := bridge.New(repo, location, bridge.Config{Options: o, Transport: srv, Journal: storage.NewInMemoryStorage()})
	return b, store
}

func commit(t *testing.T, repo *memrepo.Repo, parent models.NodeID, change, path string) models.NodeID {
	t.Helper()
	req := host.CommitRequest{Description: "edit " + path, Author: "me", Date: time.Unix(int64(repo.Len()+1), 0),
		Files: []host.FileChange{{Path: path, Data: []byte(path + "\n")}}}
	if !parent.IsNull() {
		req.Parents = []models.NodeID{parent}
	}
	if change != "" {
		req.Extra = map[string]string{models.ExtraChangelist: change}
	}
	id, err := repo.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return id
}

func dial(t *testing.T, b *bridge.Bridge) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(b)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestPushAndPendingOverGRPC(t *testing.T) {
	ctx := context.Background()
	repo := memrepo.New()
	n := commit(t, repo, "", "", "b.txt")
	b, store := newTestBridge(t, repo)
	client := dial(t, b)

	pushed, err := client.Push(ctx, PushRequest{})
	if err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if pushed.Change != 50 || pushed.Submitted || len(pushed.Nodes) != 1 || pushed.Nodes[0] != string(n) {
		t.Fatalf("unexpected push response %+v", pushed)
	}

	pending, err := client.Pending(ctx, PendingRequest{Summary: true})
	if err != nil {
		t.Fatalf("Pending returned error: %v", err)
	}
	if len(pending.Changes) != 1 {
		t.Fatalf("expected 1 pending changelist, got %+v", pending.Changes)
	}
	got := pending.Changes[0]
	if got.Change != 50 || got.Client != "ws" || len(got.Files) != 1 || got.Files[0] != "b.txt" {
		t.Fatalf("unexpected pending changelist %+v", got)
	}

	runs, err := client.ListRuns(ctx, ListRunsRequest{Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs.Runs) != 1 || runs.Runs[0].Direction != models.RunPush || runs.Runs[0].Status != models.RunPending {
		t.Fatalf("unexpected runs %+v", runs.Runs)
	}

	submitted, err := client.Submit(ctx, ChangesRequest{All: true})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if len(submitted.Submitted) != 1 || submitted.Submitted[0].Submitted != 50 {
		t.Fatalf("unexpected submit response %+v", submitted)
	}
	if ch, _ := store.Get(50); ch.Status != "submitted" {
		t.Fatalf("changelist status = %q", ch.Status)
	}
}

func TestRevertOverGRPC(t *testing.T) {
	ctx := context.Background()
	repo := memrepo.New()
	commit(t, repo, "", "", "b.txt")
	b, store := newTestBridge(t, repo)
	client := dial(t, b)

	if _, err := client.Push(ctx, PushRequest{}); err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	resp, err := client.Revert(ctx, ChangesRequest{Changes: []int{50}})
	if err != nil {
		t.Fatalf("Revert returned error: %v", err)
	}
	if len(resp.Reverted) != 1 || resp.Reverted[0] != 50 {
		t.Fatalf("unexpected revert response %+v", resp)
	}
	if ids := store.IDs(); len(ids) != 0 {
		t.Fatalf("changelists left behind: %v", ids)
	}
}

func TestIdentifyOverGRPC(t *testing.T) {
	ctx := context.Background()
	repo := memrepo.New()
	base := commit(t, repo, "", "7", "a.txt")
	child := commit(t, repo, base, "", "b.txt")
	b, _ := newTestBridge(t, repo)
	client := dial(t, b)

	t.Run("head", func(t *testing.T) {
		resp, err := client.Identify(ctx, IdentifyRequest{})
		if err != nil {
			t.Fatalf("Identify returned error: %v", err)
		}
		if resp.Change != 7 || resp.Node != string(base) {
			t.Fatalf("unexpected identify response %+v", resp)
		}
	})

	t.Run("unmarked rev", func(t *testing.T) {
		_, err := client.Identify(ctx, IdentifyRequest{Rev: string(child)})
		if status.Code(err) != codes.NotFound {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("submit without selection", func(t *testing.T) {
		_, err := client.Submit(ctx, ChangesRequest{})
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("expected InvalidArgument, got %v", err)
		}
	})
}

func TestHandlerRejectsMalformedRequest(t *testing.T) {
	b, _ := newTestBridge(t, memrepo.New())
	srv := NewService(b)

	in, err := structpb.NewStruct(map[string]any{"changes": "fifty"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Submit(context.Background(), in); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"no changelist", errs.E(errs.NoChangelistFound, "none"), codes.NotFound},
		{"already exported", errs.E(errs.AlreadyExported, "pending"), codes.FailedPrecondition},
		{"inconsistent", errs.E(errs.WorkspaceInconsistency, "moved"), codes.FailedPrecondition},
		{"invalid", errs.E(errs.InvalidArgument, "bad"), codes.InvalidArgument},
		{"no client", errs.E(errs.ClientNotFound, "none"), codes.InvalidArgument},
		{"remote", errs.E(errs.RemoteCommandError, "boom"), codes.Internal},
		{"plain", errors.New("boom"), codes.Internal},
		{"status", status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(toStatus(tt.err)); got != tt.want {
				t.Fatalf("toStatus(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
	if toStatus(nil) != nil {
		t.Fatal("toStatus(nil) should be nil")
	}
}

func TestLocalClient(t *testing.T) {
	ctx := context.Background()
	repo := memrepo.New()
	base := commit(t, repo, "", "7", "a.txt")
	b, _ := newTestBridge(t, repo)
	client := NewLocalClient(b)

	resp, err := client.Identify(ctx, IdentifyRequest{Changelist: 7})
	if err != nil {
		t.Fatalf("Identify returned error: %v", err)
	}
	if resp.Change != 7 || resp.Node != string(base) {
		t.Fatalf("unexpected identify response %+v", resp)
	}

	if _, err := client.Revert(ctx, ChangesRequest{Changes: []int{-1}}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
