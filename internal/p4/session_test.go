package p4_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/p4/p4test"
)

func newSession(srv *p4test.Server, maxArgs int) *p4.Session {
	return p4.NewSession(p4.Options{
		Server:    "perforce:1666",
		Client:    "ws",
		MaxArgs:   maxArgs,
		Transport: srv,
	})
}

func TestRunStreamsRecords(t *testing.T) {
	ctx := context.Background()
	srv := p4test.New()
	srv.Reply("fstat",
		p4test.Stat("depotFile", "//depot/a.txt", "headRev", "3"),
		p4test.Info("note"),
		p4test.Stat("depotFile", "//depot/b.txt", "headRev", "1"),
	)

	it := newSession(srv, 0).Run(ctx, []string{"fstat", "-e", "12"}, p4.WithFiles("//depot/..."))
	defer it.Close()

	var files []string
	err := it.ForEach(func(r p4.Record) error {
		if r.Code() == p4.CodeStat {
			files = append(files, r.Get("depotFile"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if len(files) != 2 || files[0] != "//depot/a.txt" || files[1] != "//depot/b.txt" {
		t.Fatalf("unexpected files %v", files)
	}

	calls := srv.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if calls[0].Client != "ws" {
		t.Fatalf("client = %q, want ws", calls[0].Client)
	}
	if got := calls[0].String(); got != "fstat -e 12 //depot/..." {
		t.Fatalf("call = %q", got)
	}
}

func TestErrorRecordAborts(t *testing.T) {
	srv := p4test.New()
	srv.Reply("describe", p4test.Error("Change 99 unknown.", p4.SeverityFailed, 1))

	_, err := newSession(srv, 0).Collect(context.Background(), []string{"describe", "-s", "99"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errs.KindOf(err) != errs.RemoteCommandError {
		t.Fatalf("kind = %s", errs.KindOf(err))
	}
	var se *p4.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected a ServerError in %v", err)
	}
	if se.Data != "Change 99 unknown." || se.Severity != p4.SeverityFailed {
		t.Fatalf("unexpected server error %+v", se)
	}
}

func TestWithoutAbortReturnsErrorRecords(t *testing.T) {
	srv := p4test.New()
	srv.Reply("sync", p4test.Error("file(s) up-to-date.", p4.SeverityWarn, p4.GenericEmpty))

	recs, err := newSession(srv, 0).Collect(context.Background(), []string{"sync"}, p4.WithoutAbort())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(recs) != 1 || !p4.IsBenign(recs[0]) {
		t.Fatalf("expected one benign record, got %v", recs)
	}
}

func TestLongFileListUsesListFile(t *testing.T) {
	srv := p4test.New()
	var files []string
	for i := 0; i < 5; i++ {
		files = append(files, fmt.Sprintf("//depot/f%d.txt", i))
	}

	if err := newSession(srv, 3).RunDiscard(context.Background(), []string{"edit", "-c", "7"}, p4.WithFiles(files...)); err != nil {
		t.Fatalf("RunDiscard failed: %v", err)
	}
	call := srv.Calls()[0]
	if !call.ListFile {
		t.Fatal("expected files to be passed with -x")
	}
	if len(call.Args) != 2+len(files) || call.Args[len(call.Args)-1] != "//depot/f4.txt" {
		t.Fatalf("unexpected args %v", call.Args)
	}

	if err := newSession(srv, 3).RunDiscard(context.Background(), []string{"edit"}, p4.WithFiles(files[:3]...)); err != nil {
		t.Fatalf("RunDiscard failed: %v", err)
	}
	if srv.Calls()[1].ListFile {
		t.Fatal("files at the threshold belong on the command line")
	}
}

func TestRunOne(t *testing.T) {
	ctx := context.Background()
	srv := p4test.New()
	srv.Reply("client", p4test.Stat("Client", "ws", "Root", "/ws"))
	srv.Reply("changes")

	s := newSession(srv, 0)
	rec, err := s.RunOne(ctx, []string{"client", "-o", "ws"})
	if err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}
	if rec.Get("Root") != "/ws" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, err := s.RunOne(ctx, []string{"changes"}); errs.KindOf(err) != errs.RemoteCommandError {
		t.Fatalf("expected RemoteCommandError for empty reply, got %v", err)
	}
}

func TestWithInputMarshalsStdin(t *testing.T) {
	srv := p4test.New()
	srv.Reply("change", p4test.Info("Change 12 created."))

	form := p4.Record{"Change": "new", "Description": "fix\n"}
	recs, err := newSession(srv, 0).Collect(context.Background(), []string{"change", "-i"}, p4.WithInput(form))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Data() != "Change 12 created." {
		t.Fatalf("unexpected reply %v", recs)
	}
	in := srv.Calls()[0].Input
	if in.Get("Description") != "fix\n" || in.Get("Change") != "new" {
		t.Fatalf("unexpected stdin %v", in)
	}
}

func TestTransportFailure(t *testing.T) {
	srv := p4test.New()
	srv.Handle("info", func(p4test.Call) ([]p4.Record, error) {
		return nil, errors.New("connect to server failed")
	})
	_, err := newSession(srv, 0).Collect(context.Background(), []string{"info"})
	if !errors.Is(err, errs.ErrRemoteCommand) {
		t.Fatalf("expected remote command error, got %v", err)
	}
}
