package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

// commit adds a changeset writing path to the service's repository.
func (e *bridgeEnv) commit(t *testing.T, parent models.NodeID, path string) models.NodeID {
	t.Helper()
	req := host.CommitRequest{Description: "edit " + path + "\n", Author: "me", Date: time.Unix(int64(e.repo.Len()+1), 0),
		Files: []host.FileChange{{Path: path, Data: []byte(path + "\n")}}}
	if !parent.IsNull() {
		req.Parents = []models.NodeID{parent}
	}
	id, err := e.repo.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return id
}

// assertCommandFails ensures that a CLI invocation exits non-zero and
// mentions want.
func (e *bridgeEnv) assertCommandFails(t *testing.T, want string, args ...string) {
	t.Helper()

	output, err := e.runCLI(args...)
	if err == nil {
		t.Fatalf("expected command %v to fail, got output: %s", args, output)
	}
	if !strings.Contains(output, want) {
		t.Fatalf("expected output of %v to mention %q, got: %s", args, want, output)
	}
}
