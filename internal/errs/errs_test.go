package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := Ef(AlreadyExported, "can not push, changeset %s is already in p4", "abc")
	wrapped := fmt.Errorf("push: %w", err)

	if !errors.Is(wrapped, ErrAlreadyExported) {
		t.Fatalf("expected wrapped error to match ErrAlreadyExported")
	}
	if errors.Is(wrapped, ErrNoChangelistFound) {
		t.Fatalf("kind mismatch should not match")
	}
	if got := KindOf(wrapped); got != AlreadyExported {
		t.Fatalf("KindOf = %s, want %s", got, AlreadyExported)
	}
	if got := wrapped.Error(); got != "push: can not push, changeset abc is already in p4" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestFatal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"client not found", E(ClientNotFound, "x is not a p4 repository"), false},
		{"client invalid", E(ClientInvalid, "bad"), true},
		{"unclassified", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Fatal(tc.err); got != tc.want {
				t.Fatalf("Fatal(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("p4: no such file")
	err := Wrap(WorkspaceInconsistency, cause, "file a.txt missing in p4 workspace")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if Wrap(ClientInvalid, nil, "x") != nil {
		t.Fatalf("wrapping nil should return nil")
	}
}
