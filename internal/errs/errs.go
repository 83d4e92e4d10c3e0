// Package errs classifies the failures the bridge can raise.
// Every error carries a Kind so callers can decide between falling back
// (ClientNotFound) and aborting (everything else).
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of bridge failure.
type Kind string

const (
	// ClientNotFound means the path is not a p4:// location at all; callers
	// should fall back to default handling.
	ClientNotFound Kind = "CLIENT_NOT_FOUND"

	// ClientInvalid means the path looks like a p4:// location but the client
	// spec or its workspace cannot be used.
	ClientInvalid Kind = "CLIENT_INVALID"

	// RemoteCommandError wraps an error record returned by the server.
	RemoteCommandError Kind = "REMOTE_COMMAND_ERROR"

	// AlreadyExported means a changeset in the push range is already pending
	// or submitted.
	AlreadyExported Kind = "ALREADY_EXPORTED"

	// ChangelistCreateFailed means the server did not confirm a new changelist.
	ChangelistCreateFailed Kind = "CHANGELIST_CREATE_FAILED"

	// WorkspaceInconsistency means the client workspace does not hold a file
	// the server says it should.
	WorkspaceInconsistency Kind = "WORKSPACE_INCONSISTENCY"

	// NoChangelistFound means no ancestor carries a changelist marker.
	NoChangelistFound Kind = "NO_CHANGELIST_FOUND"

	// InvalidArgument means the caller asked for something that cannot be
	// done, such as submitting with no pending changelists.
	InvalidArgument Kind = "INVALID_ARGUMENT"

	// Unknown is reported for errors that were never classified.
	Unknown Kind = "UNKNOWN"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrClientNotFound         = &Error{Kind: ClientNotFound}
	ErrClientInvalid          = &Error{Kind: ClientInvalid}
	ErrRemoteCommand          = &Error{Kind: RemoteCommandError}
	ErrAlreadyExported        = &Error{Kind: AlreadyExported}
	ErrChangelistCreateFailed = &Error{Kind: ChangelistCreateFailed}
	ErrWorkspaceInconsistency = &Error{Kind: WorkspaceInconsistency}
	ErrNoChangelistFound      = &Error{Kind: NoChangelistFound}
	ErrInvalidArgument        = &Error{Kind: InvalidArgument}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// E builds a classified error.
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds a classified error with a formatted message.
func Ef(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err stays nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Fatal reports whether err must abort the current command.
func Fatal(err error) bool {
	return err != nil && KindOf(err) != ClientNotFound
}
