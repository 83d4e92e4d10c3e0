package p4

import (
	"fmt"

	"github.com/niczy/p4bridge/internal/errs"
)

// ServerError is an error record returned by the server.
type ServerError struct {
	Command  string
	Severity int
	Generic  int
	Data     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("p4 %s: %s", e.Command, e.Data)
}

// Benign reports whether the error is a no-op reply or a warning.
func (e *ServerError) Benign() bool {
	return e.Generic == GenericEmpty || e.Severity == SeverityWarn
}

// NewServerError classifies an error record as a RemoteCommandError whose
// message is the server's literal text.
func NewServerError(command string, rec Record) error {
	sev, _ := rec.Int("severity")
	gen, _ := rec.Int("generic")
	se := &ServerError{Command: command, Severity: sev, Generic: gen, Data: rec.Data()}
	return errs.Wrap(errs.RemoteCommandError, se, "")
}
