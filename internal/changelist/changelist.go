// Package changelist creates and updates remote changelist forms.
package changelist

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/p4"
)

// Action is what the server did with a submitted form.
type Action string

const (
	Created Action = "created"
	Updated Action = "updated"
)

// Confirmation is a parsed "Change N created." reply.
type Confirmation struct {
	Action Action
	ID     int
}

var confirmationRe = regexp.MustCompile(`^Change (\d+) (created|updated)`)

// ParseConfirmation parses the info text returned by change -i.
func ParseConfirmation(text string) (Confirmation, error) {
	m := confirmationRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Confirmation{}, errs.Ef(errs.ChangelistCreateFailed, "unrecognised p4 change confirmation: %q", text)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return Confirmation{}, errs.Wrap(errs.ChangelistCreateFailed, err, "p4 change confirmation")
	}
	return Confirmation{Action: Action(m[2]), ID: id}, nil
}

// Invalidator is notified after every successful mutation.
type Invalidator interface {
	Invalidate()
}

// Request describes a form update. A zero ID creates a new changelist and
// a nil Description keeps the server's.
type Request struct {
	ID          int
	Description *string
	Jobs        []string
	// Update is required to edit submitted changelists (-u).
	Update bool
}

// Builder writes changelist forms.
type Builder struct {
	depot   *depot.Depot
	pending Invalidator
	log     logging.Logger
}

// New returns a Builder. pending may be nil.
func New(d *depot.Depot, pending Invalidator, log logging.Logger) *Builder {
	return &Builder{depot: d, pending: pending, log: logging.OrNop(log)}
}

// CreateOrUpdate fetches the current form, overlays the request and writes
// it back. It returns the changelist id.
func (b *Builder) CreateOrUpdate(ctx context.Context, req Request) (int, error) {
	s := b.depot.Session()
	args := []string{"change", "-o"}
	if req.ID != 0 {
		args = append(args, strconv.Itoa(req.ID))
	}
	form, err := s.RunOne(ctx, args)
	if err != nil {
		return 0, err
	}
	delete(form, "code")

	cs := b.depot.Charset()
	if req.Description != nil {
		desc, err := cs.Encode(*req.Description)
		if err != nil {
			return 0, err
		}
		form["Description"] = desc
	}
	if len(req.Jobs) > 0 {
		for _, k := range jobKeys(form) {
			delete(form, k)
		}
		for i, j := range req.Jobs {
			form["Jobs"+strconv.Itoa(i)] = j
		}
	}

	args = []string{"change", "-i"}
	if req.Update {
		args = append(args, "-u")
	}
	id := req.ID
	it := s.Run(ctx, args, p4.WithInput(form), p4.WithoutAbort())
	defer it.Close()
	err = it.ForEach(func(rec p4.Record) error {
		switch rec.Code() {
		case p4.CodeError:
			return errs.Ef(errs.ChangelistCreateFailed, "error writing p4 change: %s", rec.Data())
		case p4.CodeInfo:
			b.log.Info("p4 change", "message", rec.Data())
			c, err := ParseConfirmation(rec.Data())
			if err != nil {
				if id == 0 {
					return err
				}
				return nil
			}
			id = c.ID
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errs.E(errs.ChangelistCreateFailed, "error creating p4 change: no confirmation from server")
	}
	if b.pending != nil {
		b.pending.Invalidate()
	}
	return id, nil
}

func jobKeys(form p4.Record) []string {
	var out []string
	for k := range form {
		if strings.HasPrefix(k, "Jobs") {
			if _, err := strconv.Atoi(k[len("Jobs"):]); err == nil {
				out = append(out, k)
			}
		}
	}
	return out
}
