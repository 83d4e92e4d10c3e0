// Package depot wraps the server queries the sync engines need: changelist
// descriptions, file listings, workspace sync, file contents, labels,
// submit and revert.
package depot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/niczy/p4bridge/internal/clientview"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
)

// Options configures a Depot.
type Options struct {
	// Keep trusts the workspace to mirror the depot and reads file
	// contents from it.
	Keep bool
	// Tags imports labels.
	Tags       bool
	ClientUser string
	Charset    *Charset
	Cache      *PrintCache
	Logger     logging.Logger
}

// Depot issues queries for one client view.
type Depot struct {
	view    *clientview.View
	s       *p4.Session
	opts    Options
	log     logging.Logger
	users   *Users
	charset *Charset
}

// New creates a Depot with a fresh user cache.
func New(view *clientview.View, opts Options) (*Depot, error) {
	log := logging.OrNop(opts.Logger)
	users, err := NewUsers(view.Session(), view.Root, opts.ClientUser, opts.Charset, log)
	if err != nil {
		return nil, err
	}
	return &Depot{
		view:    view,
		s:       view.Session(),
		opts:    opts,
		log:     log,
		users:   users,
		charset: opts.Charset,
	}, nil
}

// View returns the client view.
func (d *Depot) View() *clientview.View { return d.view }

// Session returns the bound session.
func (d *Depot) Session() *p4.Session { return d.s }

// Users returns the per-command user resolver.
func (d *Depot) Users() *Users { return d.users }

// Charset returns the text character set.
func (d *Depot) Charset() *Charset { return d.charset }

// Keep reports whether the workspace mirrors the depot.
func (d *Depot) Keep() bool { return d.opts.Keep }

// Describe returns changelist change. With local set the files carry their
// repository paths; for submitted changelists the listing then comes from
// fstat, otherwise from where.
func (d *Depot) Describe(ctx context.Context, change int, local bool) (*models.ChangeList, error) {
	rec, err := d.s.RunOne(ctx, []string{"describe", "-s", strconv.Itoa(change)})
	if err != nil {
		return nil, err
	}
	cl, err := d.changeFromRecord(ctx, rec, true)
	if err != nil {
		return nil, err
	}

	if local && cl.Submitted() {
		files, err := d.Fstat(ctx, change, false)
		if err != nil {
			return nil, err
		}
		cl.Files = files
	} else {
		depotFiles := rec.Indexed("depotFile")
		for i, df := range depotFiles {
			idx := strconv.Itoa(i)
			rev, _ := rec.Int("rev" + idx)
			action, err := models.ParseAction(rec.Get("action" + idx))
			if err != nil {
				return nil, errs.Wrap(errs.RemoteCommandError, err, fmt.Sprintf("describe %d", change))
			}
			cl.Files = append(cl.Files, models.FileEntry{
				DepotPath: df,
				Revision:  rev,
				Type:      rec.Get("type" + idx),
				Action:    action,
			})
		}
		if local && len(cl.Files) > 0 {
			if err := d.resolveLocal(ctx, cl.Files); err != nil {
				return nil, err
			}
		}
	}

	jobs := rec.Indexed("job")
	for i, j := range jobs {
		cl.Jobs = append(cl.Jobs, models.Job{Name: j, Status: rec.Get("jobstat" + strconv.Itoa(i))})
	}
	return cl, nil
}

// changeFromRecord converts a describe or changes record. With resolve set
// the user becomes a full author string.
func (d *Depot) changeFromRecord(ctx context.Context, rec p4.Record, resolve bool) (*models.ChangeList, error) {
	id, ok := rec.Int("change")
	if !ok {
		return nil, errs.Ef(errs.RemoteCommandError, "p4 record without a change number: %v", rec)
	}
	desc, err := d.charset.Decode(rec.Get("desc"))
	if err != nil {
		return nil, err
	}
	user, err := d.charset.Decode(rec.Get("user"))
	if err != nil {
		return nil, err
	}
	client := rec.Get("client")
	if resolve {
		user = d.users.Resolve(ctx, user, client)
	}
	secs, _ := rec.Int("time")
	cl := &models.ChangeList{
		ID:          id,
		Description: desc,
		Status:      models.ChangelistStatus(rec.Get("status")),
		User:        user,
		Client:      client,
		Time:        time.Unix(int64(secs), 0),
	}
	return cl, nil
}

func (d *Depot) resolveLocal(ctx context.Context, files []models.FileEntry) error {
	index := make(map[string]int, len(files))
	args := make([]string, 0, len(files))
	for i, f := range files {
		index[f.DepotPath] = i
		args = append(args, f.DepotPath)
	}
	it := d.s.Run(ctx, []string{"where"}, p4.WithFiles(args...))
	defer it.Close()
	return it.ForEach(func(rec p4.Record) error {
		i, ok := index[rec.Get("depotFile")]
		if !ok {
			return nil
		}
		rel, err := d.view.ToRelative(rec.Get("path"))
		if err != nil {
			return err
		}
		files[i].LocalPath = rel
		return nil
	})
}

// Fstat lists the files changelist change touched, or with all set every
// file at that changelist, restricted to the view. Metadata files are
// skipped.
func (d *Depot) Fstat(ctx context.Context, change int, all bool) ([]models.FileEntry, error) {
	var args []string
	if all {
		args = []string{"fstat", d.view.Scope("@" + strconv.Itoa(change))}
	} else {
		args = []string{"fstat", "-e", strconv.Itoa(change), d.view.Scope("")}
	}

	var out []models.FileEntry
	it := d.s.Run(ctx, args)
	defer it.Close()
	err := it.ForEach(func(rec p4.Record) error {
		if rec.Has("desc") || rec.Code() != p4.CodeStat {
			return nil
		}
		rel, err := d.view.ToRelative(rec.Get("clientFile"))
		if err != nil {
			return err
		}
		if host.IsMetadataFile(rel) {
			return nil
		}
		action, err := models.ParseAction(rec.Get("headAction"))
		if err != nil {
			return errs.Wrap(errs.RemoteCommandError, err, fmt.Sprintf("fstat %d", change))
		}
		rev, _ := rec.Int("headRev")
		out = append(out, models.FileEntry{
			DepotPath: rec.Get("depotFile"),
			Revision:  rev,
			Type:      rec.Get("headType"),
			Action:    action,
			LocalPath: rel,
		})
		if len(out)%250 == 0 {
			d.log.Debug("p4 fstat", "entries", len(out))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("fstat", "change", change, "files", len(out))
	return out, nil
}

// Changes runs a changes query and returns the changelists without files.
func (d *Depot) Changes(ctx context.Context, args ...string) ([]*models.ChangeList, error) {
	var out []*models.ChangeList
	it := d.s.Run(ctx, append([]string{"changes"}, args...))
	defer it.Close()
	err := it.ForEach(func(rec p4.Record) error {
		if rec.Code() != p4.CodeStat {
			return nil
		}
		cl, err := d.changeFromRecord(ctx, rec, false)
		if err != nil {
			return err
		}
		out = append(out, cl)
		return nil
	})
	return out, err
}

// Labels returns the labels placed exactly at changelist change, or none
// when label import is disabled.
func (d *Depot) Labels(ctx context.Context, change int) ([]string, error) {
	if !d.opts.Tags {
		return nil, nil
	}
	c := strconv.Itoa(change)
	var out []string
	it := d.s.Run(ctx, []string{"labels", d.view.Scope("@" + c + "," + c)})
	defer it.Close()
	err := it.ForEach(func(rec p4.Record) error {
		if l := rec.Get("label"); l != "" {
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// Info returns the server's view of the client.
func (d *Depot) Info(ctx context.Context) (p4.Record, error) {
	return d.s.RunOne(ctx, []string{"info"})
}

// HasMoveCopy reports whether the server supports move and copy. A non-nil
// configured value skips the probe.
func (d *Depot) HasMoveCopy(ctx context.Context, move, cp *bool) (bool, bool, error) {
	probe := func(op string, configured *bool) (bool, error) {
		if configured != nil {
			return *configured, nil
		}
		d.log.Info("checking if p4 command is supported", "command", op)
		rec, err := d.s.RunOne(ctx, []string{"help", op}, p4.WithoutAbort())
		if err != nil {
			return false, err
		}
		return rec.Code() == p4.CodeInfo, nil
	}
	m, err := probe("move", move)
	if err != nil {
		return false, false, err
	}
	c, err := probe("copy", cp)
	if err != nil {
		return false, false, err
	}
	return m, c, nil
}
