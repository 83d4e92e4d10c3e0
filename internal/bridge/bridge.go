// Package bridge exposes the user-facing commands on top of the sync and
// push engines: pull, push, clone, incoming, outgoing, identify, pending,
// submit and revert.
package bridge

import (
	"context"
	"errors"
	"strconv"

	"github.com/niczy/p4bridge/internal/clientview"
	"github.com/niczy/p4bridge/internal/config"
	"github.com/niczy/p4bridge/internal/correlate"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/pending"
	"github.com/niczy/p4bridge/internal/push"
	"github.com/niczy/p4bridge/internal/storage"
	"github.com/niczy/p4bridge/internal/syncer"
)

// Config wires a Bridge.
type Config struct {
	Options config.Options
	// Transport reaches the server; nil runs the p4 binary named in
	// Options.P4.
	Transport p4.Transport
	// Cache keeps printed file revisions across commands.
	Cache *depot.PrintCache
	// Journal records runs and correlations; nil disables journaling.
	Journal storage.Storage
	Logger  logging.Logger
}

// Bridge runs commands for one repository against one p4 location.
type Bridge struct {
	repo     host.Repository
	location string
	cfg      Config
	log      logging.Logger
}

// New returns a Bridge. An empty location falls back to the configured
// default.
func New(repo host.Repository, location string, cfg Config) *Bridge {
	if location == "" {
		location = cfg.Options.Default
	}
	return &Bridge{repo: repo, location: location, cfg: cfg, log: logging.OrNop(cfg.Logger)}
}

// Location returns the p4 location commands run against.
func (b *Bridge) Location() string { return b.location }

// Repository returns the local repository.
func (b *Bridge) Repository() host.Repository { return b.repo }

// command holds the per-command state. Nothing here outlives a call.
type command struct {
	depot   *depot.Depot
	tracker *pending.Tracker
}

func (c *command) client() string { return c.depot.View().Client }

func (b *Bridge) open(ctx context.Context) (*command, error) {
	if b.location == "" {
		return nil, errs.E(errs.ClientNotFound, "no p4 location given and no default configured")
	}
	d, err := openDepot(ctx, b.location, b.cfg, b.log)
	if err != nil {
		return nil, err
	}
	return &command{depot: d, tracker: pending.New(b.repo, d, b.log)}, nil
}

func openDepot(ctx context.Context, location string, cfg Config, log logging.Logger) (*depot.Depot, error) {
	o := cfg.Options
	cs, err := o.Charset()
	if err != nil {
		return nil, err
	}
	transport := cfg.Transport
	if transport == nil {
		transport = p4.NewExecTransport(o.P4)
	}
	view, err := clientview.Open(ctx, location,
		p4.Options{MaxArgs: o.MaxArgs, Transport: transport, Logger: log},
		clientview.Options{LowercasePaths: o.LowercasePaths, IgnoreCase: o.IgnoreCase})
	if err != nil {
		return nil, err
	}
	return depot.New(view, depot.Options{
		Keep:       o.Keep,
		Tags:       o.Tags,
		ClientUser: o.ClientUser,
		Charset:    cs,
		Cache:      cfg.Cache,
		Logger:     log,
	})
}

// Pull imports the submitted changelists after the correlated base.
func (b *Bridge) Pull(ctx context.Context, opts syncer.PullOptions) (*syncer.Result, error) {
	c, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	run, err := b.startRun(ctx, c.client(), models.RunPull)
	if err != nil {
		return nil, err
	}

	eng := syncer.New(b.repo, c.depot, syncer.Options{
		TrimLog: b.cfg.Options.PullTrimLog,
		Journal: b.journal(),
		Logger:  b.log,
	})
	res, err := eng.Pull(ctx, opts)
	if res != nil {
		for _, im := range res.Imported {
			run.record(im.Change, im.Node)
		}
	}
	status := models.RunSucceeded
	if err != nil {
		status = models.RunFailed
	}
	b.finishRun(ctx, run, status, err)
	return res, err
}

// Incoming lists what Pull would import.
func (b *Bridge) Incoming(ctx context.Context, opts syncer.PullOptions) ([]syncer.Incoming, error) {
	c, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	return syncer.New(b.repo, c.depot, syncer.Options{Logger: b.log}).Incoming(ctx, opts)
}

func (b *Bridge) pushEngine(c *command) *push.Engine {
	return push.New(b.repo, c.depot, c.tracker, push.Options{
		Move:   b.cfg.Options.Move,
		Copy:   b.cfg.Options.Copy,
		Logger: b.log,
	})
}

// Push exports the outgoing range as one changelist, submitting it when
// asked to or when the configuration says so.
func (b *Bridge) Push(ctx context.Context, opts push.PushOptions) (*push.Result, error) {
	c, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	run, err := b.startRun(ctx, c.client(), models.RunPush)
	if err != nil {
		return nil, err
	}
	if b.cfg.Options.Submit {
		opts.Submit = true
	}

	res, err := b.pushEngine(c).Push(ctx, opts)
	var status models.RunStatus
	var rb *push.RolledBack
	switch {
	case errors.As(err, &rb):
		run.record(rb.Change)
		status = models.RunRolledBack
	case err != nil:
		status = models.RunFailed
	case res.Change == 0:
		status = models.RunSucceeded
	case res.Submitted:
		status = models.RunSubmitted
	default:
		status = models.RunPending
	}
	if res != nil && res.Change != 0 {
		run.record(res.Change, res.Nodes...)
	}
	b.finishRun(ctx, run, status, err)
	return res, err
}

// Outgoing describes what Push would export without touching the server's
// changelists.
func (b *Bridge) Outgoing(ctx context.Context, opts push.PushOptions, patch bool) (*push.Outgoing, error) {
	c, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	return b.pushEngine(c).Outgoing(ctx, opts, patch)
}

// IdentifyOptions selects what Identify reports on.
type IdentifyOptions struct {
	// Rev reports the changelist a changeset was imported from.
	Rev models.NodeID
	// Base moves the correlated changeset forward over metadata-only
	// children.
	Base bool
	// Changelist finds the changeset of this changelist.
	Changelist int
}

// Identity pairs a changelist with its changeset.
type Identity struct {
	Change int
	Node   models.NodeID
}

// Identify maps between changesets and changelists. It only reads the
// local repository.
func (b *Bridge) Identify(ctx context.Context, opts IdentifyOptions) (*Identity, error) {
	if !opts.Rev.IsNull() {
		cs, err := b.repo.Changeset(ctx, opts.Rev)
		if err != nil {
			return nil, err
		}
		v, ok := cs.Changelist()
		if !ok {
			return nil, errs.E(errs.NoChangelistFound, "no p4 changelist revision found")
		}
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, errs.Ef(errs.NoChangelistFound, "changeset %s has a malformed changelist marker %q", cs.ID.Short(), v)
		}
		return &Identity{Change: id, Node: cs.ID}, nil
	}
	node, id, err := correlate.Find(ctx, b.repo, b.log, correlate.FindOptions{Base: opts.Base, Changelist: opts.Changelist})
	if err != nil {
		return nil, err
	}
	return &Identity{Change: id, Node: node}, nil
}

// PendingEntry is one changelist known to reference local changesets.
type PendingEntry struct {
	models.PendingRecord
	// Files lists workspace paths; only filled in with summaries.
	Files []string
}

// Pending lists the changelists already pushed, pending or submitted since
// the last pull.
func (b *Bridge) Pending(ctx context.Context, summary bool) ([]PendingEntry, error) {
	c, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	records, err := c.tracker.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PendingEntry, 0, len(records))
	for _, r := range records {
		e := PendingEntry{PendingRecord: r}
		if summary {
			cl, err := c.depot.Describe(ctx, r.Change, true)
			if err != nil {
				return nil, err
			}
			for _, f := range cl.Files {
				e.Files = append(e.Files, f.LocalPath)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Submitted maps a pending changelist to the number it was submitted as.
type Submitted struct {
	Change    int
	Submitted int
}

// Submit submits the given pending changelists, or every pending one with
// all set.
func (b *Bridge) Submit(ctx context.Context, ids []int, all bool) ([]Submitted, error) {
	c, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	if ids, err = b.selectChanges(ctx, c, "submit", ids, all); err != nil {
		return nil, err
	}
	run, err := b.startRun(ctx, c.client(), models.RunSubmit)
	if err != nil {
		return nil, err
	}

	var out []Submitted
	for _, id := range ids {
		b.log.Info("submitting", "change", id)
		if _, err = c.depot.Describe(ctx, id, false); err != nil {
			break
		}
		var n int
		if n, err = c.depot.Submit(ctx, id); err != nil {
			break
		}
		run.record(n)
		out = append(out, Submitted{Change: id, Submitted: n})
	}
	c.tracker.Invalidate()
	status := models.RunSubmitted
	if err != nil {
		status = models.RunFailed
	}
	b.finishRun(ctx, run, status, err)
	return out, err
}

// Revert reverts the given pending changelists with their opened files and
// job fixes, or every pending one with all set.
func (b *Bridge) Revert(ctx context.Context, ids []int, all bool) ([]int, error) {
	c, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	if ids, err = b.selectChanges(ctx, c, "revert", ids, all); err != nil {
		return nil, err
	}
	run, err := b.startRun(ctx, c.client(), models.RunRevert)
	if err != nil {
		return nil, err
	}

	var out []int
	for _, id := range ids {
		b.log.Info("reverting", "change", id)
		if err = c.depot.Revert(ctx, id); err != nil {
			break
		}
		run.record(id)
		out = append(out, id)
	}
	c.tracker.Invalidate()
	status := models.RunRolledBack
	if err != nil {
		status = models.RunFailed
	}
	b.finishRun(ctx, run, status, err)
	return out, err
}

func (b *Bridge) selectChanges(ctx context.Context, c *command, mode string, ids []int, all bool) ([]int, error) {
	if len(ids) > 0 {
		for _, id := range ids {
			if id <= 0 {
				return nil, errs.Ef(errs.InvalidArgument, "changelist must be a positive number, got %d", id)
			}
		}
		return ids, nil
	}
	if !all {
		return nil, errs.E(errs.InvalidArgument, "no changelists specified")
	}
	records, err := c.tracker.Records(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if !r.Submitted {
			ids = append(ids, r.Change)
		}
	}
	if len(ids) == 0 {
		return nil, errs.Ef(errs.InvalidArgument, "no pending changelists to %s", mode)
	}
	return ids, nil
}

// Runs lists the journaled runs of the bridge's client, newest first.
func (b *Bridge) Runs(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	if b.cfg.Journal == nil {
		return nil, nil
	}
	client := ""
	if b.location != "" {
		if l, err := clientview.Parse(b.location); err == nil {
			client = l.Client
		}
	}
	return b.cfg.Journal.ListRuns(ctx, client, limit)
}
