// Package push exports a range of local changesets as one remote
// changelist.
package push

import (
	"context"
	"fmt"

	"github.com/niczy/p4bridge/internal/changelist"
	"github.com/niczy/p4bridge/internal/classify"
	"github.com/niczy/p4bridge/internal/correlate"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/pending"
	"github.com/niczy/p4bridge/internal/reference"
)

// Options configures an Engine.
type Options struct {
	// Move and Copy override the server probe when set.
	Move   *bool
	Copy   *bool
	Logger logging.Logger
}

// Engine pushes changesets of one repository to one client.
type Engine struct {
	repo    host.Repository
	depot   *depot.Depot
	tracker *pending.Tracker
	builder *changelist.Builder
	opts    Options
	log     logging.Logger
}

// New returns an Engine sharing tracker with the caller.
func New(repo host.Repository, d *depot.Depot, tracker *pending.Tracker, opts Options) *Engine {
	log := logging.OrNop(opts.Logger)
	return &Engine{
		repo:    repo,
		depot:   d,
		tracker: tracker,
		builder: changelist.New(d, tracker, log),
		opts:    opts,
		log:     log,
	}
}

// PushOptions selects the range to export.
type PushOptions struct {
	// From and Rev bound an explicit range. With From empty the range
	// starts after the correlated base; with Rev empty it ends at head.
	From models.NodeID
	Rev  models.NodeID
	// Force exports changesets that are already pending or submitted and
	// patches from the queue.
	Force  bool
	Submit bool
	Jobs   []string
}

// Prepared is a range ready to be exported.
type Prepared struct {
	Base   models.NodeID
	BaseID int
	// Parent is the changeset the diff is taken against.
	Parent      models.NodeID
	Nodes       []models.NodeID
	Description string
	Diff        *host.Diff
}

// Empty reports whether there is nothing to export.
func (p *Prepared) Empty() bool {
	return len(p.Nodes) == 0 || p.Diff.Empty()
}

// Prepare computes the range, checks it was not exported before and diffs
// it as a whole.
func (e *Engine) Prepare(ctx context.Context, opts PushOptions) (*Prepared, error) {
	base, baseID, err := correlate.Find(ctx, e.repo, e.log, correlate.FindOptions{Base: true, NoAbort: true})
	if err != nil {
		return nil, err
	}
	p := &Prepared{Base: base, BaseID: baseID, Diff: &host.Diff{}}

	last := opts.Rev
	if last.IsNull() {
		if last, err = e.repo.Head(ctx); err != nil {
			return nil, err
		}
	}
	if last.IsNull() {
		return p, nil
	}
	first := opts.From
	if first.IsNull() {
		first = base
	}
	nodes, err := e.repo.NodesBetween(ctx, first, last)
	if err != nil {
		return nil, err
	}
	if opts.From.IsNull() && !base.IsNull() && len(nodes) > 0 && nodes[0] == base {
		nodes = nodes[1:]
	}

	if !opts.Force {
		if nodes, err = e.trim(ctx, nodes); err != nil {
			return nil, err
		}
		if err := e.checkExported(ctx, nodes); err != nil {
			return nil, err
		}
		if err := e.checkQueue(ctx, nodes); err != nil {
			return nil, err
		}
	}
	if len(nodes) == 0 {
		return p, nil
	}
	p.Nodes = nodes

	cs, err := e.repo.Changeset(ctx, nodes[0])
	if err != nil {
		return nil, err
	}
	if len(cs.Parents) > 0 {
		p.Parent = cs.Parents[0]
	}
	diff, err := e.repo.Diff(ctx, p.Parent, nodes[len(nodes)-1])
	if err != nil {
		return nil, err
	}
	p.Diff = withoutMetadata(diff)

	descs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		c, err := e.repo.Changeset(ctx, n)
		if err != nil {
			return nil, err
		}
		descs = append(descs, c.Description)
	}
	p.Description = reference.Describe(descs, reference.Range(nodes[0], nodes[len(nodes)-1]))
	return p, nil
}

// trim drops already pending changesets from both ends of nodes.
func (e *Engine) trim(ctx context.Context, nodes []models.NodeID) ([]models.NodeID, error) {
	for len(nodes) > 0 {
		ok, err := e.tracker.Contains(ctx, nodes[0])
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		nodes = nodes[1:]
	}
	for len(nodes) > 0 {
		ok, err := e.tracker.Contains(ctx, nodes[len(nodes)-1])
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		nodes = nodes[:len(nodes)-1]
	}
	return nodes, nil
}

// checkExported fails when a changeset is pending or when one of its
// children was converted from a changelist. The two checks are separate.
func (e *Engine) checkExported(ctx context.Context, nodes []models.NodeID) error {
	for _, n := range nodes {
		ok, err := e.tracker.Contains(ctx, n)
		if err != nil {
			return err
		}
		if ok {
			cl, _ := e.tracker.Changelist(ctx, n)
			return errs.Ef(errs.AlreadyExported, "changeset %s is already pending as changelist %d", n.Short(), cl)
		}
	}
	for _, n := range nodes {
		children, err := e.repo.Children(ctx, n)
		if err != nil {
			return err
		}
		for _, c := range children {
			cs, err := e.repo.Changeset(ctx, c)
			if err != nil {
				return err
			}
			if id, ok := cs.Changelist(); ok {
				return errs.Ef(errs.AlreadyExported, "changeset %s is already submitted as changelist %s", n.Short(), id)
			}
		}
	}
	return nil
}

func (e *Engine) checkQueue(ctx context.Context, nodes []models.NodeID) error {
	if len(nodes) == 0 {
		return nil
	}
	qbase, err := e.repo.QueueBase(ctx)
	if err != nil || qbase.IsNull() {
		return err
	}
	inQueue, err := host.IsAncestor(ctx, e.repo, qbase, nodes[len(nodes)-1])
	if err != nil {
		return err
	}
	if inQueue {
		return fmt.Errorf("cannot push patches applied from the queue, starting at %s", qbase.Short())
	}
	return nil
}

func withoutMetadata(d *host.Diff) *host.Diff {
	keep := func(in []models.PathMode) []models.PathMode {
		var out []models.PathMode
		for _, f := range in {
			if !host.IsMetadataFile(f.Path) {
				out = append(out, f)
			}
		}
		return out
	}
	out := &host.Diff{
		Modified: keep(d.Modified),
		Added:    keep(d.Added),
		Removed:  keep(d.Removed),
		Copies:   make(map[string]host.CopySource),
	}
	for dst, src := range d.Copies {
		if !host.IsMetadataFile(dst) && !host.IsMetadataFile(src.Source) {
			out.Copies[dst] = src
		}
	}
	return out
}

// Result describes a push.
type Result struct {
	Change    int
	Submitted bool
	Nodes     []models.NodeID
	Plan      classify.Plan
}

// Push builds or refreshes the changelist for the prepared range and
// optionally submits it. When anything fails after the changelist exists
// it is reverted and deleted before the error is returned.
func (e *Engine) Push(ctx context.Context, opts PushOptions) (*Result, error) {
	p, err := e.Prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	if p.Empty() {
		e.log.Info("no changes found")
		return &Result{}, nil
	}

	move, cp, err := e.depot.HasMoveCopy(ctx, e.opts.Move, e.opts.Copy)
	if err != nil {
		return nil, err
	}
	plan := classify.Classify(p.Diff, classify.Support{Move: move, Copy: cp})

	if err := e.syncBase(ctx, p, &plan); err != nil {
		return nil, err
	}
	reuse, err := e.findReusable(ctx, p.Description)
	if err != nil {
		return nil, err
	}
	e.revertOpened(ctx, reuse, &plan)

	change, err := e.builder.CreateOrUpdate(ctx, changelist.Request{ID: reuse, Description: &p.Description, Jobs: opts.Jobs})
	if err != nil {
		return nil, err
	}
	e.log.Info("changelist", "id", change, "reused", reuse != 0)

	res := &Result{Change: change, Nodes: p.Nodes, Plan: plan}
	if err := e.apply(ctx, change, p, &plan); err != nil {
		return nil, e.rollback(ctx, change, err)
	}
	if opts.Submit {
		submitted, err := e.depot.Submit(ctx, change)
		if err != nil {
			return nil, e.rollback(ctx, change, err)
		}
		res.Change = submitted
		res.Submitted = true
		e.tracker.Invalidate()
	}
	return res, nil
}

// RolledBack is returned when a push failed after its changelist existed
// and the changelist was reverted.
type RolledBack struct {
	Change int
	Err    error
}

func (r *RolledBack) Error() string { return r.Err.Error() }

func (r *RolledBack) Unwrap() error { return r.Err }

func (e *Engine) rollback(ctx context.Context, change int, cause error) error {
	e.log.Warn("reverting changelist after failure", "change", change, "error", cause)
	if err := e.depot.Revert(ctx, change); err != nil {
		e.log.Error("revert failed", "change", change, "error", err)
	}
	e.tracker.Invalidate()
	return &RolledBack{Change: change, Err: cause}
}

// findReusable returns the pending changelist whose description matches
// desc apart from the node token.
func (e *Engine) findReusable(ctx context.Context, desc string) (int, error) {
	records, err := e.tracker.Records(ctx)
	if err != nil {
		return 0, err
	}
	want := reference.Mask(desc)
	for _, r := range records {
		if !r.Submitted && reference.Mask(r.Description) == want {
			return r.Change, nil
		}
	}
	return 0, nil
}
