// Package syncer replays submitted changelists as local changesets.
package syncer

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/niczy/p4bridge/internal/changelist"
	"github.com/niczy/p4bridge/internal/correlate"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
	"github.com/niczy/p4bridge/internal/reference"
)

// Journal records each imported changelist.
type Journal interface {
	RecordCorrelation(ctx context.Context, c *models.Correlation) error
}

// Options configures an Engine.
type Options struct {
	// TrimLog strips the node token from imported descriptions and from the
	// server's copy of the description.
	TrimLog bool
	Journal Journal
	Logger  logging.Logger
}

// Engine imports changelists into one repository.
type Engine struct {
	repo    host.Repository
	depot   *depot.Depot
	opts    Options
	log     logging.Logger
	builder *changelist.Builder
}

// New returns an Engine.
func New(repo host.Repository, d *depot.Depot, opts Options) *Engine {
	log := logging.OrNop(opts.Logger)
	return &Engine{
		repo:    repo,
		depot:   d,
		opts:    opts,
		log:     log,
		builder: changelist.New(d, nil, log),
	}
}

// PullOptions selects what to import.
type PullOptions struct {
	// Rev stops the import at this changelist; zero imports up to head.
	Rev int
	// StartRev bounds an initial import: a positive value is the first
	// changelist to import, a negative one keeps the last -StartRev
	// changelists. The first imported changeset then holds the full tree.
	StartRev int
}

// Plan is the set of changelists a pull would import.
type Plan struct {
	Base    models.NodeID
	BaseID  int
	Changes []int
	// Snapshot is set when the first change must be imported as a full
	// tree rather than a delta.
	Snapshot bool
}

// Plan lists the submitted changelists after the correlated base.
func (e *Engine) Plan(ctx context.Context, opts PullOptions) (*Plan, error) {
	base, baseID, err := correlate.Find(ctx, e.repo, e.log, correlate.FindOptions{Base: true, NoAbort: true})
	if err != nil {
		return nil, err
	}
	if opts.StartRev != 0 && !base.IsNull() {
		return nil, errs.Ef(errs.InvalidArgument, "--startrev is only allowed for the initial import, the repository is at changelist %d", baseID)
	}

	end := "#head"
	if opts.Rev != 0 {
		end = "@" + strconv.Itoa(opts.Rev)
	}
	scope := e.depot.View().Scope("@" + strconv.Itoa(baseID) + "," + end)
	cls, err := e.depot.Changes(ctx, "-s", string(models.ChangelistSubmitted), "-L", scope)
	if err != nil {
		return nil, err
	}

	p := &Plan{Base: base, BaseID: baseID}
	for _, cl := range cls {
		if cl.ID > baseID {
			p.Changes = append(p.Changes, cl.ID)
		}
	}
	sort.Ints(p.Changes)

	switch {
	case opts.StartRev > 0:
		i := sort.SearchInts(p.Changes, opts.StartRev)
		if i == len(p.Changes) {
			return nil, errs.Ef(errs.InvalidArgument, "changelist %d for --startrev not found", opts.StartRev)
		}
		if p.Changes[i] != opts.StartRev {
			return nil, errs.Ef(errs.InvalidArgument, "changelist for --startrev not found, first changelist is %d", p.Changes[i])
		}
		p.Changes = p.Changes[i:]
	case opts.StartRev < 0 && -opts.StartRev < len(p.Changes):
		p.Changes = p.Changes[len(p.Changes)+opts.StartRev:]
	}
	if opts.StartRev != 0 {
		if len(p.Changes) < 2 {
			return nil, errs.E(errs.InvalidArgument, "with --startrev there must be at least two changelists to import")
		}
		p.Snapshot = true
	}
	return p, nil
}

// Imported is one changelist turned into a changeset.
type Imported struct {
	Change int
	Node   models.NodeID
}

// Result summarises a pull.
type Result struct {
	Imported []Imported
	// Head is the last correlated changeset, or the tag changeset when
	// labels were imported.
	Head models.NodeID
	Tags map[string]models.NodeID
}

// Pull imports every planned changelist in ascending order, each on top of
// the previous one. Labels seen along the way are committed in one tag
// changeset at the end, even when an import failed.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) (res *Result, err error) {
	plan, err := e.Plan(ctx, opts)
	if err != nil {
		return nil, err
	}
	res = &Result{Head: plan.Base, Tags: make(map[string]models.NodeID)}
	if len(plan.Changes) == 0 {
		e.log.Info("no changes found")
		return res, nil
	}

	defer func() {
		if len(res.Tags) == 0 {
			return
		}
		head, terr := e.commitTags(ctx, res.Head, res.Tags)
		if terr != nil {
			err = errors.Join(err, terr)
			return
		}
		res.Head = head
	}()

	for i, change := range plan.Changes {
		node, err := e.importChange(ctx, res.Head, change, plan.Snapshot && i == 0)
		if err != nil {
			return res, err
		}
		res.Head = node
		res.Imported = append(res.Imported, Imported{Change: change, Node: node})

		labels, err := e.depot.Labels(ctx, change)
		if err != nil {
			return res, err
		}
		for _, l := range labels {
			res.Tags[l] = node
		}
	}
	return res, nil
}

func (e *Engine) importChange(ctx context.Context, parent models.NodeID, change int, snapshot bool) (models.NodeID, error) {
	cl, err := e.depot.Describe(ctx, change, false)
	if err != nil {
		return "", err
	}
	files, err := e.depot.Fstat(ctx, change, snapshot)
	if err != nil {
		return "", err
	}
	e.log.Info("change", "id", change, "files", len(files), "summary", cl.Summary())

	if e.depot.View().Options().IgnoreCase && !parent.IsNull() {
		if err := e.foldCase(ctx, parent, files); err != nil {
			return "", err
		}
	}
	if e.depot.Keep() {
		if err := e.refresh(ctx, change, files, snapshot); err != nil {
			return "", err
		}
	}

	var changes []host.FileChange
	for _, f := range files {
		if f.Action == models.ActionRemove {
			changes = append(changes, host.FileChange{Path: f.LocalPath, Removed: true})
			continue
		}
		data, mode, err := e.depot.GetFile(ctx, f)
		if err != nil {
			return "", err
		}
		changes = append(changes, host.FileChange{Path: f.LocalPath, Data: data, Mode: mode})
	}

	var parents []models.NodeID
	if !parent.IsNull() {
		parents = append(parents, parent)
	}
	desc := cl.Description
	if ref, ok := reference.Parse(desc); ok {
		merged, extra, err := e.mergeParent(ctx, parent, ref.Last, changes)
		if err != nil {
			return "", err
		}
		if !merged.IsNull() {
			parents = append(parents, merged)
			changes = append(changes, extra...)
		}
		if e.opts.TrimLog {
			desc, err = e.trimLog(ctx, change, desc)
			if err != nil {
				return "", err
			}
		}
	}

	node, err := e.repo.Commit(ctx, host.CommitRequest{
		Parents:     parents,
		Description: desc,
		Author:      cl.User,
		Date:        cl.Time,
		Extra:       map[string]string{models.ExtraChangelist: strconv.Itoa(change)},
		Files:       changes,
	})
	if err != nil {
		return "", err
	}
	e.log.Info("added changeset", "change", change, "node", node.Short())

	if e.opts.Journal != nil {
		c := &models.Correlation{Client: e.depot.View().Client, Change: change, Node: node, RecordedAt: time.Now()}
		if err := e.opts.Journal.RecordCorrelation(ctx, c); err != nil {
			e.log.Warn("journal write failed", "change", change, "error", err)
		}
	}
	return node, nil
}

// refresh brings the workspace files of a changelist up to date. Keep mode
// trusts the workspace for contents, so it has to hold exactly that
// revision.
func (e *Engine) refresh(ctx context.Context, change int, files []models.FileEntry, snapshot bool) error {
	if snapshot {
		return e.depot.Sync(ctx, change, depot.SyncOptions{Force: true})
	}
	if len(files) == 0 {
		return nil
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.DepotPath)
	}
	err := e.depot.Session().RunDiscard(ctx, []string{"revert", "-k"}, p4.WithFiles(paths...), p4.WithoutAbort())
	if err != nil {
		return err
	}
	return e.depot.Sync(ctx, change, depot.SyncOptions{Force: true, Files: paths})
}

// foldCase rewrites paths that differ only in case from a file of parent
// to the casing parent already records.
func (e *Engine) foldCase(ctx context.Context, parent models.NodeID, files []models.FileEntry) error {
	manifest, err := e.repo.Manifest(ctx, parent)
	if err != nil {
		return err
	}
	known := make(map[string]string, len(manifest))
	for _, p := range manifest {
		known[strings.ToLower(p)] = p
	}
	for i, f := range files {
		if p, ok := known[strings.ToLower(f.LocalPath)]; ok && p != f.LocalPath {
			e.log.Debug("using recorded case", "path", f.LocalPath, "recorded", p)
			files[i].LocalPath = p
		}
	}
	return nil
}

// mergeParent returns target as a second parent when it is a local
// changeset other than parent, together with the metadata files it
// carries that the import does not already write.
func (e *Engine) mergeParent(ctx context.Context, parent, target models.NodeID, changes []host.FileChange) (models.NodeID, []host.FileChange, error) {
	if target == parent {
		return "", nil, nil
	}
	if _, err := e.repo.Changeset(ctx, target); err != nil {
		if errors.Is(err, host.ErrNodeNotFound) {
			return "", nil, nil
		}
		return "", nil, err
	}
	ok, err := host.IsAncestor(ctx, e.repo, target, parent)
	if err != nil || ok {
		return "", nil, err
	}

	written := make(map[string]bool, len(changes))
	for _, c := range changes {
		written[c.Path] = true
	}
	manifest, err := e.repo.Manifest(ctx, target)
	if err != nil {
		return "", nil, err
	}
	var extra []host.FileChange
	for _, p := range manifest {
		if !host.IsMetadataFile(p) || p == host.TagsFile || written[p] {
			continue
		}
		f, err := e.repo.ReadFile(ctx, target, p)
		if err != nil {
			return "", nil, err
		}
		extra = append(extra, host.FileChange{Path: p, Data: f.Data, Mode: f.Mode})
	}
	return target, extra, nil
}

func (e *Engine) trimLog(ctx context.Context, change int, desc string) (string, error) {
	trimmed := reference.Strip(desc)
	if trimmed == desc {
		return desc, nil
	}
	e.log.Info("trimming description", "change", change)
	if _, err := e.builder.CreateOrUpdate(ctx, changelist.Request{ID: change, Description: &trimmed, Update: true}); err != nil {
		return "", err
	}
	return trimmed, nil
}

// Incoming is a changelist a pull would import.
type Incoming struct {
	Change  int
	User    string
	Time    time.Time
	Summary string
	Labels  []string
}

// Incoming describes the changelists a pull would import.
func (e *Engine) Incoming(ctx context.Context, opts PullOptions) ([]Incoming, error) {
	plan, err := e.Plan(ctx, opts)
	if err != nil {
		return nil, err
	}
	var out []Incoming
	for _, change := range plan.Changes {
		cl, err := e.depot.Describe(ctx, change, false)
		if err != nil {
			return nil, err
		}
		labels, err := e.depot.Labels(ctx, change)
		if err != nil {
			return nil, err
		}
		out = append(out, Incoming{
			Change:  change,
			User:    cl.User,
			Time:    cl.Time,
			Summary: cl.Summary(),
			Labels:  labels,
		})
	}
	return out, nil
}
