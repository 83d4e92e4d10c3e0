// Package pending indexes the changelists, pending or submitted since the
// correlated base, whose descriptions reference local changesets.
package pending

import (
	"context"
	"sort"
	"strconv"

	"github.com/niczy/p4bridge/internal/correlate"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/reference"
)

// Tracker is built on first use and lives for one command. Both cached
// fields are dropped by Invalidate, which every changelist mutation calls.
type Tracker struct {
	repo  host.Repository
	depot *depot.Depot
	log   logging.Logger

	// stat maps each represented node to its changelist.
	stat map[models.NodeID]int
	// records is sorted by ascending changelist id.
	records []models.PendingRecord
}

// New returns an unbuilt tracker.
func New(repo host.Repository, d *depot.Depot, log logging.Logger) *Tracker {
	return &Tracker{repo: repo, depot: d, log: logging.OrNop(log)}
}

// Invalidate drops the cached index.
func (t *Tracker) Invalidate() {
	t.stat = nil
	t.records = nil
}

// Contains reports whether node is already represented by a changelist
// other than the correlated base.
func (t *Tracker) Contains(ctx context.Context, node models.NodeID) (bool, error) {
	if err := t.build(ctx); err != nil {
		return false, err
	}
	_, ok := t.stat[node]
	return ok, nil
}

// Changelist returns the changelist representing node, or 0.
func (t *Tracker) Changelist(ctx context.Context, node models.NodeID) (int, error) {
	if err := t.build(ctx); err != nil {
		return 0, err
	}
	return t.stat[node], nil
}

// Records returns the indexed changelists.
func (t *Tracker) Records(ctx context.Context) ([]models.PendingRecord, error) {
	if err := t.build(ctx); err != nil {
		return nil, err
	}
	return t.records, nil
}

func (t *Tracker) build(ctx context.Context) error {
	if t.stat != nil {
		return nil
	}

	_, baseID, err := correlate.Find(ctx, t.repo, t.log, correlate.FindOptions{Base: true, NoAbort: true})
	if err != nil {
		return err
	}
	client := t.depot.View().Client
	view := t.depot.View().Scope("@" + strconv.Itoa(baseID) + ",#head")

	submitted, err := t.depot.Changes(ctx, "-l", "-c", client, view)
	if err != nil {
		return err
	}
	pending, err := t.depot.Changes(ctx, "-l", "-c", client, "-s", string(models.ChangelistPending))
	if err != nil {
		return err
	}

	seen := make(map[int]bool)
	stat := make(map[models.NodeID]int)
	var records []models.PendingRecord
	for _, cl := range append(submitted, pending...) {
		if cl.ID == baseID || seen[cl.ID] {
			continue
		}
		seen[cl.ID] = true
		ref, ok := reference.Parse(cl.Description)
		if !ok {
			continue
		}
		nodes, err := t.expand(ctx, ref)
		if err != nil {
			t.log.Warn("ignoring changelist with unresolvable reference", "change", cl.ID, "ref", ref.String(), "error", err)
			continue
		}
		for _, n := range nodes {
			stat[n] = cl.ID
		}
		records = append(records, models.PendingRecord{
			Change:      cl.ID,
			Submitted:   cl.Submitted(),
			Nodes:       nodes,
			Description: cl.Description,
			Client:      cl.Client,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Change < records[j].Change })

	t.stat = stat
	t.records = records
	t.log.Debug("pending index built", "base", baseID, "changelists", len(records), "nodes", len(stat))
	return nil
}

func (t *Tracker) expand(ctx context.Context, ref reference.Ref) ([]models.NodeID, error) {
	if ref.IsSingle() {
		if _, err := t.repo.Changeset(ctx, ref.First); err != nil {
			return nil, err
		}
		return []models.NodeID{ref.First}, nil
	}
	nodes, err := t.repo.NodesBetween(ctx, ref.First, ref.Last)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, host.ErrNodeNotFound
	}
	return nodes, nil
}
