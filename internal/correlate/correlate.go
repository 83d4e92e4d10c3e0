// Package correlate finds the most recent local changeset that was
// converted from a remote changelist.
package correlate

import (
	"context"
	"strconv"
	"strings"

	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/models"
)

// FindOptions controls a search.
type FindOptions struct {
	// Rev is where the walk starts; empty selects the repository head.
	Rev models.NodeID
	// Base moves a match forward over children that only touch metadata
	// files, stopping at the patch queue.
	Base bool
	// Changelist, when non-zero, only accepts this changelist id.
	Changelist int
	// NoAbort returns a null result instead of NoChangelistFound.
	NoAbort bool
}

// frontier is one visited changeset. Entries live in a single arena and
// point at the descendant they were reached from, -1 for the start.
type frontier struct {
	id     models.NodeID
	parent int
}

// Find walks the ancestry of opts.Rev breadth first and returns the first
// changeset carrying a changelist marker together with its id.
func Find(ctx context.Context, repo host.Repository, log logging.Logger, opts FindOptions) (models.NodeID, int, error) {
	log = logging.OrNop(log)
	start := opts.Rev
	if start.IsNull() {
		head, err := repo.Head(ctx)
		if err != nil {
			return "", 0, err
		}
		start = head
	}

	var qbase models.NodeID
	if opts.Base {
		q, err := repo.QueueBase(ctx)
		if err != nil {
			return "", 0, err
		}
		qbase = q
	}

	var arena []frontier
	var current []int
	if !start.IsNull() {
		arena = append(arena, frontier{id: start, parent: -1})
		current = []int{0}
	}
	seen := make(map[models.NodeID]bool)
	for len(current) > 0 {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		log.Debug("find frontier", "nodes", len(current))

		var next []int
		for _, idx := range current {
			cs, err := repo.Changeset(ctx, arena[idx].id)
			if err != nil {
				return "", 0, err
			}
			if v, ok := cs.Changelist(); ok {
				id, err := strconv.Atoi(strings.TrimSpace(v))
				if err != nil {
					return "", 0, errs.Ef(errs.NoChangelistFound, "changeset %s has a malformed changelist marker %q", cs.ID.Short(), v)
				}
				if opts.Changelist == 0 || id == opts.Changelist {
					node := cs.ID
					if opts.Base {
						if node, err = advance(ctx, repo, node, descent(arena, idx), qbase); err != nil {
							return "", 0, err
						}
					}
					return node, id, nil
				}
			}

			for _, p := range cs.Parents {
				if p.IsNull() || seen[p] {
					continue
				}
				seen[p] = true
				arena = append(arena, frontier{id: p, parent: idx})
				next = append(next, len(arena)-1)
			}
		}
		current = next
	}

	if opts.NoAbort {
		return "", 0, nil
	}
	return "", 0, errs.E(errs.NoChangelistFound, "no p4 changelist revision found")
}

// advance walks from a matched changeset towards the start of the search
// while the next changeset only touches metadata files. It stops once the
// patch queue base is an ancestor of the current node.
func advance(ctx context.Context, repo host.Repository, node models.NodeID, path []models.NodeID, qbase models.NodeID) (models.NodeID, error) {
	for _, child := range path {
		cs, err := repo.Changeset(ctx, child)
		if err != nil {
			return "", err
		}
		if !metadataOnly(cs) {
			break
		}
		if !qbase.IsNull() {
			inQueue, err := host.IsAncestor(ctx, repo, qbase, node)
			if err != nil {
				return "", err
			}
			if inQueue {
				break
			}
		}
		node = child
	}
	return node, nil
}

// metadataOnly reports whether cs touches at least one file and only
// metadata files. A changeset without files is a merge.
func metadataOnly(cs *models.Changeset) bool {
	if len(cs.Files) == 0 {
		return false
	}
	for _, f := range cs.Files {
		if !host.IsMetadataFile(f) {
			return false
		}
	}
	return true
}

// descent lists the changesets walked through to reach arena[idx],
// nearest first.
func descent(arena []frontier, idx int) []models.NodeID {
	var path []models.NodeID
	for i := arena[idx].parent; i >= 0; i = arena[i].parent {
		path = append(path, arena[i].id)
	}
	return path
}
