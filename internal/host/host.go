// Package host defines the queries the bridge makes against the local
// repository. Implementations live in memrepo and gitrepo.
package host

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/niczy/p4bridge/internal/models"
)

var (
	ErrNodeNotFound = errors.New("changeset not found")
	ErrFileNotFound = errors.New("file not found")
)

// TagsFile is the repository file recording labels imported from the
// server, one "<node> <label>" line per label.
const TagsFile = ".p4tags"

var metadataPrefixes = []string{".hg", ".git", ".p4"}

// IsMetadataFile reports whether path is repository maintenance data that
// never travels to the server, such as ignore files and the tag registry.
func IsMetadataFile(path string) bool {
	for _, p := range metadataPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// File is a file's contents at one changeset.
type File struct {
	Data []byte
	Mode models.FileMode
}

// CopySource names where an added file was copied or renamed from.
type CopySource struct {
	Source string
	// Changed is true when the destination's content or mode differs from
	// the source.
	Changed bool
}

// Diff is the status between two changesets.
type Diff struct {
	// Modified and Added carry the mode at the target; Removed paths have
	// an empty mode.
	Modified []models.PathMode
	Added    []models.PathMode
	Removed  []models.PathMode
	// Copies maps added paths to their source in the base changeset.
	Copies map[string]CopySource
}

// Empty reports whether nothing changed.
func (d *Diff) Empty() bool {
	return len(d.Modified) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}

// FileChange is one file written by a new changeset. Removed files carry
// no data.
type FileChange struct {
	Path       string
	Data       []byte
	Mode       models.FileMode
	Removed    bool
	CopiedFrom string
}

// CommitRequest describes a changeset to create. Files not listed are
// taken unchanged from the first parent.
type CommitRequest struct {
	Parents     []models.NodeID
	Description string
	Author      string
	Date        time.Time
	Extra       map[string]string
	Files       []FileChange
}

// Repository is the local repository as seen by the bridge.
type Repository interface {
	// Head returns the default head, or the null node for an empty
	// repository.
	Head(ctx context.Context) (models.NodeID, error)
	Changeset(ctx context.Context, id models.NodeID) (*models.Changeset, error)
	Children(ctx context.Context, id models.NodeID) ([]models.NodeID, error)
	// NodesBetween returns the descendants of from that are ancestors of
	// to, both inclusive, parents before children. A null from selects all
	// ancestors of to.
	NodesBetween(ctx context.Context, from, to models.NodeID) ([]models.NodeID, error)
	// Diff compares the snapshots of two changesets, from may be null.
	Diff(ctx context.Context, from, to models.NodeID) (*Diff, error)
	ReadFile(ctx context.Context, node models.NodeID, path string) (*File, error)
	Manifest(ctx context.Context, node models.NodeID) ([]string, error)
	Commit(ctx context.Context, req CommitRequest) (models.NodeID, error)
	// QueueBase returns the first applied patch-queue changeset, or the
	// null node when no queue is active.
	QueueBase(ctx context.Context) (models.NodeID, error)
}

// Tagger is implemented by repositories with native tags; the tag registry
// file is written either way.
type Tagger interface {
	SetTag(ctx context.Context, name string, node models.NodeID) error
}

// Opener creates a new, empty repository.
type Opener interface {
	Init(ctx context.Context, dir string) (Repository, error)
}

// IsAncestor reports whether a is an ancestor of b, or equal to it.
func IsAncestor(ctx context.Context, repo Repository, a, b models.NodeID) (bool, error) {
	if a.IsNull() {
		return true, nil
	}
	nodes, err := repo.NodesBetween(ctx, a, b)
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}
