package gitrepo

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// childIndex maps each commit to its children, oldest first. It is valid
// while the repository's references match stamp.
type childIndex struct {
	stamp    string
	children map[plumbing.Hash][]plumbing.Hash
}

type indexCache struct {
	mu    sync.Mutex
	index *childIndex
}

func (c *indexCache) reset() {
	c.mu.Lock()
	c.index = nil
	c.mu.Unlock()
}

// childIndex returns the cached index, rebuilding it when a reference moved
// since it was built.
func (r *Repo) childIndex() (*childIndex, error) {
	stamp, err := r.refStamp()
	if err != nil {
		return nil, err
	}
	r.children.mu.Lock()
	defer r.children.mu.Unlock()
	if idx := r.children.index; idx != nil && idx.stamp == stamp {
		return idx, nil
	}

	iter, err := r.repo.CommitObjects()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	byParent := make(map[plumbing.Hash][]*object.Commit)
	err = iter.ForEach(func(c *object.Commit) error {
		for _, p := range c.ParentHashes {
			byParent[p] = append(byParent[p], c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	idx := &childIndex{stamp: stamp, children: make(map[plumbing.Hash][]plumbing.Hash, len(byParent))}
	for parent, cs := range byParent {
		sort.Slice(cs, func(i, j int) bool {
			if !cs[i].Committer.When.Equal(cs[j].Committer.When) {
				return cs[i].Committer.When.Before(cs[j].Committer.When)
			}
			return cs[i].Hash.String() < cs[j].Hash.String()
		})
		hashes := make([]plumbing.Hash, 0, len(cs))
		seen := make(map[plumbing.Hash]bool, len(cs))
		for _, c := range cs {
			if !seen[c.Hash] {
				seen[c.Hash] = true
				hashes = append(hashes, c.Hash)
			}
		}
		idx.children[parent] = hashes
	}
	r.children.index = idx
	return idx, nil
}

func (r *Repo) refStamp() (string, error) {
	iter, err := r.repo.References()
	if err != nil {
		return "", err
	}
	var refs []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		pair := ref.Strings()
		refs = append(refs, pair[0]+" "+pair[1])
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(refs)
	return strings.Join(refs, "\n"), nil
}
