// Package memrepo is an in-memory changeset DAG implementing
// host.Repository.
package memrepo

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

type node struct {
	cs     models.Changeset
	rev    int
	files  map[string]host.File
	copies map[string]string
}

// Repo is a repository held in memory. Revision numbers follow commit
// order, which is also a topological order.
type Repo struct {
	mu    sync.RWMutex
	nodes []*node
	byID  map[models.NodeID]*node
	tags  map[string]models.NodeID
	qbase models.NodeID
}

// New returns an empty repository.
func New() *Repo {
	return &Repo{byID: make(map[models.NodeID]*node), tags: make(map[string]models.NodeID)}
}

// Opener creates in-memory repositories and remembers them by directory.
type Opener struct {
	mu    sync.Mutex
	Repos map[string]*Repo
}

// Init implements host.Opener.
func (o *Opener) Init(ctx context.Context, dir string) (host.Repository, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Repos == nil {
		o.Repos = make(map[string]*Repo)
	}
	r := New()
	o.Repos[dir] = r
	return r, nil
}

// Len returns the number of changesets.
func (r *Repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// SetQueueBase marks node as the first applied patch.
func (r *Repo) SetQueueBase(n models.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qbase = n
}

// Tags returns the native tags set through SetTag.
func (r *Repo) Tags() map[string]models.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.NodeID, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

// SetTag implements host.Tagger.
func (r *Repo) SetTag(ctx context.Context, name string, n models.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[n]; !ok {
		return fmt.Errorf("%w: %s", host.ErrNodeNotFound, n)
	}
	r.tags[name] = n
	return nil
}

func (r *Repo) Head(ctx context.Context) (models.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) == 0 {
		return "", nil
	}
	return r.nodes[len(r.nodes)-1].cs.ID, nil
}

func (r *Repo) lookup(id models.NodeID) (*node, error) {
	n, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrNodeNotFound, id)
	}
	return n, nil
}

func (r *Repo) Changeset(ctx context.Context, id models.NodeID) (*models.Changeset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneChangeset(&n.cs), nil
}

func (r *Repo) Children(ctx context.Context, id models.NodeID) ([]models.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	var out []models.NodeID
	for _, c := range r.nodes[n.rev+1:] {
		for _, p := range c.cs.Parents {
			if p == id {
				out = append(out, c.cs.ID)
				break
			}
		}
	}
	return out, nil
}

func (r *Repo) NodesBetween(ctx context.Context, from, to models.NodeID) ([]models.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodesBetween(from, to)
}

func (r *Repo) nodesBetween(from, to models.NodeID) ([]models.NodeID, error) {
	end, err := r.lookup(to)
	if err != nil {
		return nil, err
	}
	start := 0
	if !from.IsNull() {
		f, err := r.lookup(from)
		if err != nil {
			return nil, err
		}
		start = f.rev
	}
	if start > end.rev {
		return nil, nil
	}

	ancestors := make(map[models.NodeID]bool)
	queue := []models.NodeID{to}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if ancestors[id] {
			continue
		}
		ancestors[id] = true
		queue = append(queue, r.byID[id].cs.Parents...)
	}

	descends := make(map[models.NodeID]bool)
	var out []models.NodeID
	for _, n := range r.nodes[start : end.rev+1] {
		ok := from.IsNull() || n.cs.ID == from
		for _, p := range n.cs.Parents {
			if descends[p] {
				ok = true
			}
		}
		if !ok {
			continue
		}
		descends[n.cs.ID] = true
		if ancestors[n.cs.ID] {
			out = append(out, n.cs.ID)
		}
	}
	return out, nil
}

func (r *Repo) snapshot(id models.NodeID) (map[string]host.File, error) {
	if id.IsNull() {
		return map[string]host.File{}, nil
	}
	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return n.files, nil
}

func (r *Repo) Diff(ctx context.Context, from, to models.NodeID) (*host.Diff, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, err := r.snapshot(from)
	if err != nil {
		return nil, err
	}
	b, err := r.snapshot(to)
	if err != nil {
		return nil, err
	}

	d := &host.Diff{Copies: make(map[string]host.CopySource)}
	for _, p := range sortedKeys(b) {
		fb := b[p]
		fa, ok := a[p]
		switch {
		case !ok:
			d.Added = append(d.Added, models.PathMode{Path: p, Mode: fb.Mode})
		case fa.Mode != fb.Mode || !bytes.Equal(fa.Data, fb.Data):
			d.Modified = append(d.Modified, models.PathMode{Path: p, Mode: fb.Mode})
		}
	}
	for _, p := range sortedKeys(a) {
		if _, ok := b[p]; !ok {
			d.Removed = append(d.Removed, models.PathMode{Path: p})
		}
	}

	copies, err := r.pathCopies(from, to)
	if err != nil {
		return nil, err
	}
	for _, add := range d.Added {
		src, ok := copies[add.Path]
		if !ok {
			continue
		}
		fa, ok := a[src]
		if !ok {
			continue
		}
		fb := b[add.Path]
		d.Copies[add.Path] = host.CopySource{
			Source:  src,
			Changed: fa.Mode != fb.Mode || !bytes.Equal(fa.Data, fb.Data),
		}
	}
	return d, nil
}

// pathCopies follows copy records from from to to, chaining renames.
func (r *Repo) pathCopies(from, to models.NodeID) (map[string]string, error) {
	nodes, err := r.nodesBetween(from, to)
	if err != nil {
		return nil, err
	}
	if !from.IsNull() && len(nodes) > 0 {
		nodes = nodes[1:]
	}
	out := make(map[string]string)
	for _, id := range nodes {
		for dst, src := range r.byID[id].copies {
			if orig, ok := out[src]; ok {
				src = orig
			}
			out[dst] = src
		}
	}
	return out, nil
}

func (r *Repo) ReadFile(ctx context.Context, id models.NodeID, path string) (*host.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	files, err := r.snapshot(id)
	if err != nil {
		return nil, err
	}
	f, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", host.ErrFileNotFound, path, id.Short())
	}
	return &host.File{Data: append([]byte(nil), f.Data...), Mode: f.Mode}, nil
}

func (r *Repo) Manifest(ctx context.Context, id models.NodeID) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	files, err := r.snapshot(id)
	if err != nil {
		return nil, err
	}
	return sortedKeys(files), nil
}

func (r *Repo) Commit(ctx context.Context, req host.CommitRequest) (models.NodeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var parents []models.NodeID
	for _, p := range req.Parents {
		if p.IsNull() {
			continue
		}
		if _, err := r.lookup(p); err != nil {
			return "", err
		}
		parents = append(parents, p)
	}

	files := make(map[string]host.File)
	if len(parents) > 0 {
		for k, v := range r.byID[parents[0]].files {
			files[k] = v
		}
	}
	copies := make(map[string]string)
	var touched []string
	for _, fc := range req.Files {
		touched = append(touched, fc.Path)
		if fc.Removed {
			delete(files, fc.Path)
			continue
		}
		files[fc.Path] = host.File{Data: append([]byte(nil), fc.Data...), Mode: fc.Mode}
		if fc.CopiedFrom != "" {
			copies[fc.Path] = fc.CopiedFrom
		}
	}
	sort.Strings(touched)

	extra := make(map[string]string, len(req.Extra))
	for k, v := range req.Extra {
		extra[k] = v
	}
	n := &node{
		cs: models.Changeset{
			Parents:     parents,
			Files:       touched,
			Description: req.Description,
			Author:      req.Author,
			Date:        req.Date,
			Extra:       extra,
		},
		rev:    len(r.nodes),
		files:  files,
		copies: copies,
	}
	n.cs.ID = r.hash(n)
	r.nodes = append(r.nodes, n)
	r.byID[n.cs.ID] = n
	return n.cs.ID, nil
}

func (r *Repo) hash(n *node) models.NodeID {
	h := sha1.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00", n.rev, n.cs.Description, n.cs.Author)
	for _, p := range n.cs.Parents {
		fmt.Fprintf(h, "%s\x00", p)
	}
	for _, p := range sortedKeys(n.files) {
		fmt.Fprintf(h, "%s\x00%s\x00", p, n.files[p].Mode)
		h.Write(n.files[p].Data)
	}
	for _, k := range sortedKeys(n.cs.Extra) {
		fmt.Fprintf(h, "%s=%s\x00", k, n.cs.Extra[k])
	}
	h.Write([]byte(strconv.FormatInt(n.cs.Date.Unix(), 10)))
	return models.NodeID(hex.EncodeToString(h.Sum(nil)))
}

func (r *Repo) QueueBase(ctx context.Context) (models.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.qbase, nil
}

func cloneChangeset(cs *models.Changeset) *models.Changeset {
	out := *cs
	out.Parents = append([]models.NodeID(nil), cs.Parents...)
	out.Files = append([]string(nil), cs.Files...)
	out.Extra = make(map[string]string, len(cs.Extra))
	for k, v := range cs.Extra {
		out.Extra[k] = v
	}
	return &out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
