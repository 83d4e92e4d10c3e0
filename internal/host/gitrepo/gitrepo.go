// Package gitrepo implements host.Repository on top of go-git. Extra
// metadata is kept as trailers at the end of the commit message.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

// QueueBaseRef marks the first applied patch of a patch queue.
const QueueBaseRef = plumbing.ReferenceName("refs/p4bridge/qbase")

// Repo wraps a go-git repository.
type Repo struct {
	repo     *git.Repository
	children indexCache
}

// New wraps an opened repository.
func New(repo *git.Repository) *Repo {
	return &Repo{repo: repo}
}

// Open opens the repository containing dir.
func Open(dir string) (*Repo, error) {
	r, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", dir, err)
	}
	return New(r), nil
}

// Opener creates repositories on disk.
type Opener struct{}

// Init implements host.Opener.
func (Opener) Init(ctx context.Context, dir string) (host.Repository, error) {
	r, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init git repository %s: %w", dir, err)
	}
	return New(r), nil
}

func toHash(id models.NodeID) plumbing.Hash { return plumbing.NewHash(string(id)) }

func toNode(h plumbing.Hash) models.NodeID { return models.NodeID(h.String()) }

func (r *Repo) commit(id models.NodeID) (*object.Commit, error) {
	if !plumbing.IsHash(string(id)) {
		return nil, fmt.Errorf("%w: %s", host.ErrNodeNotFound, id)
	}
	c, err := r.repo.CommitObject(toHash(id))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", host.ErrNodeNotFound, id)
	}
	return c, err
}

func (r *Repo) tree(id models.NodeID) (*object.Tree, error) {
	if id.IsNull() {
		return nil, nil
	}
	c, err := r.commit(id)
	if err != nil {
		return nil, err
	}
	return c.Tree()
}

func (r *Repo) Head(ctx context.Context) (models.NodeID, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return toNode(ref.Hash()), nil
}

func (r *Repo) Changeset(ctx context.Context, id models.NodeID) (*models.Changeset, error) {
	c, err := r.commit(id)
	if err != nil {
		return nil, err
	}
	desc, extra := parseMessage(c.Message)
	cs := &models.Changeset{
		ID:          id,
		Description: desc,
		Author:      formatAuthor(c.Author),
		Date:        c.Author.When,
		Extra:       extra,
	}
	for _, p := range c.ParentHashes {
		cs.Parents = append(cs.Parents, toNode(p))
	}

	var base *object.Tree
	if len(c.ParentHashes) > 0 {
		if base, err = r.tree(cs.Parents[0]); err != nil {
			return nil, err
		}
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, base, tree, &object.DiffTreeOptions{})
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", id.Short(), err)
	}
	seen := make(map[string]bool)
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name != "" && !seen[name] {
				seen[name] = true
				cs.Files = append(cs.Files, name)
			}
		}
	}
	sort.Strings(cs.Files)
	return cs, nil
}

func (r *Repo) Children(ctx context.Context, id models.NodeID) ([]models.NodeID, error) {
	if _, err := r.commit(id); err != nil {
		return nil, err
	}
	idx, err := r.childIndex()
	if err != nil {
		return nil, err
	}
	hashes := idx.children[toHash(id)]
	out := make([]models.NodeID, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, toNode(h))
	}
	return out, nil
}

// ancestors returns every ancestor of to, inclusive, parents first.
func (r *Repo) ancestors(to plumbing.Hash) ([]*object.Commit, error) {
	type frame struct {
		hash     plumbing.Hash
		expanded bool
	}
	var out []*object.Commit
	done := make(map[plumbing.Hash]bool)
	commits := make(map[plumbing.Hash]*object.Commit)
	stack := []frame{{hash: to}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if done[f.hash] {
			continue
		}
		c, ok := commits[f.hash]
		if !ok {
			var err error
			if c, err = r.repo.CommitObject(f.hash); err != nil {
				return nil, err
			}
			commits[f.hash] = c
		}
		if f.expanded {
			done[f.hash] = true
			out = append(out, c)
			continue
		}
		stack = append(stack, frame{hash: f.hash, expanded: true})
		for i := len(c.ParentHashes) - 1; i >= 0; i-- {
			if !done[c.ParentHashes[i]] {
				stack = append(stack, frame{hash: c.ParentHashes[i]})
			}
		}
	}
	return out, nil
}

func (r *Repo) NodesBetween(ctx context.Context, from, to models.NodeID) ([]models.NodeID, error) {
	if _, err := r.commit(to); err != nil {
		return nil, err
	}
	if !from.IsNull() {
		if _, err := r.commit(from); err != nil {
			return nil, err
		}
	}
	order, err := r.ancestors(toHash(to))
	if err != nil {
		return nil, err
	}
	descends := make(map[plumbing.Hash]bool)
	var out []models.NodeID
	for _, c := range order {
		ok := from.IsNull() || c.Hash == toHash(from)
		for _, p := range c.ParentHashes {
			if descends[p] {
				ok = true
			}
		}
		if ok {
			descends[c.Hash] = true
			out = append(out, toNode(c.Hash))
		}
	}
	return out, nil
}

func (r *Repo) Diff(ctx context.Context, from, to models.NodeID) (*host.Diff, error) {
	a, err := r.tree(from)
	if err != nil {
		return nil, err
	}
	b, err := r.tree(to)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, a, b, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", from.Short(), to.Short(), err)
	}

	d := &host.Diff{Copies: make(map[string]host.CopySource)}
	for _, ch := range changes {
		switch {
		case ch.From.Name == "":
			d.Added = append(d.Added, models.PathMode{Path: ch.To.Name, Mode: modeOf(ch.To.TreeEntry.Mode)})
		case ch.To.Name == "":
			d.Removed = append(d.Removed, models.PathMode{Path: ch.From.Name})
		case ch.From.Name != ch.To.Name:
			d.Added = append(d.Added, models.PathMode{Path: ch.To.Name, Mode: modeOf(ch.To.TreeEntry.Mode)})
			d.Removed = append(d.Removed, models.PathMode{Path: ch.From.Name})
			d.Copies[ch.To.Name] = host.CopySource{
				Source:  ch.From.Name,
				Changed: ch.From.TreeEntry.Hash != ch.To.TreeEntry.Hash || ch.From.TreeEntry.Mode != ch.To.TreeEntry.Mode,
			}
		default:
			d.Modified = append(d.Modified, models.PathMode{Path: ch.To.Name, Mode: modeOf(ch.To.TreeEntry.Mode)})
		}
	}
	for _, l := range [][]models.PathMode{d.Modified, d.Added, d.Removed} {
		sort.Slice(l, func(i, j int) bool { return l[i].Path < l[j].Path })
	}
	return d, nil
}

func (r *Repo) ReadFile(ctx context.Context, id models.NodeID, name string) (*host.File, error) {
	t, err := r.tree(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", host.ErrFileNotFound, name)
	}
	f, err := t.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s@%s", host.ErrFileNotFound, name, id.Short())
	}
	if err != nil {
		return nil, err
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	return &host.File{Data: data, Mode: modeOf(f.Mode)}, nil
}

func (r *Repo) Manifest(ctx context.Context, id models.NodeID) ([]string, error) {
	t, err := r.tree(id)
	if err != nil || t == nil {
		return nil, err
	}
	var out []string
	err = t.Files().ForEach(func(f *object.File) error {
		out = append(out, f.Name)
		return nil
	})
	return out, err
}

func (r *Repo) QueueBase(ctx context.Context) (models.NodeID, error) {
	ref, err := r.repo.Reference(QueueBaseRef, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return toNode(ref.Hash()), nil
}

// SetQueueBase points QueueBaseRef at node, or removes it for a null node.
func (r *Repo) SetQueueBase(node models.NodeID) error {
	if node.IsNull() {
		return r.repo.Storer.RemoveReference(QueueBaseRef)
	}
	return r.repo.Storer.SetReference(plumbing.NewHashReference(QueueBaseRef, toHash(node)))
}

// SetTag implements host.Tagger with a lightweight tag.
func (r *Repo) SetTag(ctx context.Context, name string, node models.NodeID) error {
	if _, err := r.commit(node); err != nil {
		return err
	}
	ref := plumbing.NewHashReference(plumbing.NewTagReferenceName(name), toHash(node))
	return r.repo.Storer.SetReference(ref)
}

func modeOf(m filemode.FileMode) models.FileMode {
	switch m {
	case filemode.Executable:
		return models.ModeExec
	case filemode.Symlink:
		return models.ModeLink
	default:
		return models.ModeRegular
	}
}

func gitMode(m models.FileMode) filemode.FileMode {
	switch m {
	case models.ModeExec:
		return filemode.Executable
	case models.ModeLink:
		return filemode.Symlink
	default:
		return filemode.Regular
	}
}

func formatAuthor(sig object.Signature) string {
	if sig.Email == "" {
		return sig.Name
	}
	return fmt.Sprintf("%s <%s>", sig.Name, sig.Email)
}

func parseAuthor(author string) (name, email string) {
	open := strings.LastIndex(author, "<")
	if open < 0 || !strings.HasSuffix(author, ">") {
		return strings.TrimSpace(author), ""
	}
	return strings.TrimSpace(author[:open]), author[open+1 : len(author)-1]
}

// parent directory of a slash path, "" at the top level.
func dirOf(p string) string {
	d := path.Dir(p)
	if d == "." {
		return ""
	}
	return d
}
