package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

// TrailerPrefix starts every trailer holding extra metadata.
const TrailerPrefix = "P4bridge-"

var trailerRe = regexp.MustCompile(`^` + TrailerPrefix + `([A-Za-z0-9_.-]+): (.*)$`)

// formatMessage appends extra as trailers.
func formatMessage(desc string, extra map[string]string) string {
	if len(extra) == 0 {
		return desc
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.TrimRight(desc, "\n"))
	b.WriteString("\n\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s%s: %s\n", TrailerPrefix, k, extra[k])
	}
	return b.String()
}

// parseMessage splits a commit message into the description and the
// extra metadata in its trailing paragraph.
func parseMessage(msg string) (string, map[string]string) {
	extra := make(map[string]string)
	body := strings.TrimRight(msg, "\n")
	idx := strings.LastIndex(body, "\n\n")
	if idx < 0 {
		return msg, extra
	}
	for _, line := range strings.Split(body[idx+2:], "\n") {
		m := trailerRe.FindStringSubmatch(line)
		if m == nil {
			return msg, map[string]string{}
		}
		extra[m[1]] = m[2]
	}
	return body[:idx] + "\n", extra
}

type entry struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

func (r *Repo) Commit(ctx context.Context, req host.CommitRequest) (models.NodeID, error) {
	var parents []plumbing.Hash
	for _, p := range req.Parents {
		if p.IsNull() {
			continue
		}
		if _, err := r.commit(p); err != nil {
			return "", err
		}
		parents = append(parents, toHash(p))
	}

	files := make(map[string]entry)
	if len(parents) > 0 {
		t, err := r.tree(toNode(parents[0]))
		if err != nil {
			return "", err
		}
		err = t.Files().ForEach(func(f *object.File) error {
			files[f.Name] = entry{hash: f.Hash, mode: f.Mode}
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	for _, fc := range req.Files {
		if fc.Removed {
			delete(files, fc.Path)
			continue
		}
		h, err := r.writeBlob(fc.Data)
		if err != nil {
			return "", err
		}
		files[fc.Path] = entry{hash: h, mode: gitMode(fc.Mode)}
	}

	treeHash, err := r.writeTree(files)
	if err != nil {
		return "", err
	}

	name, email := parseAuthor(req.Author)
	sig := object.Signature{Name: name, Email: email, When: req.Date}
	c := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      formatMessage(req.Description, req.Extra),
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("store commit: %w", err)
	}
	r.children.reset()
	if err := r.advanceHead(hash); err != nil {
		return "", err
	}
	return toNode(hash), nil
}

func (r *Repo) advanceHead(hash plumbing.Hash) error {
	name := plumbing.HEAD
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
	case err != nil:
		return err
	case head.Type() == plumbing.SymbolicReference:
		name = head.Target()
	}
	return r.repo.Storer.SetReference(plumbing.NewHashReference(name, hash))
}

func (r *Repo) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// writeTree stores the nested trees for a flat path listing and returns
// the root tree hash.
func (r *Repo) writeTree(files map[string]entry) (plumbing.Hash, error) {
	children := make(map[string]map[string]bool)
	for p := range files {
		for d := p; d != ""; {
			parent := dirOf(d)
			if children[parent] == nil {
				children[parent] = make(map[string]bool)
			}
			children[parent][d] = true
			d = parent
		}
	}
	if children[""] == nil {
		children[""] = map[string]bool{}
	}

	var build func(dir string) (plumbing.Hash, error)
	build = func(dir string) (plumbing.Hash, error) {
		var entries []object.TreeEntry
		for p := range children[dir] {
			if f, ok := files[p]; ok {
				entries = append(entries, object.TreeEntry{Name: path.Base(p), Mode: f.mode, Hash: f.hash})
				continue
			}
			h, err := build(p)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: path.Base(p), Mode: filemode.Dir, Hash: h})
		}
		sort.Slice(entries, func(i, j int) bool {
			return sortName(entries[i]) < sortName(entries[j])
		})
		obj := r.repo.Storer.NewEncodedObject()
		if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
			return plumbing.ZeroHash, err
		}
		return r.repo.Storer.SetEncodedObject(obj)
	}
	return build("")
}

// sortName orders directories as if their name ended in "/".
func sortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
