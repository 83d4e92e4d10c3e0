package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

// FileStatus is one line of the outgoing file listing.
type FileStatus struct {
	Action models.Action
	Path   string
}

// Outgoing is what a push would export.
type Outgoing struct {
	Description string
	Nodes       []models.NodeID
	Files       []FileStatus
	// Patch holds unified diffs when requested.
	Patch string
}

// Outgoing prepares the range without touching the server's changelists.
func (e *Engine) Outgoing(ctx context.Context, opts PushOptions, patch bool) (*Outgoing, error) {
	p, err := e.Prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := &Outgoing{Description: p.Description, Nodes: p.Nodes}
	if p.Empty() {
		return out, nil
	}
	for _, f := range p.Diff.Modified {
		out.Files = append(out.Files, FileStatus{Action: models.ActionModify, Path: f.Path})
	}
	for _, f := range p.Diff.Added {
		out.Files = append(out.Files, FileStatus{Action: models.ActionAdd, Path: f.Path})
	}
	for _, f := range p.Diff.Removed {
		out.Files = append(out.Files, FileStatus{Action: models.ActionRemove, Path: f.Path})
	}
	if patch {
		if out.Patch, err = e.renderPatch(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Engine) renderPatch(ctx context.Context, p *Prepared) (string, error) {
	last := p.Nodes[len(p.Nodes)-1]
	var b strings.Builder
	for _, f := range p.Diff.Modified {
		if err := e.fileDiff(ctx, &b, p.Parent, last, f.Path, f.Path); err != nil {
			return "", err
		}
	}
	for _, f := range p.Diff.Added {
		from := ""
		if src, ok := p.Diff.Copies[f.Path]; ok {
			from = src.Source
		}
		if err := e.fileDiff(ctx, &b, p.Parent, last, from, f.Path); err != nil {
			return "", err
		}
	}
	for _, f := range p.Diff.Removed {
		if err := e.fileDiff(ctx, &b, p.Parent, last, f.Path, ""); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func (e *Engine) fileDiff(ctx context.Context, b *strings.Builder, from, to models.NodeID, fromPath, toPath string) error {
	a, err := e.content(ctx, from, fromPath)
	if err != nil {
		return err
	}
	c, err := e.content(ctx, to, toPath)
	if err != nil {
		return err
	}
	aName, cName := "/dev/null", "/dev/null"
	if fromPath != "" {
		aName = "a/" + fromPath
	}
	if toPath != "" {
		cName = "b/" + toPath
	}
	if bytes.IndexByte(a, 0) >= 0 || bytes.IndexByte(c, 0) >= 0 {
		fmt.Fprintf(b, "Binary file %s has changed\n", strings.TrimPrefix(cName, "b/"))
		return nil
	}
	s, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(a),
		B:        splitLines(c),
		FromFile: aName,
		ToFile:   cName,
		Context:  3,
	})
	if err != nil {
		return err
	}
	b.WriteString(s)
	return nil
}

func (e *Engine) content(ctx context.Context, node models.NodeID, path string) ([]byte, error) {
	if path == "" || node.IsNull() {
		return nil, nil
	}
	f, err := e.repo.ReadFile(ctx, node, path)
	if errors.Is(err, host.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
