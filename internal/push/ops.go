package push

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/niczy/p4bridge/internal/classify"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
)

// syncBase brings the workspace to the last changelist the range builds
// on. Without keep mode only the files the plan opens are fetched.
func (e *Engine) syncBase(ctx context.Context, p *Prepared, plan *classify.Plan) error {
	id := p.BaseID
	records, err := e.tracker.Records(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Submitted && r.Change > id {
			id = r.Change
		}
	}

	if e.depot.Keep() {
		return e.depot.Sync(ctx, id, depot.SyncOptions{})
	}
	if err := e.depot.Sync(ctx, id, depot.SyncOptions{Fake: true}); err != nil {
		return err
	}
	existing := e.existingFiles(plan)
	if len(existing) == 0 {
		return nil
	}
	return e.depot.Sync(ctx, id, depot.SyncOptions{Force: true, Files: existing})
}

// existingFiles lists the workspace arguments of files the server already
// has: edits, deletes and the sources of moves, copies and integrations.
func (e *Engine) existingFiles(plan *classify.Plan) []string {
	v := e.depot.View()
	var out []string
	for _, f := range plan.Modify {
		out = append(out, v.DepotArg(f.Path))
	}
	for _, f := range plan.Remove {
		out = append(out, v.DepotArg(f.Path))
	}
	for _, ops := range [][]classify.Op{plan.Move, plan.Copy, plan.Integrate} {
		for _, op := range ops {
			out = append(out, v.DepotArg(op.Source))
		}
	}
	return dedupe(out)
}

// revertOpened reverts what a reused changelist holds and every file the
// plan is about to open. Failures are expected for files not opened.
func (e *Engine) revertOpened(ctx context.Context, reuse int, plan *classify.Plan) {
	s := e.depot.Session()
	if reuse != 0 {
		args := []string{"revert", "-c", strconv.Itoa(reuse), e.depot.View().Scope("")}
		if err := s.RunDiscard(ctx, args, p4.WithoutAbort()); err != nil {
			e.log.Warn("revert of reused changelist failed", "change", reuse, "error", err)
		}
	}
	files := e.existingFiles(plan)
	v := e.depot.View()
	for _, f := range plan.Add {
		files = append(files, v.DepotArg(f.Path))
	}
	for _, ops := range [][]classify.Op{plan.Move, plan.Copy, plan.Integrate} {
		for _, op := range ops {
			files = append(files, v.DepotArg(op.Path))
		}
	}
	if len(files) == 0 {
		return
	}
	if err := s.RunDiscard(ctx, []string{"revert"}, p4.WithFiles(dedupe(files)...), p4.WithoutAbort()); err != nil {
		e.log.Warn("revert of touched files failed", "error", err)
	}
}

// apply opens every file of plan in changelist change, in the order copy,
// move, integrate, edit, write, add, delete.
func (e *Engine) apply(ctx context.Context, change int, p *Prepared, plan *classify.Plan) error {
	v := e.depot.View()
	c := strconv.Itoa(change)
	last := p.Nodes[len(p.Nodes)-1]

	for _, op := range plan.Copy {
		e.log.Info("copy", "from", op.Source, "to", op.Path)
		if err := e.open(ctx, []string{"copy", "-c", c}, v.DepotArg(op.Source), v.DepotArg(op.Path)); err != nil {
			return err
		}
	}
	for _, op := range plan.Move {
		e.log.Info("move", "from", op.Source, "to", op.Path)
		if err := e.open(ctx, []string{"edit", "-c", c}, v.DepotArg(op.Source)); err != nil {
			return err
		}
		if err := e.open(ctx, []string{"move", "-c", c}, v.DepotArg(op.Source), v.DepotArg(op.Path)); err != nil {
			return err
		}
	}
	for _, op := range plan.Integrate {
		e.log.Info("integrate", "from", op.Source, "to", op.Path)
		if err := e.open(ctx, []string{"integrate", "-c", c, "-t"}, v.DepotArg(op.Source), v.DepotArg(op.Path)); err != nil {
			return err
		}
	}

	edits := append(append([]models.PathMode(nil), plan.Modify...), plan.ModifyAfter...)
	for _, group := range byMode(edits) {
		args := []string{"edit", "-c", c}
		if flag := depot.TypeFlag(group.mode); flag != "" {
			args = append(args, "-t", flag)
		}
		if err := e.open(ctx, args, e.args(group.paths)...); err != nil {
			return err
		}
	}
	if err := e.dropExec(ctx, c, p, plan.Modify); err != nil {
		return err
	}

	written := append(append(append([]models.PathMode(nil), plan.Modify...), plan.ModifyAfter...), plan.Add...)
	for _, f := range written {
		if err := e.writeFile(ctx, last, f.Path); err != nil {
			return err
		}
	}

	// add takes literal names; -f lets it accept wildcard characters
	for _, group := range byMode(plan.Add) {
		args := []string{"add", "-f", "-c", c}
		if flag := depot.TypeFlag(group.mode); flag != "" {
			args = append(args, "-t", flag)
		}
		e.log.Info("add", "files", strings.Join(group.paths, " "))
		if err := e.open(ctx, args, e.rawArgs(group.paths)...); err != nil {
			return err
		}
	}

	if len(plan.Remove) > 0 {
		var paths []string
		for _, f := range plan.Remove {
			paths = append(paths, f.Path)
		}
		e.log.Info("delete", "files", strings.Join(paths, " "))
		if err := e.open(ctx, []string{"delete", "-c", c}, e.args(paths)...); err != nil {
			return err
		}
	}
	return nil
}

// open runs a file opening command. The server reports files locked by
// another changelist as info text, which aborts too.
func (e *Engine) open(ctx context.Context, args []string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	it := e.depot.Session().Run(ctx, args, p4.WithFiles(files...))
	defer it.Close()
	return it.ForEach(func(rec p4.Record) error {
		if rec.Code() == p4.CodeInfo && strings.Contains(rec.Data(), "- use 'reopen'") {
			return errs.Ef(errs.RemoteCommandError, "p4 %s: %s", args[0], rec.Data())
		}
		return nil
	})
}

// dropExec reopens edited files that lost their executable bit with a type
// lacking the x modifier.
func (e *Engine) dropExec(ctx context.Context, c string, p *Prepared, modified []models.PathMode) error {
	if p.Parent.IsNull() {
		return nil
	}
	v := e.depot.View()
	byType := make(map[string][]string)
	for _, f := range modified {
		if f.Mode != models.ModeRegular {
			continue
		}
		old, err := e.repo.ReadFile(ctx, p.Parent, f.Path)
		if err != nil || old.Mode != models.ModeExec {
			continue
		}
		rec, err := e.depot.Session().RunOne(ctx, []string{"fstat", v.DepotArg(f.Path)})
		if err != nil {
			return err
		}
		t := depot.WithoutExec(rec.Get("headType"))
		byType[t] = append(byType[t], v.DepotArg(f.Path))
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if err := e.open(ctx, []string{"reopen", "-c", c, "-t", t}, byType[t]...); err != nil {
			return err
		}
	}
	return nil
}

// writeFile replaces the workspace copy of path with its content at node.
func (e *Engine) writeFile(ctx context.Context, node models.NodeID, path string) error {
	f, err := e.repo.ReadFile(ctx, node, path)
	if err != nil {
		return err
	}
	name := e.depot.View().ToWorkspacePath(path)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	switch f.Mode {
	case models.ModeLink:
		return os.Symlink(string(f.Data), name)
	case models.ModeExec:
		return os.WriteFile(name, f.Data, 0o755)
	default:
		return os.WriteFile(name, f.Data, 0o644)
	}
}

func (e *Engine) args(paths []string) []string {
	v := e.depot.View()
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, v.DepotArg(p))
	}
	return out
}

func (e *Engine) rawArgs(paths []string) []string {
	v := e.depot.View()
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, v.ToWorkspacePath(p))
	}
	return out
}

type modeGroup struct {
	mode  models.FileMode
	paths []string
}

// byMode groups files by mode, regular files first, keeping input order
// within a group.
func byMode(files []models.PathMode) []modeGroup {
	var groups []modeGroup
	for _, m := range []models.FileMode{models.ModeRegular, models.ModeExec, models.ModeLink} {
		g := modeGroup{mode: m}
		for _, f := range files {
			if f.Mode == m {
				g.paths = append(g.paths, f.Path)
			}
		}
		if len(g.paths) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
