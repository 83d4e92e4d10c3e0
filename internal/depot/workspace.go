package depot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/p4"
)

// ErrRemoved is returned by GetFile for entries whose action is Remove.
var ErrRemoved = errors.New("file removed in changelist")

// SyncOptions controls Sync.
type SyncOptions struct {
	// Fake updates the have list without touching files (-k).
	Fake bool
	// Force rewrites files even if the server believes they are current (-f).
	Force bool
	// Files restricts the sync; each is suffixed with "@change".
	Files []string
}

// Sync brings the workspace to changelist change. Up-to-date replies and
// warnings are logged, any other error aborts.
func (d *Depot) Sync(ctx context.Context, change int, opts SyncOptions) error {
	args := []string{"sync"}
	switch {
	case opts.Fake:
		args = append(args, "-k")
	case opts.Force:
		args = append(args, "-f")
	}
	at := "@" + strconv.Itoa(change)
	if len(opts.Files) == 0 {
		args = append(args, d.view.Scope(at))
	}
	files := make([]string, 0, len(opts.Files))
	for _, f := range opts.Files {
		files = append(files, f+at)
	}

	n := 0
	it := d.s.Run(ctx, args, p4.WithFiles(files...), p4.WithoutAbort())
	defer it.Close()
	err := it.ForEach(func(rec p4.Record) error {
		n++
		if n%250 == 0 {
			d.log.Debug("p4 sync", "files", n)
		}
		if rec.Code() != p4.CodeError {
			return nil
		}
		if p4.IsBenign(rec) {
			d.log.Info("p4 sync", "message", rec.Data())
			return nil
		}
		return p4.NewServerError("sync", rec)
	})
	if err != nil {
		return err
	}
	if len(files) > 0 && n < len(files) {
		return errs.E(errs.RemoteCommandError, "incomplete reply from p4, reduce maxargs")
	}
	return nil
}

// GetFile returns the contents and mode of entry. In keep mode the file is
// read from the workspace, otherwise it is printed from the depot.
func (d *Depot) GetFile(ctx context.Context, entry models.FileEntry) ([]byte, models.FileMode, error) {
	if entry.Action == models.ActionRemove {
		return nil, "", ErrRemoved
	}
	ft := ParseFileType(entry.Type)

	var data []byte
	var err error
	if d.opts.Keep {
		data, err = d.readWorkspace(entry, ft)
	} else {
		data, err = d.print(ctx, entry, ft)
	}
	if err != nil {
		d.log.Debug("getfile failed", "entry", entry, "error", err)
		return nil, "", errs.Wrap(errs.WorkspaceInconsistency, err, fmt.Sprintf("file %s missing in p4 workspace", entry.LocalPath))
	}
	return ft.CollapseKeywords(data), ft.Mode, nil
}

func (d *Depot) readWorkspace(entry models.FileEntry, ft FileType) ([]byte, error) {
	fn := d.view.ToWorkspacePath(entry.LocalPath)
	if ft.Mode == models.ModeLink {
		if target, err := os.Readlink(fn); err == nil {
			return []byte(target), nil
		}
		data, err := os.ReadFile(fn)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimSuffix(string(data), "\n")), nil
	}
	return os.ReadFile(fn)
}

func (d *Depot) print(ctx context.Context, entry models.FileEntry, ft FileType) ([]byte, error) {
	if c := d.opts.Cache; c != nil {
		if ok, _ := c.Has(entry.DepotPath, entry.Revision); ok {
			return c.Read(entry.DepotPath, entry.Revision)
		}
	}

	spec := EncodeRevision(entry.DepotPath, entry.Revision)
	var data []byte
	if ft.UTF16 {
		tmp, err := os.CreateTemp("", "p4b-print-")
		if err != nil {
			return nil, err
		}
		name := tmp.Name()
		tmp.Close()
		defer os.Remove(name)
		if err := d.s.RunDiscard(ctx, []string{"print", "-o", name, spec}); err != nil {
			return nil, err
		}
		if data, err = os.ReadFile(name); err != nil {
			return nil, err
		}
	} else {
		var b strings.Builder
		it := d.s.Run(ctx, []string{"print", spec})
		defer it.Close()
		err := it.ForEach(func(rec p4.Record) error {
			if c := rec.Code(); c == p4.CodeText || c == p4.CodeBinary {
				b.WriteString(rec.Get("data"))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		data = []byte(b.String())
	}
	if ft.Mode == models.ModeLink {
		data = []byte(strings.TrimSuffix(string(data), "\n"))
	}

	if c := d.opts.Cache; c != nil {
		if err := c.Store(entry.DepotPath, entry.Revision, data); err != nil {
			d.log.Warn("print cache write failed", "file", entry.DepotPath, "error", err)
		}
	}
	return data, nil
}

// EncodeRevision returns "path#rev".
func EncodeRevision(depotPath string, rev int) string {
	return depotPath + "#" + strconv.Itoa(rev)
}

// Submit submits changelist change and returns the submitted number. In
// non-keep mode the workspace is emptied afterwards.
func (d *Depot) Submit(ctx context.Context, change int) (int, error) {
	submitted := change
	it := d.s.Run(ctx, []string{"submit", "-c", strconv.Itoa(change)}, p4.WithoutAbort())
	defer it.Close()
	err := it.ForEach(func(rec p4.Record) error {
		if rec.Code() == p4.CodeError {
			return errs.Ef(errs.RemoteCommandError, "error submitting p4 change %d: %s", change, rec.Data())
		}
		if n, ok := rec.Int("submittedChange"); ok {
			submitted = n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.log.Info("submitted changelist", "change", submitted)

	if !d.opts.Keep {
		if err := d.Sync(ctx, 0, SyncOptions{}); err != nil {
			return submitted, err
		}
	}
	return submitted, nil
}

// Revert reverts the files opened in changelist change, removes its job
// fixes and deletes it. Every step runs as the changelist's own client and
// failures of individual steps are logged.
func (d *Depot) Revert(ctx context.Context, change int) error {
	cl, err := d.Describe(ctx, change, false)
	if err != nil {
		d.log.Warn("describe for revert failed", "change", change, "error", err)
		return nil
	}
	c := strconv.Itoa(change)
	client := p4.WithClient(cl.Client)

	var files []string
	for _, f := range cl.Files {
		files = append(files, f.DepotPath)
	}
	if len(files) > 0 {
		d.log.Info("reverting", "files", strings.Join(files, " "))
		if err := d.s.RunDiscard(ctx, []string{"revert"}, client, p4.WithFiles(files...), p4.WithoutAbort()); err != nil {
			d.log.Warn("revert failed", "change", change, "error", err)
		}
	}

	var jobs []string
	for _, j := range cl.Jobs {
		jobs = append(jobs, j.Name)
	}
	if len(jobs) > 0 {
		d.log.Info("unfixing", "jobs", strings.Join(jobs, " "))
		if err := d.s.RunDiscard(ctx, []string{"fix", "-d", "-c", c}, client, p4.WithFiles(jobs...), p4.WithoutAbort()); err != nil {
			d.log.Warn("unfix failed", "change", change, "error", err)
		}
	}

	d.log.Info("deleting", "change", change)
	if err := d.s.RunDiscard(ctx, []string{"change", "-d", c}, client, p4.WithoutAbort()); err != nil {
		d.log.Warn("delete failed", "change", change, "error", err)
	}
	return nil
}
