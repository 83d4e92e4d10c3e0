package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/niczy/p4bridge/internal/clientview"
	"github.com/niczy/p4bridge/internal/config"
	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/syncer"
)

// CloneOptions selects what to clone where.
type CloneOptions struct {
	Location string
	// Dest defaults to the client name in the working directory.
	Dest string
	Pull syncer.PullOptions
}

// Clone creates a repository at opts.Dest and pulls opts.Location into it.
// The configuration, including the probed move and copy support, is
// written even when the pull fails so the import can be resumed.
func Clone(ctx context.Context, opener host.Opener, opts CloneOptions, cfg Config) (b *Bridge, res *syncer.Result, err error) {
	log := logging.OrNop(cfg.Logger)
	d, err := openDepot(ctx, opts.Location, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	info, err := d.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	if info.Get("clientName") == "*unknown*" || info.Get("clientRoot") == "" {
		return nil, nil, errs.Ef(errs.ClientInvalid, "%s is not a valid p4 client", opts.Location)
	}

	dest := opts.Dest
	if dest == "" {
		l, err := clientview.Parse(opts.Location)
		if err != nil {
			return nil, nil, err
		}
		dest = l.Client
		log.Info("destination directory", "dir", dest)
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, nil, err
	}
	if err := checkDest(dest, d.View().Root); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, nil, err
	}
	repo, err := opener.Init(ctx, dest)
	if err != nil {
		return nil, nil, err
	}
	b = New(repo, opts.Location, cfg)

	defer func() {
		o := cfg.Options
		o.Default = opts.Location
		move, cp, merr := d.HasMoveCopy(ctx, o.Move, o.Copy)
		if merr != nil {
			err = errors.Join(err, merr)
		} else {
			o.Move, o.Copy = &move, &cp
		}
		if serr := config.Save(config.PathFor(dest), o); serr != nil {
			err = errors.Join(err, serr)
		}
		b.cfg.Options = o
	}()

	res, err = b.Pull(ctx, opts.Pull)
	return b, res, err
}

func checkDest(dest, root string) error {
	if fi, err := os.Stat(dest); err == nil {
		if !fi.IsDir() {
			return errs.Ef(errs.InvalidArgument, "destination '%s' already exists", dest)
		}
		entries, err := os.ReadDir(dest)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return errs.Ef(errs.InvalidArgument, "destination '%s' is not empty", dest)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if filepath.ToSlash(dest) == root {
		return errs.Ef(errs.InvalidArgument, "destination '%s' is same as p4 workspace", dest)
	}
	return nil
}
