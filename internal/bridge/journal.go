package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/niczy/p4bridge/internal/errs"
	"github.com/niczy/p4bridge/internal/models"
	"github.com/niczy/p4bridge/internal/storage"
	"github.com/niczy/p4bridge/internal/syncer"
)

// run tracks the journal entry of one command. Without a journal it only
// absorbs calls.
type run struct {
	rec *models.SyncRun
}

func (r *run) record(change int, nodes ...models.NodeID) {
	if r.rec == nil {
		return
	}
	r.rec.Changelists = append(r.rec.Changelists, change)
	r.rec.Nodes = append(r.rec.Nodes, nodes...)
}

func (b *Bridge) journal() syncer.Journal {
	if b.cfg.Journal == nil {
		return nil
	}
	return b.cfg.Journal
}

// startRun journals a running command and locks the client for it.
func (b *Bridge) startRun(ctx context.Context, client string, dir models.RunDirection) (*run, error) {
	j := b.cfg.Journal
	if j == nil {
		return &run{}, nil
	}
	rec := &models.SyncRun{Client: client, Direction: dir, Status: models.RunRunning}
	if err := j.CreateRun(ctx, rec); err != nil {
		b.log.Warn("journal write failed", "direction", dir, "error", err)
		return &run{}, nil
	}
	if err := j.LockClient(ctx, client, rec.ID); err != nil {
		r := &run{rec: rec}
		b.finishRun(ctx, r, models.RunFailed, err)
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, errs.Wrap(errs.InvalidArgument, err, "client "+client+" is busy with another run")
		}
		return nil, err
	}
	return &run{rec: rec}, nil
}

// finishRun stores the outcome and releases the client.
func (b *Bridge) finishRun(ctx context.Context, r *run, status models.RunStatus, cause error) {
	j := b.cfg.Journal
	if j == nil || r.rec == nil {
		return
	}
	defer j.UnlockClient(ctx, r.rec.Client, r.rec.ID)
	now := time.Now().UTC()
	r.rec.Status = status
	r.rec.FinishedAt = &now
	if cause != nil {
		r.rec.Error = cause.Error()
	}
	if err := j.UpdateRun(ctx, r.rec); err != nil {
		b.log.Warn("journal write failed", "run", r.rec.ID, "error", err)
	}
}
