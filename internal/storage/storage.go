package storage

import (
	"context"
	"errors"

	"github.com/niczy/p4bridge/internal/models"
)

var (
	ErrRunNotFound         = errors.New("run not found")
	ErrRunAlreadyExists    = errors.New("run already exists")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCorrelationNotFound = errors.New("correlation not found")
	ErrObjectNotFound      = errors.New("object not found")
	ErrLockHeld            = errors.New("resource locked")
)

// Storage journals bridge runs and the correlations they record.
// Implementations are swappable (in-memory, Redis backed by an object store).
type Storage interface {
	// Runs
	CreateRun(ctx context.Context, run *models.SyncRun) error
	GetRun(ctx context.Context, runID string) (*models.SyncRun, error)
	UpdateRun(ctx context.Context, run *models.SyncRun) error
	ListRuns(ctx context.Context, client string, limit int) ([]*models.SyncRun, error)

	// Correlations
	RecordCorrelation(ctx context.Context, c *models.Correlation) error
	GetCorrelation(ctx context.Context, client string, change int) (*models.Correlation, error)
	ListCorrelations(ctx context.Context, client string) ([]*models.Correlation, error)

	// Workspace locking
	LockClient(ctx context.Context, client, owner string) error
	UnlockClient(ctx context.Context, client, owner string)

	// Health check
	Ping(ctx context.Context) error
}
