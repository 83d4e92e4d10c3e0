package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/niczy/p4bridge/internal/models"
)

// InMemoryStorage implements Storage with in-memory data structures
type InMemoryStorage struct {
	mu sync.RWMutex

	runs       map[string]*models.SyncRun // runID -> run
	clientRuns map[string][]string        // client -> []runID, oldest first

	correlations map[string]map[int]*models.Correlation // client -> change -> correlation

	locks map[string]string // client -> owner
}

// NewInMemoryStorage creates a new in-memory storage instance
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		runs:         make(map[string]*models.SyncRun),
		clientRuns:   make(map[string][]string),
		correlations: make(map[string]map[int]*models.Correlation),
		locks:        make(map[string]string),
	}
}

// CreateRun stores a new run, assigning an id and start time when unset.
func (s *InMemoryStorage) CreateRun(ctx context.Context, run *models.SyncRun) error {
	if err := prepareRun(run); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return ErrRunAlreadyExists
	}
	s.runs[run.ID] = cloneRun(run)
	s.clientRuns[run.Client] = append(s.clientRuns[run.Client], run.ID)
	return nil
}

// GetRun retrieves a run by ID
func (s *InMemoryStorage) GetRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// UpdateRun replaces a stored run.
func (s *InMemoryStorage) UpdateRun(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.runs[run.ID]
	if !exists {
		return ErrRunNotFound
	}
	if old.Client != run.Client {
		return ErrInvalidInput
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// ListRuns returns the most recent runs of client, newest first. An empty
// client lists every run.
func (s *InMemoryStorage) ListRuns(ctx context.Context, client string, limit int) ([]*models.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.SyncRun
	if client == "" {
		for _, run := range s.runs {
			runs = append(runs, cloneRun(run))
		}
	} else {
		for _, id := range s.clientRuns[client] {
			runs = append(runs, cloneRun(s.runs[id]))
		}
	}
	return newestFirst(runs, limit), nil
}

// RecordCorrelation stores c, replacing an earlier record of the same change.
func (s *InMemoryStorage) RecordCorrelation(ctx context.Context, c *models.Correlation) error {
	if err := prepareCorrelation(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.correlations[c.Client] == nil {
		s.correlations[c.Client] = make(map[int]*models.Correlation)
	}
	copyCorr := *c
	s.correlations[c.Client][c.Change] = &copyCorr
	return nil
}

// GetCorrelation retrieves the node recorded for change.
func (s *InMemoryStorage) GetCorrelation(ctx context.Context, client string, change int) (*models.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.correlations[client][change]
	if !ok {
		return nil, ErrCorrelationNotFound
	}
	copyCorr := *c
	return &copyCorr, nil
}

// ListCorrelations returns every correlation of client by ascending change.
func (s *InMemoryStorage) ListCorrelations(ctx context.Context, client string) ([]*models.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Correlation, 0, len(s.correlations[client]))
	for _, c := range s.correlations[client] {
		copyCorr := *c
		out = append(out, &copyCorr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Change < out[j].Change })
	return out, nil
}

// LockClient marks client as busy for owner.
func (s *InMemoryStorage) LockClient(ctx context.Context, client, owner string) error {
	if client == "" || owner == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[client]; ok && held != owner {
		return ErrLockHeld
	}
	s.locks[client] = owner
	return nil
}

// UnlockClient releases a lock held by owner.
func (s *InMemoryStorage) UnlockClient(ctx context.Context, client, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[client] == owner {
		delete(s.locks, client)
	}
}

// Ping always succeeds for in-memory storage
func (s *InMemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func prepareRun(run *models.SyncRun) error {
	if run == nil || run.Client == "" || run.Direction == "" {
		return ErrInvalidInput
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	return nil
}

func prepareCorrelation(c *models.Correlation) error {
	if c == nil || c.Client == "" || c.Change <= 0 || c.Node.IsNull() {
		return ErrInvalidInput
	}
	if c.RecordedAt.IsZero() {
		c.RecordedAt = time.Now().UTC()
	}
	return nil
}

func cloneRun(run *models.SyncRun) *models.SyncRun {
	out := *run
	out.Changelists = append([]int(nil), run.Changelists...)
	out.Nodes = append([]models.NodeID(nil), run.Nodes...)
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func newestFirst(runs []*models.SyncRun, limit int) []*models.SyncRun {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
