package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/niczy/p4bridge/internal/models"
	"github.com/redis/go-redis/v9"
)

// lockTTL bounds how long a crashed process can keep a workspace locked.
const lockTTL = 30 * time.Minute

// RedisStorage implements the Storage interface using Redis as the index and
// an object store for the durable journal snapshot.
type RedisStorage struct {
	rdb         redis.UniversalClient
	objectStore ObjectStore
	keyPrefix   string
}

type durableState struct {
	Runs         map[string]*models.SyncRun                `json:"runs"`
	Correlations map[string]map[string]*models.Correlation `json:"correlations"`
}

func newDurableState() *durableState {
	return &durableState{
		Runs:         make(map[string]*models.SyncRun),
		Correlations: make(map[string]map[string]*models.Correlation),
	}
}

func ensureCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// NewRedisStorage creates a Redis-backed storage implementation.
func NewRedisStorage(rdb redis.UniversalClient, objectStore ObjectStore, keyPrefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, objectStore: objectStore, keyPrefix: keyPrefix}
}

func (s *RedisStorage) key(parts ...string) string {
	if s.keyPrefix == "" {
		return fmt.Sprintf("p4bridge:%s", joinKey(parts...))
	}
	return fmt.Sprintf("%s:%s", s.keyPrefix, joinKey(parts...))
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ":")
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshal[T any](raw string, target *T) error {
	return json.Unmarshal([]byte(raw), target)
}

func (s *RedisStorage) durableKey(parts ...string) string {
	return s.key(append([]string{"durable"}, parts...)...)
}

func (s *RedisStorage) loadDurableState(ctx context.Context) (*durableState, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.objectStore.GetObject(ctx, s.durableKey("state"))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return newDurableState(), nil
		}
		return nil, err
	}

	var state durableState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state.Runs == nil {
		state.Runs = make(map[string]*models.SyncRun)
	}
	if state.Correlations == nil {
		state.Correlations = make(map[string]map[string]*models.Correlation)
	}
	return &state, nil
}

func (s *RedisStorage) saveDurableState(ctx context.Context, state *durableState) error {
	ctx = ensureCtx(ctx)
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.objectStore.PutObject(ctx, s.durableKey("state"), raw)
}

func (s *RedisStorage) withDurableState(ctx context.Context, fn func(state *durableState) error) error {
	state, err := s.loadDurableState(ctx)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.saveDurableState(ctx, state)
}

func (s *RedisStorage) cacheRun(ctx context.Context, run *models.SyncRun) error {
	raw, err := marshal(run)
	if err != nil {
		return err
	}
	score := float64(run.StartedAt.UnixNano())
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("run", run.ID), raw, 0)
	pipe.ZAdd(ctx, s.key("runs", run.Client), redis.Z{Score: score, Member: run.ID})
	pipe.ZAdd(ctx, s.key("runs"), redis.Z{Score: score, Member: run.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// CreateRun stores a new run, assigning an id and start time when unset.
func (s *RedisStorage) CreateRun(ctx context.Context, run *models.SyncRun) error {
	ctx = ensureCtx(ctx)
	if err := prepareRun(run); err != nil {
		return err
	}

	if err := s.withDurableState(ctx, func(state *durableState) error {
		if _, exists := state.Runs[run.ID]; exists {
			return ErrRunAlreadyExists
		}
		state.Runs[run.ID] = cloneRun(run)
		return nil
	}); err != nil {
		return err
	}
	return s.cacheRun(ctx, run)
}

// GetRun retrieves a run by ID, falling back to the durable snapshot when
// Redis lost it.
func (s *RedisStorage) GetRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	ctx = ensureCtx(ctx)
	val, err := s.rdb.Get(ctx, s.key("run", runID)).Result()
	if err != nil {
		if err == redis.Nil {
			state, loadErr := s.loadDurableState(ctx)
			if loadErr == nil {
				if saved, ok := state.Runs[runID]; ok {
					_ = s.cacheRun(ctx, saved)
					return cloneRun(saved), nil
				}
			}
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	var run models.SyncRun
	if err := unmarshal(val, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRun replaces a stored run.
func (s *RedisStorage) UpdateRun(ctx context.Context, run *models.SyncRun) error {
	ctx = ensureCtx(ctx)
	if err := s.withDurableState(ctx, func(state *durableState) error {
		old, exists := state.Runs[run.ID]
		if !exists {
			return ErrRunNotFound
		}
		if old.Client != run.Client {
			return ErrInvalidInput
		}
		state.Runs[run.ID] = cloneRun(run)
		return nil
	}); err != nil {
		return err
	}
	return s.cacheRun(ctx, run)
}

// ListRuns returns the most recent runs of client, newest first. An empty
// client lists every run.
func (s *RedisStorage) ListRuns(ctx context.Context, client string, limit int) ([]*models.SyncRun, error) {
	ctx = ensureCtx(ctx)
	index := s.key("runs")
	if client != "" {
		index = s.key("runs", client)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return s.durableRuns(ctx, client, limit)
	}

	runs := make([]*models.SyncRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return newestFirst(runs, limit), nil
}

func (s *RedisStorage) durableRuns(ctx context.Context, client string, limit int) ([]*models.SyncRun, error) {
	state, err := s.loadDurableState(ctx)
	if err != nil {
		return nil, err
	}
	var runs []*models.SyncRun
	for _, run := range state.Runs {
		if client != "" && run.Client != client {
			continue
		}
		_ = s.cacheRun(ctx, run)
		runs = append(runs, cloneRun(run))
	}
	return newestFirst(runs, limit), nil
}

// RecordCorrelation stores c, replacing an earlier record of the same change.
func (s *RedisStorage) RecordCorrelation(ctx context.Context, c *models.Correlation) error {
	ctx = ensureCtx(ctx)
	if err := prepareCorrelation(c); err != nil {
		return err
	}
	field := strconv.Itoa(c.Change)
	if err := s.withDurableState(ctx, func(state *durableState) error {
		if state.Correlations[c.Client] == nil {
			state.Correlations[c.Client] = make(map[string]*models.Correlation)
		}
		copyCorr := *c
		state.Correlations[c.Client][field] = &copyCorr
		return nil
	}); err != nil {
		return err
	}
	raw, err := marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("correlations", c.Client), field, raw).Err()
}

// GetCorrelation retrieves the node recorded for change.
func (s *RedisStorage) GetCorrelation(ctx context.Context, client string, change int) (*models.Correlation, error) {
	ctx = ensureCtx(ctx)
	field := strconv.Itoa(change)
	raw, err := s.rdb.HGet(ctx, s.key("correlations", client), field).Result()
	if err == redis.Nil {
		state, loadErr := s.loadDurableState(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		saved, ok := state.Correlations[client][field]
		if !ok {
			return nil, ErrCorrelationNotFound
		}
		copyCorr := *saved
		return &copyCorr, nil
	}
	if err != nil {
		return nil, err
	}
	var c models.Correlation
	if err := unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCorrelations returns every correlation of client by ascending change.
func (s *RedisStorage) ListCorrelations(ctx context.Context, client string) ([]*models.Correlation, error) {
	ctx = ensureCtx(ctx)
	all, err := s.rdb.HGetAll(ctx, s.key("correlations", client)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Correlation, 0, len(all))
	if len(all) == 0 {
		state, err := s.loadDurableState(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range state.Correlations[client] {
			copyCorr := *c
			out = append(out, &copyCorr)
		}
	}
	for _, raw := range all {
		var c models.Correlation
		if err := unmarshal(raw, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Change < out[j].Change })
	return out, nil
}

// LockClient marks client as busy for owner. Relocking by the same owner
// refreshes the lock.
func (s *RedisStorage) LockClient(ctx context.Context, client, owner string) error {
	ctx = ensureCtx(ctx)
	if client == "" || owner == "" {
		return ErrInvalidInput
	}
	lockKey := s.key("lock", client)
	ok, err := s.rdb.SetNX(ctx, lockKey, owner, lockTTL).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	held, err := s.rdb.Get(ctx, lockKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if held != owner {
		return ErrLockHeld
	}
	return s.rdb.Expire(ctx, lockKey, lockTTL).Err()
}

// UnlockClient releases a lock held by owner.
func (s *RedisStorage) UnlockClient(ctx context.Context, client, owner string) {
	ctx = ensureCtx(ctx)
	lockKey := s.key("lock", client)
	held, err := s.rdb.Get(ctx, lockKey).Result()
	if err == nil && held == owner {
		_ = s.rdb.Del(ctx, lockKey).Err()
	}
}

// RebuildIndexes clears the Redis keys and reloads them from the durable
// snapshot.
func (s *RedisStorage) RebuildIndexes(ctx context.Context) error {
	ctx = ensureCtx(ctx)
	state, err := s.loadDurableState(ctx)
	if err != nil {
		return err
	}
	for _, pattern := range []string{s.key("run", "*"), s.key("runs*"), s.key("correlations", "*")} {
		if err := s.clearKeys(ctx, pattern); err != nil {
			return err
		}
	}
	for _, run := range state.Runs {
		if err := s.cacheRun(ctx, run); err != nil {
			return err
		}
	}
	for client, byChange := range state.Correlations {
		for field, c := range byChange {
			raw, err := marshal(c)
			if err != nil {
				return err
			}
			if err := s.rdb.HSet(ctx, s.key("correlations", client), field, raw).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisStorage) clearKeys(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 || next == cursor {
			return nil
		}
		cursor = next
	}
}

// Ping validates the Redis connection and object store accessibility.
func (s *RedisStorage) Ping(ctx context.Context) error {
	ctx = ensureCtx(ctx)
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	// Verify object store is reachable via a small round trip.
	const probeKey = "healthcheck"
	if err := s.objectStore.PutObject(ctx, s.key(probeKey), []byte("ok")); err != nil {
		return err
	}
	_, err := s.objectStore.GetObject(ctx, s.key(probeKey))
	_ = s.objectStore.DeleteObject(ctx, s.key(probeKey))
	return err
}
