package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"board-api/board"
	"board-api/domain"
)

type backend interface {
	board.StageService
	board.TaskService
}

// Cache wraps a Storage instance with Redis-backed caching for the list
// reads. Writes pass through and evict, so a stale copy never outlives a
// mutation by more than the TTL.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListStages(ctx context.Context, scopeID domain.ID) ([]domain.Stage, error) {
	if stages, ok := loadCached[[]domain.Stage](ctx, c, stagesCacheKey(scopeID)); ok {
		return stages, nil
	}
	stages, err := c.base.ListStages(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, stagesCacheKey(scopeID), stages)
	return stages, nil
}

func (c *Cache) CreateStage(ctx context.Context, scopeID domain.ID, form board.StageForm) (domain.Stage, error) {
	created, err := c.base.CreateStage(ctx, scopeID, form)
	if err != nil {
		return domain.Stage{}, err
	}
	c.evict(ctx, stagesCacheKey(scopeID))
	return created, nil
}

func (c *Cache) UpdateStage(ctx context.Context, scopeID, stageID domain.ID, form board.StageForm) (domain.Stage, error) {
	updated, err := c.base.UpdateStage(ctx, scopeID, stageID, form)
	if err != nil {
		return domain.Stage{}, err
	}
	c.evict(ctx, stagesCacheKey(scopeID))
	return updated, nil
}

func (c *Cache) DeleteStage(ctx context.Context, scopeID, stageID domain.ID) error {
	if err := c.base.DeleteStage(ctx, scopeID, stageID); err != nil {
		return err
	}
	c.evict(ctx, stagesCacheKey(scopeID))
	return nil
}

func (c *Cache) ListTasks(ctx context.Context, scopeID domain.ID) ([]domain.Task, error) {
	if tasks, ok := loadCached[[]domain.Task](ctx, c, tasksCacheKey(scopeID)); ok {
		return tasks, nil
	}
	tasks, err := c.base.ListTasks(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, tasksCacheKey(scopeID), tasks)
	return tasks, nil
}

func (c *Cache) UpdateTask(ctx context.Context, scopeID, taskID domain.ID, patch board.TaskPatch) (domain.Task, error) {
	updated, err := c.base.UpdateTask(ctx, scopeID, taskID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, tasksCacheKey(scopeID))
	return updated, nil
}

func loadCached[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T
	if c.redis == nil {
		return zero, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return zero, false
	}
	return out, true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, key).Result()
}

func stagesCacheKey(scopeID domain.ID) string {
	return "stages:" + string(scopeID)
}

func tasksCacheKey(scopeID domain.ID) string {
	return "tasks:" + string(scopeID)
}
