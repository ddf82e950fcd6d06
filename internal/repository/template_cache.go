package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
)

// TemplateStore is the template persistence contract shared by the postgres,
// memory and cached implementations.
type TemplateStore interface {
	Upsert(ctx context.Context, tpl *ApprovalTemplate) error
	GetByID(ctx context.Context, id string) (*ApprovalTemplate, error)
	FindActiveByID(ctx context.Context, id string) (*ApprovalTemplate, error)
	FindDefault(ctx context.Context, ownerID string) (*ApprovalTemplate, error)
	ListByOwner(ctx context.Context, ownerID string, activeOnly bool) ([]*ApprovalTemplate, error)
	Deactivate(ctx context.Context, id string) error
	SetDefault(ctx context.Context, ownerID, templateID string) error
}

var (
	_ TemplateStore = (*ApprovalTemplateRepository)(nil)
	_ TemplateStore = (*MemoryTemplateStore)(nil)
	_ TemplateStore = (*CachedTemplateStore)(nil)
)

const templateKeyPrefix = "approvals:template:"

// CachedTemplateStore is a read-through Redis cache in front of a
// TemplateStore. Only the engine's hot lookups (FindActiveByID, FindDefault)
// are cached; writes invalidate affected keys. Redis failures degrade to the
// underlying store.
type CachedTemplateStore struct {
	next   TemplateStore
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewCachedTemplateStore wraps next with a Redis cache.
func NewCachedTemplateStore(next TemplateStore, client *redis.Client, ttl time.Duration, log *logger.Logger) *CachedTemplateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedTemplateStore{next: next, client: client, ttl: ttl, log: log.Component("template_cache")}
}

func activeKey(id string) string       { return templateKeyPrefix + "active:" + id }
func defaultKey(ownerID string) string { return templateKeyPrefix + "default:" + ownerID }

func (c *CachedTemplateStore) FindActiveByID(ctx context.Context, id string) (*ApprovalTemplate, error) {
	return c.readThrough(ctx, activeKey(id), func() (*ApprovalTemplate, error) {
		return c.next.FindActiveByID(ctx, id)
	})
}

func (c *CachedTemplateStore) FindDefault(ctx context.Context, ownerID string) (*ApprovalTemplate, error) {
	return c.readThrough(ctx, defaultKey(ownerID), func() (*ApprovalTemplate, error) {
		return c.next.FindDefault(ctx, ownerID)
	})
}

func (c *CachedTemplateStore) GetByID(ctx context.Context, id string) (*ApprovalTemplate, error) {
	return c.next.GetByID(ctx, id)
}

func (c *CachedTemplateStore) ListByOwner(ctx context.Context, ownerID string, activeOnly bool) ([]*ApprovalTemplate, error) {
	return c.next.ListByOwner(ctx, ownerID, activeOnly)
}

func (c *CachedTemplateStore) Upsert(ctx context.Context, tpl *ApprovalTemplate) error {
	if err := c.next.Upsert(ctx, tpl); err != nil {
		return err
	}
	c.invalidate(ctx, activeKey(tpl.TemplateID), defaultKey(tpl.OwnerID))
	return nil
}

func (c *CachedTemplateStore) Deactivate(ctx context.Context, id string) error {
	tpl, err := c.next.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.next.Deactivate(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, activeKey(id), defaultKey(tpl.OwnerID))
	return nil
}

func (c *CachedTemplateStore) SetDefault(ctx context.Context, ownerID, templateID string) error {
	keys := []string{activeKey(templateID), defaultKey(ownerID)}
	if previous, err := c.next.FindDefault(ctx, ownerID); err == nil && previous != nil {
		keys = append(keys, activeKey(previous.TemplateID))
	}
	if err := c.next.SetDefault(ctx, ownerID, templateID); err != nil {
		return err
	}
	c.invalidate(ctx, keys...)
	return nil
}

func (c *CachedTemplateStore) readThrough(ctx context.Context, key string, load func() (*ApprovalTemplate, error)) (*ApprovalTemplate, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		tpl := &ApprovalTemplate{}
		if jsonErr := json.Unmarshal(data, tpl); jsonErr == nil {
			return tpl, nil
		}
		c.log.Warn().Str("key", key).Msg("Discarding undecodable cached template")
	case err != redis.Nil:
		c.log.Warn().Err(err).Str("key", key).Msg("Template cache read failed; using store")
	}

	tpl, err := load()
	if err != nil || tpl == nil {
		return tpl, err
	}

	if data, err := json.Marshal(tpl); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Template cache write failed")
		}
	}
	return tpl, nil
}

func (c *CachedTemplateStore) invalidate(ctx context.Context, keys ...string) {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).Strs("keys", keys).Msg("Template cache invalidation failed")
	}
}
