package cache

import (
	"context"
	"time"
)

// VolatileStore — горячий tier: низколатентный KV с нативным TTL и
// примитивами список/хэш/sorted set (redis-образный контракт).
// Отсутствие значения — (nil, nil) / пустая коллекция, не ошибка;
// ошибка означает недоступность стора.
type VolatileStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	ListAppend(ctx context.Context, key string, ttl time.Duration, vals ...[]byte) error
	// ListTrimLast оставляет последние n элементов (хвост списка).
	ListTrimLast(ctx context.Context, key string, n int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	HashSet(ctx context.Context, key, field string, val []byte, ttl time.Duration) error
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)

	ZAdd(ctx context.Context, key, member string, score float64, ttl time.Duration) error
	ZRevRange(ctx context.Context, key string) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	Expire(ctx context.Context, ttl time.Duration, keys ...string) error
	Del(ctx context.Context, keys ...string) error
}

// DurableStore — crash-safe tier. Не primary-путь чтения: по нему лениво
// восстанавливается волатильный tier после падения/экспирации.
type DurableStore interface {
	AppendEvent(ctx context.Context, sessionID string, ev Event) error

	// TimelineEvents — события (session, category), старые первыми.
	TimelineEvents(ctx context.Context, sessionID string, cat Category, limit int) ([]Event, error)
	// ResourceEvents — все события ресурса в сессии, старые первыми.
	ResourceEvents(ctx context.Context, sessionID, resourceKey string) ([]Event, error)
	// SessionEvents — все события сессии, старые первыми.
	SessionEvents(ctx context.Context, sessionID string) ([]Event, error)

	LatestEvent(ctx context.Context, sessionID, resourceKey string, cat Category) (Event, error)

	TouchSession(ctx context.Context, sessionID, scene string, at time.Time) error
	// SessionMeta — ErrNotFound, если сессия никогда не писалась.
	SessionMeta(ctx context.Context, sessionID string) (scene string, lastTouched time.Time, err error)

	DeleteSession(ctx context.Context, sessionID string) error
	DeleteResource(ctx context.Context, sessionID, resourceKey string) error
}
