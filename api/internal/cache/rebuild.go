package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
)

// Ленивое восстановление горячего tier'а с durable. Сессия, не тронутая
// дольше TTL, считается истёкшей и не воскрешается.

// durableFresh решает, можно ли перестраивать сессию с durable tier.
func (c *Cache) durableFresh(ctx context.Context, sessionID string) (bool, error) {
	if c.dur == nil {
		return false, nil
	}
	_, touched, err := c.dur.SessionMeta(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return c.now().Sub(touched) <= c.ttl, nil
}

func (c *Cache) rebuildTimeline(ctx context.Context, sessionID string, cat Category) ([]Event, error) {
	ok, err := c.durableFresh(ctx, sessionID)
	if err != nil || !ok {
		return nil, err
	}
	events, err := c.dur.TimelineEvents(ctx, sessionID, cat, int(c.cap))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	tlKey := c.k.timeline(sessionID, cat)
	raws := make([][]byte, 0, len(events))
	for _, ev := range events {
		b, err := ev.marshal()
		if err != nil {
			return nil, fmt.Errorf("cache: marshal event: %w", err)
		}
		raws = append(raws, b)
	}
	if err := c.vol.Del(ctx, tlKey); err == nil {
		if err := c.vol.ListAppend(ctx, tlKey, c.ttl, raws...); err != nil {
			log.Printf("cache: timeline repopulate failed for %s: %v", tlKey, err)
		}
	}
	return events, nil
}

func (c *Cache) rebuildLatest(ctx context.Context, sessionID, resourceKey string, cat Category) (Event, error) {
	ok, err := c.durableFresh(ctx, sessionID)
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, ErrNotFound
	}
	ev, err := c.dur.LatestEvent(ctx, sessionID, resourceKey, cat)
	if errors.Is(err, ErrNotFound) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if raw, err := ev.marshal(); err == nil {
		lastKey := c.k.last(sessionID, resourceKey, cat)
		if err := c.vol.Set(ctx, lastKey, raw, c.ttl); err != nil {
			log.Printf("cache: latest repopulate failed for %s: %v", lastKey, err)
		}
	}
	return ev, nil
}

func (c *Cache) rebuildCategories(ctx context.Context, sessionID, resourceKey string) (map[Category]Event, error) {
	out := make(map[Category]Event)
	ok, err := c.durableFresh(ctx, sessionID)
	if err != nil || !ok {
		return out, err
	}
	events, err := c.dur.ResourceEvents(ctx, sessionID, resourceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// события идут старые первыми, последняя запись категории побеждает
	for _, ev := range events {
		out[ev.Category] = ev
	}

	catsKey := c.k.categories(sessionID, resourceKey)
	for cat, ev := range out {
		if raw, err := ev.marshal(); err == nil {
			if err := c.vol.HashSet(ctx, catsKey, string(cat), raw, c.ttl); err != nil {
				log.Printf("cache: categories repopulate failed for %s: %v", catsKey, err)
				break
			}
		}
	}
	return out, nil
}

func (c *Cache) rebuildResources(ctx context.Context, sessionID string) ([]string, error) {
	ok, err := c.durableFresh(ctx, sessionID)
	if err != nil || !ok {
		return nil, err
	}
	events, err := c.dur.SessionEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	lastAt := make(map[string]int64)
	for _, ev := range events {
		lastAt[ev.Resource] = ev.At.UnixMilli()
	}
	members := make([]string, 0, len(lastAt))
	for res := range lastAt {
		members = append(members, res)
	}
	sort.Slice(members, func(i, j int) bool { return lastAt[members[i]] > lastAt[members[j]] })

	resKey := c.k.resources(sessionID)
	for _, res := range members {
		if err := c.vol.ZAdd(ctx, resKey, res, float64(lastAt[res]), c.ttl); err != nil {
			log.Printf("cache: resources repopulate failed for %s: %v", resKey, err)
			break
		}
	}
	return members, nil
}
