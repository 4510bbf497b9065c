package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"reply-pilot/api/internal/util"
)

// Cache — многомерный кэш результатов анализа, ключ (session, resource, category).
// Авторитет — timeline (append-only журнал на (session, category)); указатель
// «последнего», набор категорий ресурса и реестр ресурсов — производные
// ускорители, целиком восстановимые проигрыванием timeline.
//
// Горячие чтения идут в волатильный tier; durable tier — fallback of record,
// с него лениво перестраивается волатильный после рестарта или экспирации.
// Отказ durable-записи логируется и не роняет вызывающего.
type Cache struct {
	vol VolatileStore
	dur DurableStore // nil — работаем без durable tier
	k   keys
	ttl time.Duration
	cap int64
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState — процессно-локальный учёт сессии: закреплённая сцена и
// созданные волатильные ключи (им продлевается TTL на каждое касание).
// Ключи прошлого процесса просто истекают и перестраиваются с durable.
type sessionState struct {
	scene string
	keys  map[string]struct{}
}

type Options struct {
	Prefix      string
	SessionTTL  time.Duration
	TimelineCap int
	Now         func() time.Time
}

func New(vol VolatileStore, dur DurableStore, opts Options) *Cache {
	if opts.Prefix == "" {
		opts.Prefix = "rp"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.TimelineCap <= 0 {
		opts.TimelineCap = 200
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		vol:      vol,
		dur:      dur,
		k:        keys{prefix: opts.Prefix},
		ttl:      opts.SessionTTL,
		cap:      int64(opts.TimelineCap),
		now:      opts.Now,
		sessions: make(map[string]*sessionState),
	}
}

// --- APPEND ------------------------------------------------------------------

// AppendEvent пишет одно событие в timeline (session, category) и обновляет
// все три ускорителя. Незнакомая категория создаётся неявно.
func (c *Cache) AppendEvent(ctx context.Context, ref SessionRef, cat Category, resource string, payload []byte, model, strategy string) error {
	if ref.ID == "" || cat == "" || resource == "" {
		return errors.New("cache: session, category and resource are required")
	}
	st, err := c.ensureSession(ctx, ref)
	if err != nil {
		return err
	}

	ev := Event{
		At:          c.now(),
		Resource:    resource,
		ResourceKey: util.ResourceKey(resource),
		Category:    cat,
		Model:       model,
		Strategy:    strategy,
		Payload:     payload,
	}
	raw, err := ev.marshal()
	if err != nil {
		return fmt.Errorf("cache: marshal event: %w", err)
	}

	tlKey := c.k.timeline(ref.ID, cat)
	lastKey := c.k.last(ref.ID, ev.ResourceKey, cat)
	catsKey := c.k.categories(ref.ID, ev.ResourceKey)
	resKey := c.k.resources(ref.ID)

	volErr := c.volAppend(ctx, tlKey, lastKey, catsKey, resKey, resource, raw, ev)
	if volErr != nil {
		log.Printf("cache: volatile append failed for %s: %v", tlKey, volErr)
	}

	var durErr error
	if c.dur != nil {
		if durErr = c.dur.AppendEvent(ctx, ref.ID, ev); durErr != nil {
			// at-least-once: горячий tier корректен до своего TTL
			log.Printf("cache: durable append failed for session %s: %v", ref.ID, durErr)
		} else if err := c.dur.TouchSession(ctx, ref.ID, st.scene, ev.At); err != nil {
			log.Printf("cache: durable touch failed for session %s: %v", ref.ID, err)
		}
	}

	if volErr != nil && (c.dur == nil || durErr != nil) {
		return fmt.Errorf("%w: both tiers rejected append", ErrUnavailable)
	}

	c.track(ref.ID, tlKey, lastKey, catsKey, resKey)
	c.touch(ctx, ref.ID)
	return nil
}

func (c *Cache) volAppend(ctx context.Context, tlKey, lastKey, catsKey, resKey, resource string, raw []byte, ev Event) error {
	if err := c.vol.ListAppend(ctx, tlKey, c.ttl, raw); err != nil {
		return err
	}
	if err := c.vol.ListTrimLast(ctx, tlKey, c.cap); err != nil {
		return err
	}
	if err := c.vol.Set(ctx, lastKey, raw, c.ttl); err != nil {
		return err
	}
	if err := c.vol.HashSet(ctx, catsKey, string(ev.Category), raw, c.ttl); err != nil {
		return err
	}
	return c.vol.ZAdd(ctx, resKey, resource, float64(ev.At.UnixMilli()), c.ttl)
}

// --- READS -------------------------------------------------------------------

// Timeline возвращает события (session, category), старые первыми
// (newestFirst=true переворачивает). limit>0 ограничивает выдачу самыми
// свежими limit событиями. Холодный волатильный tier прозрачно
// перестраивается с durable.
func (c *Cache) Timeline(ctx context.Context, ref SessionRef, cat Category, limit int, newestFirst bool) ([]Event, error) {
	tlKey := c.k.timeline(ref.ID, cat)

	rows, volErr := c.vol.ListRange(ctx, tlKey, 0, -1)
	if volErr != nil {
		log.Printf("cache: volatile timeline read failed for %s: %v", tlKey, volErr)
	}

	var events []Event
	if volErr == nil && len(rows) > 0 {
		events = make([]Event, 0, len(rows))
		for _, r := range rows {
			ev, err := unmarshalEvent(r)
			if err != nil {
				// битая запись в горячем tier — как промах, уходим на rebuild
				events = nil
				break
			}
			events = append(events, ev)
		}
	}
	if events == nil {
		var err error
		events, err = c.rebuildTimeline(ctx, ref.ID, cat)
		if err != nil {
			return nil, err
		}
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if newestFirst {
		rev := make([]Event, len(events))
		for i, ev := range events {
			rev[len(events)-1-i] = ev
		}
		events = rev
	}

	c.track(ref.ID, tlKey)
	c.touch(ctx, ref.ID)
	return events, nil
}

// Latest — точечный O(1) lookup последнего события (session, resource, category).
func (c *Cache) Latest(ctx context.Context, ref SessionRef, resource string, cat Category) (Event, error) {
	rkey := util.ResourceKey(resource)
	lastKey := c.k.last(ref.ID, rkey, cat)

	raw, volErr := c.vol.Get(ctx, lastKey)
	if volErr != nil {
		log.Printf("cache: volatile latest read failed for %s: %v", lastKey, volErr)
	}
	if volErr == nil && len(raw) > 0 {
		if ev, err := unmarshalEvent(raw); err == nil {
			c.track(ref.ID, lastKey)
			c.touch(ctx, ref.ID)
			return ev, nil
		}
	}

	ev, err := c.rebuildLatest(ctx, ref.ID, rkey, cat)
	if err != nil {
		return Event{}, err
	}
	c.track(ref.ID, lastKey)
	c.touch(ctx, ref.ID)
	return ev, nil
}

// CategoriesForResource — все категории, посчитанные для ресурса в сессии,
// каждая со своим последним событием.
func (c *Cache) CategoriesForResource(ctx context.Context, ref SessionRef, resource string) (map[Category]Event, error) {
	rkey := util.ResourceKey(resource)
	catsKey := c.k.categories(ref.ID, rkey)

	fields, volErr := c.vol.HashGetAll(ctx, catsKey)
	if volErr != nil {
		log.Printf("cache: volatile categories read failed for %s: %v", catsKey, volErr)
	}

	out := make(map[Category]Event, len(fields))
	if volErr == nil && len(fields) > 0 {
		ok := true
		for f, raw := range fields {
			ev, err := unmarshalEvent(raw)
			if err != nil {
				ok = false
				break
			}
			out[Category(f)] = ev
		}
		if ok {
			c.track(ref.ID, catsKey)
			c.touch(ctx, ref.ID)
			return out, nil
		}
	}

	out, err := c.rebuildCategories(ctx, ref.ID, rkey)
	if err != nil {
		return nil, err
	}
	c.track(ref.ID, catsKey)
	c.touch(ctx, ref.ID)
	return out, nil
}

// Resources — ресурсы сессии, самые недавно активные первыми.
func (c *Cache) Resources(ctx context.Context, ref SessionRef) ([]string, error) {
	resKey := c.k.resources(ref.ID)

	members, volErr := c.vol.ZRevRange(ctx, resKey)
	if volErr != nil {
		log.Printf("cache: volatile resources read failed for %s: %v", resKey, volErr)
	}
	if volErr == nil && len(members) > 0 {
		c.track(ref.ID, resKey)
		c.touch(ctx, ref.ID)
		return members, nil
	}

	members, err := c.rebuildResources(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	c.track(ref.ID, resKey)
	c.touch(ctx, ref.ID)
	return members, nil
}

// --- DELETE ------------------------------------------------------------------

// ClearSession — каскадное удаление сессии по всем tier'ам и ускорителям.
func (c *Cache) ClearSession(ctx context.Context, ref SessionRef) error {
	c.mu.Lock()
	st := c.sessions[ref.ID]
	var tracked []string
	if st != nil {
		tracked = make([]string, 0, len(st.keys))
		for k := range st.keys {
			tracked = append(tracked, k)
		}
	}
	delete(c.sessions, ref.ID)
	c.mu.Unlock()

	tracked = append(tracked, c.k.resources(ref.ID))
	if err := c.vol.Del(ctx, tracked...); err != nil {
		log.Printf("cache: volatile clear failed for session %s: %v", ref.ID, err)
	}
	if c.dur != nil {
		if err := c.dur.DeleteSession(ctx, ref.ID); err != nil {
			return fmt.Errorf("cache: durable clear session %s: %w", ref.ID, err)
		}
	}
	return nil
}

// ClearResource удаляет ресурс из всех ускорителей и durable tier; волатильные
// timeline'ы затронутых категорий сбрасываются и лениво перестроятся уже без него.
func (c *Cache) ClearResource(ctx context.Context, ref SessionRef, resource string) error {
	rkey := util.ResourceKey(resource)
	catsKey := c.k.categories(ref.ID, rkey)

	fields, err := c.vol.HashGetAll(ctx, catsKey)
	if err != nil {
		log.Printf("cache: volatile categories read failed for %s: %v", catsKey, err)
	}

	del := []string{catsKey}
	for f := range fields {
		del = append(del, c.k.last(ref.ID, rkey, Category(f)))
		del = append(del, c.k.timeline(ref.ID, Category(f)))
	}
	if err := c.vol.Del(ctx, del...); err != nil {
		log.Printf("cache: volatile clear failed for resource %s: %v", rkey, err)
	}
	if err := c.vol.ZRem(ctx, c.k.resources(ref.ID), resource); err != nil {
		log.Printf("cache: volatile zrem failed for resource %s: %v", rkey, err)
	}
	if c.dur != nil {
		if err := c.dur.DeleteResource(ctx, ref.ID, rkey); err != nil {
			return fmt.Errorf("cache: durable clear resource %s: %w", rkey, err)
		}
	}
	return nil
}

// --- SESSION STATE -----------------------------------------------------------

// ensureSession закрепляет сцену сессии. Первая записанная сцена (или сцена
// из свежей durable-меты) становится обязательной для всех последующих записей.
func (c *Cache) ensureSession(ctx context.Context, ref SessionRef) (*sessionState, error) {
	c.mu.Lock()
	st, ok := c.sessions[ref.ID]
	c.mu.Unlock()

	if !ok {
		var durScene string
		if c.dur != nil {
			scene, touched, err := c.dur.SessionMeta(ctx, ref.ID)
			if err == nil && c.now().Sub(touched) <= c.ttl {
				durScene = scene
			}
		}
		c.mu.Lock()
		st, ok = c.sessions[ref.ID]
		if !ok {
			st = &sessionState{scene: durScene, keys: make(map[string]struct{})}
			c.sessions[ref.ID] = st
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ref.Scene != "" {
		if st.scene == "" {
			st.scene = ref.Scene
		} else if st.scene != ref.Scene {
			return nil, fmt.Errorf("%w: have %q, got %q", ErrSceneMismatch, st.scene, ref.Scene)
		}
	}
	return st, nil
}

func (c *Cache) track(sessionID string, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &sessionState{keys: make(map[string]struct{})}
		c.sessions[sessionID] = st
	}
	for _, k := range keys {
		st.keys[k] = struct{}{}
	}
}

// touch продлевает скользящий TTL: любое чтение или запись по любому ключу
// сессии сдвигает экспирацию всех её волатильных ключей.
func (c *Cache) touch(ctx context.Context, sessionID string) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(st.keys))
	for k := range st.keys {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	if err := c.vol.Expire(ctx, c.ttl, keys...); err != nil {
		log.Printf("cache: expire refresh failed for session %s: %v", sessionID, err)
	}
}
