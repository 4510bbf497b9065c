// Package pgstore — durable tier кэша на Postgres (драйвер pgx через
// database/sql). Это fallback of record: горячий путь его не читает,
// восстановление после рестарта идёт отсюда.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"reply-pilot/api/internal/cache"
)

type Store struct{ DB *sql.DB }

func New(db *sql.DB) *Store { return &Store{DB: db} }

// EnsureSchema создаёт таблицы при первом запуске.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const q = `
create table if not exists cache_events (
  id           bigserial primary key,
  session_id   text not null,
  resource     text not null,
  resource_key text not null,
  category     text not null,
  model        text not null default '',
  strategy     text not null default '',
  payload      jsonb not null,
  created_at   timestamptz not null default now()
);
create index if not exists cache_events_timeline_idx
  on cache_events (session_id, category, id);
create index if not exists cache_events_resource_idx
  on cache_events (session_id, resource_key, category, id);
create table if not exists cache_sessions (
  session_id   text primary key,
  scene        text not null default '',
  last_touched timestamptz not null default now()
);`
	_, err := s.DB.ExecContext(ctx, q)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev cache.Event) error {
	const q = `
insert into cache_events (session_id, resource, resource_key, category, model, strategy, payload, created_at)
values ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.DB.ExecContext(ctx, q,
		sessionID, ev.Resource, ev.ResourceKey, string(ev.Category),
		ev.Model, ev.Strategy, []byte(ev.Payload), ev.At,
	)
	return err
}

const eventCols = `resource, resource_key, category,
       coalesce(model,'') as model,
       coalesce(strategy,'') as strategy,
       payload, created_at`

func scanEvents(rows *sql.Rows) ([]cache.Event, error) {
	defer rows.Close()
	var out []cache.Event
	for rows.Next() {
		var (
			ev  cache.Event
			cat string
			js  []byte
		)
		if err := rows.Scan(&ev.Resource, &ev.ResourceKey, &cat, &ev.Model, &ev.Strategy, &js, &ev.At); err != nil {
			return nil, err
		}
		ev.Category = cache.Category(cat)
		ev.Payload = js
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TimelineEvents — последние limit событий (session, category), старые первыми.
func (s *Store) TimelineEvents(ctx context.Context, sessionID string, cat cache.Category, limit int) ([]cache.Event, error) {
	const q = `
select ` + eventCols + `
from (
  select id, ` + eventCols + `
  from cache_events
  where session_id = $1 and category = $2
  order by id desc
  limit $3
) t
order by id asc`
	rows, err := s.DB.QueryContext(ctx, q, sessionID, string(cat), limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) ResourceEvents(ctx context.Context, sessionID, resourceKey string) ([]cache.Event, error) {
	const q = `
select ` + eventCols + `
from cache_events
where session_id = $1 and resource_key = $2
order by id asc`
	rows, err := s.DB.QueryContext(ctx, q, sessionID, resourceKey)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]cache.Event, error) {
	const q = `
select ` + eventCols + `
from cache_events
where session_id = $1
order by id asc`
	rows, err := s.DB.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) LatestEvent(ctx context.Context, sessionID, resourceKey string, cat cache.Category) (cache.Event, error) {
	const q = `
select ` + eventCols + `
from cache_events
where session_id = $1 and resource_key = $2 and category = $3
order by id desc
limit 1`
	row := s.DB.QueryRowContext(ctx, q, sessionID, resourceKey, string(cat))

	var (
		ev   cache.Event
		cats string
		js   []byte
	)
	if err := row.Scan(&ev.Resource, &ev.ResourceKey, &cats, &ev.Model, &ev.Strategy, &js, &ev.At); err != nil {
		return cache.Event{}, err
	}
	ev.Category = cache.Category(cats)
	ev.Payload = js
	return ev, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID, scene string, at time.Time) error {
	const q = `
insert into cache_sessions (session_id, scene, last_touched)
values ($1,$2,$3)
on conflict (session_id) do update
set scene = case when excluded.scene <> '' then excluded.scene else cache_sessions.scene end,
    last_touched = excluded.last_touched`
	_, err := s.DB.ExecContext(ctx, q, sessionID, scene, at)
	return err
}

func (s *Store) SessionMeta(ctx context.Context, sessionID string) (string, time.Time, error) {
	const q = `select coalesce(scene,''), last_touched from cache_sessions where session_id = $1`
	var (
		scene string
		ts    time.Time
	)
	if err := s.DB.QueryRowContext(ctx, q, sessionID).Scan(&scene, &ts); err != nil {
		return "", time.Time{}, err
	}
	return scene, ts, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.DB.ExecContext(ctx, `delete from cache_events where session_id = $1`, sessionID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `delete from cache_sessions where session_id = $1`, sessionID)
	return err
}

func (s *Store) DeleteResource(ctx context.Context, sessionID, resourceKey string) error {
	const q = `delete from cache_events where session_id = $1 and resource_key = $2`
	_, err := s.DB.ExecContext(ctx, q, sessionID, resourceKey)
	return err
}

// PurgeOlderThan удаляет очень старые события, чтобы не раздувать БД.
func (s *Store) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	const q = `delete from cache_events where created_at < $1`
	res, err := s.DB.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}
