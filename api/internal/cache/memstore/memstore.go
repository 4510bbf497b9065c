// Package memstore — волатильный tier в памяти процесса: те же примитивы,
// что у redis-реализации (list/hash/zset, per-key TTL), без внешней
// зависимости. Используется в тестах и когда REDIS_ADDR не задан.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	val      []byte
	list     [][]byte
	hash     map[string][]byte
	zset     map[string]float64
	expireAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

type Store struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

func New() *Store {
	return &Store{data: make(map[string]*entry), now: time.Now}
}

// WithNow подменяет источник времени (тесты скользящего TTL).
func (s *Store) WithNow(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// get возвращает живую запись; истёкшие выметаются лениво.
func (s *Store) get(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) getOrCreate(key string, ttl time.Duration) *entry {
	e := s.get(key)
	if e == nil {
		e = &entry{}
		s.data[key] = e
	}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	return e
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return nil, nil
	}
	return e.val, nil
}

func (s *Store) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(key, ttl)
	e.val = val
	return nil
}

func (s *Store) ListAppend(_ context.Context, key string, ttl time.Duration, vals ...[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(key, ttl)
	e.list = append(e.list, vals...)
	return nil
}

func (s *Store) ListTrimLast(_ context.Context, key string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil || int64(len(e.list)) <= n {
		return nil
	}
	e.list = e.list[int64(len(e.list))-n:]
	return nil
}

func (s *Store) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return nil, nil
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range e.list[start : stop+1] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) HashSet(_ context.Context, key, field string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(key, ttl)
	if e.hash == nil {
		e.hash = make(map[string][]byte)
	}
	e.hash[field] = val
	return nil
}

func (s *Store) HashGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil || len(e.hash) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(e.hash))
	for f, v := range e.hash {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[f] = cp
	}
	return out, nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(key, ttl)
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	return nil
}

func (s *Store) ZRevRange(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil || len(e.zset) == 0 {
		return nil, nil
	}
	members := make([]string, 0, len(e.zset))
	for m := range e.zset {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if e.zset[members[i]] == e.zset[members[j]] {
			return members[i] < members[j]
		}
		return e.zset[members[i]] > e.zset[members[j]]
	})
	return members, nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return nil
	}
	for _, m := range members {
		delete(e.zset, m)
	}
	return nil
}

func (s *Store) Expire(_ context.Context, ttl time.Duration, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(ttl)
	for _, k := range keys {
		if e := s.get(k); e != nil {
			e.expireAt = deadline
		}
	}
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}
