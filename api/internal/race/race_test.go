package race

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/tasks"
)

type sinkWrite struct {
	Category cache.Category
	Model    string
	Payload  string
}

// memSink записывает append'ы проигравших; победителя кэширует вызывающий.
type memSink struct {
	mu     sync.Mutex
	writes []sinkWrite
}

func (s *memSink) AppendEvent(_ context.Context, _ cache.SessionRef, cat cache.Category, _ string, payload []byte, model, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, sinkWrite{Category: cat, Model: model, Payload: string(payload)})
	return nil
}

func (s *memSink) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes))
	for _, w := range s.writes {
		out = append(out, w.Model)
	}
	return out
}

func validJSON(raw []byte) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, errors.New("not json")
	}
	return raw, nil
}

func unit() Unit {
	return Unit{
		Session:  cache.SessionRef{ID: "s1"},
		Resource: "res",
		Category: cache.CategoryScene,
		Strategy: "race",
	}
}

func cand(tier, model string, delay time.Duration, raw string, err error) Candidate {
	return Candidate{
		Tier:  tier,
		Model: model,
		Invoke: func(ctx context.Context) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if err != nil {
				return nil, err
			}
			return []byte(raw), nil
		},
	}
}

func TestFirstValidWins(t *testing.T) {
	reg := tasks.New()
	defer reg.Shutdown(time.Second)
	sink := &memSink{}
	x := New(reg, sink, 2*time.Second)

	// быстрый кандидат невалиден, побеждает более медленный валидный
	out, err := x.Run(context.Background(), unit(), validJSON, []Candidate{
		cand("fast", "fast-v1", 10*time.Millisecond, `not-json`, nil),
		cand("premium", "prem-v1", 50*time.Millisecond, `{"ok":true}`, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, "premium", out.Tier)
	assert.Equal(t, "prem-v1", out.Model)
	assert.Equal(t, json.RawMessage(`{"ok":true}`), out.Payload)
}

func TestWinnerDoesNotWaitForLoser(t *testing.T) {
	reg := tasks.New()
	sink := &memSink{}
	x := New(reg, sink, 2*time.Second)

	start := time.Now()
	out, err := x.Run(context.Background(), unit(), validJSON, []Candidate{
		cand("fast", "fast-v1", 10*time.Millisecond, `{"who":"fast"}`, nil),
		cand("premium", "prem-v1", 300*time.Millisecond, `{"who":"prem"}`, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, "fast-v1", out.Model)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// проигравший докатывается в кэш фоном, под своей моделью
	require.Eventually(t, func() bool {
		models := sink.models()
		return len(models) == 1 && models[0] == "prem-v1"
	}, 2*time.Second, 10*time.Millisecond)

	reg.Shutdown(time.Second)
	assert.Equal(t, 0, reg.Count())
}

func TestAllInvalidExhausted(t *testing.T) {
	reg := tasks.New()
	defer reg.Shutdown(time.Second)
	sink := &memSink{}
	x := New(reg, sink, time.Second)

	_, err := x.Run(context.Background(), unit(), validJSON, []Candidate{
		cand("fast", "fast-v1", time.Millisecond, ``, errors.New("boom")),
		cand("premium", "prem-v1", time.Millisecond, `broken`, nil),
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Empty(t, sink.models())
}

func TestNoCandidates(t *testing.T) {
	reg := tasks.New()
	defer reg.Shutdown(time.Second)
	x := New(reg, &memSink{}, time.Second)

	_, err := x.Run(context.Background(), unit(), validJSON, nil)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestCallerCancelDoesNotKillCandidates(t *testing.T) {
	reg := tasks.New()
	sink := &memSink{}
	x := New(reg, sink, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := x.Run(ctx, unit(), validJSON, []Candidate{
		cand("fast", "fast-v1", 100*time.Millisecond, `{"who":"fast"}`, nil),
		cand("premium", "prem-v1", 150*time.Millisecond, `{"who":"prem"}`, nil),
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// оба кандидата пережили отмену вызывающего и легли в кэш
	require.Eventually(t, func() bool {
		return len(sink.models()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	reg.Shutdown(time.Second)
}

func TestLoserFailureIsSwallowed(t *testing.T) {
	reg := tasks.New()
	sink := &memSink{}
	x := New(reg, sink, time.Second)

	out, err := x.Run(context.Background(), unit(), validJSON, []Candidate{
		cand("fast", "fast-v1", time.Millisecond, `{"who":"fast"}`, nil),
		cand("premium", "prem-v1", 50*time.Millisecond, ``, errors.New("late failure")),
	})
	require.NoError(t, err)
	assert.Equal(t, "fast-v1", out.Model)

	reg.Shutdown(time.Second)
	assert.Empty(t, sink.models())
}
