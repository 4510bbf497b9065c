package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/cache/memstore"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/race"
	"reply-pilot/api/internal/tasks"
)

// Валидные ответы стадий для скриптованных движков.
const (
	ctxJSON      = `{"schema_version":"v1","messages":[{"speaker":"them","text":"привет, как дела?"}],"language":"ru"}`
	sceneJSON    = `{"schema_version":"v1","scenario":"BALANCED","confidence":0.9}`
	personaJSON  = `{"schema_version":"v1","tone":"дружелюбный","openness":0.7,"confidence":0.8}`
	strategyJSON = `{"schema_version":"v1","approach":"лёгкий разговор","register":"playful"}`
	replyJSON    = `{"schema_version":"v1","replies":[{"text":"Привет! Всё отлично, а у тебя?","score":0.9}]}`
	intimacyOK   = `{"schema_version":"v1","pass":true}`
	intimacyNo   = `{"schema_version":"v1","pass":false,"reason":"слишком напористо"}`
)

func respondOK(in llm.Request) (string, error) {
	switch in.System {
	case systemContext:
		return ctxJSON, nil
	case systemScene:
		return sceneJSON, nil
	case systemPersona:
		return personaJSON, nil
	case systemStrategy:
		return strategyJSON, nil
	case systemReply:
		return replyJSON, nil
	case systemIntimacy:
		return intimacyOK, nil
	}
	return "", errors.New("unexpected system prompt")
}

type fakeEngine struct {
	model string
	cost  float64

	mu      sync.Mutex
	calls   []llm.Request
	respond func(in llm.Request) (string, error)
}

func (f *fakeEngine) Name() string     { return "fake" }
func (f *fakeEngine) GetModel() string { return f.model }

func (f *fakeEngine) Invoke(_ context.Context, in llm.Request) (llm.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	fn := f.respond
	f.mu.Unlock()

	text, err := fn(in)
	if err != nil {
		return llm.Result{}, err
	}
	return llm.Result{Text: text, TokensIn: 100, TokensOut: 50, CostUSD: f.cost, Model: f.model}, nil
}

// stageCalls — сколько раз движок звали с данным системным промптом.
func (f *fakeEngine) stageCalls(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.System == system {
			n++
		}
	}
	return n
}

func (f *fakeEngine) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type env struct {
	fast   *fakeEngine
	prem   *fakeEngine
	store  *cache.Cache
	reg    *tasks.Registry
	ledger *billing.Ledger
	orch   *Orchestrator
}

func newEnv(t *testing.T, cfg Config, quotaUSD float64) *env {
	t.Helper()
	e := &env{
		fast:   &fakeEngine{model: "fast-v1", respond: respondOK},
		prem:   &fakeEngine{model: "prem-v1", respond: respondOK},
		store:  cache.New(memstore.New(), nil, cache.Options{Prefix: "t"}),
		reg:    tasks.New(),
		ledger: billing.NewLedger(quotaUSD),
	}
	t.Cleanup(func() { e.reg.Shutdown(2 * time.Second) })

	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Millisecond
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = 10 * time.Minute
	}
	racer := race.New(e.reg, e.store, 500*time.Millisecond)
	e.orch = New(&llm.Engines{Fast: e.fast, Premium: e.prem}, e.store, racer, e.ledger, cfg)
	return e
}

// settle дожидается фоновых продолжений гонок, чтобы счётчики вызовов стояли.
func (e *env) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return e.reg.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func req() Request {
	return Request{UserID: "u1", SessionID: "s1", Text: "привет, как дела?"}
}

func TestSuggestHappyPath(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 2}, 0)
	e.fast.cost, e.prem.cost = 0.001, 0.002

	res := e.orch.Suggest(context.Background(), req())

	require.Equal(t, StateCompleted, res.State)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Reply)
	require.NotEmpty(t, res.Reply.Replies)
	assert.Equal(t, "Привет! Всё отлично, а у тебя?", res.Reply.Replies[0].Text)
	assert.Equal(t, "BALANCED", string(res.Scene))
	assert.False(t, res.Fallback)
	assert.Greater(t, res.SpendUSD, 0.0)

	total, err := e.ledger.TotalCost(context.Background(), "u1")
	require.NoError(t, err)
	assert.Greater(t, total, 0.0)
}

func TestTransientErrorRetriedThenFallback(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 2}, 0)
	e.prem.respond = func(in llm.Request) (string, error) {
		if in.System == systemStrategy {
			return "", llm.ErrTransport
		}
		return respondOK(in)
	}

	res := e.orch.Suggest(context.Background(), req())
	e.settle(t)

	assert.Equal(t, StateCompletedWithFallback, res.State)
	assert.True(t, res.Fallback)
	assert.Equal(t, "strategy", res.FallbackReason)
	assert.Equal(t, "BALANCED", string(res.Scene))
	require.NotNil(t, res.Reply)
	assert.Equal(t, fallbackReplies["BALANCED"], res.Reply.Replies)

	// первая попытка плюс ровно MaxRetries повторов
	assert.Equal(t, 3, e.prem.stageCalls(systemStrategy))
}

func TestInvalidPayloadRetriedThenFallback(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 1}, 0)
	e.prem.respond = func(in llm.Request) (string, error) {
		if in.System == systemPersona {
			return `{"schema_version":"v1"}`, nil // без tone — невалидно
		}
		return respondOK(in)
	}

	res := e.orch.Suggest(context.Background(), req())
	e.settle(t)

	assert.Equal(t, StateCompletedWithFallback, res.State)
	assert.Equal(t, "persona", res.FallbackReason)
	assert.Equal(t, 2, e.prem.stageCalls(systemPersona))
}

func TestCostCeilingDowngradesTier(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 1, CostCeilingUSD: 0.1}, 0)
	e.prem.cost = 0.2 // первый же premium-вызов пробивает потолок

	res := e.orch.Suggest(context.Background(), req())
	e.settle(t)

	require.Equal(t, StateCompleted, res.State)
	assert.True(t, res.Downgraded)
	// premium успел отработать только первую стадию, дальше всё на fast
	assert.Equal(t, 1, e.prem.totalCalls())
	assert.GreaterOrEqual(t, e.fast.totalCalls(), 5)
}

func TestQuotaShortCircuits(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 1}, 0.01)
	require.NoError(t, e.ledger.RecordCall(context.Background(), billing.Record{UserID: "u1", CostUSD: 0.02}))

	res := e.orch.Suggest(context.Background(), req())

	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, billing.ErrQuotaExceeded)
	// ни одного платного вызова
	assert.Zero(t, e.fast.totalCalls())
	assert.Zero(t, e.prem.totalCalls())
}

func TestIntimacyGateRegenerates(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 2}, 0)
	var gateCalls int
	var mu sync.Mutex
	e.prem.respond = func(in llm.Request) (string, error) {
		if in.System == systemIntimacy {
			mu.Lock()
			gateCalls++
			n := gateCalls
			mu.Unlock()
			if n == 1 {
				return intimacyNo, nil
			}
			return intimacyOK, nil
		}
		return respondOK(in)
	}

	res := e.orch.Suggest(context.Background(), req())
	e.settle(t)

	require.Equal(t, StateCompleted, res.State)
	require.NotNil(t, res.Reply)
	assert.Equal(t, 2, e.prem.stageCalls(systemIntimacy))
	// две генерации: после провала гейта кэш не используется
	assert.Equal(t, 4, e.fast.stageCalls(systemReply)+e.prem.stageCalls(systemReply))
}

func TestIntimacyGateBounded(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 1}, 0)
	e.prem.respond = func(in llm.Request) (string, error) {
		if in.System == systemIntimacy {
			return intimacyNo, nil
		}
		return respondOK(in)
	}

	res := e.orch.Suggest(context.Background(), req())
	e.settle(t)

	// гейт так и не пропустил — фоллбэк, не бесконечный цикл
	assert.Equal(t, StateCompletedWithFallback, res.State)
	assert.Equal(t, "reply", res.FallbackReason)
	assert.Equal(t, 2, e.prem.stageCalls(systemIntimacy))
}

func TestSecondRequestServedFromCache(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 1}, 0)

	first := e.orch.Suggest(context.Background(), req())
	require.Equal(t, StateCompleted, first.State)
	e.settle(t)

	before := e.fast.totalCalls() + e.prem.totalCalls()
	second := e.orch.Suggest(context.Background(), req())
	e.settle(t)

	require.Equal(t, StateCompleted, second.State)
	// из кэша всё, кроме гейта: его вердикт привязан к конкретному набору
	assert.Equal(t, 1, e.fast.totalCalls()+e.prem.totalCalls()-before)
}

func TestSceneHintMismatchFails(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 1}, 0)

	first := e.orch.Suggest(context.Background(), req())
	require.Equal(t, StateCompleted, first.State)
	e.settle(t)

	// классификация закрепила BALANCED; противоречащая подсказка отклоняется
	r2 := req()
	r2.Scene = "CONFLICT"
	r2.Text = "совсем другой текст переписки"
	res := e.orch.Suggest(context.Background(), r2)
	e.settle(t)

	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, cache.ErrSceneMismatch)
}

func TestCancelledContextFailsWithTimeout(t *testing.T) {
	e := newEnv(t, Config{MaxRetries: 1}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.orch.Suggest(ctx, req())

	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, llm.ErrTimeout)
}

func TestInputValidation(t *testing.T) {
	e := newEnv(t, Config{}, 0)

	res := e.orch.Suggest(context.Background(), Request{UserID: "u1", Text: "привет"})
	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrInternal)

	res = e.orch.Suggest(context.Background(), Request{UserID: "u1", SessionID: "s1"})
	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrInternal)
}
