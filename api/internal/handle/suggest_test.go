package handle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/cache/memstore"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/pipeline"
	"reply-pilot/api/internal/race"
	"reply-pilot/api/internal/tasks"
)

// scriptedEngine различает стадии по маркерам в user-промпте. Ответ на
// DIALOG_JSON закрывает и сцену, и персону: обе схемы читают свои поля.
type scriptedEngine struct{ model string }

func (e *scriptedEngine) Name() string     { return "scripted" }
func (e *scriptedEngine) GetModel() string { return e.model }

func (e *scriptedEngine) Invoke(_ context.Context, in llm.Request) (llm.Result, error) {
	var text string
	switch {
	case strings.Contains(in.User, "REPLIES_JSON"):
		text = `{"schema_version":"v1","pass":true}`
	case strings.Contains(in.User, "PERSONA_JSON"):
		text = `{"schema_version":"v1","approach":"лёгкий разговор"}`
	case strings.Contains(in.User, "STRATEGY_JSON"):
		text = `{"schema_version":"v1","replies":[{"text":"Привет!","score":0.9}]}`
	case strings.HasPrefix(in.User, "DIALOG_JSON"):
		text = `{"schema_version":"v1","scenario":"BALANCED","confidence":0.8,"tone":"тёплый","openness":0.5}`
	default:
		text = `{"schema_version":"v1","messages":[{"speaker":"them","text":"привет"}]}`
	}
	return llm.Result{Text: text, Model: e.model}, nil
}

func newHandle(t *testing.T, quotaUSD float64) (*Handle, *billing.Ledger) {
	t.Helper()
	store := cache.New(memstore.New(), nil, cache.Options{Prefix: "t"})
	reg := tasks.New()
	t.Cleanup(func() { reg.Shutdown(2 * time.Second) })
	racer := race.New(reg, store, 500*time.Millisecond)
	ledger := billing.NewLedger(quotaUSD)
	orch := pipeline.New(
		&llm.Engines{Fast: &scriptedEngine{model: "fast-v1"}, Premium: &scriptedEngine{model: "prem-v1"}},
		store, racer, ledger,
		pipeline.Config{MaxRetries: 1, Backoff: time.Millisecond, CacheMaxAge: time.Minute},
	)
	return New(orch), ledger
}

func post(t *testing.T, h *Handle, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/reply/suggest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Suggest(rec, req)
	return rec
}

func TestSuggestHappyPath(t *testing.T) {
	h, _ := newHandle(t, 0)

	rec := post(t, h, `{"user_id":"u1","session_id":"s1","text":"привет, как дела?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State   string `json:"state"`
		Scene   string `json:"scene"`
		Replies []struct {
			Text string `json:"text"`
		} `json:"replies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.State)
	assert.Equal(t, "BALANCED", resp.Scene)
	require.NotEmpty(t, resp.Replies)
	assert.Equal(t, "Привет!", resp.Replies[0].Text)
}

func TestSuggestRejectsBadRequests(t *testing.T) {
	h, _ := newHandle(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/reply/suggest", nil)
	rec := httptest.NewRecorder()
	h.Suggest(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, http.StatusBadRequest, post(t, h, `{broken`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, `{"text":"привет"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, `{"session_id":"s1"}`).Code)
}

func TestSuggestQuotaMapsTo429(t *testing.T) {
	h, ledger := newHandle(t, 0.01)
	require.NoError(t, ledger.RecordCall(context.Background(), billing.Record{UserID: "u1", CostUSD: 0.02}))

	rec := post(t, h, `{"user_id":"u1","session_id":"s1","text":"привет"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
