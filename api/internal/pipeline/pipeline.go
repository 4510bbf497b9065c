// Package pipeline — оркестратор анализа переписки: шесть стадий от разбора
// снапшота до проверки уместности ответа, с cache-aside на каждой стадии,
// ограниченными ретраями, гонкой tier'ов и даунгрейдом качества по бюджету.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/race"
	"reply-pilot/api/internal/schema"
)

type Request struct {
	UserID    string
	SessionID string
	Scene     string // необязательная подсказка сцены; закрепляется за сессией
	Text      string // вставленный текст переписки
	Image     string // base64 или data:URL скриншота чата
	Tier      llm.Tier
}

type Config struct {
	MaxRetries     int
	Backoff        time.Duration
	CacheMaxAge    time.Duration
	CostCeilingUSD float64
}

type Orchestrator struct {
	engines *llm.Engines
	store   *cache.Cache
	racer   *race.Executor
	bill    billing.Recorder
	cfg     Config
}

func New(engines *llm.Engines, store *cache.Cache, racer *race.Executor, bill billing.Recorder, cfg Config) *Orchestrator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 300 * time.Millisecond
	}
	return &Orchestrator{engines: engines, store: store, racer: racer, bill: bill, cfg: cfg}
}

// Suggest прогоняет запрос через пайплайн. Исход всегда терминальный:
// Completed, CompletedWithFallback или Failed с типизированной ошибкой.
func (o *Orchestrator) Suggest(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.SessionID) == "" ||
		(strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.Image) == "") {
		return failed(fmt.Errorf("%w: session_id and text or image are required", ErrInternal))
	}
	if req.Tier == "" {
		req.Tier = llm.TierPremium
	}

	// Квота проверяется до единого платного вызова.
	ok, err := o.bill.CheckQuota(ctx, req.UserID)
	if err != nil {
		// учёт не должен ронять запрос — пропускаем с логом
		log.Printf("pipeline: quota check failed for %s: %v", req.UserID, err)
	} else if !ok {
		return failed(billing.ErrQuotaExceeded)
	}

	resource := strings.TrimSpace(req.Text)
	if img := strings.TrimSpace(req.Image); img != "" {
		resource = img
	}
	r := &run{
		o:        o,
		req:      req,
		resource: resource,
		ref:      cache.SessionRef{ID: req.SessionID, Scene: req.Scene},
	}
	return r.execute(ctx)
}

// run — состояние одного запроса: накопленный spend, факт даунгрейда, сцена.
type run struct {
	o        *Orchestrator
	req      Request
	ref      cache.SessionRef
	resource string
	scene    schema.Scene

	mu         sync.Mutex
	spend      float64
	downgraded bool
}

func (r *run) addSpend(c float64) {
	r.mu.Lock()
	r.spend += c
	r.mu.Unlock()
}

func (r *run) spendTotal() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spend
}

func (r *run) isDowngraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downgraded
}

// currentTier — запрошенный tier, пока накопленный spend ниже потолка;
// после пересечения все вызовы идут на самый дешёвый tier до конца запроса.
func (r *run) currentTier() llm.Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.o.cfg.CostCeilingUSD > 0 && r.spend >= r.o.cfg.CostCeilingUSD {
		if !r.downgraded {
			r.downgraded = true
			log.Printf("pipeline: session %s spend %.4f crossed ceiling %.4f, downgrading to %s",
				r.req.SessionID, r.spend, r.o.cfg.CostCeilingUSD, r.o.engines.Cheapest())
		}
		return r.o.engines.Cheapest()
	}
	return r.req.Tier
}

// invoke — один платный вызов с учётом в биллинге и в spend запроса.
func (r *run) invoke(ctx context.Context, stage cache.Category, tier llm.Tier, in llm.Request) ([]byte, string, error) {
	eng, err := r.o.engines.ForTier(tier)
	if err != nil {
		return nil, "", err
	}
	res, err := eng.Invoke(ctx, in)
	if err != nil {
		return nil, eng.GetModel(), err
	}
	r.addSpend(res.CostUSD)
	rec := billing.Record{
		UserID:    r.req.UserID,
		SessionID: r.req.SessionID,
		Stage:     string(stage),
		Tier:      string(tier),
		Model:     res.Model,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		CostUSD:   res.CostUSD,
		At:        time.Now(),
	}
	if err := r.o.bill.RecordCall(ctx, rec); err != nil {
		log.Printf("pipeline: record call failed: %v", err)
	}
	return []byte(res.Text), res.Model, nil
}

// cachedFresh — попытка отдать стадию из кэша. Hit перепроверяется по схеме
// и свежести прежде, чем ему доверять.
func (r *run) cachedFresh(ctx context.Context, cat cache.Category, shape schema.Shape) (json.RawMessage, bool) {
	ev, err := r.o.store.Latest(ctx, r.ref, r.resource, cat)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Printf("pipeline: cache read %s failed: %v", cat, err)
		}
		return nil, false
	}
	if r.o.cfg.CacheMaxAge > 0 && time.Since(ev.At) > r.o.cfg.CacheMaxAge {
		return nil, false
	}
	payload, err := schema.Validate(shape, ev.Payload)
	if err != nil {
		return nil, false
	}
	log.Printf("pipeline: %s served from cache (model=%s, strategy=%s)", cat, ev.Model, ev.Strategy)
	return payload, true
}

// append пишет результат стадии (cache-aside). Кэш никогда не фатален,
// кроме расхождения сцены — это отказ запроса по контракту сессии.
func (r *run) append(ctx context.Context, cat cache.Category, payload []byte, model, strategy string) error {
	err := r.o.store.AppendEvent(ctx, r.ref, cat, r.resource, payload, model, strategy)
	if err == nil {
		return nil
	}
	if errors.Is(err, cache.ErrSceneMismatch) {
		return err
	}
	log.Printf("pipeline: cache append %s failed: %v", cat, err)
	return nil
}

func (r *run) sleepBackoff(ctx context.Context, attempt int) {
	t := time.NewTimer(time.Duration(attempt) * r.o.cfg.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// singleStage — стадия с одной реализацией: кэш, затем ограниченные ретраи
// с нарастающей задержкой на транзиентных и невалидных ответах.
func (r *run) singleStage(ctx context.Context, cat cache.Category, shape schema.Shape, in llm.Request, useCache bool) (json.RawMessage, error) {
	if useCache {
		if p, ok := r.cachedFresh(ctx, cat, shape); ok {
			return p, nil
		}
	}
	var lastErr error
	for attempt := 0; attempt <= r.o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.sleepBackoff(ctx, attempt)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tier := r.currentTier()
		raw, model, err := r.invoke(ctx, cat, tier, in)
		if err != nil {
			lastErr = err
			if llm.IsTransient(err) || errors.Is(err, llm.ErrInvalidResponse) {
				continue
			}
			return nil, err
		}
		payload, err := schema.Validate(shape, raw)
		if err != nil {
			lastErr = err
			continue
		}
		if err := r.append(ctx, cat, payload, model, "single"); err != nil {
			return nil, err
		}
		return payload, nil
	}
	return nil, lastErr
}

// racedStage — стадия с несколькими tier'ами через гонку. После даунгрейда
// гонка вырождается в один дешёвый вызов.
func (r *run) racedStage(ctx context.Context, cat cache.Category, shape schema.Shape, in llm.Request, useCache bool) (json.RawMessage, error) {
	if useCache {
		if p, ok := r.cachedFresh(ctx, cat, shape); ok {
			return p, nil
		}
	}
	validate := func(raw []byte) (json.RawMessage, error) { return schema.Validate(shape, raw) }
	unit := race.Unit{Session: r.ref, Resource: r.resource, Category: cat, Strategy: "race"}

	var lastErr error
	for attempt := 0; attempt <= r.o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.sleepBackoff(ctx, attempt)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out, err := r.o.racer.Run(ctx, unit, validate, r.candidates(cat, in))
		if err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, llm.ErrTimeout
			}
			continue // ErrExhausted — ретраим всю гонку
		}
		if err := r.append(ctx, cat, out.Payload, out.Model, out.Tier); err != nil {
			return nil, err
		}
		return out.Payload, nil
	}
	return nil, lastErr
}

func (r *run) candidates(cat cache.Category, in llm.Request) []race.Candidate {
	mk := func(t llm.Tier) race.Candidate {
		eng, _ := r.o.engines.ForTier(t)
		return race.Candidate{
			Tier:  string(t),
			Model: eng.GetModel(),
			Invoke: func(cctx context.Context) ([]byte, error) {
				raw, _, err := r.invoke(cctx, cat, t, in)
				return raw, err
			},
		}
	}
	if r.currentTier() == r.o.engines.Cheapest() {
		return []race.Candidate{mk(r.o.engines.Cheapest())}
	}
	return []race.Candidate{mk(llm.TierFast), mk(llm.TierPremium)}
}
