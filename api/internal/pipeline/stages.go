package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/schema"
)

// Порядок стадий фиксирован: ContextBuild → SceneAnalysis → PersonaInference →
// StrategyPlanning → ReplyGeneration → IntimacyCheck.
func (r *run) execute(ctx context.Context) Result {
	dialog, err := r.contextBuild(ctx)
	if err != nil {
		return r.terminal("context_build", err)
	}

	scenePayload, err := r.sceneAnalysis(ctx, dialog)
	if err != nil {
		return r.terminal("scene_analysis", err)
	}
	var sa schema.SceneAnalysis
	_ = json.Unmarshal(scenePayload, &sa)
	r.scene = sa.Scenario
	// классификация закрепляет сцену за сессией; расхождение с уже
	// закреплённой отклонит следующую же запись
	r.ref.Scene = string(sa.Scenario)

	personaPayload, err := r.personaInference(ctx, dialog)
	if err != nil {
		return r.terminal("persona", err)
	}

	strategyPayload, err := r.strategyPlanning(ctx, dialog, scenePayload, personaPayload)
	if err != nil {
		return r.terminal("strategy", err)
	}

	replies, err := r.generateWithGate(ctx, dialog, scenePayload, strategyPayload)
	if err != nil {
		return r.terminal("reply", err)
	}

	return Result{
		State:      StateCompleted,
		Reply:      replies,
		Scene:      r.scene,
		SpendUSD:   r.spendTotal(),
		Downgraded: r.isDowngraded(),
	}
}

// terminal сводит ошибку стадии к терминальному исходу: типизированный отказ
// для квоты/таймаута/сцены, шаблонный ответ по сцене для всего остального.
func (r *run) terminal(stage string, err error) Result {
	res := func(base Result) Result {
		base.Scene = r.scene
		base.SpendUSD = r.spendTotal()
		base.Downgraded = r.isDowngraded()
		return base
	}
	switch {
	case errors.Is(err, billing.ErrQuotaExceeded):
		return res(failed(billing.ErrQuotaExceeded))
	case errors.Is(err, cache.ErrSceneMismatch):
		return res(failed(err))
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return res(failed(llm.ErrTimeout))
	}
	log.Printf("pipeline: stage %s exhausted retries: %v; serving fallback", stage, err)
	return res(Result{
		State:          StateCompletedWithFallback,
		Reply:          fallbackReply(r.scene),
		Fallback:       true,
		FallbackReason: stage,
	})
}

// --- CONTEXT -----------------------------------------------------------------

func (r *run) contextBuild(ctx context.Context) (json.RawMessage, error) {
	user := "Восстанови диалог."
	if t := strings.TrimSpace(r.req.Text); t != "" {
		user = "Вставленный текст переписки:\n" + t
	}
	in := llm.Request{System: systemContext, User: user, Image: r.req.Image, JSONOnly: true}
	return r.singleStage(ctx, cache.CategoryContext, schema.ShapeContext, in, true)
}

// --- SCENE -------------------------------------------------------------------

func (r *run) sceneAnalysis(ctx context.Context, dialog json.RawMessage) (json.RawMessage, error) {
	in := llm.Request{
		System:   systemScene,
		User:     "DIALOG_JSON:\n" + string(dialog),
		JSONOnly: true,
	}
	return r.racedStage(ctx, cache.CategoryScene, schema.ShapeScene, in, true)
}

// --- PERSONA -----------------------------------------------------------------

func (r *run) personaInference(ctx context.Context, dialog json.RawMessage) (json.RawMessage, error) {
	in := llm.Request{
		System:   systemPersona,
		User:     "DIALOG_JSON:\n" + string(dialog),
		JSONOnly: true,
	}
	return r.singleStage(ctx, cache.CategoryPersona, schema.ShapePersona, in, true)
}

// --- STRATEGY ----------------------------------------------------------------

func (r *run) strategyPlanning(ctx context.Context, dialog, scene, persona json.RawMessage) (json.RawMessage, error) {
	in := llm.Request{
		System: systemStrategy,
		User: "DIALOG_JSON:\n" + string(dialog) +
			"\nSCENE_JSON:\n" + string(scene) +
			"\nPERSONA_JSON:\n" + string(persona),
		JSONOnly: true,
	}
	return r.singleStage(ctx, cache.CategoryStrategy, schema.ShapeStrategy, in, true)
}

// --- REPLY + INTIMACY GATE ---------------------------------------------------

// generateWithGate генерирует варианты ответа и прогоняет их через гейт
// уместности. Провал гейта — регенерация в рамках того же бюджета ретраев,
// никогда не бесконечный цикл.
func (r *run) generateWithGate(ctx context.Context, dialog, scene, strategy json.RawMessage) (*schema.ReplySet, error) {
	in := llm.Request{
		System: systemReply,
		User: "DIALOG_JSON:\n" + string(dialog) +
			"\nSCENE_JSON:\n" + string(scene) +
			"\nSTRATEGY_JSON:\n" + string(strategy),
		JSONOnly: true,
	}

	var lastErr error
	for attempt := 0; attempt <= r.o.cfg.MaxRetries; attempt++ {
		// кэш только на первой попытке: регенерация обязана дать новый текст
		replyPayload, err := r.racedStage(ctx, cache.CategoryReply, schema.ShapeReply, in, attempt == 0)
		if err != nil {
			return nil, err
		}

		verdict, err := r.intimacyCheck(ctx, scene, replyPayload)
		if err != nil {
			return nil, err
		}
		if verdict.Pass {
			var rs schema.ReplySet
			if err := json.Unmarshal(replyPayload, &rs); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInternal, err)
			}
			return &rs, nil
		}
		lastErr = fmt.Errorf("intimacy check rejected replies: %s", verdict.Reason)
		log.Printf("pipeline: %v; regenerating (%d/%d)", lastErr, attempt+1, r.o.cfg.MaxRetries+1)
	}
	return nil, lastErr
}

func (r *run) intimacyCheck(ctx context.Context, scene, replies json.RawMessage) (*schema.IntimacyVerdict, error) {
	in := llm.Request{
		System: systemIntimacy,
		User: "SCENE_JSON:\n" + string(scene) +
			"\nREPLIES_JSON:\n" + string(replies),
		JSONOnly: true,
	}
	// без кэша: вердикт относится к конкретному набору вариантов
	payload, err := r.singleStage(ctx, cache.CategoryIntimacy, schema.ShapeIntimacy, in, false)
	if err != nil {
		return nil, err
	}
	var v schema.IntimacyVerdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return &v, nil
}
