package llm

import (
	"context"
	"errors"
	"strings"
)

// Tier — уровень качества модельного вызова.
type Tier string

const (
	TierFast    Tier = "fast"
	TierPremium Tier = "premium"
)

// Request — один вызов модели. Промпты и схемы живут выше (pipeline);
// движок только доставляет запрос и возвращает текст с usage.
type Request struct {
	System   string
	User     string
	Image    string // data:URL или base64; пусто — текстовый вызов
	JSONOnly bool   // просим провайдера вернуть строго JSON
}

// Result — ответ модели плюс все, что нужно для биллинга и provenance.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	Model     string
}

type Engine interface {
	Name() string
	GetModel() string
	Invoke(ctx context.Context, in Request) (Result, error)
}

// Engines — маршрутизатор tier -> движок.
type Engines struct {
	Fast    Engine
	Premium Engine
}

func (e *Engines) ForTier(t Tier) (Engine, error) {
	switch t {
	case TierFast:
		return e.Fast, nil
	case TierPremium:
		return e.Premium, nil
	default:
		return nil, errors.New("unknown tier; use 'fast' or 'premium'")
	}
}

// Cheapest — tier, на который опускаемся при превышении бюджета.
func (e *Engines) Cheapest() Tier { return TierFast }

// Ping — дешёвая проверка конфигурации для /healthz, без платного вызова.
func (e *Engines) Ping() error {
	if e.Fast == nil || e.Premium == nil {
		return errors.New("engines not configured")
	}
	if strings.TrimSpace(e.Fast.GetModel()) == "" || strings.TrimSpace(e.Premium.GetModel()) == "" {
		return errors.New("engine model is empty")
	}
	return nil
}
