package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reply-pilot/api/internal/util"
)

var ErrInvalid = errors.New("schema: invalid payload")

// Shape — ожидаемая форма полезной нагрузки стадии. Значения совпадают
// с категориями кэша, чтобы hit был самоописываемым.
type Shape string

const (
	ShapeContext  Shape = "context"
	ShapeScene    Shape = "scene_analysis"
	ShapePersona  Shape = "persona"
	ShapeStrategy Shape = "strategy"
	ShapeReply    Shape = "reply"
	ShapeIntimacy Shape = "intimacy_check"
)

// Validate проверяет сырой ответ модели на структурную валидность формы
// и возвращает нормализованный JSON (через типизированную структуру).
// Любой дефект — ErrInvalid, чтобы вызывающий мог решить про ретрай.
func Validate(shape Shape, raw []byte) (json.RawMessage, error) {
	txt := util.StripCodeFences(strings.TrimSpace(string(raw)))
	if txt == "" {
		return nil, fmt.Errorf("%w: empty %s payload", ErrInvalid, shape)
	}

	switch shape {
	case ShapeContext:
		var v ConversationContext
		if err := decode(txt, &v); err != nil {
			return nil, err
		}
		if len(v.Messages) == 0 {
			return nil, fmt.Errorf("%w: context: messages are required", ErrInvalid)
		}
		for i, m := range v.Messages {
			if m.Speaker != SpeakerMe && m.Speaker != SpeakerThem {
				return nil, fmt.Errorf("%w: context: messages[%d].speaker=%q", ErrInvalid, i, m.Speaker)
			}
			if strings.TrimSpace(m.Text) == "" {
				return nil, fmt.Errorf("%w: context: messages[%d].text is empty", ErrInvalid, i)
			}
		}
		return remarshal(&v)

	case ShapeScene:
		var v SceneAnalysis
		if err := decode(txt, &v); err != nil {
			return nil, err
		}
		if !KnownScene(v.Scenario) {
			return nil, fmt.Errorf("%w: scene: unknown scenario %q", ErrInvalid, v.Scenario)
		}
		if v.Confidence < 0 || v.Confidence > 1 {
			return nil, fmt.Errorf("%w: scene: confidence=%g out of [0,1]", ErrInvalid, v.Confidence)
		}
		return remarshal(&v)

	case ShapePersona:
		var v PersonaProfile
		if err := decode(txt, &v); err != nil {
			return nil, err
		}
		if strings.TrimSpace(v.Tone) == "" {
			return nil, fmt.Errorf("%w: persona: tone is required", ErrInvalid)
		}
		if v.Confidence < 0 || v.Confidence > 1 {
			return nil, fmt.Errorf("%w: persona: confidence=%g out of [0,1]", ErrInvalid, v.Confidence)
		}
		return remarshal(&v)

	case ShapeStrategy:
		var v StrategyPlan
		if err := decode(txt, &v); err != nil {
			return nil, err
		}
		if strings.TrimSpace(v.Approach) == "" {
			return nil, fmt.Errorf("%w: strategy: approach is required", ErrInvalid)
		}
		return remarshal(&v)

	case ShapeReply:
		var v ReplySet
		if err := decode(txt, &v); err != nil {
			return nil, err
		}
		if len(v.Replies) == 0 {
			return nil, fmt.Errorf("%w: reply: replies are required", ErrInvalid)
		}
		for i, r := range v.Replies {
			if strings.TrimSpace(r.Text) == "" {
				return nil, fmt.Errorf("%w: reply: replies[%d].text is empty", ErrInvalid, i)
			}
		}
		return remarshal(&v)

	case ShapeIntimacy:
		var v IntimacyVerdict
		if err := decode(txt, &v); err != nil {
			return nil, err
		}
		if !v.Pass && strings.TrimSpace(v.Reason) == "" {
			return nil, fmt.Errorf("%w: intimacy: failed verdict without reason", ErrInvalid)
		}
		return remarshal(&v)
	}
	return nil, fmt.Errorf("%w: unknown shape %q", ErrInvalid, shape)
}

func decode(txt string, v any) error {
	if err := json.Unmarshal([]byte(txt), v); err != nil {
		return fmt.Errorf("%w: bad JSON: %v", ErrInvalid, err)
	}
	return nil
}

func remarshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return b, nil
}
