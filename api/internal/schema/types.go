package schema

// Версия схем всех полезных нагрузок стадий. Меняется только с форматом.
const Version = "v1"

// Scene — enum for conversation scene classification (shared by all stages)
type Scene string

const (
	SceneFirstContact Scene = "FIRST_CONTACT"
	SceneWarming      Scene = "WARMING"
	SceneBalanced     Scene = "BALANCED"
	SceneCooling      Scene = "COOLING"
	SceneConflict     Scene = "CONFLICT"
)

func KnownScene(s Scene) bool {
	switch s {
	case SceneFirstContact, SceneWarming, SceneBalanced, SceneCooling, SceneConflict:
		return true
	}
	return false
}

// Speaker — кто написал сообщение в снапшоте переписки.
type Speaker string

const (
	SpeakerMe   Speaker = "me"
	SpeakerThem Speaker = "them"
)

type Message struct {
	Speaker Speaker `json:"speaker"` // "me" | "them"
	Text    string  `json:"text"`
}

// ConversationContext — CONTEXT_OUTPUT
// Required: schema_version, messages.
type ConversationContext struct {
	SchemaVersion string    `json:"schema_version"`
	Messages      []Message `json:"messages"`
	Summary       string    `json:"summary,omitempty"`
	Language      string    `json:"language,omitempty"` // "ru" | "en" | ...
}

// SceneAnalysis — SCENE_OUTPUT
// Required: schema_version, scenario, confidence.
type SceneAnalysis struct {
	SchemaVersion string   `json:"schema_version"`
	Scenario      Scene    `json:"scenario"`
	Confidence    float64  `json:"confidence"`
	Signals       []string `json:"signals,omitempty"`
}

// PersonaProfile — PERSONA_OUTPUT. Снимок собеседника, не пользователя.
type PersonaProfile struct {
	SchemaVersion string   `json:"schema_version"`
	Tone          string   `json:"tone"`
	Interests     []string `json:"interests,omitempty"`
	Openness      float64  `json:"openness"`
	Confidence    float64  `json:"confidence"`
}

// StrategyPlan — STRATEGY_OUTPUT
type StrategyPlan struct {
	SchemaVersion string   `json:"schema_version"`
	Approach      string   `json:"approach"`
	Topics        []string `json:"topics,omitempty"`
	Avoid         []string `json:"avoid,omitempty"`
	Register      string   `json:"register,omitempty"` // "playful" | "neutral" | "sincere"
}

type Reply struct {
	Text  string  `json:"text"`
	Tone  string  `json:"tone,omitempty"`
	Score float64 `json:"score"`
}

// ReplySet — REPLY_OUTPUT. Ранжированные варианты ответа, лучший первым.
type ReplySet struct {
	SchemaVersion string  `json:"schema_version"`
	Replies       []Reply `json:"replies"`
}

// IntimacyVerdict — INTIMACY_OUTPUT. Гейт приемлемости сгенерированного ответа.
type IntimacyVerdict struct {
	SchemaVersion string `json:"schema_version"`
	Pass          bool   `json:"pass"`
	Reason        string `json:"reason,omitempty"`
}
