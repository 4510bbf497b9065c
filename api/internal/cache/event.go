package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = sql.ErrNoRows
	ErrUnavailable   = errors.New("cache: unavailable")
	ErrSceneMismatch = errors.New("cache: scene mismatch for session")
)

// Category — тип анализа, произведённого над ресурсом. Открыт для расширения:
// незнакомая категория создаёт свой timeline, не трогая существующие.
type Category string

const (
	CategoryContext  Category = "context"
	CategoryScene    Category = "scene_analysis"
	CategoryPersona  Category = "persona"
	CategoryStrategy Category = "strategy"
	CategoryReply    Category = "reply"
	CategoryIntimacy Category = "intimacy_check"
)

// SessionRef — идентичность сессии. Scene необязательна; первый записанный
// scene закрепляется за сессией, расхождение отклоняется до любых записей.
type SessionRef struct {
	ID    string
	Scene string
}

// Event — атомарный факт «в момент At (session, resource, category) дала
// payload P, посчитанный моделью Model по стратегии Strategy». Provenance
// всегда при payload, чтобы cache hit был самоописываемым.
type Event struct {
	At          time.Time       `json:"at"`
	Resource    string          `json:"resource"`
	ResourceKey string          `json:"resource_key"`
	Category    Category        `json:"category"`
	Model       string          `json:"model"`
	Strategy    string          `json:"strategy"`
	Payload     json.RawMessage `json:"payload"`
}

func (e Event) marshal() ([]byte, error) { return json.Marshal(e) }

func unmarshalEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
