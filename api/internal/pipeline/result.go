package pipeline

import (
	"errors"

	"reply-pilot/api/internal/schema"
)

// ErrInternal — единственная «прочая» ошибка, видимая вызывающему.
// Сырые ошибки провайдеров и стора наружу не выходят.
var ErrInternal = errors.New("pipeline: internal error")

type State string

const (
	StateCompleted             State = "completed"
	StateCompletedWithFallback State = "completed_with_fallback"
	StateFailed                State = "failed"
)

// Result — терминальный исход пайплайна. Err заполнен только при StateFailed
// и всегда типизирован (квота, таймаут, внутренняя ошибка).
type Result struct {
	State          State
	Reply          *schema.ReplySet
	Scene          schema.Scene
	Fallback       bool
	FallbackReason string
	SpendUSD       float64
	Downgraded     bool
	Err            error
}

func failed(err error) Result {
	return Result{State: StateFailed, Err: err}
}
