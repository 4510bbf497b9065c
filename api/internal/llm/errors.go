package llm

import (
	"context"
	"errors"
)

var (
	ErrTimeout         = errors.New("llm: timeout")
	ErrRateLimited     = errors.New("llm: rate limited")
	ErrInvalidResponse = errors.New("llm: invalid response")
	ErrTransport       = errors.New("llm: transport error")
)

// IsTransient — можно ли повторять вызов (таймаут, rate limit, сеть).
// Невалидный ответ ретраится отдельной веткой в pipeline.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, context.DeadlineExceeded)
}
