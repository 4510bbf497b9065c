// Package billing — контракт учёта платных вызовов. Ядро его только
// потребляет; продакшен-реализация живёт за пределами этого сервиса.
package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQuotaExceeded = errors.New("billing: quota exceeded")

type Record struct {
	UserID    string
	SessionID string
	Stage     string
	Tier      string
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	At        time.Time
}

type Recorder interface {
	RecordCall(ctx context.Context, rec Record) error
	TotalCost(ctx context.Context, userID string) (float64, error)
	// CheckQuota — false, если пользователю больше нельзя платных вызовов.
	CheckQuota(ctx context.Context, userID string) (bool, error)
}

// Ledger — референс-реализация в памяти (дев и тесты).
type Ledger struct {
	mu       sync.Mutex
	totals   map[string]float64
	quotaUSD float64 // 0 — без лимита
}

var _ Recorder = (*Ledger)(nil)

func NewLedger(quotaUSD float64) *Ledger {
	return &Ledger{totals: make(map[string]float64), quotaUSD: quotaUSD}
}

func (l *Ledger) RecordCall(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals[rec.UserID] += rec.CostUSD
	return nil
}

func (l *Ledger) TotalCost(_ context.Context, userID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[userID], nil
}

func (l *Ledger) CheckQuota(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quotaUSD <= 0 || l.totals[userID] < l.quotaUSD, nil
}
