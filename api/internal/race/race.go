// Package race — исполнитель гонки между кандидатами разных tier'ов за один
// юнит работы. Возвращает первый структурно валидный результат; проигравших
// не отменяет (вызов уже оплачен), а дожидается в фоне и складывает их
// результаты в кэш под тем же ключом с их собственным tier/model.
package race

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/tasks"
)

var ErrExhausted = errors.New("race: all candidates invalid")

// Unit — юнит работы: под какой ключ кэша лягут результаты гонки.
type Unit struct {
	Session  cache.SessionRef
	Resource string
	Category cache.Category
	Strategy string
}

// Candidate — одно конкурирующее вычисление (обычно вызов модели своего tier).
type Candidate struct {
	Tier   string
	Model  string
	Invoke func(ctx context.Context) ([]byte, error)
}

type Outcome struct {
	Tier    string
	Model   string
	Payload json.RawMessage
}

// ValidateFunc решает «первый валидный»: ошибка означает, что кандидат
// не может победить (но и не блокирует решение).
type ValidateFunc func(raw []byte) (json.RawMessage, error)

// Sink принимает результаты проигравших. Его реализует *cache.Cache.
type Sink interface {
	AppendEvent(ctx context.Context, ref cache.SessionRef, cat cache.Category, resource string, payload []byte, model, strategy string) error
}

type Executor struct {
	reg       *tasks.Registry
	sink      Sink
	loserWait time.Duration
}

func New(reg *tasks.Registry, sink Sink, loserWait time.Duration) *Executor {
	if loserWait <= 0 {
		loserWait = 90 * time.Second
	}
	return &Executor{reg: reg, sink: sink, loserWait: loserWait}
}

type attempt struct {
	idx int
	raw []byte
	err error
}

// Run запускает всех кандидатов одновременно и возвращает первого валидного.
// Оставшиеся в полёте кандидаты не отменяются: уже завершившиеся кэшируются
// синхронно, остальные передаются реестру как фоновое продолжение с
// ограниченным ожиданием. Если валидных нет совсем — ErrExhausted.
func (x *Executor) Run(ctx context.Context, unit Unit, validate ValidateFunc, cands []Candidate) (Outcome, error) {
	if len(cands) == 0 {
		return Outcome{}, fmt.Errorf("%w: no candidates", ErrExhausted)
	}

	// Кандидаты переживают вызывающего: отвязываемся от его отмены,
	// но ограничиваем общий срок жизни гонки ожиданием проигравшего.
	raceCtx, cancelRace := context.WithTimeout(context.WithoutCancel(ctx), x.loserWait)

	results := make(chan attempt, len(cands))
	for i, c := range cands {
		go func(i int, c Candidate) {
			raw, err := c.Invoke(raceCtx)
			results <- attempt{idx: i, raw: raw, err: err}
		}(i, c)
	}

	pending := len(cands)
	for pending > 0 {
		select {
		case <-ctx.Done():
			x.continueInBackground(unit, validate, cands, results, pending, cancelRace)
			return Outcome{}, ctx.Err()
		case a := <-results:
			pending--
			payload, ok := x.acceptable(unit, cands[a.idx], validate, a)
			if !ok {
				continue
			}
			win := Outcome{Tier: cands[a.idx].Tier, Model: cands[a.idx].Model, Payload: payload}

			// Победитель уже выбран; всё, что успело финишировать почти
			// одновременно, кэшируем синхронно — чистая оптимизация латентности.
			pending = x.drainFinished(ctx, unit, validate, cands, results, pending)
			if pending > 0 {
				x.continueInBackground(unit, validate, cands, results, pending, cancelRace)
			} else {
				cancelRace()
			}
			return win, nil
		}
	}

	cancelRace()
	return Outcome{}, fmt.Errorf("%w: %d candidate(s)", ErrExhausted, len(cands))
}

// acceptable валидирует попытку; ошибки и невалидные payload'ы — «проигравшие».
func (x *Executor) acceptable(unit Unit, c Candidate, validate ValidateFunc, a attempt) (json.RawMessage, bool) {
	if a.err != nil {
		log.Printf("race: %s/%s candidate %s failed: %v", unit.Session.ID, unit.Category, c.Tier, a.err)
		return nil, false
	}
	payload, err := validate(a.raw)
	if err != nil {
		log.Printf("race: %s/%s candidate %s invalid: %v", unit.Session.ID, unit.Category, c.Tier, err)
		return nil, false
	}
	return payload, true
}

func (x *Executor) drainFinished(ctx context.Context, unit Unit, validate ValidateFunc, cands []Candidate, results <-chan attempt, pending int) int {
	for pending > 0 {
		select {
		case a := <-results:
			pending--
			x.persistLoser(ctx, unit, cands[a.idx], validate, a)
		default:
			return pending
		}
	}
	return pending
}

// continueInBackground дожидается ещё летящих кандидатов через реестр.
// Ожидание ограничено loserWait; по дедлайну ждать бросаем, но сам вызов
// не убиваем — его результат просто никто не прочитает.
func (x *Executor) continueInBackground(unit Unit, validate ValidateFunc, cands []Candidate, results <-chan attempt, pending int, cancelRace context.CancelFunc) {
	name := fmt.Sprintf("race-loser:%s/%s", unit.Session.ID, unit.Category)
	x.reg.Register(name, func(bg context.Context) {
		defer cancelRace()
		timer := time.NewTimer(x.loserWait)
		defer timer.Stop()
		for pending > 0 {
			select {
			case <-bg.Done():
				return
			case <-timer.C:
				log.Printf("race: %s abandoned %d candidate(s) after %s", name, pending, x.loserWait)
				return
			case a := <-results:
				pending--
				x.persistLoser(bg, unit, cands[a.idx], validate, a)
			}
		}
	})
}

// persistLoser пишет валидный результат проигравшего в кэш. Любой сбой здесь
// логируется и глотается: исходный запрос давно завершён.
func (x *Executor) persistLoser(ctx context.Context, unit Unit, c Candidate, validate ValidateFunc, a attempt) {
	payload, ok := x.acceptable(unit, c, validate, a)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := x.sink.AppendEvent(wctx, unit.Session, unit.Category, unit.Resource, payload, c.Model, unit.Strategy); err != nil {
		log.Printf("race: cache loser %s/%s failed: %v", unit.Category, c.Tier, err)
	}
}
