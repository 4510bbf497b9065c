// Package tasks — учёт фоновых продолжений (проигравшие кандидаты гонок и
// прочая fire-and-forget работа). Реестр внедряется конструктором, а не живёт
// глобалом: у каждого оркестратора/теста свой экземпляр.
package tasks

import (
	"context"
	"log"
	"sync"
	"time"
)

type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[uint64]string // id -> имя таска, только живые
	nextID  uint64
	closed  bool

	wg   sync.WaitGroup
	once sync.Once
}

func New() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[uint64]string),
	}
}

// Register запускает fn в своей горутине и отслеживает её до завершения.
// Запись снимается сама — при успехе, панике или отмене, так что Count()
// всегда равен числу реально работающих тасков.
func (r *Registry) Register(name string, fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Printf("tasks: register %q after shutdown, dropped", name)
		return
	}
	r.nextID++
	id := r.nextID
	r.entries[id] = name
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("tasks: %q panicked: %v", name, p)
			}
			r.mu.Lock()
			delete(r.entries, id)
			r.mu.Unlock()
			r.wg.Done()
		}()
		fn(r.ctx)
	}()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown ждёт завершения всех тасков не дольше timeout, после чего отменяет
// их контекст и возвращается. Идемпотентен; с нулём тасков возвращается сразу.
func (r *Registry) Shutdown(timeout time.Duration) {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		n := len(r.entries)
		r.mu.Unlock()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		if n > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				r.mu.Lock()
				for _, name := range r.entries {
					log.Printf("tasks: %q still running at shutdown deadline, cancelling", name)
				}
				r.mu.Unlock()
			}
		}
		r.cancel()
	})
}
