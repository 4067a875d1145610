package services

import (
	"sync"

	"go.uber.org/zap"
)

// EventBus fans events out to in-process subscribers. Handlers run on the
// publishing goroutine and must not block; a panicking handler is logged
// and dropped from that delivery only.
type EventBus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
	logger   *zap.SugaredLogger
}

func NewEventBus[T any](logger *zap.SugaredLogger) *EventBus[T] {
	return &EventBus[T]{
		handlers: make(map[uint64]func(T)),
		logger:   logger,
	}
}

// Subscribe registers fn and returns a func that unregisters it.
func (b *EventBus[T]) Subscribe(fn func(T)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *EventBus[T]) Publish(event T) {
	b.mu.RLock()
	handlers := make([]func(T), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *EventBus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *EventBus[T]) deliver(h func(T), event T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event handler panicked", "panic", r)
		}
	}()
	h(event)
}
