package orchestrator

import (
	"sync"

	"convsync/internal/domain"

	"github.com/rs/zerolog"
)

// EventHandler receives sync events. Handlers run on the goroutine that
// produced the event and must not block.
type EventHandler func(event domain.SyncEvent)

type eventBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]EventHandler
	log      zerolog.Logger
}

func newEventBus(log zerolog.Logger) *eventBus {
	return &eventBus{
		handlers: make(map[int]EventHandler),
		log:      log,
	}
}

func (b *eventBus) subscribe(h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
		})
	}
}

func (b *eventBus) emit(event domain.SyncEvent) {
	if event.At.IsZero() {
		event.At = domain.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("sync event handler panicked")
				}
			}()
			h(event)
		}()
	}
}

func (b *eventBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]EventHandler)
}
