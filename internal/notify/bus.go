package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"poiledger/internal/domain"
)

// Handler receives a committed event. It runs on its own goroutine.
type Handler func(ctx context.Context, evt domain.Event)

type subscription struct {
	id     int
	filter eventFilter
	h      Handler
}

// Bus fans committed events out to in-process subscribers without blocking
// the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	next   int
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{logger: logger}
}

// Subscribe registers h for the given event types (all when empty) and
// returns a function that removes it.
func (b *Bus) Subscribe(types []string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, filter: newEventFilter(types), h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches events after commit. Handler panics are logged and dropped.
func (b *Bus) Publish(ctx context.Context, events ...domain.Event) {
	if b == nil || len(events) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()
	for _, evt := range events {
		for _, s := range subs {
			if !s.filter.match(evt.Type) {
				continue
			}
			b.wg.Add(1)
			go func(h Handler, evt domain.Event) {
				defer b.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event handler panicked", "type", evt.Type, "entity_id", evt.EntityID, "panic", r)
					}
				}()
				h(ctx, evt)
			}(s.h, evt)
		}
	}
}

// Wait blocks until in-flight handlers return.
func (b *Bus) Wait() {
	b.wg.Wait()
}
