// Package events provides an ordered, asynchronous publish/subscribe bus.
//
// Events are delivered on a single goroutine in the order they were
// published, so events about the same subject keep the order of the
// operations that caused them. Publish never blocks on subscribers.
package events

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Named is implemented by events routed by name.
type Named interface {
	EventName() string
}

// Handler receives delivered events.
type Handler[E Named] func(E)

type subscription[E Named] struct {
	id      uint64
	name    string
	handler Handler[E]
}

// Bus delivers published events to subscribers registered by name.
type Bus[E Named] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   *queue.Queue
	subs      []subscription[E]
	nextID    uint64
	enqueued  uint64
	delivered uint64
	closed    bool
	stopped   chan struct{}
	logger    zerolog.Logger
}

// NewBus starts a bus delivery loop.
func NewBus[E Named]() *Bus[E] {
	return NewBusWithLogger[E](log.Logger)
}

// NewBusWithLogger starts a bus that reports subscriber panics to logger.
func NewBusWithLogger[E Named](logger zerolog.Logger) *Bus[E] {
	b := &Bus[E]{
		pending: queue.New(),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	b.cond = sync.NewCond(&b.mu)

	go b.run()

	return b
}

// Subscribe registers h for events with the given name. The returned func
// removes the subscription.
func (b *Bus[E]) Subscribe(name string, h Handler[E]) func() {
	return b.subscribe(name, h)
}

// SubscribeAll registers h for every event.
func (b *Bus[E]) SubscribeAll(h Handler[E]) func() {
	return b.subscribe("", h)
}

func (b *Bus[E]) subscribe(name string, h Handler[E]) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[E]{id: id, name: name, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues ev for delivery. It reports false once the bus is closed.
func (b *Bus[E]) Publish(ev E) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	b.pending.Add(ev)
	b.enqueued++
	b.cond.Broadcast()

	return true
}

// Sync blocks until every event published before the call was delivered.
// It must not be called from a handler.
func (b *Bus[E]) Sync() {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.enqueued
	for b.delivered < target {
		b.cond.Wait()
	}
}

// Close delivers queued events and stops the delivery loop.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	<-b.stopped
}

func (b *Bus[E]) run() {
	defer close(b.stopped)

	for {
		b.mu.Lock()
		for b.pending.Length() == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.pending.Length() == 0 {
			b.mu.Unlock()
			return
		}

		ev := b.pending.Remove().(E)
		handlers := b.handlersLocked(ev.EventName())
		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, ev)
		}

		b.mu.Lock()
		b.delivered++
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

func (b *Bus[E]) handlersLocked(name string) []Handler[E] {
	handlers := make([]Handler[E], 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == name {
			handlers = append(handlers, s.handler)
		}
	}
	return handlers
}

func (b *Bus[E]) deliver(h Handler[E], ev E) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", ev.EventName()).Msg("event handler panicked")
		}
	}()
	h(ev)
}
