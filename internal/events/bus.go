package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
)

// Handler processes one event. Errors are logged by the bus and otherwise
// ignored.
type Handler func(ctx context.Context, ev Event) error

// Bus is an in-process, at-most-once publish/subscribe channel.
type Bus interface {
	Publish(ctx context.Context, ev Event)
	Subscribe(name Name, h Handler) (unsubscribe func())
}

// SubscribeTyped registers a handler that receives the payload already
// narrowed to P. Events whose payload is not a P are dropped.
func SubscribeTyped[P Payload](bus Bus, h func(ctx context.Context, ev Event, p P) error) func() {
	var zero P
	return bus.Subscribe(zero.EventName(), func(ctx context.Context, ev Event) error {
		p, ok := ev.Payload.(P)
		if !ok {
			return fmt.Errorf("event %s carries %T, want %T", ev.Name, ev.Payload, zero)
		}
		return h(ctx, ev, p)
	})
}

// SubscribeAll registers h for every event name and returns a function that
// removes all of those subscriptions.
func SubscribeAll(bus Bus, h Handler) func() {
	unsubs := make([]func(), 0, len(All))
	for _, name := range All {
		unsubs = append(unsubs, bus.Subscribe(name, h))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

type subscription struct {
	id      uint64
	handler Handler
}

// LocalBus delivers every event to each subscriber on its own goroutine, so a
// slow or failing subscriber never delays the publisher or other subscribers.
type LocalBus struct {
	mux      sync.RWMutex
	handlers map[Name][]subscription
	nextID   uint64
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewLocalBus creates an empty bus.
func NewLocalBus(log *logger.Logger) *LocalBus {
	return &LocalBus{
		handlers: make(map[Name][]subscription),
		log:      log.Component("event_bus"),
	}
}

// Publish dispatches ev asynchronously. The handlers' context is detached
// from ctx cancellation so a finished HTTP request does not abort delivery.
func (b *LocalBus) Publish(ctx context.Context, ev Event) {
	b.mux.RLock()
	subs := append([]subscription(nil), b.handlers[ev.Name]...)
	b.mux.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.wg.Add(1)
		go b.deliver(hctx, sub.handler, ev)
	}
}

func (b *LocalBus) deliver(ctx context.Context, h Handler, ev Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event", string(ev.Name)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()

	if err := h(ctx, ev); err != nil {
		b.log.Warn().Err(err).
			Str("event", string(ev.Name)).
			Str("workflow_id", workflowID(ev)).
			Msg("Event handler failed")
	}
}

func (b *LocalBus) Subscribe(name Name, h Handler) func() {
	b.mux.Lock()
	defer b.mux.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, handler: h})

	return func() {
		b.mux.Lock()
		defer b.mux.Unlock()
		subs := b.handlers[name]
		for i, s := range subs {
			if s.id == id {
				b.handlers[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Wait blocks until every delivery started so far has returned. Used at
// shutdown and in tests.
func (b *LocalBus) Wait() {
	b.wg.Wait()
}

func workflowID(ev Event) string {
	if ev.Workflow == nil {
		return ""
	}
	return ev.Workflow.WorkflowID
}
