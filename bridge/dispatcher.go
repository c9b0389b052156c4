package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/nexolith/eventflow/event"
	"github.com/nexolith/eventflow/internal/nilcheck"
	"github.com/nexolith/eventflow/log"
	"github.com/nexolith/eventflow/runtime"
)

// LocalHandler reacts to one event inside the producing process.
type LocalHandler func(ctx context.Context, evt event.Event)

// LocalDispatcher fans collected events out to in-process handlers after
// the surrounding transaction committed. Notification is at-most-once
// and purely local: a handler panic or a process crash drops it, the
// durable path through the outbox does not.
type LocalDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]LocalHandler
	logger   log.Logger
}

func NewLocalDispatcher(logger log.Logger) *LocalDispatcher {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &LocalDispatcher{
		handlers: map[string][]LocalHandler{},
		logger:   logger,
	}
}

// Register adds a handler for one event type. Multiple handlers per type
// run in registration order.
func (dispatcher *LocalDispatcher) Register(eventType string, handler LocalHandler) error {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	dispatcher.handlers[normalizedType] = append(dispatcher.handlers[normalizedType], handler)

	return nil
}

// Dispatch invokes every handler registered for the event's type.
// Handler panics are recovered and logged so one subscriber cannot take
// down the commit path of another.
func (dispatcher *LocalDispatcher) Dispatch(ctx context.Context, evt event.Event) {
	if nilcheck.Interface(evt) {
		return
	}

	dispatcher.mu.RLock()
	handlers := dispatcher.handlers[evt.EventType()]
	dispatcher.mu.RUnlock()

	for _, handler := range handlers {
		dispatcher.invoke(ctx, evt, handler)
	}
}

func (dispatcher *LocalDispatcher) invoke(ctx context.Context, evt event.Event, handler LocalHandler) {
	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "local_dispatcher", evt.EventType())

	handler(ctx, evt)
}
