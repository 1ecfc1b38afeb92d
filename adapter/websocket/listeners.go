package websocket

import (
	"log/slog"
	"sync"
)

// Handler receives the payload of one emitted event
type Handler func(data any)

// ListenerID identifies a single registration for Off
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Handler
}

// registry maps events to handlers in registration order
type registry struct {
	mu       sync.RWMutex
	nextID   ListenerID
	handlers map[Event][]listener
	logger   *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		handlers: make(map[Event][]listener),
		logger:   logger,
	}
}

func (r *registry) on(event Event, fn Handler) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[event] = append(r.handlers[event], listener{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *registry) off(event Event, id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	for i, l := range list {
		if l.id != id {
			continue
		}
		next := make([]listener, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, event)
		} else {
			r.handlers[event] = next
		}
		return true
	}
	return false
}

// emit calls a snapshot of the handlers so callbacks may register or
// unregister during dispatch
func (r *registry) emit(event Event, data any) {
	r.mu.RLock()
	snapshot := r.handlers[event]
	r.mu.RUnlock()

	for _, l := range snapshot {
		r.call(event, l, data)
	}
}

func (r *registry) call(event Event, l listener, data any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Event listener panicked",
				"function", "emit",
				"event", event,
				"listener_id", l.id,
				"panic", rec)
		}
	}()
	l.fn(data)
}

func (r *registry) count(event Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}
