package orchestrator

import (
	"github.com/lumenic/factsheet/internal/model"
)

// EventType is the stable name of a published event.
type EventType string

const (
	EventUpdate          EventType = "update"
	EventConflict        EventType = "conflict"
	EventObserveComplete EventType = "observe_complete"
)

// Event is the payload delivered to a subscribed EventHandler. Only the
// fields relevant to Type are populated.
type Event struct {
	Type    EventType
	Subject string

	// EventUpdate
	Updated []string
	Profile model.Profile

	// EventConflict
	Rejected []model.Rejection

	// EventObserveComplete
	RequestID string
	Result    *ObserveResult
	Err       error
}

// EventHandler receives published events. Handlers run synchronously, in
// registration order, on the goroutine that triggered the event (the
// caller's goroutine for a sync call, the background dispatch goroutine for
// an async observe's observe_complete). A panicking or slow handler must
// not be allowed to break the pipeline — see emit below.
type EventHandler func(Event)

// Subscribe registers handler and returns a function that removes it.
func (o *Orchestrator) Subscribe(handler EventHandler) (unsubscribe func()) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()

	o.listeners = append(o.listeners, handler)
	idx := len(o.listeners) - 1

	return func() {
		o.listenersMu.Lock()
		defer o.listenersMu.Unlock()
		if idx < len(o.listeners) {
			o.listeners[idx] = nil
		}
	}
}

// emit runs every registered handler, in registration order, swallowing and
// logging any panic so one misbehaving handler can't take down the request
// that triggered it (spec.md §4.4: "exceptions inside handlers are caught
// and logged and do not propagate").
func (o *Orchestrator) emit(ev Event) {
	o.listenersMu.Lock()
	handlers := make([]EventHandler, len(o.listeners))
	copy(handlers, o.listeners)
	o.listenersMu.Unlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		o.runHandler(h, ev)
	}
}

func (o *Orchestrator) runHandler(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("event handler panicked", "event_type", ev.Type, "subject", ev.Subject, "panic", r)
		}
	}()
	h(ev)
}
