// Package events republishes client notifications onto a watermill
// publisher so other processes can react to them.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	marketplace "github.com/bjoelf/marketplace-session/adapter"
	"github.com/bjoelf/marketplace-session/adapter/websocket"
)

// TopicSessionEnded is the topic suffix used for session-ended notifications
const TopicSessionEnded = "session-ended"

// EventSource is the listener side of the event stream client
type EventSource interface {
	On(event websocket.Event, fn websocket.Handler) websocket.ListenerID
	Off(event websocket.Event, id websocket.ListenerID) bool
}

// SessionSource is the listener side of the session manager
type SessionSource interface {
	OnSessionEnded(fn func(marketplace.SessionEnded)) marketplace.ListenerID
	OffSessionEnded(id marketplace.ListenerID) bool
}

// SessionEndedEvent is the published form of marketplace.SessionEnded
type SessionEndedEvent struct {
	Reason string    `json:"reason"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// ErrorEvent is the published form of an error notification
type ErrorEvent struct {
	Error string `json:"error"`
}

// Forwarder publishes every notification it is attached to as a JSON
// message on topic "<prefix>.<event>"
type Forwarder struct {
	publisher message.Publisher
	prefix    string
	logger    *slog.Logger

	mu     sync.Mutex
	detach []func()
}

// NewForwarder creates a forwarder. An empty prefix publishes on bare event names.
func NewForwarder(publisher message.Publisher, prefix string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger,
	}
}

// Topic returns the topic an event is published on
func (f *Forwarder) Topic(event string) string {
	if f.prefix == "" {
		return event
	}
	return f.prefix + "." + event
}

// AttachEvents forwards the given events of src, or all of them when none
// are named
func (f *Forwarder) AttachEvents(src EventSource, events ...websocket.Event) {
	if len(events) == 0 {
		events = websocket.AllEvents
	}
	for _, event := range events {
		event := event
		id := src.On(event, func(data any) {
			if err := f.Publish(string(event), data); err != nil {
				f.logger.Error("Failed to forward event",
					"function", "AttachEvents",
					"event", event,
					"error", err)
			}
		})
		f.addDetach(func() { src.Off(event, id) })
	}
}

// AttachSession forwards session-ended notifications of src
func (f *Forwarder) AttachSession(src SessionSource) {
	id := src.OnSessionEnded(func(ended marketplace.SessionEnded) {
		event := SessionEndedEvent{Reason: string(ended.Reason), At: ended.At}
		if ended.Err != nil {
			event.Error = ended.Err.Error()
		}
		if err := f.Publish(TopicSessionEnded, event); err != nil {
			f.logger.Error("Failed to forward session end",
				"function", "AttachSession",
				"reason", ended.Reason,
				"error", err)
		}
	})
	f.addDetach(func() { src.OffSessionEnded(id) })
}

// Publish marshals payload and publishes it under event's topic
func (f *Forwarder) Publish(event string, payload any) error {
	if err, ok := payload.(error); ok {
		payload = ErrorEvent{Error: err.Error()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("event", event)

	topic := f.Topic(event)
	if err := f.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	f.logger.Debug("Event forwarded",
		"function", "Publish",
		"topic", topic,
		"message_uuid", msg.UUID)
	return nil
}

// Close detaches every listener. The publisher is owned by the caller.
func (f *Forwarder) Close() {
	f.mu.Lock()
	detach := f.detach
	f.detach = nil
	f.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
}

func (f *Forwarder) addDetach(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detach = append(f.detach, fn)
}
