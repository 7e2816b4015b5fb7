package types

import (
	"time"
)

// EventBroker fans pipeline events (audit records, cache flushes,
// lifecycle transitions) out to subscribers. Delivery is best effort
// and never blocks request dispatch.
type EventBroker interface {
	LifecycleManager
	Publish(event string, payload interface{}) error
	Subscribe(event string, handler EventHandler) error
	Unsubscribe(event string) error
}

type EventDispatcher interface {
	EventBroker
}

type EventHandler func(msg *EventMessage) error
type EventBrokerCreator func(config interface{}) (EventBroker, error)

type EventMessage struct {
	Event     string            `json:"event"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata"`
	MessageID string            `json:"message_id"`
}
