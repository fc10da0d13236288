package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of a domain event, one per stream entry, outbox row or Kafka message.
type Envelope struct {
	EventID     uuid.UUID       `json:"event_id"`
	EventName   string          `json:"event_name"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Telemetry is a position report published by on-cart hardware.
type Telemetry struct {
	CartID     uuid.UUID `json:"cart_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Velocity   float64   `json:"velocity"`
	ReportedAt time.Time `json:"reported_at,omitempty"`
}

const (
	StreamDomainEvents = "domain_events"
	GroupEventHandlers = "event_handlers"

	// Stream entry fields.
	FieldEventName = "event_name"
	FieldEventJSON = "event_json"

	TopicCartEvents    = "fleet.cart.events"
	TopicCartTelemetry = "fleet.cart.telemetry"

	AggregateTypeGolfCart = "golf_cart"
)
