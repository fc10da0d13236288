package models

import (
	"time"

	"github.com/google/uuid"
)

// Cart is one row of golf_carts.
type Cart struct {
	CartID             uuid.UUID
	CartNumber         string
	PositionLat        float64
	PositionLng        float64
	Velocity           float64
	BatteryLevel       float64
	Status             string
	LastMaintenance    *time.Time
	TripStartedAt      *time.Time
	LastPositionUpdate *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OutboxEvent is a domain event waiting to be relayed to the event stream. Payload holds
// the full wire envelope.
type OutboxEvent struct {
	Seq           int64
	EventID       uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventName     string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

// EventLog is the audit record of a dispatched event.
type EventLog struct {
	ID          int64
	EventID     uuid.UUID
	EventName   string
	AggregateID uuid.UUID
	OccurredAt  time.Time
	Payload     []byte
	CreatedAt   time.Time
}
