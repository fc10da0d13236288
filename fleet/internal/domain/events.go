package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"golfcart-fleet/shared/events"
)

type EventName string

const (
	EventCartRegistered      EventName = "CartRegistered"
	EventCartStarted         EventName = "CartStarted"
	EventCartStopped         EventName = "CartStopped"
	EventPositionUpdated     EventName = "PositionUpdated"
	EventBatteryLow          EventName = "BatteryLow"
	EventBatteryCritical     EventName = "BatteryCritical"
	EventCartStatusChanged   EventName = "CartStatusChanged"
	EventMaintenanceRequired EventName = "MaintenanceRequired"
)

// Payload is the event-specific part of an Event. The concrete type fixes the event name.
type Payload interface {
	EventName() EventName
}

type CartRegistered struct {
	CartNumber string `json:"cart_number"`
}

type CartStarted struct {
	Position Position `json:"position"`
}

// CartStopped carries a nil TripDurationSeconds when the trip start was never recorded.
type CartStopped struct {
	Position            Position `json:"position"`
	TripDurationSeconds *int64   `json:"trip_duration_seconds"`
}

type PositionUpdated struct {
	OldPosition    Position `json:"old_position"`
	NewPosition    Position `json:"new_position"`
	Velocity       float64  `json:"velocity"`
	DistanceMeters float64  `json:"distance_meters"`
}

type BatteryLow struct {
	BatteryLevel float64 `json:"battery_level"`
}

type BatteryCritical struct {
	BatteryLevel float64 `json:"battery_level"`
}

type CartStatusChanged struct {
	OldStatus CartStatus `json:"old_status"`
	NewStatus CartStatus `json:"new_status"`
}

type MaintenanceRequired struct {
	Reason string `json:"reason"`
}

// UnknownPayload keeps the raw payload of an event name this build does not know.
type UnknownPayload struct {
	Name EventName
	Raw  json.RawMessage
}

func (CartRegistered) EventName() EventName      { return EventCartRegistered }
func (CartStarted) EventName() EventName         { return EventCartStarted }
func (CartStopped) EventName() EventName         { return EventCartStopped }
func (PositionUpdated) EventName() EventName     { return EventPositionUpdated }
func (BatteryLow) EventName() EventName          { return EventBatteryLow }
func (BatteryCritical) EventName() EventName     { return EventBatteryCritical }
func (CartStatusChanged) EventName() EventName   { return EventCartStatusChanged }
func (MaintenanceRequired) EventName() EventName { return EventMaintenanceRequired }
func (p UnknownPayload) EventName() EventName    { return p.Name }

func (p UnknownPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("{}"), nil
	}
	return p.Raw, nil
}

// Event is an immutable record of a cart state change.
type Event struct {
	EventID     uuid.UUID
	AggregateID uuid.UUID
	OccurredAt  time.Time
	Payload     Payload
}

func NewEvent(aggregateID uuid.UUID, occurredAt time.Time, payload Payload) Event {
	return Event{
		EventID:     uuid.New(),
		AggregateID: aggregateID,
		OccurredAt:  occurredAt.UTC(),
		Payload:     payload,
	}
}

func (e Event) Name() EventName {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventName()
}

// Envelope renders the event in its wire form.
func (e Event) Envelope() (events.Envelope, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return events.Envelope{}, err
	}
	return events.Envelope{
		EventID:     e.EventID,
		EventName:   string(e.Name()),
		AggregateID: e.AggregateID,
		OccurredAt:  e.OccurredAt,
		Payload:     raw,
	}, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	env, err := e.Envelope()
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	ev, err := EventFromEnvelope(env)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// PayloadMap returns the payload as a generic map, for logs and audit rows.
func (e Event) PayloadMap() map[string]any {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func EventFromEnvelope(env events.Envelope) (Event, error) {
	if env.EventID == uuid.Nil {
		return Event{}, fmt.Errorf("decode event: missing event_id")
	}
	if env.EventName == "" {
		return Event{}, fmt.Errorf("decode event %s: missing event_name", env.EventID)
	}
	payload, err := decodePayload(EventName(env.EventName), env.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("decode event %s (%s): %w", env.EventID, env.EventName, err)
	}
	return Event{
		EventID:     env.EventID,
		AggregateID: env.AggregateID,
		OccurredAt:  env.OccurredAt.UTC(),
		Payload:     payload,
	}, nil
}

func decodePayload(name EventName, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch name {
	case EventCartRegistered:
		var p CartRegistered
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventCartStarted:
		var p CartStarted
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventCartStopped:
		var p CartStopped
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventPositionUpdated:
		var p PositionUpdated
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventBatteryLow:
		var p BatteryLow
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventBatteryCritical:
		var p BatteryCritical
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventCartStatusChanged:
		var p CartStatusChanged
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventMaintenanceRequired:
		var p MaintenanceRequired
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return UnknownPayload{Name: name, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}
