package app

import (
	"time"

	"github.com/google/uuid"

	"golfcart-fleet/fleet/internal/domain"
)

type PositionDTO struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CartDTO is the serializable view of a cart returned by every command and query.
type CartDTO struct {
	ID                   uuid.UUID   `json:"id"`
	CartNumber           string      `json:"cart_number"`
	Position             PositionDTO `json:"position"`
	Velocity             float64     `json:"velocity"`
	BatteryLevel         float64     `json:"battery_level"`
	Status               string      `json:"status"`
	LastMaintenance      *time.Time  `json:"last_maintenance"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
	CanAcceptReservation bool        `json:"can_accept_reservation"`
	EstimatedRangeKM     float64     `json:"estimated_range_km"`
}

type CartList struct {
	Total int       `json:"total"`
	Carts []CartDTO `json:"carts"`
}

// FleetSummary counts carts per status at one point in time.
type FleetSummary struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	NeedingMaintenance int            `json:"needing_maintenance"`
	TakenAt            time.Time      `json:"taken_at"`
}

func toDTO(c *domain.Cart) CartDTO {
	return CartDTO{
		ID:                   c.ID(),
		CartNumber:           c.Number().String(),
		Position:             PositionDTO{Lat: c.Position().Latitude(), Lng: c.Position().Longitude()},
		Velocity:             c.Velocity().Speed(),
		BatteryLevel:         c.Battery().Level(),
		Status:               string(c.Status()),
		LastMaintenance:      c.LastMaintenance(),
		CreatedAt:            c.CreatedAt(),
		UpdatedAt:            c.UpdatedAt(),
		CanAcceptReservation: c.CanAcceptReservation(),
		EstimatedRangeKM:     c.EstimateRange(),
	}
}

func toDTOs(carts []*domain.Cart) []CartDTO {
	out := make([]CartDTO, 0, len(carts))
	for _, c := range carts {
		out = append(out, toDTO(c))
	}
	return out
}
