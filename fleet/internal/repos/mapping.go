package repos

import (
	"fmt"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/models"
)

func cartToRow(c *domain.Cart) models.Cart {
	s := c.Snapshot()
	return models.Cart{
		CartID:             s.ID,
		CartNumber:         s.Number.String(),
		PositionLat:        s.Position.Latitude(),
		PositionLng:        s.Position.Longitude(),
		Velocity:           s.Velocity.Speed(),
		BatteryLevel:       s.Battery.Level(),
		Status:             string(s.Status),
		LastMaintenance:    s.LastMaintenance,
		TripStartedAt:      s.TripStartedAt,
		LastPositionUpdate: s.LastPositionUpdate,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

// cartFromRow rebuilds the aggregate. A row that fails value validation is reported as
// corrupt rather than as a domain error.
func cartFromRow(row models.Cart, opts ...domain.CartOption) (*domain.Cart, error) {
	number, err := domain.NewCartNumber(row.CartNumber)
	if err != nil {
		return nil, fmt.Errorf("cart %s: corrupt cart_number: %v", row.CartID, err)
	}
	position, err := domain.NewPosition(row.PositionLat, row.PositionLng)
	if err != nil {
		return nil, fmt.Errorf("cart %s: corrupt position: %v", row.CartID, err)
	}
	battery, err := domain.NewBattery(row.BatteryLevel)
	if err != nil {
		return nil, fmt.Errorf("cart %s: corrupt battery_level: %v", row.CartID, err)
	}
	velocity, err := domain.NewVelocity(row.Velocity)
	if err != nil {
		return nil, fmt.Errorf("cart %s: corrupt velocity: %v", row.CartID, err)
	}
	status, err := domain.ParseCartStatus(row.Status)
	if err != nil {
		return nil, fmt.Errorf("cart %s: corrupt status: %v", row.CartID, err)
	}
	return domain.RestoreCart(domain.CartState{
		ID:                 row.CartID,
		Number:             number,
		Position:           position,
		Battery:            battery,
		Velocity:           velocity,
		Status:             status,
		LastMaintenance:    utcPtr(row.LastMaintenance),
		TripStartedAt:      utcPtr(row.TripStartedAt),
		LastPositionUpdate: utcPtr(row.LastPositionUpdate),
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
	}, opts...), nil
}

func cartsFromRows(rows []models.Cart, opts []domain.CartOption) ([]*domain.Cart, error) {
	out := make([]*domain.Cart, 0, len(rows))
	for _, row := range rows {
		c, err := cartFromRow(row, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
