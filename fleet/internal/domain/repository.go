package domain

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows GetAll. A nil Status returns every cart.
type ListFilter struct {
	Skip   int
	Limit  int
	Status *CartStatus
}

const DefaultListLimit = 100

// CartRepository persists carts. Lookups that find nothing return (nil, nil).
type CartRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Cart, error)
	// GetByIDForUpdate loads the cart and holds it against concurrent writers until the
	// enclosing unit of work ends.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Cart, error)
	GetByCartNumber(ctx context.Context, number CartNumber) (*Cart, error)
	GetAll(ctx context.Context, filter ListFilter) ([]*Cart, error)
	GetByStatus(ctx context.Context, status CartStatus) ([]*Cart, error)
	GetRunningCarts(ctx context.Context) ([]*Cart, error)
	GetCartsNeedingMaintenance(ctx context.Context) ([]*Cart, error)
	// Save upserts the cart and publishes its drained events in the same transaction.
	Save(ctx context.Context, cart *Cart) error
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	CartNumberExists(ctx context.Context, number CartNumber) (bool, error)
	Count(ctx context.Context, status *CartStatus) (int, error)
}

// EventPublisher appends events to the outgoing log. Order of the arguments is kept.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, events ...Event) error

func (f EventPublisherFunc) Publish(ctx context.Context, events ...Event) error {
	return f(ctx, events...)
}
