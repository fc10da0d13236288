package uow

import (
	"context"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/models"
)

// Scope is one transaction. Everything obtained from it reads and writes through that
// transaction, and events published through it are committed or discarded with it.
type Scope interface {
	Carts() domain.CartRepository
	EventLogs() EventLogWriter
	Publisher() domain.EventPublisher
}

type EventLogWriter interface {
	Append(ctx context.Context, log models.EventLog) (bool, error)
}

// UnitOfWork runs fn in a fresh scope. The scope commits when fn returns nil and rolls
// back when it returns an error or panics; a panic is re-raised after the rollback.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, s Scope) error) error
	ReadOnly(ctx context.Context, fn func(ctx context.Context, s Scope) error) error
}
