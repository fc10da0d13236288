package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/models"
	"golfcart-fleet/shared/dbx"
)

const cartColumns = `cart_id, cart_number, position_lat, position_lng, velocity, battery_level, status,
	last_maintenance, trip_started_at, last_position_update, created_at, updated_at`

// CartRepo stores carts in golf_carts. Save hands the drained events of the aggregate to
// the publisher, which inside a unit of work writes them to the outbox of the same
// transaction.
type CartRepo struct {
	db        DBTX
	publisher domain.EventPublisher
	opts      []domain.CartOption
	now       func() time.Time
}

var _ domain.CartRepository = (*CartRepo)(nil)

func NewCartRepo(db DBTX, publisher domain.EventPublisher, opts ...domain.CartOption) *CartRepo {
	return &CartRepo{
		db:        db,
		publisher: publisher,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow replaces the clock used for the maintenance cutoff.
func (r *CartRepo) WithNow(now func() time.Time) *CartRepo {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *CartRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Cart, error) {
	return r.getOne(ctx, `SELECT `+cartColumns+` FROM golf_carts WHERE cart_id = $1`, id)
}

func (r *CartRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Cart, error) {
	return r.getOne(ctx, `SELECT `+cartColumns+` FROM golf_carts WHERE cart_id = $1 FOR UPDATE`, id)
}

func (r *CartRepo) GetByCartNumber(ctx context.Context, number domain.CartNumber) (*domain.Cart, error) {
	return r.getOne(ctx, `SELECT `+cartColumns+` FROM golf_carts WHERE cart_number = $1`, number.String())
}

func (r *CartRepo) GetAll(ctx context.Context, filter domain.ListFilter) ([]*domain.Cart, error) {
	skip, limit := normalizePage(filter.Skip, filter.Limit)
	if filter.Status != nil {
		return r.getMany(ctx, `
			SELECT `+cartColumns+`
			FROM golf_carts
			WHERE status = $1
			ORDER BY created_at ASC, cart_id ASC
			OFFSET $2 LIMIT $3
		`, string(*filter.Status), skip, limit)
	}
	return r.getMany(ctx, `
		SELECT `+cartColumns+`
		FROM golf_carts
		ORDER BY created_at ASC, cart_id ASC
		OFFSET $1 LIMIT $2
	`, skip, limit)
}

func (r *CartRepo) GetByStatus(ctx context.Context, status domain.CartStatus) ([]*domain.Cart, error) {
	return r.getMany(ctx, `
		SELECT `+cartColumns+`
		FROM golf_carts
		WHERE status = $1
		ORDER BY created_at ASC, cart_id ASC
	`, string(status))
}

func (r *CartRepo) GetRunningCarts(ctx context.Context) ([]*domain.Cart, error) {
	return r.GetByStatus(ctx, domain.StatusRunning)
}

// GetCartsNeedingMaintenance returns carts in maintenance, low on battery, or overdue for
// service. A cart never maintained counts as overdue.
func (r *CartRepo) GetCartsNeedingMaintenance(ctx context.Context) ([]*domain.Cart, error) {
	cutoff := r.now().Add(-domain.MaintenanceInterval)
	return r.getMany(ctx, `
		SELECT `+cartColumns+`
		FROM golf_carts
		WHERE status = $1
			OR battery_level < $2
			OR last_maintenance IS NULL
			OR last_maintenance <= $3
		ORDER BY created_at ASC, cart_id ASC
	`, string(domain.StatusFixing), domain.BatteryLowThreshold, cutoff)
}

func (r *CartRepo) Save(ctx context.Context, cart *domain.Cart) error {
	row := cartToRow(cart)
	_, err := r.db.Exec(ctx, `
		INSERT INTO golf_carts (`+cartColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (cart_id) DO UPDATE SET
			cart_number = EXCLUDED.cart_number,
			position_lat = EXCLUDED.position_lat,
			position_lng = EXCLUDED.position_lng,
			velocity = EXCLUDED.velocity,
			battery_level = EXCLUDED.battery_level,
			status = EXCLUDED.status,
			last_maintenance = EXCLUDED.last_maintenance,
			trip_started_at = EXCLUDED.trip_started_at,
			last_position_update = EXCLUDED.last_position_update,
			updated_at = EXCLUDED.updated_at
	`, row.CartID, row.CartNumber, row.PositionLat, row.PositionLng, row.Velocity, row.BatteryLevel, row.Status,
		row.LastMaintenance, row.TripStartedAt, row.LastPositionUpdate, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return domain.BusinessRule("Cart with number %s already exists.", row.CartNumber)
		}
		return fmt.Errorf("save cart %s: %w", row.CartID, err)
	}
	return publishPending(ctx, r.publisher, cart)
}

func (r *CartRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM golf_carts WHERE cart_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete cart %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *CartRepo) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM golf_carts WHERE cart_id = $1)`, id).Scan(&exists)
	return exists, err
}

func (r *CartRepo) CartNumberExists(ctx context.Context, number domain.CartNumber) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM golf_carts WHERE cart_number = $1)`, number.String()).Scan(&exists)
	return exists, err
}

func (r *CartRepo) Count(ctx context.Context, status *domain.CartStatus) (int, error) {
	var n int
	var err error
	if status != nil {
		err = r.db.QueryRow(ctx, `SELECT count(*) FROM golf_carts WHERE status = $1`, string(*status)).Scan(&n)
	} else {
		err = r.db.QueryRow(ctx, `SELECT count(*) FROM golf_carts`).Scan(&n)
	}
	return n, err
}

func (r *CartRepo) getOne(ctx context.Context, query string, args ...any) (*domain.Cart, error) {
	row, err := scanCart(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cartFromRow(row, r.opts...)
}

func (r *CartRepo) getMany(ctx context.Context, query string, args ...any) ([]*domain.Cart, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Cart
	for rows.Next() {
		row, err := scanCart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cartsFromRows(out, r.opts)
}

func scanCart(row pgx.Row) (models.Cart, error) {
	var c models.Cart
	err := row.Scan(
		&c.CartID, &c.CartNumber, &c.PositionLat, &c.PositionLng, &c.Velocity, &c.BatteryLevel, &c.Status,
		&c.LastMaintenance, &c.TripStartedAt, &c.LastPositionUpdate, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// publishPending drains the cart and publishes in append order. A nil publisher drops
// the events, which only read paths rely on.
func publishPending(ctx context.Context, publisher domain.EventPublisher, cart *domain.Cart) error {
	events := cart.PullEvents()
	if publisher == nil || len(events) == 0 {
		return nil
	}
	if err := publisher.Publish(ctx, events...); err != nil {
		return fmt.Errorf("publish events of cart %s: %w", cart.ID(), err)
	}
	return nil
}

func normalizePage(skip int, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	return skip, limit
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
