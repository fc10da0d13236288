package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/uow"
	"golfcart-fleet/shared/logx"
)

// RegisterCart describes a new cart. Zero values mean position (0, 0), a full battery,
// IDLE and never maintained.
type RegisterCart struct {
	CartNumber      string
	Lat             float64
	Lng             float64
	BatteryLevel    *float64
	Status          string
	LastMaintenance *time.Time
}

// CartService runs cart commands and queries. Each call is one unit of work: the cart
// row and the events it raised commit together or not at all.
type CartService struct {
	uow  uow.UnitOfWork
	log  logx.Logger
	opts []domain.CartOption
	now  func() time.Time
}

// NewCartService takes the cart options (clock, consumption policy) applied to carts it
// creates. The unit of work should be built with the same options for loaded carts.
func NewCartService(u uow.UnitOfWork, log logx.Logger, opts ...domain.CartOption) *CartService {
	return &CartService{
		uow:  u,
		log:  log,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *CartService) Register(ctx context.Context, cmd RegisterCart) (CartDTO, error) {
	number, err := domain.NewCartNumber(cmd.CartNumber)
	if err != nil {
		return CartDTO{}, err
	}
	position, err := domain.NewPosition(cmd.Lat, cmd.Lng)
	if err != nil {
		return CartDTO{}, err
	}
	battery := domain.FullBattery()
	if cmd.BatteryLevel != nil {
		if battery, err = domain.NewBattery(*cmd.BatteryLevel); err != nil {
			return CartDTO{}, err
		}
	}
	status := domain.StatusIdle
	if cmd.Status != "" {
		if status, err = domain.ParseCartStatus(cmd.Status); err != nil {
			return CartDTO{}, err
		}
	}

	opts := append([]domain.CartOption{}, s.opts...)
	opts = append(opts, domain.WithPosition(position), domain.WithBattery(battery), domain.WithStatus(status))
	if cmd.LastMaintenance != nil {
		opts = append(opts, domain.WithLastMaintenance(*cmd.LastMaintenance))
	}

	var out CartDTO
	err = s.uow.Do(ctx, func(ctx context.Context, sc uow.Scope) error {
		exists, err := sc.Carts().CartNumberExists(ctx, number)
		if err != nil {
			return err
		}
		if exists {
			return domain.BusinessRule("Cart with number %s already exists.", number)
		}
		cart := domain.NewCart(number, opts...)
		if err := sc.Carts().Save(ctx, cart); err != nil {
			return err
		}
		out = toDTO(cart)
		return nil
	})
	if err != nil {
		return CartDTO{}, wrap("register cart", err)
	}
	s.log.Info(ctx, "cart_registered", "cart registered",
		slog.String("cart_id", out.ID.String()),
		slog.String("cart_number", out.CartNumber),
	)
	return out, nil
}

func (s *CartService) UpdatePosition(ctx context.Context, id uuid.UUID, lat float64, lng float64, velocity float64) (CartDTO, error) {
	return s.mutate(ctx, "update cart position", id, func(c *domain.Cart) error {
		return c.UpdatePosition(lat, lng, velocity)
	})
}

func (s *CartService) StartTrip(ctx context.Context, id uuid.UUID) (CartDTO, error) {
	return s.mutate(ctx, "start trip", id, (*domain.Cart).StartTrip)
}

func (s *CartService) StopTrip(ctx context.Context, id uuid.UUID) (CartDTO, error) {
	return s.mutate(ctx, "stop trip", id, (*domain.Cart).StopTrip)
}

func (s *CartService) ChargeBattery(ctx context.Context, id uuid.UUID, amount float64) (CartDTO, error) {
	return s.mutate(ctx, "charge battery", id, func(c *domain.Cart) error {
		return c.ChargeBattery(amount)
	})
}

func (s *CartService) StartMaintenance(ctx context.Context, id uuid.UUID) (CartDTO, error) {
	return s.mutate(ctx, "start maintenance", id, func(c *domain.Cart) error {
		c.StartMaintenance()
		return nil
	})
}

func (s *CartService) CompleteMaintenance(ctx context.Context, id uuid.UUID) (CartDTO, error) {
	return s.mutate(ctx, "complete maintenance", id, (*domain.Cart).CompleteMaintenance)
}

func (s *CartService) Decommission(ctx context.Context, id uuid.UUID) (CartDTO, error) {
	return s.mutate(ctx, "decommission cart", id, func(c *domain.Cart) error {
		c.Decommission()
		return nil
	})
}

// Delete removes the cart and reports whether it existed.
func (s *CartService) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.uow.Do(ctx, func(ctx context.Context, sc uow.Scope) error {
		var err error
		deleted, err = sc.Carts().Delete(ctx, id)
		return err
	})
	if err != nil {
		return false, wrap("delete cart", err)
	}
	if deleted {
		s.log.Info(ctx, "cart_deleted", "cart deleted", slog.String("cart_id", id.String()))
	}
	return deleted, nil
}

func (s *CartService) Get(ctx context.Context, id uuid.UUID) (CartDTO, error) {
	var out CartDTO
	err := s.uow.ReadOnly(ctx, func(ctx context.Context, sc uow.Scope) error {
		cart, err := sc.Carts().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cart == nil {
			return cartNotFound(id)
		}
		out = toDTO(cart)
		return nil
	})
	return out, wrap("get cart", err)
}

func (s *CartService) GetByNumber(ctx context.Context, raw string) (CartDTO, error) {
	number, err := domain.NewCartNumber(raw)
	if err != nil {
		return CartDTO{}, err
	}
	var out CartDTO
	err = s.uow.ReadOnly(ctx, func(ctx context.Context, sc uow.Scope) error {
		cart, err := sc.Carts().GetByCartNumber(ctx, number)
		if err != nil {
			return err
		}
		if cart == nil {
			return domain.NotFound("Cart with number %s not found.", number)
		}
		out = toDTO(cart)
		return nil
	})
	return out, wrap("get cart by number", err)
}

// List pages through carts. Total counts every cart matching the status filter, not
// just the page.
func (s *CartService) List(ctx context.Context, skip int, limit int, status string) (CartList, error) {
	filter := domain.ListFilter{Skip: skip, Limit: limit}
	if status != "" {
		st, err := domain.ParseCartStatus(status)
		if err != nil {
			return CartList{}, err
		}
		filter.Status = &st
	}
	var out CartList
	err := s.uow.ReadOnly(ctx, func(ctx context.Context, sc uow.Scope) error {
		carts, err := sc.Carts().GetAll(ctx, filter)
		if err != nil {
			return err
		}
		total, err := sc.Carts().Count(ctx, filter.Status)
		if err != nil {
			return err
		}
		out = CartList{Total: total, Carts: toDTOs(carts)}
		return nil
	})
	return out, wrap("list carts", err)
}

func (s *CartService) ListByStatus(ctx context.Context, status string) ([]CartDTO, error) {
	st, err := domain.ParseCartStatus(status)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, "list carts by status", func(ctx context.Context, repo domain.CartRepository) ([]*domain.Cart, error) {
		return repo.GetByStatus(ctx, st)
	})
}

func (s *CartService) ListRunning(ctx context.Context) ([]CartDTO, error) {
	return s.query(ctx, "list running carts", func(ctx context.Context, repo domain.CartRepository) ([]*domain.Cart, error) {
		return repo.GetRunningCarts(ctx)
	})
}

func (s *CartService) ListNeedingMaintenance(ctx context.Context) ([]CartDTO, error) {
	return s.query(ctx, "list carts needing maintenance", func(ctx context.Context, repo domain.CartRepository) ([]*domain.Cart, error) {
		return repo.GetCartsNeedingMaintenance(ctx)
	})
}

func (s *CartService) Count(ctx context.Context, status string) (int, error) {
	var filter *domain.CartStatus
	if status != "" {
		st, err := domain.ParseCartStatus(status)
		if err != nil {
			return 0, err
		}
		filter = &st
	}
	var n int
	err := s.uow.ReadOnly(ctx, func(ctx context.Context, sc uow.Scope) error {
		var err error
		n, err = sc.Carts().Count(ctx, filter)
		return err
	})
	return n, wrap("count carts", err)
}

// Summary counts carts per status and those needing maintenance in one read-only scope.
func (s *CartService) Summary(ctx context.Context) (FleetSummary, error) {
	out := FleetSummary{ByStatus: map[string]int{}, TakenAt: s.now()}
	err := s.uow.ReadOnly(ctx, func(ctx context.Context, sc uow.Scope) error {
		repo := sc.Carts()
		for _, st := range domain.AllCartStatuses() {
			n, err := repo.Count(ctx, &st)
			if err != nil {
				return err
			}
			out.ByStatus[string(st)] = n
			out.Total += n
		}
		needing, err := repo.GetCartsNeedingMaintenance(ctx)
		if err != nil {
			return err
		}
		out.NeedingMaintenance = len(needing)
		return nil
	})
	if err != nil {
		return FleetSummary{}, wrap("fleet summary", err)
	}
	return out, nil
}

// mutate loads the cart locked for update, applies fn and saves it with its events.
func (s *CartService) mutate(ctx context.Context, op string, id uuid.UUID, fn func(*domain.Cart) error) (CartDTO, error) {
	var out CartDTO
	err := s.uow.Do(ctx, func(ctx context.Context, sc uow.Scope) error {
		cart, err := sc.Carts().GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cart == nil {
			return cartNotFound(id)
		}
		if err := fn(cart); err != nil {
			return err
		}
		if err := sc.Carts().Save(ctx, cart); err != nil {
			return err
		}
		out = toDTO(cart)
		return nil
	})
	if err != nil {
		return CartDTO{}, wrap(op, err)
	}
	return out, nil
}

func (s *CartService) query(ctx context.Context, op string, fn func(context.Context, domain.CartRepository) ([]*domain.Cart, error)) ([]CartDTO, error) {
	var out []CartDTO
	err := s.uow.ReadOnly(ctx, func(ctx context.Context, sc uow.Scope) error {
		carts, err := fn(ctx, sc.Carts())
		if err != nil {
			return err
		}
		out = toDTOs(carts)
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

func cartNotFound(id uuid.UUID) error {
	return domain.NotFound("Cart with ID %s not found.", id)
}

// wrap adds the operation to infrastructure errors. Domain errors keep their message.
func wrap(op string, err error) error {
	if err == nil || domain.IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
