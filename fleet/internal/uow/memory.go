package uow

import (
	"context"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/repos"
)

// MemoryUnitOfWork runs scopes against a repos.MemoryStore, one at a time.
type MemoryUnitOfWork struct {
	store *repos.MemoryStore
	opts  []domain.CartOption
}

var _ UnitOfWork = (*MemoryUnitOfWork)(nil)

func NewMemoryUnitOfWork(store *repos.MemoryStore, opts ...domain.CartOption) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{store: store, opts: opts}
}

func (u *MemoryUnitOfWork) Store() *repos.MemoryStore { return u.store }

func (u *MemoryUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, s Scope) error) error {
	return u.run(ctx, false, fn)
}

func (u *MemoryUnitOfWork) ReadOnly(ctx context.Context, fn func(ctx context.Context, s Scope) error) error {
	return u.run(ctx, true, fn)
}

func (u *MemoryUnitOfWork) run(ctx context.Context, readOnly bool, fn func(ctx context.Context, s Scope) error) error {
	tx := u.store.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := fn(ctx, &memoryScope{tx: tx, opts: u.opts}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	tx.Commit()
	committed = true
	return nil
}

type memoryScope struct {
	tx    *repos.MemoryTx
	opts  []domain.CartOption
	carts domain.CartRepository
}

func (s *memoryScope) Carts() domain.CartRepository {
	if s.carts == nil {
		s.carts = s.tx.Carts(s.tx.Publisher(), s.opts...)
	}
	return s.carts
}

func (s *memoryScope) EventLogs() EventLogWriter {
	return s.tx.EventLogs()
}

func (s *memoryScope) Publisher() domain.EventPublisher {
	return s.tx.Publisher()
}
