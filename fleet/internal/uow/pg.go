package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/repos"
	"golfcart-fleet/shared/dbx"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/resiliencex"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 100 * time.Millisecond
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PgUnitOfWork runs scopes in PostgreSQL transactions. A scope aborted for a
// serialization failure or deadlock is replayed from the start.
type PgUnitOfWork struct {
	db       TxBeginner
	opts     []domain.CartOption
	log      logx.Logger
	attempts int
	backoff  time.Duration
}

var _ UnitOfWork = (*PgUnitOfWork)(nil)

func NewPgUnitOfWork(db TxBeginner, log logx.Logger, opts ...domain.CartOption) *PgUnitOfWork {
	return &PgUnitOfWork{
		db:       db,
		opts:     opts,
		log:      log,
		attempts: defaultRetryAttempts,
		backoff:  defaultRetryBackoff,
	}
}

func (u *PgUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, s Scope) error) error {
	return u.retry(ctx, pgx.TxOptions{}, fn)
}

func (u *PgUnitOfWork) ReadOnly(ctx context.Context, fn func(ctx context.Context, s Scope) error) error {
	return u.retry(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (u *PgUnitOfWork) retry(ctx context.Context, txOpts pgx.TxOptions, fn func(ctx context.Context, s Scope) error) error {
	attempt := 0
	return resiliencex.RetryLinear(ctx, u.attempts, u.backoff, dbx.IsRetryable, func(ctx context.Context) error {
		attempt++
		err := u.run(ctx, txOpts, fn)
		if err != nil && dbx.IsRetryable(err) && attempt < u.attempts {
			u.log.Warn(ctx, "uow_retry", "transaction aborted, retrying",
				logx.Err(err),
				slog.Int("attempt", attempt),
			)
		}
		return err
	})
}

func (u *PgUnitOfWork) run(ctx context.Context, txOpts pgx.TxOptions, fn func(ctx context.Context, s Scope) error) error {
	tx, err := u.db.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		// Rollback must run even when ctx is already cancelled.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			u.log.Warn(ctx, "uow_rollback_failed", "rollback failed", logx.Err(rbErr))
		}
	}()

	if err := fn(ctx, newPgScope(tx, u.opts)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

type pgScope struct {
	tx        pgx.Tx
	opts      []domain.CartOption
	publisher *repos.OutboxPublisher
	carts     *repos.CartRepo
}

func newPgScope(tx pgx.Tx, opts []domain.CartOption) *pgScope {
	return &pgScope{tx: tx, opts: opts, publisher: repos.NewOutboxPublisher(tx)}
}

func (s *pgScope) Carts() domain.CartRepository {
	if s.carts == nil {
		s.carts = repos.NewCartRepo(s.tx, s.publisher, s.opts...)
	}
	return s.carts
}

func (s *pgScope) EventLogs() EventLogWriter {
	return repos.NewEventLogRepo(s.tx)
}

func (s *pgScope) Publisher() domain.EventPublisher {
	return s.publisher
}
