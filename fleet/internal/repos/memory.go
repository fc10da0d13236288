package repos

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/models"
)

// MemoryStore keeps carts, outbox rows and event logs in process. Transactions are
// serialized: Begin blocks until the previous transaction commits or rolls back, and
// a rollback discards every write of the transaction.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data memoryData
	now  func() time.Time
}

type memoryData struct {
	carts  map[uuid.UUID]models.Cart
	outbox []models.OutboxEvent
	logs   []models.EventLog
	seq    int64
	logSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: memoryData{carts: map[uuid.UUID]models.Cart{}},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for timestamps and the maintenance cutoff.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		carts:  make(map[uuid.UUID]models.Cart, len(d.carts)),
		outbox: append([]models.OutboxEvent(nil), d.outbox...),
		logs:   append([]models.EventLog(nil), d.logs...),
		seq:    d.seq,
		logSeq: d.logSeq,
	}
	for k, v := range d.carts {
		out.carts[k] = v
	}
	return out
}

// MemoryTx is a transaction over a private copy of the store.
type MemoryTx struct {
	store *MemoryStore
	data  memoryData
	done  bool
}

func (s *MemoryStore) Begin() *MemoryTx {
	s.txMu.Lock()
	s.mu.Lock()
	data := s.data.clone()
	s.mu.Unlock()
	return &MemoryTx{store: s, data: data}
}

func (tx *MemoryTx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	tx.store.mu.Lock()
	tx.store.data = tx.data
	tx.store.mu.Unlock()
	tx.store.txMu.Unlock()
}

func (tx *MemoryTx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.store.txMu.Unlock()
}

func (tx *MemoryTx) clock() time.Time {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	return tx.store.now()
}

// Carts returns a cart repository bound to the transaction.
func (tx *MemoryTx) Carts(publisher domain.EventPublisher, opts ...domain.CartOption) domain.CartRepository {
	return &memoryCartRepo{tx: tx, publisher: publisher, opts: opts}
}

// Publisher writes published events to the transaction's outbox.
func (tx *MemoryTx) Publisher() domain.EventPublisher {
	return domain.EventPublisherFunc(func(_ context.Context, evs ...domain.Event) error {
		for _, ev := range evs {
			row, err := OutboxEventFromDomain(ev)
			if err != nil {
				return err
			}
			tx.data.seq++
			now := tx.clock()
			row.Seq = tx.data.seq
			row.CreatedAt = now
			row.UpdatedAt = now
			tx.data.outbox = append(tx.data.outbox, row)
		}
		return nil
	})
}

func (tx *MemoryTx) EventLogs() *MemoryEventLogs {
	return &MemoryEventLogs{tx: tx}
}

type MemoryEventLogs struct {
	tx *MemoryTx
}

func (l *MemoryEventLogs) Append(_ context.Context, log models.EventLog) (bool, error) {
	for _, existing := range l.tx.data.logs {
		if existing.EventID == log.EventID {
			return false, nil
		}
	}
	l.tx.data.logSeq++
	log.ID = l.tx.data.logSeq
	if log.CreatedAt.IsZero() {
		log.CreatedAt = l.tx.clock()
	}
	l.tx.data.logs = append(l.tx.data.logs, log)
	return true, nil
}

type memoryCartRepo struct {
	tx        *MemoryTx
	publisher domain.EventPublisher
	opts      []domain.CartOption
}

func (r *memoryCartRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Cart, error) {
	row, ok := r.tx.data.carts[id]
	if !ok {
		return nil, nil
	}
	return cartFromRow(row, r.opts...)
}

func (r *memoryCartRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Cart, error) {
	return r.GetByID(ctx, id)
}

func (r *memoryCartRepo) GetByCartNumber(_ context.Context, number domain.CartNumber) (*domain.Cart, error) {
	for _, row := range r.tx.data.carts {
		if row.CartNumber == number.String() {
			return cartFromRow(row, r.opts...)
		}
	}
	return nil, nil
}

func (r *memoryCartRepo) GetAll(_ context.Context, filter domain.ListFilter) ([]*domain.Cart, error) {
	skip, limit := normalizePage(filter.Skip, filter.Limit)
	rows := r.sorted(func(c models.Cart) bool {
		return filter.Status == nil || c.Status == string(*filter.Status)
	})
	if skip >= len(rows) {
		return []*domain.Cart{}, nil
	}
	rows = rows[skip:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return cartsFromRows(rows, r.opts)
}

func (r *memoryCartRepo) GetByStatus(_ context.Context, status domain.CartStatus) ([]*domain.Cart, error) {
	return cartsFromRows(r.sorted(func(c models.Cart) bool { return c.Status == string(status) }), r.opts)
}

func (r *memoryCartRepo) GetRunningCarts(ctx context.Context) ([]*domain.Cart, error) {
	return r.GetByStatus(ctx, domain.StatusRunning)
}

func (r *memoryCartRepo) GetCartsNeedingMaintenance(_ context.Context) ([]*domain.Cart, error) {
	cutoff := r.tx.clock().Add(-domain.MaintenanceInterval)
	return cartsFromRows(r.sorted(func(c models.Cart) bool {
		return c.Status == string(domain.StatusFixing) ||
			c.BatteryLevel < domain.BatteryLowThreshold ||
			c.LastMaintenance == nil ||
			!c.LastMaintenance.After(cutoff)
	}), r.opts)
}

func (r *memoryCartRepo) Save(ctx context.Context, cart *domain.Cart) error {
	row := cartToRow(cart)
	for id, other := range r.tx.data.carts {
		if id != row.CartID && other.CartNumber == row.CartNumber {
			return domain.BusinessRule("Cart with number %s already exists.", row.CartNumber)
		}
	}
	if existing, ok := r.tx.data.carts[row.CartID]; ok {
		row.CreatedAt = existing.CreatedAt
	}
	r.tx.data.carts[row.CartID] = row
	return publishPending(ctx, r.publisher, cart)
}

func (r *memoryCartRepo) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	if _, ok := r.tx.data.carts[id]; !ok {
		return false, nil
	}
	delete(r.tx.data.carts, id)
	return true, nil
}

func (r *memoryCartRepo) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := r.tx.data.carts[id]
	return ok, nil
}

func (r *memoryCartRepo) CartNumberExists(_ context.Context, number domain.CartNumber) (bool, error) {
	for _, row := range r.tx.data.carts {
		if row.CartNumber == number.String() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryCartRepo) Count(_ context.Context, status *domain.CartStatus) (int, error) {
	return len(r.sorted(func(c models.Cart) bool {
		return status == nil || c.Status == string(*status)
	})), nil
}

func (r *memoryCartRepo) sorted(keep func(models.Cart) bool) []models.Cart {
	out := make([]models.Cart, 0, len(r.tx.data.carts))
	for _, row := range r.tx.data.carts {
		if keep(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CartID.String() < out[j].CartID.String()
	})
	return out
}

// The methods below give the relay the same outbox contract as OutboxRepo.

func (s *MemoryStore) ClaimPending(_ context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	defer s.exclusive()()
	now := s.now()

	blocked := map[uuid.UUID]bool{}
	var out []models.OutboxEvent
	for i := range s.data.outbox {
		row := &s.data.outbox[i]
		waiting := row.Status == OutboxStatusPending && row.NextRetryAt != nil && row.NextRetryAt.After(now)
		if row.Status == OutboxStatusSending || row.Status == OutboxStatusDead || waiting {
			blocked[row.AggregateID] = true
			continue
		}
		if row.Status != OutboxStatusPending || blocked[row.AggregateID] || len(out) >= limit {
			continue
		}
		row.Status = OutboxStatusSending
		row.LockedAt = &now
		lockedBy := owner
		row.LockedBy = &lockedBy
		row.UpdatedAt = now
		out = append(out, *row)
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, eventID uuid.UUID) error {
	return s.updateOutbox(eventID, func(row *models.OutboxEvent, now time.Time) {
		row.Status = OutboxStatusDelivered
		row.PublishedAt = &now
		row.LockedAt, row.LockedBy = nil, nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	return s.updateOutbox(eventID, func(row *models.OutboxEvent, _ time.Time) {
		row.Status = OutboxStatusPending
		row.NextRetryAt = nextRetryAt
		if dead {
			row.Status = OutboxStatusDead
			row.NextRetryAt = nil
		}
		row.Attempts = attempts
		row.LastError = &lastErr
		row.LockedAt, row.LockedBy = nil, nil
	})
}

func (s *MemoryStore) Release(_ context.Context, eventID uuid.UUID) error {
	return s.updateOutbox(eventID, func(row *models.OutboxEvent, _ time.Time) {
		if row.Status == OutboxStatusSending {
			row.Status = OutboxStatusPending
			row.LockedAt, row.LockedBy = nil, nil
		}
	})
}

func (s *MemoryStore) RequeueStale(_ context.Context, cutoff time.Time) (int64, error) {
	defer s.exclusive()()
	var n int64
	for i := range s.data.outbox {
		row := &s.data.outbox[i]
		if row.Status == OutboxStatusSending && row.LockedAt != nil && row.LockedAt.Before(cutoff) {
			row.Status = OutboxStatusPending
			row.LockedAt, row.LockedBy = nil, nil
			row.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RequeueDead(_ context.Context, cutoff time.Time) (int64, error) {
	defer s.exclusive()()
	var n int64
	for i := range s.data.outbox {
		row := &s.data.outbox[i]
		if row.Status == OutboxStatusDead && row.UpdatedAt.Before(cutoff) {
			row.Status = OutboxStatusPending
			row.Attempts = 0
			row.NextRetryAt = nil
			row.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) updateOutbox(eventID uuid.UUID, apply func(*models.OutboxEvent, time.Time)) error {
	defer s.exclusive()()
	for i := range s.data.outbox {
		if s.data.outbox[i].EventID == eventID {
			now := s.now()
			apply(&s.data.outbox[i], now)
			s.data.outbox[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

// exclusive waits for any open transaction so direct writes are not lost on its commit.
func (s *MemoryStore) exclusive() func() {
	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}
}

// OutboxEvents returns a copy of every outbox row in insertion order.
func (s *MemoryStore) OutboxEvents() []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OutboxEvent(nil), s.data.outbox...)
}

func (s *MemoryStore) EventLogs() []models.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EventLog(nil), s.data.logs...)
}
