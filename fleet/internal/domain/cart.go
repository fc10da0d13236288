package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	MinBatteryToStart      = BatteryLowThreshold
	MaxIdleTime            = 30 * time.Minute
	MaintenanceInterval    = 30 * 24 * time.Hour
	RangeReferenceSpeedKMH = 15.0

	scheduledMaintenanceReason = "Scheduled maintenance"
)

// CartState is the persisted shape of a cart.
type CartState struct {
	ID                 uuid.UUID
	Number             CartNumber
	Position           Position
	Battery            Battery
	Velocity           Velocity
	Status             CartStatus
	LastMaintenance    *time.Time
	TripStartedAt      *time.Time
	LastPositionUpdate *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type cartOptions struct {
	position        Position
	battery         Battery
	status          CartStatus
	lastMaintenance *time.Time
	clock           func() time.Time
	policy          ConsumptionPolicy
}

type CartOption func(*cartOptions)

func WithPosition(p Position) CartOption {
	return func(o *cartOptions) { o.position = p }
}

func WithBattery(b Battery) CartOption {
	return func(o *cartOptions) { o.battery = b }
}

func WithStatus(s CartStatus) CartOption {
	return func(o *cartOptions) { o.status = s }
}

func WithLastMaintenance(t time.Time) CartOption {
	return func(o *cartOptions) {
		t = t.UTC()
		o.lastMaintenance = &t
	}
}

// WithClock replaces the wall clock used for timestamps, trip durations and battery drain.
func WithClock(now func() time.Time) CartOption {
	return func(o *cartOptions) {
		if now != nil {
			o.clock = now
		}
	}
}

func WithConsumptionPolicy(p ConsumptionPolicy) CartOption {
	return func(o *cartOptions) {
		if p != nil {
			o.policy = p
		}
	}
}

func buildOptions(opts []CartOption) cartOptions {
	o := cartOptions{
		battery: FullBattery(),
		status:  StatusIdle,
		clock:   func() time.Time { return time.Now().UTC() },
		policy:  DefaultConsumption(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Cart is the golf cart aggregate root. Mutating methods either fully apply and queue
// their events or return an error and leave the cart untouched.
type Cart struct {
	state   CartState
	pending []Event
	now     func() time.Time
	policy  ConsumptionPolicy
}

// NewCart creates a cart that has never been stored and queues CartRegistered.
func NewCart(number CartNumber, opts ...CartOption) *Cart {
	o := buildOptions(opts)
	now := o.clock().UTC()
	c := &Cart{
		state: CartState{
			ID:              uuid.New(),
			Number:          number,
			Position:        o.position,
			Battery:         o.battery,
			Status:          o.status,
			LastMaintenance: o.lastMaintenance,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		now:    o.clock,
		policy: o.policy,
	}
	c.raise(CartRegistered{CartNumber: number.String()})
	return c
}

// RestoreCart rebuilds a stored cart. No events are queued. Only the clock and policy
// options apply; the state wins over initial-value options.
func RestoreCart(state CartState, opts ...CartOption) *Cart {
	o := buildOptions(opts)
	if state.Status == "" {
		state.Status = StatusIdle
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = o.clock().UTC()
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = state.CreatedAt
	}
	return &Cart{state: state, now: o.clock, policy: o.policy}
}

func (c *Cart) ID() uuid.UUID                  { return c.state.ID }
func (c *Cart) Number() CartNumber             { return c.state.Number }
func (c *Cart) Position() Position             { return c.state.Position }
func (c *Cart) Battery() Battery               { return c.state.Battery }
func (c *Cart) Velocity() Velocity             { return c.state.Velocity }
func (c *Cart) Status() CartStatus             { return c.state.Status }
func (c *Cart) LastMaintenance() *time.Time    { return copyTime(c.state.LastMaintenance) }
func (c *Cart) TripStartedAt() *time.Time      { return copyTime(c.state.TripStartedAt) }
func (c *Cart) LastPositionUpdate() *time.Time { return copyTime(c.state.LastPositionUpdate) }
func (c *Cart) CreatedAt() time.Time           { return c.state.CreatedAt }
func (c *Cart) UpdatedAt() time.Time           { return c.state.UpdatedAt }

func (c *Cart) IsOnTrip() bool { return c.state.Status == StatusRunning }

// Snapshot returns a copy of the cart state for persistence.
func (c *Cart) Snapshot() CartState {
	s := c.state
	s.LastMaintenance = copyTime(s.LastMaintenance)
	s.TripStartedAt = copyTime(s.TripStartedAt)
	s.LastPositionUpdate = copyTime(s.LastPositionUpdate)
	return s
}

// PendingEvents returns the queued events without draining them.
func (c *Cart) PendingEvents() []Event {
	out := make([]Event, len(c.pending))
	copy(out, c.pending)
	return out
}

// PullEvents drains the queue in append order.
func (c *Cart) PullEvents() []Event {
	out := c.pending
	c.pending = nil
	return out
}

func (c *Cart) StartTrip() error {
	if err := c.checkCanStart(); err != nil {
		return err
	}
	c.startTrip()
	return nil
}

func (c *Cart) StopTrip() error {
	if c.state.Status != StatusRunning {
		return BusinessRule("Cannot stop trip. Cart is not running (status: %s).", c.state.Status.Upper())
	}
	c.stopTrip()
	return nil
}

// UpdatePosition records a position report. A moving report starts a trip from IDLE,
// a stationary report past the idle timeout ends a running trip.
func (c *Cart) UpdatePosition(lat float64, lng float64, speed float64) error {
	newPosition, err := NewPosition(lat, lng)
	if err != nil {
		return err
	}
	newVelocity, err := NewVelocity(speed)
	if err != nil {
		return err
	}
	autoStart := newVelocity.IsMoving() && c.state.Status == StatusIdle
	if autoStart {
		if err := c.checkCanStart(); err != nil {
			return err
		}
	}

	now := c.clock()
	oldPosition := c.state.Position
	c.state.Position = newPosition
	c.state.Velocity = newVelocity

	if autoStart {
		c.startTrip()
	} else if newVelocity.IsStopped() && c.state.Status == StatusRunning {
		if c.state.LastPositionUpdate != nil && now.Sub(*c.state.LastPositionUpdate) > MaxIdleTime {
			c.stopTrip()
		}
	}

	if newVelocity.IsMoving() {
		c.consumeBattery(now)
	}

	c.state.LastPositionUpdate = &now
	c.raise(PositionUpdated{
		OldPosition:    oldPosition,
		NewPosition:    newPosition,
		Velocity:       newVelocity.Speed(),
		DistanceMeters: oldPosition.DistanceTo(newPosition),
	})
	c.touch()
	return nil
}

// ChargeBattery adds charge and moves the cart to CHARGING. A cart charged out of the
// low band is released back to IDLE.
func (c *Cart) ChargeBattery(amount float64) error {
	if !(amount > 0) {
		return BusinessRule("Charge amount must be positive.")
	}
	if c.state.Status == StatusRunning {
		return BusinessRule("Cannot charge battery while cart is running.")
	}
	if c.state.Status != StatusCharging && !CanTransition(c.state.Status, StatusCharging) {
		return BusinessRule("Cannot charge battery from %s status.", c.state.Status.Upper())
	}

	old := c.state.Battery
	c.state.Battery = c.state.Battery.Charge(amount)
	c.changeStatus(StatusCharging)

	if old.IsLow() && !c.state.Battery.IsLow() {
		c.changeStatus(StatusIdle)
	}
	c.touch()
	return nil
}

// StartMaintenance takes the cart out of service for maintenance, ending any trip first.
func (c *Cart) StartMaintenance() {
	if c.state.Status == StatusRunning {
		c.stopTrip()
	}
	c.changeStatus(StatusFixing)
	c.raise(MaintenanceRequired{Reason: scheduledMaintenanceReason})
	c.touch()
}

func (c *Cart) CompleteMaintenance() error {
	if c.state.Status != StatusFixing {
		return BusinessRule("Cart is not in maintenance mode.")
	}
	now := c.clock()
	c.state.LastMaintenance = &now
	c.state.Battery = FullBattery()
	c.changeStatus(StatusIdle)
	c.touch()
	return nil
}

// Decommission retires the cart, ending any trip first.
func (c *Cart) Decommission() {
	if c.state.Status == StatusRunning {
		c.stopTrip()
	}
	c.changeStatus(StatusOutOfService)
	c.touch()
}

func (c *Cart) NeedsMaintenance() bool {
	if c.state.LastMaintenance == nil {
		return true
	}
	return c.clock().Sub(*c.state.LastMaintenance) >= MaintenanceInterval
}

func (c *Cart) CanAcceptReservation() bool {
	return c.state.Status.CanStartTrip() && c.state.Battery.CanStartTrip() && !c.NeedsMaintenance()
}

// EstimateRange returns the remaining range in km at the reference cruising speed.
func (c *Cart) EstimateRange() float64 {
	if !c.state.Battery.CanStartTrip() {
		return 0
	}
	return c.state.Battery.EstimateRemainingTime(c.policy.RatePerHour()) * RangeReferenceSpeedKMH
}

func (c *Cart) checkCanStart() error {
	if !c.state.Status.CanStartTrip() {
		return BusinessRule("Cannot start trip from %s status. Cart must be IDLE or CHARGING.", c.state.Status.Upper())
	}
	if !c.state.Battery.CanStartTrip() {
		return BusinessRule("Insufficient battery (%.1f%%). Minimum %.1f%% required to start trip.", c.state.Battery.Level(), MinBatteryToStart)
	}
	if c.NeedsMaintenance() {
		return BusinessRule("Cart requires maintenance before starting a new trip.")
	}
	return nil
}

func (c *Cart) startTrip() {
	now := c.clock()
	c.changeStatus(StatusRunning)
	c.state.TripStartedAt = &now
	c.raise(CartStarted{Position: c.state.Position})
	c.touch()
}

func (c *Cart) stopTrip() {
	now := c.clock()
	var duration *int64
	if c.state.TripStartedAt != nil {
		secs := int64(now.Sub(*c.state.TripStartedAt) / time.Second)
		duration = &secs
	}
	c.changeStatus(StatusIdle)
	c.state.Velocity = Velocity{}
	c.state.TripStartedAt = nil
	c.raise(CartStopped{Position: c.state.Position, TripDurationSeconds: duration})
	c.touch()
}

func (c *Cart) consumeBattery(now time.Time) {
	if c.state.LastPositionUpdate == nil {
		return
	}
	used := c.policy.Consumed(now.Sub(*c.state.LastPositionUpdate), c.state.Velocity)
	if used <= 0 {
		return
	}
	old := c.state.Battery
	c.state.Battery = old.Consume(used)
	switch {
	case !old.IsCritical() && c.state.Battery.IsCritical():
		c.raise(BatteryCritical{BatteryLevel: c.state.Battery.Level()})
	case !old.IsLow() && c.state.Battery.IsLow():
		c.raise(BatteryLow{BatteryLevel: c.state.Battery.Level()})
	}
}

// changeStatus queues CartStatusChanged only when the status actually changes.
// Callers check their guards before calling it.
func (c *Cart) changeStatus(to CartStatus) {
	from := c.state.Status
	if from == to {
		return
	}
	c.state.Status = to
	c.raise(CartStatusChanged{OldStatus: from, NewStatus: to})
}

func (c *Cart) raise(p Payload) {
	c.pending = append(c.pending, NewEvent(c.state.ID, c.clock(), p))
}

func (c *Cart) touch() {
	c.state.UpdatedAt = c.clock()
}

func (c *Cart) clock() time.Time {
	return c.now().UTC()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
