package domain

import "time"

const (
	DefaultConsumptionRatePerHour = 10.0
	DefaultReferenceSpeedKMH      = 20.0
)

// ConsumptionPolicy decides how much charge a moving cart uses between two position reports.
type ConsumptionPolicy interface {
	// Consumed returns percentage points used over elapsed at velocity.
	Consumed(elapsed time.Duration, velocity Velocity) float64
	// RatePerHour is the hourly drain at the reference speed, used for range estimates.
	RatePerHour() float64
}

// LinearConsumption drains RatePerHour percent per hour at ReferenceSpeed and scales linearly with speed.
type LinearConsumption struct {
	Rate           float64
	ReferenceSpeed float64
}

func DefaultConsumption() LinearConsumption {
	return LinearConsumption{Rate: DefaultConsumptionRatePerHour, ReferenceSpeed: DefaultReferenceSpeedKMH}
}

func (p LinearConsumption) Consumed(elapsed time.Duration, velocity Velocity) float64 {
	if elapsed <= 0 || p.ReferenceSpeed <= 0 {
		return 0
	}
	return p.Rate * elapsed.Hours() * (velocity.Speed() / p.ReferenceSpeed)
}

func (p LinearConsumption) RatePerHour() float64 { return p.Rate }
