package domain

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	BatteryLowThreshold      = 20.0
	BatteryCriticalThreshold = 10.0
	MaxSpeedKMH              = 30.0
	earthRadiusMeters        = 6371000.0
)

var cartNumberPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// CartNumber is the normalized fleet identifier painted on a cart.
type CartNumber struct {
	value string
}

func NewCartNumber(raw string) (CartNumber, error) {
	if strings.TrimSpace(raw) == "" {
		return CartNumber{}, invalidValue("Cart number cannot be empty.")
	}
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if !cartNumberPattern.MatchString(normalized) {
		return CartNumber{}, invalidValue("Invalid cart number: %s. Must be 2-20 alphanumeric characters.", raw)
	}
	return CartNumber{value: normalized}, nil
}

func (n CartNumber) String() string { return n.value }

func (n CartNumber) IsZero() bool { return n.value == "" }

// Position is a WGS84 coordinate pair.
type Position struct {
	lat float64
	lng float64
}

func NewPosition(lat float64, lng float64) (Position, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return Position{}, invalidValue("Invalid latitude: %s. Must be between -90 and 90.", formatNumber(lat))
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return Position{}, invalidValue("Invalid longitude: %s. Must be between -180 and 180.", formatNumber(lng))
	}
	return Position{lat: lat, lng: lng}, nil
}

func (p Position) Latitude() float64  { return p.lat }
func (p Position) Longitude() float64 { return p.lng }

// DistanceTo returns the great-circle distance in meters.
func (p Position) DistanceTo(other Position) float64 {
	lat1 := p.lat * math.Pi / 180
	lat2 := other.lat * math.Pi / 180
	dLat := (other.lat - p.lat) * math.Pi / 180
	dLng := (other.lng - p.lng) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func (p Position) IsWithinBounds(minLat float64, maxLat float64, minLng float64, maxLng float64) bool {
	return p.lat >= minLat && p.lat <= maxLat && p.lng >= minLng && p.lng <= maxLng
}

type positionJSON struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal(positionJSON{Lat: p.lat, Lng: p.lng})
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var raw positionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	pos, err := NewPosition(raw.Lat, raw.Lng)
	if err != nil {
		return err
	}
	*p = pos
	return nil
}

// Battery is a charge level in percent with one decimal of precision.
type Battery struct {
	level float64
}

func NewBattery(level float64) (Battery, error) {
	if math.IsNaN(level) || level < 0 || level > 100 {
		return Battery{}, invalidValue("Invalid battery level: %s. Must be between 0 and 100.", formatNumber(level))
	}
	return Battery{level: roundTenth(level)}, nil
}

// FullBattery is a 100% charge.
func FullBattery() Battery { return Battery{level: 100} }

func (b Battery) Level() float64 { return b.level }

func (b Battery) IsLow() bool { return b.level < BatteryLowThreshold }

func (b Battery) IsCritical() bool { return b.level < BatteryCriticalThreshold }

func (b Battery) CanStartTrip() bool { return b.level >= BatteryLowThreshold }

// Consume returns the battery drained by amount, never below zero.
func (b Battery) Consume(amount float64) Battery {
	return Battery{level: roundTenth(math.Max(0, math.Min(100, b.level-amount)))}
}

// Charge returns the battery charged by amount, never above 100.
func (b Battery) Charge(amount float64) Battery {
	return Battery{level: roundTenth(math.Min(100, math.Max(0, b.level+amount)))}
}

// EstimateRemainingTime returns hours of operation left at ratePerHour percent per hour.
func (b Battery) EstimateRemainingTime(ratePerHour float64) float64 {
	if ratePerHour <= 0 {
		return math.Inf(1)
	}
	return b.level / ratePerHour
}

// Velocity is a ground speed in km/h.
type Velocity struct {
	speed float64
}

func NewVelocity(speed float64) (Velocity, error) {
	if math.IsNaN(speed) || speed < 0 {
		return Velocity{}, invalidValue("Invalid velocity: %s. Must be non-negative.", formatNumber(speed))
	}
	if speed > MaxSpeedKMH {
		return Velocity{}, invalidValue("Invalid velocity: %s. Exceeds maximum speed of %s km/h.", formatNumber(speed), strconv.FormatFloat(MaxSpeedKMH, 'f', 1, 64))
	}
	return Velocity{speed: roundTenth(speed)}, nil
}

func (v Velocity) Speed() float64 { return v.speed }

func (v Velocity) IsMoving() bool { return v.speed > 0 }

func (v Velocity) IsStopped() bool { return v.speed == 0 }

func (v Velocity) IsOverLimit(limit float64) bool { return v.speed > limit }

func (v Velocity) MetersPerSecond() float64 { return v.speed / 3.6 }
