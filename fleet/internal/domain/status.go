package domain

import "strings"

type CartStatus string

const (
	StatusIdle         CartStatus = "idle"
	StatusRunning      CartStatus = "running"
	StatusCharging     CartStatus = "charging"
	StatusFixing       CartStatus = "fixing"
	StatusOutOfService CartStatus = "out_of_service"
)

// statusTransitions lists every status change an aggregate method may perform.
// RUNNING only leaves through stop_trip; other exits stop the trip first.
var statusTransitions = map[CartStatus]map[CartStatus]bool{
	StatusIdle: {
		StatusRunning:      true,
		StatusCharging:     true,
		StatusFixing:       true,
		StatusOutOfService: true,
	},
	StatusCharging: {
		StatusRunning:      true,
		StatusIdle:         true,
		StatusFixing:       true,
		StatusOutOfService: true,
	},
	StatusRunning: {
		StatusIdle: true,
	},
	StatusFixing: {
		StatusIdle:         true,
		StatusCharging:     true,
		StatusOutOfService: true,
	},
	StatusOutOfService: {
		StatusCharging: true,
		StatusFixing:   true,
	},
}

func NormalizeCartStatus(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func ParseCartStatus(raw string) (CartStatus, error) {
	status := CartStatus(NormalizeCartStatus(raw))
	if _, ok := statusTransitions[status]; !ok {
		return "", invalidValue("Invalid cart status: %s.", raw)
	}
	return status, nil
}

func CanTransition(from CartStatus, to CartStatus) bool {
	if from == to {
		return true
	}
	next := statusTransitions[from]
	if next == nil {
		return false
	}
	return next[to]
}

func (s CartStatus) String() string { return string(s) }

func (s CartStatus) CanStartTrip() bool {
	return s == StatusIdle || s == StatusCharging
}

func (s CartStatus) IsOperational() bool {
	return s == StatusIdle || s == StatusRunning || s == StatusCharging
}

// Upper renders the status the way operators write it in messages.
func (s CartStatus) Upper() string {
	return strings.ToUpper(string(s))
}

func AllCartStatuses() []CartStatus {
	return []CartStatus{
		StatusIdle,
		StatusRunning,
		StatusCharging,
		StatusFixing,
		StatusOutOfService,
	}
}
