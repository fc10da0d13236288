package eventbus

import (
	"context"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/config"
)

// AllEvents registers a handler for every event name.
const AllEvents domain.EventName = "*"

type Handler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

type HandlerFunc func(ctx context.Context, ev domain.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev domain.Event) error {
	return f(ctx, ev)
}

// FailurePolicy decides what a handler failure does to the message. FailOpen logs the
// failure and acknowledges; FailClosed leaves the message pending for redelivery.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = config.PolicyFailOpen
	FailClosed FailurePolicy = config.PolicyFailClosed
)

type HandlerOption func(*registration)

func WithPolicy(p FailurePolicy) HandlerOption {
	return func(r *registration) {
		if p == FailOpen || p == FailClosed {
			r.policy = p
		}
	}
}

type registration struct {
	name    string
	handler Handler
	policy  FailurePolicy
}
