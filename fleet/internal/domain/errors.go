package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrInvalidValue = errors.New("invalid value")
	ErrBusinessRule = errors.New("business rule violation")
	ErrNotFound     = errors.New("entity not found")
)

// Error carries a human-readable reason and the kind used for errors.Is matching.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func invalidValue(format string, args ...any) error {
	return &Error{Kind: ErrInvalidValue, Message: fmt.Sprintf(format, args...)}
}

func BusinessRule(format string, args ...any) error {
	return &Error{Kind: ErrBusinessRule, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// IsDomainError reports whether err belongs to the domain taxonomy.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInvalidValue) || errors.Is(err, ErrBusinessRule) || errors.Is(err, ErrNotFound)
}
