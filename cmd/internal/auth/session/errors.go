package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for missing or malformed ids and tokens. No store access happens.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned by stores when no session row matches.
	ErrNotFound = errors.New("session not found")

	// ErrNotClaimable is the uniform claim failure: unknown, expired or already validated.
	ErrNotClaimable = errors.New("session not found or expired")

	// ErrInvalidCredential is returned when the presented credential token resolves to nobody.
	ErrInvalidCredential = errors.New("invalid credential token")

	// ErrUnavailable marks infrastructure failures (store or credential lookup unreachable).
	// Callers may retry; no session state was changed.
	ErrUnavailable = errors.New("session store unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// OpError carries the failing operation, a sentinel Kind and the underlying cause.
// errors.Is matches both Kind and Err.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, err error) error {
	return OpError{Op: op, Kind: kind, Err: err}
}
