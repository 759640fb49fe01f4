package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")

	// ErrEntropyTooLow is returned when a caller asks for a token under MinTokenBytes.
	ErrEntropyTooLow = errors.New("token entropy too low")
)
