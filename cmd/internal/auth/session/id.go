package session

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// maxSessionIDBytes bounds ids accepted from clients before any lookup.
const maxSessionIDBytes = 128

// NewSessionID returns a random UUIDv4 (122 bits from crypto/rand).
func NewSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// normalizeSessionID trims s and reports whether it is acceptable as a lookup key.
// Well-formedness beyond this is not checked: an id we never issued is simply
// not found, which reads as expired.
func normalizeSessionID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxSessionIDBytes {
		return "", false
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", false
	}
	return s, true
}
