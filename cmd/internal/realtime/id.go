package realtime

import (
	"time"

	"qrlogin/cmd/identity/ids"
)

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by time, which keeps stream frames ordered in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
