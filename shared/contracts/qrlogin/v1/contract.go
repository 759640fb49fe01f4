// Package v1 defines the qrlogin wire contract: HTTP bodies and the watch stream envelope.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	// Subprotocol is negotiated on the watch WebSocket.
	Subprotocol = "qrlogin.watch.v1"

	TypeStatus = "status"
	TypeError  = "error"
)

var AllowedTypes = map[string]struct{}{
	TypeStatus: {},
	TypeError:  {},
}

// Envelope frames every message on the watch stream.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}, nil
}

// ErrorPayload is carried by TypeError envelopes before the stream closes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
