// Package session implements the QR login session state machine.
//
// A session is issued as pending with a fixed TTL, polled by the browser that
// rendered it, and claimed at most once by a device presenting a mobile
// credential token. Status moves pending -> validated or pending -> expired and
// never back.
//
// Expiry is decided at read time from the stored expires_at; the persisted
// "expired" status is only a hint. The claim is a single conditional write
// evaluated by the Store, never a read followed by a write.
//
// Transport (HTTP/WS) integration lives in internal/auth/api and internal/realtime.
package session
