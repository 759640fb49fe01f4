// Package realtime serves the QR session watch stream.
//
// A browser that rendered a QR code may open /qr/watch?id=<session> instead of
// polling /qr/check. The gateway runs the same inspector on an interval and
// pushes a status envelope whenever the reported status changes, then closes
// the connection once a terminal status (success or expired) was sent.
package realtime
