// Package identity owns the claimant side of a QR login: users and the mobile
// credential tokens their devices present when they claim a session.
//
// Plain tokens are returned exactly once (on create or rotate) and only their
// hash is persisted. Lookups go by hash, so a token resolves in one indexed read.
package identity
