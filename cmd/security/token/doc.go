// Package token provides mobile credential token primitives for qrlogin.
//
// It is the single source of truth for how bearer tokens are generated and
// how they are hashed for server-side lookup.
//
// Design goals:
// - Default dev mode: SHA-256(token) when no HMAC key is configured.
// - Production mode: HMAC-SHA256(token, key) when QRLOGIN_TOKEN_HMAC_KEY is set.
// - Stable 64-char hex output so the hash can be indexed and looked up directly.
//
// Policy:
//   - If RequireTokenHMAC=true, callers MUST enforce a minimum key size (>= 32 bytes)
//     and MUST use HMAC (no SHA fallback).
package token
