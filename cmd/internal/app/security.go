package app

import (
	"errors"

	"qrlogin/cmd/security/token"
)

// minHMACKeyBytes is measured in bytes, not runes: the key is used raw.
const minHMACKeyBytes = 32

// ValidateSecurityConfig enforces the token hashing policy at startup.
// Mobile token hashes written under one key cannot be resolved under another,
// so a misconfigured key fails fast instead of silently falling back to SHA-256.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(minHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: QRLOGIN_REQUIRE_TOKEN_HMAC=true but QRLOGIN_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: QRLOGIN_REQUIRE_TOKEN_HMAC=true but QRLOGIN_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: QRLOGIN_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
