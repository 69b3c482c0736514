package services

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Credential is the bearer token the backend issues at login, together with
// the expiry derived from the token itself. It is passed explicitly to every
// component that talks to the backend; nothing reads it from global state.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewCredential wraps a raw token, deriving its expiry from the embedded
// claims when possible.
func NewCredential(token string) Credential {
	return Credential{
		Token:     token,
		ExpiresAt: deriveExpiry(token),
	}
}

// Valid reports whether the credential is present and not known to be
// expired. A token without a decodable expiry is assumed valid; the backend
// answers 401 if it is not.
func (c Credential) Valid() bool {
	if c.Token == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(c.ExpiresAt)
}

// Fingerprint returns a short stable digest of the token, used to scope
// cached data to the credential it was fetched with. Switching accounts must
// not leak another user's cached sessions.
func (c Credential) Fingerprint() string {
	if c.Token == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(c.Token))
	return hex.EncodeToString(sum[:6])
}

// deriveExpiry extracts the exp claim from a JWT without verifying it. The
// client only uses the expiry to decide whether to prompt for login before
// making a doomed request; the backend remains the authority.
func deriveExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}
	}
	return time.Unix(claims.Exp, 0)
}
