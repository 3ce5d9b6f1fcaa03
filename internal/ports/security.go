package ports

import (
	"time"

	"github.com/google/uuid"
)

// SessionClaims binds a session token to the license, user and device it was
// admitted for. SIPUser carries the telephony principal for the PBX side.
type SessionClaims struct {
	SessionID         uuid.UUID `json:"session_id"`
	LicenseID         uuid.UUID `json:"license_id"`
	UserID            string    `json:"user_id"`
	SIPUser           string    `json:"sip_user"`
	ClientFingerprint string    `json:"client_fingerprint"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// TokenSigner issues and validates signed session tokens.
type TokenSigner interface {
	Sign(claims SessionClaims) (string, error)
	ParseAndValidate(token string) (SessionClaims, error)
}

// FingerprintProvider produces the stable identifier binding a license to
// this host. Treated as an opaque external collaborator.
type FingerprintProvider interface {
	Current() (string, error)
}
