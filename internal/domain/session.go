package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a durable session row.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
	SessionExpired      SessionStatus = "expired"
)

// SessionRecord is the durable backup of an admitted session. The atomic
// cache is authoritative for admission; this row survives restarts and feeds
// reconciliation.
type SessionRecord struct {
	SessionID         uuid.UUID
	SessionToken      string
	UserID            string
	Username          string
	Feature           Feature
	LicenseID         uuid.UUID
	MasterLicenseID   string
	ClientFingerprint string
	IPAddress         string
	UserAgent         string
	Status            SessionStatus
	LastHeartbeat     *time.Time
	ExpiresAt         time.Time
	CreatedAt         time.Time
	EndedAt           *time.Time
}

// Live reports whether the row still counts against the admission invariant.
func (s SessionRecord) Live(now time.Time) bool {
	return s.Status == SessionActive && s.ExpiresAt.After(now)
}
