package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voicegrid/licensing-service/internal/domain"
)

// MasterLicense is the payload fetched from the master server before it is
// folded into a local LicenseRecord. Feature flags arrive as a raw name map
// and are parsed into the typed set exactly once, here at sync time.
type MasterLicense struct {
	MasterLicenseID  string
	LicenseKey       string
	OrganizationName string
	Status           domain.LicenseStatus
	MaxUsers         int
	MaxWebphoneUsers int
	IssuedAt         time.Time
	ExpiresAt        time.Time
	Features         domain.FeatureSet
	LicenseTypeName  string
}

// SessionActivity is the best-effort notification sent to the master on
// session create and end. Delivery failure never blocks the local decision.
type SessionActivity struct {
	Action       string
	SessionID    uuid.UUID
	UserID       string
	Feature      domain.Feature
	CurrentUsers int
	OccurredAt   time.Time
}

// MasterClient is the outbound contract to the license-issuing master server.
type MasterClient interface {
	// FetchLicense retrieves the license bound to fingerprint. Unreachability
	// and retryable statuses surface as errors wrapping domain.ErrSyncUnavailable;
	// Retryable distinguishes them for the retry loop.
	FetchLicense(ctx context.Context, fingerprint string) (MasterLicense, error)
	// NotifySessionActivity is fire-and-forget; implementations log failures
	// and return nil-tolerant errors the caller may ignore.
	NotifySessionActivity(ctx context.Context, activity SessionActivity) error
}

// RetryableError marks a fetch failure worth retrying (5xx, 429, transport).
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }
