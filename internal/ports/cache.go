package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voicegrid/licensing-service/internal/domain"
)

// CachedSession is the per-session hash held in the atomic cache. It carries
// enough context to serve Validate without touching the durable store.
type CachedSession struct {
	SessionID         uuid.UUID      `json:"session_id"`
	UserID            string         `json:"user_id"`
	Username          string         `json:"username"`
	Feature           domain.Feature `json:"feature"`
	LicenseID         uuid.UUID      `json:"license_id"`
	ClientFingerprint string         `json:"client_fingerprint"`
	IPAddress         string         `json:"ip_address"`
	UserAgent         string         `json:"user_agent"`
	CreatedAt         time.Time      `json:"created_at"`
	LastHeartbeat     time.Time      `json:"last_heartbeat"`
}

// CounterRef identifies one per-(license, feature) admission counter.
type CounterRef struct {
	LicenseID uuid.UUID
	Feature   domain.Feature
}

// SessionCache is the authoritative store for admission decisions. The hash,
// the per-(user,feature) set and the per-(license,feature) counter share one
// expiry horizon and are mutated only through pipelined batches so no caller
// observes a partially-applied admission.
type SessionCache interface {
	// Admit performs the atomic increment-and-compare admission: the counter
	// for (licenseID, feature) is incremented first, and if the result exceeds
	// quota the increment is compensated and domain.ErrLimitExceeded returned.
	// On success the session hash and the user set entry are written in the
	// same pipelined batch. The returned count is the concurrent total after
	// this admission.
	Admit(ctx context.Context, entry CachedSession, quota int, ttl time.Duration) (int, error)

	// ActiveSession resolves the live session for (userID, feature), or nil.
	ActiveSession(ctx context.Context, userID string, feature domain.Feature) (*CachedSession, error)

	// Heartbeat refreshes the entry's heartbeat field and TTLs. A heartbeat on
	// a missing entry is a no-op, not an error.
	Heartbeat(ctx context.Context, sessionID uuid.UUID, at time.Time, ttl time.Duration) error

	// Remove deletes the hash, clears the set membership and decrements the
	// counter in one batch. Decrements clamp at zero. Idempotent.
	Remove(ctx context.Context, sessionID uuid.UUID, userID string, feature domain.Feature, licenseID uuid.UUID) error

	// Count returns the current counter for (licenseID, feature).
	Count(ctx context.Context, licenseID uuid.UUID, feature domain.Feature) (int, error)

	// ScanSessionIDs lists every session id with a cache entry, deleting keys
	// whose data type is not the expected hash along the way.
	ScanSessionIDs(ctx context.Context) ([]uuid.UUID, error)

	// Session fetches a cached entry by id, or nil when absent.
	Session(ctx context.Context, sessionID uuid.UUID) (*CachedSession, error)

	// ScanCounters lists every live admission counter. Session hashes expire
	// individually while the counter key's TTL is refreshed by any sibling,
	// so a counter can outlive the entries it was counting; reconciliation
	// uses this to resynchronize.
	ScanCounters(ctx context.Context) ([]CounterRef, error)

	// SetCount overwrites a counter with the recomputed total. A total of
	// zero or less deletes the key.
	SetCount(ctx context.Context, ref CounterRef, total int, ttl time.Duration) error

	// Ping reports cache availability; used by readiness and degraded-mode checks.
	Ping(ctx context.Context) error
}
