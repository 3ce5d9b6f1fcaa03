package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voicegrid/licensing-service/internal/domain"
)

// LicenseRepository defines persistence for cached license records. Upsert is
// keyed by master license id so a re-sync updates in place, never duplicates.
type LicenseRepository interface {
	// FindCurrent returns the usable record bound to fingerprint with the most
	// recent successful sync, skipping expired and failed rows.
	FindCurrent(ctx context.Context, fingerprint string) (domain.LicenseRecord, error)
	// FindLatestUsable returns the most recently synced usable record for any
	// fingerprint. Used to detect host fingerprint drift.
	FindLatestUsable(ctx context.Context) (domain.LicenseRecord, error)
	// FindLatestWithinGrace returns the most recent record whose last sync is
	// after the cutoff, regardless of sync status. Grace-period fallback.
	FindLatestWithinGrace(ctx context.Context, cutoff time.Time) (domain.LicenseRecord, error)
	// UpsertByMasterID inserts or updates the row for rec.MasterLicenseID and
	// returns the stored record with its local id populated.
	UpsertByMasterID(ctx context.Context, rec domain.LicenseRecord) (domain.LicenseRecord, error)
	// InvalidateOthers marks every record sharing fingerprint but holding a
	// different master id as failed/invalid.
	InvalidateOthers(ctx context.Context, fingerprint, keepMasterID string) error
	// SetSyncStatus updates only the sync status of a record.
	SetSyncStatus(ctx context.Context, id uuid.UUID, status domain.SyncStatus) error
	// MarkStaleAsFailed flips stale records not synced since cutoff to failed.
	// Returns the number of rows affected.
	MarkStaleAsFailed(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteFailedBefore physically removes failed records older than cutoff
	// that no session row references, cascading their fingerprint audit rows.
	// Returns the number of rows deleted.
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// GetByID fetches one record.
	GetByID(ctx context.Context, id uuid.UUID) (domain.LicenseRecord, error)
}

// SessionCreateParams captures everything needed for the durable session row.
type SessionCreateParams struct {
	SessionID         uuid.UUID
	SessionToken      string
	UserID            string
	Username          string
	Feature           domain.Feature
	LicenseID         uuid.UUID
	MasterLicenseID   string
	ClientFingerprint string
	IPAddress         string
	UserAgent         string
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

// SessionRepository manages the durable session backup. It is never consulted
// for admission while the cache is healthy, but it is the rebuild source after
// a restart and the degraded-mode fallback.
type SessionRepository interface {
	Create(ctx context.Context, params SessionCreateParams) (domain.SessionRecord, error)
	GetByID(ctx context.Context, sessionID uuid.UUID) (domain.SessionRecord, error)
	// FindActive returns the live session for (userID, feature), if any.
	FindActive(ctx context.Context, userID string, feature domain.Feature) (domain.SessionRecord, error)
	ListActiveByUsername(ctx context.Context, username string) ([]domain.SessionRecord, error)
	// CountActive is the degraded-mode quota check when the cache is down.
	CountActive(ctx context.Context, licenseID uuid.UUID, feature domain.Feature) (int64, error)
	TouchHeartbeat(ctx context.Context, sessionID uuid.UUID, at time.Time, expiresAt time.Time) error
	// End transitions a row to a terminal status. Ending an already-ended
	// session is a silent success.
	End(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, endedAt time.Time) error
	// ExistsActive reports whether an active row exists for the id.
	ExistsActive(ctx context.Context, sessionID uuid.UUID) (bool, error)
	// DeleteOrphaned removes rows referencing a license record that no longer
	// exists. Returns rows deleted.
	DeleteOrphaned(ctx context.Context) (int64, error)
	// ExpireStale marks active rows expired when created before absoluteCutoff,
	// or when the last heartbeat is before heartbeatCutoff, or when no
	// heartbeat was ever recorded and the row is older than startupCutoff.
	// Returns the rows transitioned.
	ExpireStale(ctx context.Context, absoluteCutoff, heartbeatCutoff, startupCutoff, endedAt time.Time) (int64, error)
	// Ping verifies the durable store is reachable.
	Ping(ctx context.Context) error
}

// FingerprintChangeRepository is the append-only audit trail of host
// fingerprint drift.
type FingerprintChangeRepository interface {
	Insert(ctx context.Context, rec domain.FingerprintChangeRecord) error
	ListByLicense(ctx context.Context, licenseID uuid.UUID) ([]domain.FingerprintChangeRecord, error)
}
