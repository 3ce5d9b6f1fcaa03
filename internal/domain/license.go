package domain

import (
	"time"

	"github.com/google/uuid"
)

// OfflineMasterLicenseID is reserved for the synthesized development license
// used when the master server has never been reachable from this host.
const OfflineMasterLicenseID = "0"

// LicenseStatus is the business state of a license as issued by the master.
type LicenseStatus string

const (
	LicenseActive    LicenseStatus = "active"
	LicenseSuspended LicenseStatus = "suspended"
	LicenseExpired   LicenseStatus = "expired"
	LicenseInvalid   LicenseStatus = "invalid"
)

// SyncStatus tracks the freshness of the locally cached copy, independent of
// the business status. A license can be active yet stale.
type SyncStatus string

const (
	SyncSynced SyncStatus = "synced"
	SyncStale  SyncStatus = "stale"
	SyncFailed SyncStatus = "failed"
)

// Feature is a named capability gated by the license. The set is closed so
// the master payload is parsed into typed flags once at sync time.
type Feature string

const (
	FeatureWebphone     Feature = "webphone"
	FeatureRecording    Feature = "recording"
	FeatureVoicemail    Feature = "voicemail"
	FeatureConferencing Feature = "conferencing"
	FeatureCRM          Feature = "crm_integration"
)

// KnownFeatures lists every feature this server understands. Flags from the
// master outside this set are dropped during parsing.
var KnownFeatures = []Feature{
	FeatureWebphone,
	FeatureRecording,
	FeatureVoicemail,
	FeatureConferencing,
	FeatureCRM,
}

// ParseFeature validates a caller-supplied feature name.
func ParseFeature(raw string) (Feature, error) {
	for _, f := range KnownFeatures {
		if string(f) == raw {
			return f, nil
		}
	}
	return "", ErrInvalidInput
}

// FeatureSet is the typed capability mapping of a license.
type FeatureSet map[Feature]bool

// Enabled reports whether a feature is granted. Unknown keys are disabled.
func (fs FeatureSet) Enabled(f Feature) bool {
	return fs[f]
}

// Clone returns an independent copy so cached records can be handed out
// without sharing mutable state.
func (fs FeatureSet) Clone() FeatureSet {
	out := make(FeatureSet, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// LicenseRecord is the locally cached representation of a master-issued
// license, bound to this host's fingerprint.
type LicenseRecord struct {
	ID                uuid.UUID
	MasterLicenseID   string
	ServerFingerprint string
	LicenseKey        *string
	OrganizationName  string
	Status            LicenseStatus
	MaxUsers          int
	MaxWebphoneUsers  int
	IssuedAt          time.Time
	ExpiresAt         time.Time
	Features          FeatureSet
	LicenseTypeName   string
	LastSync          time.Time
	SyncStatus        SyncStatus
}

// QuotaFor returns the concurrent-session ceiling for a feature. The webphone
// sub-quota never exceeds MaxUsers.
func (l LicenseRecord) QuotaFor(f Feature) int {
	if f == FeatureWebphone {
		if l.MaxWebphoneUsers < l.MaxUsers {
			return l.MaxWebphoneUsers
		}
	}
	return l.MaxUsers
}

// Usable reports whether the record may be served as the current license.
func (l LicenseRecord) Usable() bool {
	if l.Status == LicenseExpired {
		return false
	}
	return l.SyncStatus == SyncSynced || l.SyncStatus == SyncStale
}

// IsOffline reports whether this is the synthesized development license.
func (l LicenseRecord) IsOffline() bool {
	return l.MasterLicenseID == OfflineMasterLicenseID
}

// NewOfflineLicense synthesizes the standalone development license so a slave
// stays operable when the master has never answered within the grace period.
func NewOfflineLicense(fingerprint string, maxUsers int, now time.Time) LicenseRecord {
	return LicenseRecord{
		MasterLicenseID:   OfflineMasterLicenseID,
		ServerFingerprint: fingerprint,
		OrganizationName:  "Development",
		Status:            LicenseActive,
		MaxUsers:          maxUsers,
		MaxWebphoneUsers:  0,
		IssuedAt:          now,
		ExpiresAt:         now.Add(365 * 24 * time.Hour),
		Features: FeatureSet{
			FeatureVoicemail: true,
			FeatureRecording: true,
		},
		LicenseTypeName: "development",
		LastSync:        now,
		SyncStatus:      SyncSynced,
	}
}

// FingerprintChangeRecord is an append-only audit entry written whenever the
// host fingerprint stops matching the cached license.
type FingerprintChangeRecord struct {
	ID             uuid.UUID
	OldFingerprint string
	NewFingerprint string
	Reason         string
	LicenseID      uuid.UUID
	ActionTaken    string
	ChangedAt      time.Time
}
