package application

import (
	"time"

	"github.com/voicegrid/licensing-service/internal/domain"
)

// ValidateStatus is the outcome of a pre-registration session check.
type ValidateStatus string

const (
	// StatusValid means a live session already exists for this device; its
	// heartbeat has been refreshed and the caller can keep using it.
	StatusValid ValidateStatus = "VALID"
	// StatusConflict means another device holds the session and it could not
	// be evicted; the caller must not proceed.
	StatusConflict ValidateStatus = "CONFLICT"
	// StatusReadyToCreate means no live session blocks this device and a
	// create may be attempted.
	StatusReadyToCreate ValidateStatus = "READY_TO_CREATE"
)

type ValidateRequest struct {
	UserID            string `json:"userId"`
	Username          string `json:"username"`
	Feature           string `json:"feature"`
	ClientFingerprint string `json:"clientFingerprint"`
	IPAddress         string `json:"ipAddress"`
	UserAgent         string `json:"userAgent"`
}

type ValidateResponse struct {
	Status ValidateStatus `json:"status"`
	// ReplacedSessionID is set when a conflicting session on another device
	// was ended in favor of this caller.
	ReplacedSessionID string       `json:"replacedSessionId,omitempty"`
	Session           *SessionView `json:"session,omitempty"`
}

type CreateRequest struct {
	UserID            string `json:"userId"`
	Username          string `json:"username"`
	Feature           string `json:"feature"`
	ClientFingerprint string `json:"clientFingerprint"`
	IPAddress         string `json:"ipAddress"`
	UserAgent         string `json:"userAgent"`
}

type CreateResponse struct {
	SessionID    string    `json:"sessionId"`
	SessionToken string    `json:"sessionToken"`
	Feature      string    `json:"feature"`
	MaxUsers     int       `json:"maxUsers"`
	CurrentUsers int       `json:"currentUsers"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// SetupResponse is returned by the combined validate-then-create flow.
type SetupResponse struct {
	Created bool           `json:"created"`
	Session CreateResponse `json:"session"`
}

type SessionView struct {
	SessionID     string     `json:"sessionId"`
	UserID        string     `json:"userId"`
	Username      string     `json:"username"`
	Feature       string     `json:"feature"`
	Status        string     `json:"status"`
	IPAddress     string     `json:"ipAddress,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// LicenseView is the externally visible shape of the current license. The raw
// license key deliberately never leaves the service.
type LicenseView struct {
	MasterLicenseID  string          `json:"masterLicenseId"`
	OrganizationName string          `json:"organizationName"`
	LicenseTypeName  string          `json:"licenseTypeName"`
	Status           string          `json:"status"`
	MaxUsers         int             `json:"maxUsers"`
	MaxWebphoneUsers int             `json:"maxWebphoneUsers"`
	Features         map[string]bool `json:"features"`
	IssuedAt         time.Time       `json:"issuedAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	LastSync         time.Time       `json:"lastSync"`
	SyncStatus       string          `json:"syncStatus"`
	Offline          bool            `json:"offline"`
}

// TokenValidation is the answer handed to the media layer when a device
// presents its session token at registration time.
type TokenValidation struct {
	Valid    bool            `json:"valid"`
	Reason   string          `json:"reason,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	SIPUser  string          `json:"sipUser,omitempty"`
	Feature  string          `json:"feature,omitempty"`
	MaxUsers int             `json:"maxUsers,omitempty"`
	Features map[string]bool `json:"features,omitempty"`
}

func sessionView(rec domain.SessionRecord) *SessionView {
	v := &SessionView{
		SessionID:     rec.SessionID.String(),
		UserID:        rec.UserID,
		Username:      rec.Username,
		Feature:       string(rec.Feature),
		Status:        string(rec.Status),
		IPAddress:     rec.IPAddress,
		LastHeartbeat: rec.LastHeartbeat,
		ExpiresAt:     rec.ExpiresAt,
		CreatedAt:     rec.CreatedAt,
	}
	return v
}

func licenseView(rec domain.LicenseRecord) LicenseView {
	features := make(map[string]bool, len(rec.Features))
	for f, enabled := range rec.Features {
		features[string(f)] = enabled
	}
	return LicenseView{
		MasterLicenseID:  rec.MasterLicenseID,
		OrganizationName: rec.OrganizationName,
		LicenseTypeName:  rec.LicenseTypeName,
		Status:           string(rec.Status),
		MaxUsers:         rec.MaxUsers,
		MaxWebphoneUsers: rec.MaxWebphoneUsers,
		Features:         features,
		IssuedAt:         rec.IssuedAt,
		ExpiresAt:        rec.ExpiresAt,
		LastSync:         rec.LastSync,
		SyncStatus:       string(rec.SyncStatus),
		Offline:          rec.IsOffline(),
	}
}
