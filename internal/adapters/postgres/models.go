package postgres

import (
	"time"

	"github.com/google/uuid"
)

type licenseModel struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	MasterLicenseID   string    `gorm:"column:master_license_id"`
	ServerFingerprint string    `gorm:"column:server_fingerprint"`
	LicenseKey        *string   `gorm:"column:license_key"`
	OrganizationName  string    `gorm:"column:organization_name"`
	Status            string    `gorm:"column:status"`
	MaxUsers          int       `gorm:"column:max_users"`
	MaxWebphoneUsers  int       `gorm:"column:max_webphone_users"`
	IssuedAt          time.Time `gorm:"column:issued_at"`
	ExpiresAt         time.Time `gorm:"column:expires_at"`
	Features          string    `gorm:"column:features;type:jsonb"`
	LicenseTypeName   string    `gorm:"column:license_type_name"`
	LastSync          time.Time `gorm:"column:last_sync"`
	SyncStatus        string    `gorm:"column:sync_status"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (licenseModel) TableName() string { return "licenses" }

type fingerprintChangeModel struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OldFingerprint string    `gorm:"column:old_fingerprint"`
	NewFingerprint string    `gorm:"column:new_fingerprint"`
	Reason         string    `gorm:"column:reason"`
	LicenseID      uuid.UUID `gorm:"column:license_id"`
	ActionTaken    string    `gorm:"column:action_taken"`
	ChangedAt      time.Time `gorm:"column:changed_at"`
}

func (fingerprintChangeModel) TableName() string { return "fingerprint_changes" }

type sessionModel struct {
	SessionID         uuid.UUID  `gorm:"column:session_id;type:uuid;primaryKey"`
	SessionToken      string     `gorm:"column:session_token"`
	UserID            string     `gorm:"column:user_id"`
	Username          string     `gorm:"column:username"`
	Feature           string     `gorm:"column:feature"`
	LicenseID         uuid.UUID  `gorm:"column:license_id"`
	MasterLicenseID   string     `gorm:"column:master_license_id"`
	ClientFingerprint string     `gorm:"column:client_fingerprint"`
	IPAddress         *string    `gorm:"column:ip_address"`
	UserAgent         string     `gorm:"column:user_agent"`
	Status            string     `gorm:"column:status"`
	LastHeartbeat     *time.Time `gorm:"column:last_heartbeat"`
	ExpiresAt         time.Time  `gorm:"column:expires_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	EndedAt           *time.Time `gorm:"column:ended_at"`
}

func (sessionModel) TableName() string { return "sessions" }
