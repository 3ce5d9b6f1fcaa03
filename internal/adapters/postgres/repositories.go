package postgres

import (
	"github.com/voicegrid/licensing-service/internal/ports"
	"gorm.io/gorm"
)

type Repositories struct {
	Licenses           ports.LicenseRepository
	Sessions           ports.SessionRepository
	FingerprintChanges ports.FingerprintChangeRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Licenses:           &licenseRepository{db: db},
		Sessions:           &sessionRepository{db: db},
		FingerprintChanges: &fingerprintChangeRepository{db: db},
	}
}
