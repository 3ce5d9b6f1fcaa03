package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/voicegrid/licensing-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type licenseRepository struct {
	db *gorm.DB
}

func (r *licenseRepository) FindCurrent(ctx context.Context, fingerprint string) (domain.LicenseRecord, error) {
	var rec licenseModel
	err := r.db.WithContext(ctx).
		Where("server_fingerprint = ?", fingerprint).
		Where("sync_status IN ?", []string{string(domain.SyncSynced), string(domain.SyncStale)}).
		Where("status <> ?", string(domain.LicenseExpired)).
		Order("last_sync DESC").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.LicenseRecord{}, domain.ErrNotFound
		}
		return domain.LicenseRecord{}, err
	}
	return toDomainLicense(rec), nil
}

func (r *licenseRepository) FindLatestUsable(ctx context.Context) (domain.LicenseRecord, error) {
	var rec licenseModel
	err := r.db.WithContext(ctx).
		Where("sync_status IN ?", []string{string(domain.SyncSynced), string(domain.SyncStale)}).
		Where("status <> ?", string(domain.LicenseExpired)).
		Order("last_sync DESC").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.LicenseRecord{}, domain.ErrNotFound
		}
		return domain.LicenseRecord{}, err
	}
	return toDomainLicense(rec), nil
}

func (r *licenseRepository) FindLatestWithinGrace(ctx context.Context, cutoff time.Time) (domain.LicenseRecord, error) {
	var rec licenseModel
	err := r.db.WithContext(ctx).
		Where("last_sync >= ?", cutoff).
		Where("status <> ?", string(domain.LicenseExpired)).
		Order("last_sync DESC").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.LicenseRecord{}, domain.ErrNotFound
		}
		return domain.LicenseRecord{}, err
	}
	return toDomainLicense(rec), nil
}

// UpsertByMasterID updates in place keyed by the master id so re-syncs never
// duplicate a license row.
func (r *licenseRepository) UpsertByMasterID(ctx context.Context, in domain.LicenseRecord) (domain.LicenseRecord, error) {
	rec, err := fromDomainLicense(in)
	if err != nil {
		return domain.LicenseRecord{}, err
	}
	rec.UpdatedAt = in.LastSync
	rec.CreatedAt = in.LastSync

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "master_license_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"server_fingerprint": rec.ServerFingerprint,
			"license_key":        rec.LicenseKey,
			"organization_name":  rec.OrganizationName,
			"status":             rec.Status,
			"max_users":          rec.MaxUsers,
			"max_webphone_users": rec.MaxWebphoneUsers,
			"issued_at":          rec.IssuedAt,
			"expires_at":         rec.ExpiresAt,
			"features":           rec.Features,
			"license_type_name":  rec.LicenseTypeName,
			"last_sync":          rec.LastSync,
			"sync_status":        rec.SyncStatus,
			"updated_at":         rec.UpdatedAt,
		}),
	}).Create(&rec).Error
	if err != nil {
		return domain.LicenseRecord{}, err
	}

	// The RETURNING id from the conflict path is not reliable across drivers;
	// re-read by master id to hand back the stored row.
	var stored licenseModel
	if err := r.db.WithContext(ctx).Where("master_license_id = ?", rec.MasterLicenseID).Take(&stored).Error; err != nil {
		return domain.LicenseRecord{}, err
	}
	return toDomainLicense(stored), nil
}

func (r *licenseRepository) InvalidateOthers(ctx context.Context, fingerprint, keepMasterID string) error {
	return r.db.WithContext(ctx).
		Model(&licenseModel{}).
		Where("server_fingerprint = ?", fingerprint).
		Where("master_license_id <> ?", keepMasterID).
		Updates(map[string]any{
			"sync_status": string(domain.SyncFailed),
			"status":      string(domain.LicenseInvalid),
		}).Error
}

func (r *licenseRepository) SetSyncStatus(ctx context.Context, id uuid.UUID, status domain.SyncStatus) error {
	return r.db.WithContext(ctx).
		Model(&licenseModel{}).
		Where("id = ?", id).
		Update("sync_status", string(status)).Error
}

func (r *licenseRepository) MarkStaleAsFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&licenseModel{}).
		Where("sync_status = ?", string(domain.SyncStale)).
		Where("last_sync < ?", cutoff).
		Update("sync_status", string(domain.SyncFailed))
	return res.RowsAffected, res.Error
}

func (r *licenseRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := tx.Model(&licenseModel{}).
			Where("sync_status = ?", string(domain.SyncFailed)).
			Where("updated_at < ?", cutoff).
			Where("id NOT IN (?)", tx.Model(&sessionModel{}).Select("license_id")).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("license_id IN ?", ids).Delete(&fingerprintChangeModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&licenseModel{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

func (r *licenseRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.LicenseRecord, error) {
	var rec licenseModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.LicenseRecord{}, domain.ErrNotFound
		}
		return domain.LicenseRecord{}, err
	}
	return toDomainLicense(rec), nil
}

type fingerprintChangeRepository struct {
	db *gorm.DB
}

func (r *fingerprintChangeRepository) Insert(ctx context.Context, in domain.FingerprintChangeRecord) error {
	rec := fingerprintChangeModel{
		OldFingerprint: in.OldFingerprint,
		NewFingerprint: in.NewFingerprint,
		Reason:         in.Reason,
		LicenseID:      in.LicenseID,
		ActionTaken:    in.ActionTaken,
		ChangedAt:      in.ChangedAt,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *fingerprintChangeRepository) ListByLicense(ctx context.Context, licenseID uuid.UUID) ([]domain.FingerprintChangeRecord, error) {
	var rows []fingerprintChangeModel
	if err := r.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("changed_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.FingerprintChangeRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.FingerprintChangeRecord{
			ID:             row.ID,
			OldFingerprint: row.OldFingerprint,
			NewFingerprint: row.NewFingerprint,
			Reason:         row.Reason,
			LicenseID:      row.LicenseID,
			ActionTaken:    row.ActionTaken,
			ChangedAt:      row.ChangedAt,
		})
	}
	return result, nil
}

func toDomainLicense(row licenseModel) domain.LicenseRecord {
	features := domain.FeatureSet{}
	if row.Features != "" {
		var raw map[string]bool
		if err := json.Unmarshal([]byte(row.Features), &raw); err == nil {
			for name, enabled := range raw {
				features[domain.Feature(name)] = enabled
			}
		}
	}
	return domain.LicenseRecord{
		ID:                row.ID,
		MasterLicenseID:   row.MasterLicenseID,
		ServerFingerprint: row.ServerFingerprint,
		LicenseKey:        row.LicenseKey,
		OrganizationName:  row.OrganizationName,
		Status:            domain.LicenseStatus(row.Status),
		MaxUsers:          row.MaxUsers,
		MaxWebphoneUsers:  row.MaxWebphoneUsers,
		IssuedAt:          row.IssuedAt,
		ExpiresAt:         row.ExpiresAt,
		Features:          features,
		LicenseTypeName:   row.LicenseTypeName,
		LastSync:          row.LastSync,
		SyncStatus:        domain.SyncStatus(row.SyncStatus),
	}
}

func fromDomainLicense(in domain.LicenseRecord) (licenseModel, error) {
	raw := make(map[string]bool, len(in.Features))
	for name, enabled := range in.Features {
		raw[string(name)] = enabled
	}
	features, err := json.Marshal(raw)
	if err != nil {
		return licenseModel{}, err
	}
	return licenseModel{
		ID:                in.ID,
		MasterLicenseID:   in.MasterLicenseID,
		ServerFingerprint: in.ServerFingerprint,
		LicenseKey:        in.LicenseKey,
		OrganizationName:  in.OrganizationName,
		Status:            string(in.Status),
		MaxUsers:          in.MaxUsers,
		MaxWebphoneUsers:  in.MaxWebphoneUsers,
		IssuedAt:          in.IssuedAt,
		ExpiresAt:         in.ExpiresAt,
		Features:          string(features),
		LicenseTypeName:   in.LicenseTypeName,
		LastSync:          in.LastSync,
		SyncStatus:        string(in.SyncStatus),
	}, nil
}
