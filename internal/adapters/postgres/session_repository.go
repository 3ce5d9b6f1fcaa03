package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voicegrid/licensing-service/internal/domain"
	"github.com/voicegrid/licensing-service/internal/ports"
	"gorm.io/gorm"
)

type sessionRepository struct {
	db *gorm.DB
}

func (r *sessionRepository) Create(ctx context.Context, params ports.SessionCreateParams) (domain.SessionRecord, error) {
	heartbeat := params.CreatedAt
	rec := sessionModel{
		SessionID:         params.SessionID,
		SessionToken:      params.SessionToken,
		UserID:            params.UserID,
		Username:          params.Username,
		Feature:           string(params.Feature),
		LicenseID:         params.LicenseID,
		MasterLicenseID:   params.MasterLicenseID,
		ClientFingerprint: params.ClientFingerprint,
		IPAddress:         nullableString(params.IPAddress),
		UserAgent:         params.UserAgent,
		Status:            string(domain.SessionActive),
		LastHeartbeat:     &heartbeat,
		ExpiresAt:         params.ExpiresAt,
		CreatedAt:         params.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.SessionRecord{}, domain.ErrConflict
		}
		return domain.SessionRecord{}, err
	}
	return toDomainSession(rec), nil
}

func (r *sessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (domain.SessionRecord, error) {
	var rec sessionModel
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SessionRecord{}, domain.ErrNotFound
		}
		return domain.SessionRecord{}, err
	}
	return toDomainSession(rec), nil
}

func (r *sessionRepository) FindActive(ctx context.Context, userID string, feature domain.Feature) (domain.SessionRecord, error) {
	var rec sessionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("feature = ?", string(feature)).
		Where("status = ?", string(domain.SessionActive)).
		Where("expires_at > ?", time.Now().UTC()).
		Order("created_at DESC").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SessionRecord{}, domain.ErrNotFound
		}
		return domain.SessionRecord{}, err
	}
	return toDomainSession(rec), nil
}

func (r *sessionRepository) ListActiveByUsername(ctx context.Context, username string) ([]domain.SessionRecord, error) {
	var rows []sessionModel
	err := r.db.WithContext(ctx).
		Where("username = ?", username).
		Where("status = ?", string(domain.SessionActive)).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.SessionRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, toDomainSession(row))
	}
	return result, nil
}

func (r *sessionRepository) CountActive(ctx context.Context, licenseID uuid.UUID, feature domain.Feature) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("license_id = ?", licenseID).
		Where("feature = ?", string(feature)).
		Where("status = ?", string(domain.SessionActive)).
		Where("expires_at > ?", time.Now().UTC()).
		Count(&count).Error
	return count, err
}

func (r *sessionRepository) TouchHeartbeat(ctx context.Context, sessionID uuid.UUID, at time.Time, expiresAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("session_id = ?", sessionID).
		Where("status = ?", string(domain.SessionActive)).
		Updates(map[string]any{
			"last_heartbeat": at,
			"expires_at":     expiresAt,
		}).Error
}

func (r *sessionRepository) End(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, endedAt time.Time) error {
	// Only active rows transition; repeating the call is a silent success.
	return r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("session_id = ?", sessionID).
		Where("status = ?", string(domain.SessionActive)).
		Updates(map[string]any{
			"status":   string(status),
			"ended_at": endedAt,
		}).Error
}

func (r *sessionRepository) ExistsActive(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("session_id = ?", sessionID).
		Where("status = ?", string(domain.SessionActive)).
		Where("expires_at > ?", time.Now().UTC()).
		Count(&count).Error
	return count > 0, err
}

func (r *sessionRepository) DeleteOrphaned(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("license_id NOT IN (?)", r.db.Model(&licenseModel{}).Select("id")).
		Delete(&sessionModel{})
	return res.RowsAffected, res.Error
}

func (r *sessionRepository) ExpireStale(ctx context.Context, absoluteCutoff, heartbeatCutoff, startupCutoff, endedAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("status = ?", string(domain.SessionActive)).
		Where(
			r.db.Where("created_at < ?", absoluteCutoff).
				Or("last_heartbeat < ?", heartbeatCutoff).
				Or("last_heartbeat IS NULL AND created_at < ?", startupCutoff),
		).
		Updates(map[string]any{
			"status":   string(domain.SessionExpired),
			"ended_at": endedAt,
		})
	return res.RowsAffected, res.Error
}

func (r *sessionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toDomainSession(row sessionModel) domain.SessionRecord {
	ip := ""
	if row.IPAddress != nil {
		ip = *row.IPAddress
	}
	return domain.SessionRecord{
		SessionID:         row.SessionID,
		SessionToken:      row.SessionToken,
		UserID:            row.UserID,
		Username:          row.Username,
		Feature:           domain.Feature(row.Feature),
		LicenseID:         row.LicenseID,
		MasterLicenseID:   row.MasterLicenseID,
		ClientFingerprint: row.ClientFingerprint,
		IPAddress:         ip,
		UserAgent:         row.UserAgent,
		Status:            domain.SessionStatus(row.Status),
		LastHeartbeat:     row.LastHeartbeat,
		ExpiresAt:         row.ExpiresAt,
		CreatedAt:         row.CreatedAt,
		EndedAt:           row.EndedAt,
	}
}

func nullableString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
