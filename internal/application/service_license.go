package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voicegrid/licensing-service/internal/domain"
	"github.com/voicegrid/licensing-service/internal/ports"
)

// GetCurrentLicense resolves the license the slave enforces right now. The
// resolution order is: usable cached record (refreshed in the background when
// stale), synchronous fetch from the master, grace-period fallback to the last
// known record, and finally the synthesized offline development license.
func (s *Service) GetCurrentLicense(ctx context.Context) (domain.LicenseRecord, error) {
	log := s.log().With("operation", "get_current_license")

	fp, err := s.fingerprint.Current()
	if err != nil {
		return domain.LicenseRecord{}, fmt.Errorf("%w: host fingerprint unavailable: %v", domain.ErrNoLicense, err)
	}
	now := s.nowFn()

	rec, err := s.licenses.FindCurrent(ctx, fp)
	if err == nil {
		age := now.Sub(rec.LastSync)
		if age <= s.cfg.LicenseTTL {
			return rec, nil
		}
		if age <= s.cfg.LicenseGracePeriod {
			// Serve the stale copy and refresh off the request path.
			if rec.SyncStatus != domain.SyncStale {
				if serr := s.licenses.SetSyncStatus(ctx, rec.ID, domain.SyncStale); serr != nil {
					log.Warn("failed to flag license stale", "license_id", rec.ID, "error", serr)
				} else {
					rec.SyncStatus = domain.SyncStale
				}
			}
			s.triggerBackgroundRefresh()
			return rec, nil
		}
		// Past grace the stale copy may no longer be trusted; block on a
		// refresh and fall through to the fallback chain if it fails.
		log.Warn("cached license beyond grace period, forcing synchronous refresh",
			"license_id", rec.ID,
			"last_sync", rec.LastSync,
		)
	} else if !errors.Is(err, domain.ErrNotFound) {
		log.Error("license lookup failed, attempting master fetch", "error", err)
	} else {
		s.auditFingerprintDrift(ctx, fp, now)
	}

	synced, ferr := s.SyncFromMaster(ctx)
	if ferr == nil {
		return synced, nil
	}
	log.Warn("master fetch failed", "error", ferr)

	cutoff := now.Add(-s.cfg.LicenseGracePeriod)
	fallback, gerr := s.licenses.FindLatestWithinGrace(ctx, cutoff)
	if gerr == nil {
		if fallback.SyncStatus == domain.SyncSynced {
			if serr := s.licenses.SetSyncStatus(ctx, fallback.ID, domain.SyncStale); serr == nil {
				fallback.SyncStatus = domain.SyncStale
			}
		}
		log.Warn("serving last known license within grace period",
			"license_id", fallback.ID,
			"last_sync", fallback.LastSync,
			"outcome", "stale_fallback",
		)
		return fallback, nil
	}
	if !errors.Is(gerr, domain.ErrNotFound) {
		log.Error("grace fallback lookup failed", "error", gerr)
	}

	offline := domain.NewOfflineLicense(fp, s.cfg.OfflineMaxUsers, now)
	stored, uerr := s.licenses.UpsertByMasterID(ctx, offline)
	if uerr != nil {
		log.Error("failed to persist offline license", "error", uerr)
		return domain.LicenseRecord{}, fmt.Errorf("%w: %v", domain.ErrNoLicense, uerr)
	}
	log.Warn("operating on offline development license",
		"max_users", stored.MaxUsers,
		"outcome", "offline_fallback",
	)
	return stored, nil
}

// SyncFromMaster fetches the license bound to this host and persists it,
// invalidating any sibling records left from a previous license assignment.
// Retryable fetch failures are retried with a fixed delay.
func (s *Service) SyncFromMaster(ctx context.Context) (domain.LicenseRecord, error) {
	log := s.log().With("operation", "sync_from_master")

	fp, err := s.fingerprint.Current()
	if err != nil {
		return domain.LicenseRecord{}, fmt.Errorf("host fingerprint unavailable: %w", err)
	}

	var payload ports.MasterLicense
	for attempt := 0; ; attempt++ {
		payload, err = s.master.FetchLicense(ctx, fp)
		if err == nil {
			break
		}
		var retryable *ports.RetryableError
		if attempt >= s.cfg.FetchRetries || !errors.As(err, &retryable) {
			return domain.LicenseRecord{}, err
		}
		log.Warn("license fetch failed, retrying",
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return domain.LicenseRecord{}, fmt.Errorf("%w: %v", domain.ErrSyncUnavailable, ctx.Err())
		case <-time.After(s.cfg.FetchRetryDelay):
		}
	}

	now := s.nowFn()
	rec := domain.LicenseRecord{
		MasterLicenseID:   payload.MasterLicenseID,
		ServerFingerprint: fp,
		OrganizationName:  payload.OrganizationName,
		Status:            payload.Status,
		MaxUsers:          payload.MaxUsers,
		MaxWebphoneUsers:  payload.MaxWebphoneUsers,
		IssuedAt:          payload.IssuedAt,
		ExpiresAt:         payload.ExpiresAt,
		Features:          payload.Features.Clone(),
		LicenseTypeName:   payload.LicenseTypeName,
		LastSync:          now,
		SyncStatus:        domain.SyncSynced,
	}
	if payload.LicenseKey != "" {
		key := payload.LicenseKey
		rec.LicenseKey = &key
	}

	stored, err := s.licenses.UpsertByMasterID(ctx, rec)
	if err != nil {
		return domain.LicenseRecord{}, fmt.Errorf("persist synced license: %w", err)
	}
	if err := s.licenses.InvalidateOthers(ctx, fp, stored.MasterLicenseID); err != nil {
		log.Warn("failed to invalidate superseded licenses", "error", err)
	}

	log.Info("license synced from master",
		"master_license_id", stored.MasterLicenseID,
		"status", stored.Status,
		"max_users", stored.MaxUsers,
		"expires_at", stored.ExpiresAt,
		"outcome", "success",
	)
	return stored, nil
}

// CurrentLicenseView returns the externally safe projection of the current
// license. The raw key never crosses this boundary.
func (s *Service) CurrentLicenseView(ctx context.Context) (LicenseView, error) {
	rec, err := s.GetCurrentLicense(ctx)
	if err != nil {
		return LicenseView{}, err
	}
	return licenseView(rec), nil
}

// FingerprintChanges lists the audit trail for a license.
func (s *Service) FingerprintChanges(ctx context.Context, licenseID string) ([]domain.FingerprintChangeRecord, error) {
	id, err := parseUUID(licenseID)
	if err != nil {
		return nil, fmt.Errorf("%w: license id", domain.ErrInvalidInput)
	}
	return s.fingerprints.ListByLicense(ctx, id)
}

// auditFingerprintDrift records when the host identity no longer matches the
// license on disk, then flags that license for refetch.
func (s *Service) auditFingerprintDrift(ctx context.Context, currentFP string, now time.Time) {
	prev, err := s.licenses.FindLatestUsable(ctx)
	if err != nil || prev.ServerFingerprint == currentFP {
		return
	}
	log := s.log().With("operation", "fingerprint_drift")
	if serr := s.licenses.SetSyncStatus(ctx, prev.ID, domain.SyncStale); serr != nil {
		log.Warn("failed to flag drifted license stale", "license_id", prev.ID, "error", serr)
	}
	audit := domain.FingerprintChangeRecord{
		OldFingerprint: prev.ServerFingerprint,
		NewFingerprint: currentFP,
		Reason:         "host fingerprint changed",
		LicenseID:      prev.ID,
		ActionTaken:    "license flagged stale, refetching from master",
		ChangedAt:      now,
	}
	if ierr := s.fingerprints.Insert(ctx, audit); ierr != nil {
		log.Warn("failed to record fingerprint change", "error", ierr)
	}
	log.Warn("host fingerprint drift detected",
		"license_id", prev.ID,
		"old_fingerprint", prev.ServerFingerprint,
		"new_fingerprint", currentFP,
	)
}

// triggerBackgroundRefresh starts a single detached sync; overlapping triggers
// collapse into the in-flight one.
func (s *Service) triggerBackgroundRefresh() {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.SyncFromMaster(ctx); err != nil {
			s.log().Warn("background license refresh failed",
				"operation", "background_refresh",
				"error", err,
			)
		}
	}()
}
