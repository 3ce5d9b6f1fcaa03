package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicegrid/licensing-service/internal/domain"
	"github.com/voicegrid/licensing-service/internal/ports"
)

// Validate is the pre-registration check. It resolves the live session for
// (user, feature): a matching device refreshes its heartbeat and keeps the
// session, a different device evicts the holder so the caller can create a
// fresh one. When the cache is down the durable store answers instead.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (ValidateResponse, error) {
	log := s.log().With("operation", "validate_session", "user_id", req.UserID, "feature", req.Feature)

	feature, userID, err := normalizeSessionInput(req.Feature, req.UserID, req.Username)
	if err != nil {
		return ValidateResponse{}, err
	}
	now := s.nowFn()

	entry, err := s.cache.ActiveSession(ctx, userID, feature)
	if err != nil {
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			return ValidateResponse{}, err
		}
		log.Warn("cache unavailable, validating against durable store", "outcome", "degraded")
		return s.validateDegraded(ctx, userID, feature, req.ClientFingerprint, now)
	}
	if entry == nil {
		return ValidateResponse{Status: StatusReadyToCreate}, nil
	}

	if entry.ClientFingerprint == req.ClientFingerprint {
		if herr := s.cache.Heartbeat(ctx, entry.SessionID, now, s.cfg.SessionTTL); herr != nil {
			log.Warn("cache heartbeat failed during validate", "session_id", entry.SessionID, "error", herr)
		}
		if herr := s.sessions.TouchHeartbeat(ctx, entry.SessionID, now, now.Add(s.cfg.SessionTTL)); herr != nil {
			log.Warn("durable heartbeat failed during validate", "session_id", entry.SessionID, "error", herr)
		}
		rec, rerr := s.sessions.GetByID(ctx, entry.SessionID)
		if rerr != nil {
			return ValidateResponse{Status: StatusValid, Session: cachedSessionView(entry, now, s.cfg.SessionTTL)}, nil
		}
		return ValidateResponse{Status: StatusValid, Session: sessionView(rec)}, nil
	}

	// Last admission wins: the newer device displaces the holder.
	log.Info("evicting session held by another device",
		"session_id", entry.SessionID,
		"outcome", "conflict_evicted",
	)
	if eerr := s.endAdmitted(ctx, entry.SessionID, entry.UserID, feature, entry.LicenseID, domain.SessionDisconnected, now); eerr != nil {
		log.Error("failed to evict conflicting session", "session_id", entry.SessionID, "error", eerr)
		return ValidateResponse{Status: StatusConflict}, nil
	}
	s.notifyActivity(entry.SessionID, userID, feature, "ended", s.activeCount(ctx, entry.LicenseID, feature))
	return ValidateResponse{
		Status:            StatusReadyToCreate,
		ReplacedSessionID: entry.SessionID.String(),
	}, nil
}

func (s *Service) validateDegraded(ctx context.Context, userID string, feature domain.Feature, clientFP string, now time.Time) (ValidateResponse, error) {
	rec, err := s.sessions.FindActive(ctx, userID, feature)
	if errors.Is(err, domain.ErrNotFound) {
		return ValidateResponse{Status: StatusReadyToCreate}, nil
	}
	if err != nil {
		return ValidateResponse{}, err
	}
	if rec.ClientFingerprint == clientFP {
		if herr := s.sessions.TouchHeartbeat(ctx, rec.SessionID, now, now.Add(s.cfg.SessionTTL)); herr != nil {
			s.log().Warn("durable heartbeat failed in degraded validate", "session_id", rec.SessionID, "error", herr)
		}
		return ValidateResponse{Status: StatusValid, Session: sessionView(rec)}, nil
	}
	if eerr := s.sessions.End(ctx, rec.SessionID, domain.SessionDisconnected, now); eerr != nil {
		return ValidateResponse{Status: StatusConflict}, nil
	}
	return ValidateResponse{Status: StatusReadyToCreate, ReplacedSessionID: rec.SessionID.String()}, nil
}

// Create admits a new session against the current license. Admission happens
// in the cache as one atomic increment-and-compare; the durable row is a
// backup write whose failure is logged but never rolls the admission back.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	log := s.log().With("operation", "create_session", "user_id", req.UserID, "feature", req.Feature)

	feature, userID, err := normalizeSessionInput(req.Feature, req.UserID, req.Username)
	if err != nil {
		return CreateResponse{}, err
	}
	if req.ClientFingerprint == "" {
		return CreateResponse{}, fmt.Errorf("%w: client fingerprint required", domain.ErrInvalidInput)
	}

	license, err := s.GetCurrentLicense(ctx)
	if err != nil {
		return CreateResponse{}, err
	}
	if license.Status != domain.LicenseActive {
		return CreateResponse{}, fmt.Errorf("%w: license status %s", domain.ErrLicenseInactive, license.Status)
	}
	if !license.Features.Enabled(feature) {
		return CreateResponse{}, fmt.Errorf("%w: %s", domain.ErrFeatureDisabled, feature)
	}
	quota := license.QuotaFor(feature)
	if quota <= 0 {
		return CreateResponse{}, newLimitError(feature, 0, 0)
	}
	now := s.nowFn()

	// A survivor for the same user must yield before a new admission, or the
	// one-session-per-user invariant breaks across devices.
	if prev, cerr := s.cache.ActiveSession(ctx, userID, feature); cerr == nil && prev != nil {
		if prev.ClientFingerprint == req.ClientFingerprint {
			return CreateResponse{}, fmt.Errorf("%w: session already active for this device", domain.ErrSessionConflict)
		}
		if eerr := s.endAdmitted(ctx, prev.SessionID, prev.UserID, feature, prev.LicenseID, domain.SessionDisconnected, now); eerr != nil {
			log.Error("failed to displace previous session", "session_id", prev.SessionID, "error", eerr)
			return CreateResponse{}, fmt.Errorf("%w: previous session could not be ended", domain.ErrSessionConflict)
		}
		log.Info("displaced previous session for new device", "session_id", prev.SessionID)
	}

	sessionID := uuid.New()
	entry := ports.CachedSession{
		SessionID:         sessionID,
		UserID:            userID,
		Username:          req.Username,
		Feature:           feature,
		LicenseID:         license.ID,
		ClientFingerprint: req.ClientFingerprint,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		CreatedAt:         now,
		LastHeartbeat:     now,
	}

	current, err := s.cache.Admit(ctx, entry, quota, s.cfg.SessionTTL)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLimitExceeded):
		log.Info("admission rejected at quota",
			"max_users", quota,
			"current_users", current,
			"outcome", "limit_exceeded",
		)
		return CreateResponse{}, newLimitError(feature, quota, current)
	case errors.Is(err, domain.ErrStoreUnavailable):
		log.Warn("cache unavailable, admitting via durable store", "outcome", "degraded")
		count, cerr := s.sessions.CountActive(ctx, license.ID, feature)
		if cerr != nil {
			// Reject-safe: with neither store answering no admission happens.
			return CreateResponse{}, fmt.Errorf("%w: degraded admission check failed: %v", domain.ErrStoreUnavailable, cerr)
		}
		if int(count) >= quota {
			return CreateResponse{}, newLimitError(feature, quota, int(count))
		}
		current = int(count) + 1
	default:
		return CreateResponse{}, err
	}

	token, err := s.tokenSigner.Sign(ports.SessionClaims{
		SessionID:         sessionID,
		LicenseID:         license.ID,
		UserID:            userID,
		SIPUser:           req.Username,
		ClientFingerprint: req.ClientFingerprint,
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.TokenTTL),
	})
	if err != nil {
		// The admission already happened; release it rather than strand a slot.
		if rerr := s.cache.Remove(ctx, sessionID, userID, feature, license.ID); rerr != nil {
			log.Error("failed to release admission after signing failure", "session_id", sessionID, "error", rerr)
		}
		return CreateResponse{}, fmt.Errorf("sign session token: %w", err)
	}

	expiresAt := now.Add(s.cfg.SessionTTL)
	if _, derr := s.sessions.Create(ctx, ports.SessionCreateParams{
		SessionID:         sessionID,
		SessionToken:      token,
		UserID:            userID,
		Username:          req.Username,
		Feature:           feature,
		LicenseID:         license.ID,
		MasterLicenseID:   license.MasterLicenseID,
		ClientFingerprint: req.ClientFingerprint,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
	}); derr != nil {
		// The cache admission stands; reconciliation squares the stores later.
		log.Error("durable session write failed after admission",
			"session_id", sessionID,
			"error", derr,
			"outcome", "backup_write_failed",
		)
	}

	s.notifyActivity(sessionID, userID, feature, "created", current)
	log.Info("session admitted",
		"session_id", sessionID,
		"max_users", quota,
		"current_users", current,
		"outcome", "success",
	)
	return CreateResponse{
		SessionID:    sessionID.String(),
		SessionToken: token,
		Feature:      string(feature),
		MaxUsers:     quota,
		CurrentUsers: current,
		ExpiresAt:    expiresAt,
	}, nil
}

// AtomicSetup runs Validate and, unless a live session already covers this
// device, Create, as one call so clients need a single round trip.
func (s *Service) AtomicSetup(ctx context.Context, req CreateRequest) (SetupResponse, error) {
	v, err := s.Validate(ctx, ValidateRequest(req))
	if err != nil {
		return SetupResponse{}, err
	}
	switch v.Status {
	case StatusValid:
		rec, rerr := s.sessions.GetByID(ctx, mustUUID(v.Session.SessionID))
		if rerr == nil {
			return SetupResponse{
				Created: false,
				Session: CreateResponse{
					SessionID:    rec.SessionID.String(),
					SessionToken: rec.SessionToken,
					Feature:      string(rec.Feature),
					ExpiresAt:    rec.ExpiresAt,
				},
			}, nil
		}
		// Durable row lost; fall through and mint a fresh session.
		if ferr := s.ForceCleanup(ctx, req.UserID, req.Feature); ferr != nil {
			return SetupResponse{}, ferr
		}
	case StatusConflict:
		return SetupResponse{}, fmt.Errorf("%w: held by another device", domain.ErrSessionConflict)
	}

	created, err := s.Create(ctx, req)
	if err != nil {
		return SetupResponse{}, err
	}
	return SetupResponse{Created: true, Session: created}, nil
}

// Heartbeat refreshes liveness in both stores. Unknown sessions are a no-op.
func (s *Service) Heartbeat(ctx context.Context, sessionID string) error {
	id, err := parseUUID(sessionID)
	if err != nil {
		return fmt.Errorf("%w: session id", domain.ErrInvalidInput)
	}
	now := s.nowFn()
	if cerr := s.cache.Heartbeat(ctx, id, now, s.cfg.SessionTTL); cerr != nil {
		s.log().Warn("cache heartbeat failed",
			"operation", "heartbeat",
			"session_id", id,
			"error", cerr,
		)
	}
	return s.sessions.TouchHeartbeat(ctx, id, now, now.Add(s.cfg.SessionTTL))
}

// End terminates a session in both stores. Ending an unknown or already-ended
// session succeeds silently.
func (s *Service) End(ctx context.Context, sessionID string) error {
	id, err := parseUUID(sessionID)
	if err != nil {
		return fmt.Errorf("%w: session id", domain.ErrInvalidInput)
	}
	now := s.nowFn()

	entry, cerr := s.cache.Session(ctx, id)
	if cerr == nil && entry != nil {
		if err := s.endAdmitted(ctx, id, entry.UserID, entry.Feature, entry.LicenseID, domain.SessionDisconnected, now); err != nil {
			return err
		}
		s.notifyActivity(id, entry.UserID, entry.Feature, "ended", s.activeCount(ctx, entry.LicenseID, entry.Feature))
		return nil
	}

	// Cache entry gone or cache down: settle the durable row only. The
	// counter for a vanished cache entry was already released with it.
	rec, rerr := s.sessions.GetByID(ctx, id)
	if errors.Is(rerr, domain.ErrNotFound) {
		return nil
	}
	if rerr != nil {
		return rerr
	}
	if err := s.sessions.End(ctx, id, domain.SessionDisconnected, now); err != nil {
		return err
	}
	if cerr != nil {
		// Cache was unreachable; best effort release once it returns is the
		// reconciler's job, but try the decrement anyway.
		if rerr := s.cache.Remove(ctx, id, rec.UserID, rec.Feature, rec.LicenseID); rerr != nil {
			s.log().Warn("cache release failed during end",
				"operation", "end_session",
				"session_id", id,
				"error", rerr,
			)
		}
	}
	s.notifyActivity(id, rec.UserID, rec.Feature, "ended", s.activeCount(ctx, rec.LicenseID, rec.Feature))
	return nil
}

// EndAllForUsername terminates every live session of a username across
// features. Used when an account is disabled upstream.
func (s *Service) EndAllForUsername(ctx context.Context, username string) (int, error) {
	if username == "" {
		return 0, fmt.Errorf("%w: username required", domain.ErrInvalidInput)
	}
	recs, err := s.sessions.ListActiveByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	now := s.nowFn()
	ended := 0
	for _, rec := range recs {
		if err := s.endAdmitted(ctx, rec.SessionID, rec.UserID, rec.Feature, rec.LicenseID, domain.SessionDisconnected, now); err != nil {
			s.log().Warn("failed to end session for user",
				"operation", "end_all_for_username",
				"session_id", rec.SessionID,
				"error", err,
			)
			continue
		}
		s.notifyActivity(rec.SessionID, rec.UserID, rec.Feature, "ended", s.activeCount(ctx, rec.LicenseID, rec.Feature))
		ended++
	}
	return ended, nil
}

// ForceCleanup removes every trace of (user, feature) from both stores. It
// never fails the caller; leftovers are swept by reconciliation.
func (s *Service) ForceCleanup(ctx context.Context, userIDRaw, featureRaw string) error {
	feature, userID, err := normalizeSessionInput(featureRaw, userIDRaw, userIDRaw)
	if err != nil {
		return err
	}
	log := s.log().With("operation", "force_cleanup", "user_id", userID, "feature", feature)
	now := s.nowFn()

	if entry, cerr := s.cache.ActiveSession(ctx, userID, feature); cerr == nil && entry != nil {
		if rerr := s.cache.Remove(ctx, entry.SessionID, entry.UserID, feature, entry.LicenseID); rerr != nil {
			log.Warn("cache cleanup failed", "session_id", entry.SessionID, "error", rerr)
		}
		if derr := s.sessions.End(ctx, entry.SessionID, domain.SessionDisconnected, now); derr != nil {
			log.Warn("durable cleanup failed", "session_id", entry.SessionID, "error", derr)
		}
	}
	if rec, rerr := s.sessions.FindActive(ctx, userID, feature); rerr == nil {
		if derr := s.sessions.End(ctx, rec.SessionID, domain.SessionDisconnected, now); derr != nil {
			log.Warn("durable cleanup failed", "session_id", rec.SessionID, "error", derr)
		}
		if cerr := s.cache.Remove(ctx, rec.SessionID, rec.UserID, feature, rec.LicenseID); cerr != nil {
			log.Warn("cache cleanup failed", "session_id", rec.SessionID, "error", cerr)
		}
	}
	log.Info("forced cleanup completed", "outcome", "success")
	return nil
}

// SessionsForUsername lists the live sessions of a username.
func (s *Service) SessionsForUsername(ctx context.Context, username string) ([]SessionView, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username required", domain.ErrInvalidInput)
	}
	recs, err := s.sessions.ListActiveByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, *sessionView(rec))
	}
	return views, nil
}

// ValidateSessionToken answers the media layer when a device presents its
// token at registration. A valid signature alone is not enough; the session
// behind it must still be live.
func (s *Service) ValidateSessionToken(ctx context.Context, token string) (TokenValidation, error) {
	claims, err := s.tokenSigner.ParseAndValidate(token)
	if err != nil {
		return TokenValidation{Valid: false, Reason: "invalid token"}, nil
	}
	now := s.nowFn()

	live := false
	if entry, cerr := s.cache.Session(ctx, claims.SessionID); cerr == nil {
		live = entry != nil
	} else {
		rec, rerr := s.sessions.GetByID(ctx, claims.SessionID)
		if rerr == nil {
			live = rec.Live(now)
		}
	}
	if !live {
		return TokenValidation{Valid: false, Reason: "session not active"}, nil
	}

	license, err := s.licenses.GetByID(ctx, claims.LicenseID)
	if err != nil || !license.Usable() {
		return TokenValidation{Valid: false, Reason: "license not usable"}, nil
	}
	features := make(map[string]bool, len(license.Features))
	for f, enabled := range license.Features {
		features[string(f)] = enabled
	}
	return TokenValidation{
		Valid:    true,
		UserID:   claims.UserID,
		SIPUser:  claims.SIPUser,
		MaxUsers: license.MaxUsers,
		Features: features,
	}, nil
}

// Ready reports whether the admission path is serviceable. The durable store
// is required; a cache outage only degrades admission, so it is logged but
// does not fail readiness.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		s.log().WarnContext(ctx, "cache unreachable, admission degraded",
			"operation", "ready",
			"outcome", "degraded",
			"error", err,
		)
	}
	return nil
}

// endAdmitted releases a session from the cache first, then settles the
// durable row. Both halves are idempotent.
func (s *Service) endAdmitted(ctx context.Context, sessionID uuid.UUID, userID string, feature domain.Feature, licenseID uuid.UUID, status domain.SessionStatus, now time.Time) error {
	if err := s.cache.Remove(ctx, sessionID, userID, feature, licenseID); err != nil {
		return err
	}
	if err := s.sessions.End(ctx, sessionID, status, now); err != nil {
		s.log().Warn("durable end failed after cache release",
			"operation", "end_session",
			"session_id", sessionID,
			"error", err,
		)
	}
	return nil
}

// activeCount reads the post-event counter for activity reports. Best effort:
// a cache outage reads as zero rather than failing the caller.
func (s *Service) activeCount(ctx context.Context, licenseID uuid.UUID, feature domain.Feature) int {
	n, err := s.cache.Count(ctx, licenseID, feature)
	if err != nil {
		return 0
	}
	return n
}

// notifyActivity reports a session event to the master off the request path.
// currentUsers is the concurrent total after the event took effect.
func (s *Service) notifyActivity(sessionID uuid.UUID, userID string, feature domain.Feature, action string, currentUsers int) {
	activity := ports.SessionActivity{
		Action:       action,
		SessionID:    sessionID,
		UserID:       userID,
		Feature:      feature,
		CurrentUsers: currentUsers,
		OccurredAt:   s.nowFn(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.master.NotifySessionActivity(ctx, activity)
	}()
}

// LimitError carries the quota numbers so transport layers can report them.
type LimitError struct {
	Feature      domain.Feature
	MaxUsers     int
	CurrentUsers int
}

func newLimitError(feature domain.Feature, max, current int) *LimitError {
	return &LimitError{Feature: feature, MaxUsers: max, CurrentUsers: current}
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("concurrent session limit reached for %s: %d of %d in use", e.Feature, e.CurrentUsers, e.MaxUsers)
}

func (e *LimitError) Unwrap() error { return domain.ErrLimitExceeded }

func normalizeSessionInput(featureRaw, userID, username string) (domain.Feature, string, error) {
	feature, err := domain.ParseFeature(strings.ToLower(strings.TrimSpace(featureRaw)))
	if err != nil {
		return "", "", fmt.Errorf("%w: unknown feature %q", domain.ErrInvalidInput, featureRaw)
	}
	id := strings.TrimSpace(userID)
	if id == "" {
		id = strings.TrimSpace(username)
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: user id required", domain.ErrInvalidInput)
	}
	return feature, id, nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(raw))
}

func mustUUID(raw string) uuid.UUID {
	id, _ := uuid.Parse(raw)
	return id
}

func cachedSessionView(entry *ports.CachedSession, now time.Time, ttl time.Duration) *SessionView {
	hb := entry.LastHeartbeat
	return &SessionView{
		SessionID:     entry.SessionID.String(),
		UserID:        entry.UserID,
		Username:      entry.Username,
		Feature:       string(entry.Feature),
		Status:        string(domain.SessionActive),
		IPAddress:     entry.IPAddress,
		LastHeartbeat: &hb,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     entry.CreatedAt,
	}
}
